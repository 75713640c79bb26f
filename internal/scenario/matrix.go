package scenario

import (
	"context"
	"fmt"

	"github.com/dantte-lp/quicmig/internal/transport"
)

// Case is one runnable entry of the scenario matrix.
type Case struct {
	Name   string
	Kind   Kind
	Params Params
	Run    func(ctx context.Context) (Report, error)
}

// entry returns the Runner method implementing k.
func (r *Runner) entry(k Kind) func(context.Context, Params) (Report, error) {
	switch k {
	case KindHandshake:
		return r.Handshake
	case KindLocalPathChanges:
		return r.LocalPathChanges
	case KindProbePath:
		return r.ProbePath
	case KindProbePathFailed:
		return r.ProbePathFailed
	case KindMigration:
		return r.Migration
	case KindMultipleLocalAddresses:
		return r.MultipleLocalAddresses
	case KindAddressDiscovery:
		return r.AddressDiscovery
	case KindServerProbePath:
		return r.ServerProbePath
	case KindServerMigration:
		return r.ServerMigration
	default:
		return nil
	}
}

// Matrix enumerates every scenario over the parameters each kind is
// defined on, in Kinds order. With no families, both are used.
// Server-initiated scenarios always share the client binding.
func (r *Runner) Matrix(families ...transport.Family) []Case {
	if len(families) == 0 {
		families = transport.Families
	}

	var cases []Case
	add := func(k Kind, p Params) {
		run := r.entry(k)
		cases = append(cases, Case{
			Name:   p.Name(k),
			Kind:   k,
			Params: p,
			Run: func(ctx context.Context) (Report, error) {
				return run(ctx, p)
			},
		})
	}

	bools := []bool{false, true}
	for _, k := range Kinds {
		for _, f := range families {
			switch k {
			case KindHandshake, KindLocalPathChanges, KindAddressDiscovery:
				add(k, Params{Family: f})

			case KindProbePath, KindMultipleLocalAddresses:
				for _, share := range bools {
					for _, deferID := range bools {
						for _, drops := range DropCounts {
							add(k, Params{Family: f, ShareBinding: share, DeferConnID: deferID, Drops: drops})
						}
					}
				}

			case KindProbePathFailed:
				for _, share := range bools {
					add(k, Params{Family: f, ShareBinding: share})
				}

			case KindMigration:
				for _, share := range bools {
					for _, change := range AddressChanges {
						for _, m := range Migrations {
							add(k, Params{Family: f, ShareBinding: share, Change: change, Migration: m})
						}
					}
				}

			case KindServerProbePath:
				for _, deferID := range bools {
					for _, drops := range DropCounts {
						add(k, Params{Family: f, ShareBinding: true, DeferConnID: deferID, Drops: drops})
					}
				}

			case KindServerMigration:
				for _, change := range AddressChanges {
					for _, m := range Migrations {
						add(k, Params{Family: f, ShareBinding: true, Change: change, Migration: m})
					}
				}
			}
		}
	}
	return cases
}

// Filter keeps the cases whose kind is in kinds. With no kinds, cases is
// returned unchanged.
func Filter(cases []Case, kinds ...Kind) []Case {
	if len(kinds) == 0 {
		return cases
	}
	want := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}
	out := cases[:0:0]
	for _, c := range cases {
		if want[c.Kind] {
			out = append(out, c)
		}
	}
	return out
}

// ParseKind maps a kind name to a Kind.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("scenario kind %q: %w", s, transport.ErrInvalidParameter)
}
