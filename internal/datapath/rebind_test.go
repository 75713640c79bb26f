package datapath_test

import (
	"net/netip"
	"testing"

	"github.com/dantte-lp/quicmig/internal/datapath"
	"github.com/dantte-lp/quicmig/internal/transport"
)

func TestRebinderRewritesBothDirections(t *testing.T) {
	t.Parallel()

	orig := netip.MustParseAddrPort("127.0.0.1:50000")
	next := netip.MustParseAddrPort("127.0.0.1:50001")
	server := netip.MustParseAddrPort("127.0.0.1:4433")

	reg := newMockRegistry()
	r := datapath.NewRebinder(reg, orig)
	t.Cleanup(r.Close)

	// Identity until SetNew.
	d := &transport.Datagram{Local: server, Remote: orig}
	r.Receive(d)
	if d.Remote != orig {
		t.Errorf("identity Receive rewrote to %v", d.Remote)
	}

	r.SetNew(next)
	if r.New() != next || r.Original() != orig {
		t.Fatalf("New() = %v, Original() = %v", r.New(), r.Original())
	}

	in := &transport.Datagram{Local: server, Remote: orig}
	r.Receive(in)
	if in.Remote != next {
		t.Errorf("Receive: Remote = %v, want %v", in.Remote, next)
	}

	out := &transport.Datagram{Local: server, Remote: next}
	r.Send(out)
	if out.Remote != orig {
		t.Errorf("Send: Remote = %v, want %v", out.Remote, orig)
	}

	// Traffic toward the server is untouched.
	up := &transport.Datagram{Local: orig, Remote: server}
	r.Send(up)
	if up.Remote != server {
		t.Errorf("Send to server rewritten to %v", up.Remote)
	}
}
