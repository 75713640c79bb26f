package datapath_test

import (
	"log/slog"
	"net/netip"
	"testing"

	"github.com/dantte-lp/quicmig/internal/datapath"
	"github.com/dantte-lp/quicmig/internal/transport"
)

var (
	serverAddr    = netip.MustParseAddrPort("127.0.0.1:4433")
	candidateAddr = netip.MustParseAddrPort("127.0.0.1:50001")
)

// challengeAtServer is a probe from the candidate address received by the
// server.
func challengeAtServer() *transport.Datagram {
	return &transport.Datagram{Local: serverAddr, Remote: candidateAddr, Kind: transport.KindPathChallenge}
}

// responseAtClient is a probe reply received on the candidate socket.
func responseAtClient() *transport.Datagram {
	return &transport.Datagram{Local: candidateAddr, Remote: serverAddr, Kind: transport.KindPathResponse}
}

func newObserver(t *testing.T, reg transport.HookRegistry, cfg datapath.ObserverConfig) *datapath.Observer {
	t.Helper()
	o := datapath.NewObserver(reg, cfg, datapath.WithObserverLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(o.Close)
	return o
}

func TestObserverNoDrops(t *testing.T) {
	t.Parallel()

	reg := newMockRegistry()
	o := newObserver(t, reg, datapath.ObserverConfig{Port: candidateAddr.Port()})

	if reg.receive(challengeAtServer()) {
		t.Fatal("challenge dropped with zero budget")
	}
	if !o.ServerReceived().IsSet() {
		t.Error("ServerReceived not set after challenge")
	}
	if o.ClientReceived().IsSet() {
		t.Error("ClientReceived set before any response")
	}

	reg.receive(responseAtClient())
	if !o.ClientReceived().IsSet() {
		t.Error("ClientReceived not set after response")
	}
}

func TestObserverDropBudget(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		drops uint8
	}{
		{name: "one", drops: 1},
		{name: "three", drops: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reg := newMockRegistry()
			o := newObserver(t, reg, datapath.ObserverConfig{
				Port:        candidateAddr.Port(),
				ServerDrops: tt.drops,
				ClientDrops: tt.drops,
			})

			for i := range int(tt.drops) {
				if !reg.receive(challengeAtServer()) {
					t.Fatalf("challenge %d not dropped", i)
				}
				if o.ServerReceived().IsSet() {
					t.Fatalf("ServerReceived set during drop %d", i)
				}
			}
			if reg.receive(challengeAtServer()) {
				t.Fatal("challenge past budget dropped")
			}
			if !o.ServerReceived().IsSet() {
				t.Error("ServerReceived not set past budget")
			}

			// Client direction has its own budget.
			for range int(tt.drops) {
				reg.receive(responseAtClient())
			}
			if o.ClientReceived().IsSet() {
				t.Error("ClientReceived set inside budget")
			}
			reg.receive(responseAtClient())
			if !o.ClientReceived().IsSet() {
				t.Error("ClientReceived not set past budget")
			}

			if got, want := o.Dropped(), uint64(2*tt.drops); got != want {
				t.Errorf("Dropped() = %d, want %d", got, want)
			}
		})
	}
}

func TestObserverDropForeverNeverFires(t *testing.T) {
	t.Parallel()

	reg := newMockRegistry()
	o := newObserver(t, reg, datapath.ObserverConfig{
		Port:        candidateAddr.Port(),
		ServerDrops: datapath.DropForever,
		ClientDrops: datapath.DropForever,
	})

	for range 32 {
		reg.receive(challengeAtServer())
		reg.receive(responseAtClient())
	}
	if o.ServerReceived().IsSet() || o.ClientReceived().IsSet() {
		t.Error("signal fired with unbounded drop budget")
	}
}

func TestObserverIgnoresUnrelatedTraffic(t *testing.T) {
	t.Parallel()

	reg := newMockRegistry()
	o := newObserver(t, reg, datapath.ObserverConfig{Port: candidateAddr.Port(), ServerDrops: 1})

	data := &transport.Datagram{Local: serverAddr, Remote: candidateAddr, Kind: transport.KindData}
	if reg.receive(data) {
		t.Error("data datagram dropped")
	}

	other := &transport.Datagram{
		Local:  serverAddr,
		Remote: netip.MustParseAddrPort("127.0.0.1:50002"),
		Kind:   transport.KindPathChallenge,
	}
	if reg.receive(other) {
		t.Error("probe for another port dropped")
	}
	if o.Dropped() != 0 {
		t.Errorf("Dropped() = %d, want 0", o.Dropped())
	}
}

func TestObserverRemoteKeyedSwapsDirections(t *testing.T) {
	t.Parallel()

	reg := newMockRegistry()
	o := newObserver(t, reg, datapath.ObserverConfig{Port: candidateAddr.Port(), RemoteKeyed: true})

	// With a remote-keyed candidate the probe arriving at the candidate
	// socket is the server's observation.
	reg.receive(responseAtClient())
	if !o.ServerReceived().IsSet() {
		t.Error("ServerReceived not set for probe at candidate socket")
	}
	if o.ClientReceived().IsSet() {
		t.Error("ClientReceived set for probe at candidate socket")
	}
}

func TestObserverCloseUninstalls(t *testing.T) {
	t.Parallel()

	reg := newMockRegistry()
	o := datapath.NewObserver(reg, datapath.ObserverConfig{Port: 1})
	if reg.len() != 1 {
		t.Fatalf("registry has %d hooks, want 1", reg.len())
	}

	o.Close()
	o.Close()
	if reg.len() != 0 {
		t.Errorf("registry has %d hooks after Close, want 0", reg.len())
	}
}
