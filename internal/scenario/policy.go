package scenario

import (
	"github.com/dantte-lp/quicmig/internal/session"
	"github.com/dantte-lp/quicmig/internal/transport"
)

// policyKey identifies one platform-sensitive operation.
type policyKey struct {
	initiator session.Role
	change    AddressChange
	share     bool
}

// policyRow is the expected status on each platform; true means the
// operation fails with ErrAddressInUse and the scenario stops there.
type policyRow struct {
	posix   bool
	windows bool
}

// policyTable lists the operations whose status depends on the platform
// socket layer or on the initiator's role:
//
//   - client NewRemote: adding a path from the existing local address to a
//     new server address needs a shared binding, and Windows refuses it
//     even then.
//   - server NewLocal: the client must bind its own local address again to
//     receive on the new path, which only shared POSIX sockets allow.
//   - server NewRemote: a server never opens a path from its listener
//     address toward a new client address.
var policyTable = map[policyKey]policyRow{
	{session.RoleClient, NewRemote, false}: {posix: true, windows: true},
	{session.RoleClient, NewRemote, true}:  {posix: false, windows: true},
	{session.RoleServer, NewLocal, true}:   {posix: false, windows: true},
	{session.RoleServer, NewLocal, false}:  {posix: true, windows: true},
	{session.RoleServer, NewRemote, true}:  {posix: true, windows: true},
	{session.RoleServer, NewRemote, false}: {posix: true, windows: true},
}

// ExpectRejected reports whether the policy-sensitive operation of a
// migration is expected to fail with ErrAddressInUse. Combinations absent
// from the policy table are expected to succeed.
func ExpectRejected(p transport.Platform, initiator session.Role, change AddressChange, share bool) bool {
	row, ok := policyTable[policyKey{initiator: initiator, change: change, share: share}]
	if !ok {
		return false
	}
	if p == transport.PlatformWindows {
		return row.windows
	}
	return row.posix
}
