// Package kinds defines the static schema of Nostr event kinds the relay
// understands: which are group-management commands, which are the
// relay-generated addressable state kinds, and which kinds bypass the
// group h-tag requirement entirely.
package kinds

// Group-management command kinds (9000-9009, 9021-9022).
const (
	PutUser       = 9000
	RemoveUser    = 9001
	EditMetadata  = 9002
	DeleteEvent   = 9005
	SetRoles      = 9006
	CreateGroup   = 9007
	DeleteGroup   = 9008
	CreateInvite  = 9009
	JoinRequest   = 9021
	LeaveRequest  = 9022
)

// Addressable (replaceable) state kinds the relay generates.
const (
	GroupMetadata = 39000
	GroupAdmins   = 39001
	GroupMembers  = 39002
	GroupRoles    = 39003
)

// AuthChallenge is the NIP-42 AUTH event kind.
const AuthChallenge = 22242

// NIP09Delete is the standard Nostr deletion-request kind: any pubkey
// may delete events it authored, independent of group membership. It
// is distinct from the 9005 group-management delete-event command,
// which is admin/relay-authorized and not restricted to the deleter's
// own events.
const NIP09Delete = 5

// DefaultNonGroupAllowed is the default set of kinds that may be
// submitted without an h tag naming a group (NIP-09 deletions, relay
// metadata, and other kinds that aren't inherently group events).
// Operators may override this list via config.
var DefaultNonGroupAllowed = []int{
	5,     // NIP-09 deletion
	375,   // cashu wallet related
	1059,  // gift wrap
	443,   // MLS key package
	7374, 7375, 7376, // cashu wallet proofs/history
	9321,  // nutzap
	10009, // simple list
	10019, // nutzap info
	17375, // cashu wallet
	28934, // claim
	3079, 3080, // push registration
}

// IsGroupManagement reports whether kind is one of the numbered
// group-management command kinds (9000-9009 minus gaps, 9021-9022).
func IsGroupManagement(kind int) bool {
	switch kind {
	case PutUser, RemoveUser, EditMetadata, DeleteEvent, SetRoles,
		CreateGroup, DeleteGroup, CreateInvite, JoinRequest, LeaveRequest:
		return true
	}
	return false
}

// IsAddressableState reports whether kind is one of the relay-generated
// group state snapshots (39000-39003).
func IsAddressableState(kind int) bool {
	return kind >= GroupMetadata && kind <= GroupRoles
}

// IsReplaceable reports whether kind falls in the replaceable ranges
// (10000-19999, or 30000-39999 addressable).
func IsReplaceable(kind int) bool {
	return (kind >= 10000 && kind < 20000) || IsAddressable(kind)
}

// IsAddressable reports whether kind is in the addressable replaceable
// range (30000-39999), keyed additionally by a d-tag.
func IsAddressable(kind int) bool {
	return kind >= 30000 && kind < 40000
}

// RequiresHTag reports whether an event of this kind must carry an h
// tag (addressable kinds carry a d tag instead) naming an existing
// group, given the configured set of kinds exempted from that rule.
// Every event submitted to the relay is, by default, a group event;
// the non-group-allowed set and relay-signed events are the exceptions.
func RequiresHTag(kind int, nonGroupAllowed []int) bool {
	for _, k := range nonGroupAllowed {
		if k == kind {
			return false
		}
	}
	return true
}

// TagName returns which tag name carries the group reference for kind:
// "d" for addressable state kinds, "h" for everything else.
func TagName(kind int) string {
	if IsAddressableState(kind) {
		return "d"
	}
	return "h"
}
