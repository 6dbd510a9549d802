// Package group implements the authoritative in-memory catalog of
// NIP-29 managed groups: per-group membership, roles, invites, join
// requests, and metadata, with the state-machine transitions and
// authorization predicates that drive them. Scope isolation,
// fine-grained per-group locking, and unsigned-draft emission (the
// store signs with the relay key, rather than this package holding
// that key) keep concurrent groups from contending with each other.
package group

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/metrics"
	"github.com/groups-relay/relay/internal/relayerr"
)

// Role names. Custom roles are arbitrary strings beyond these two.
const (
	RoleAdmin  = "Admin"
	RoleMember = "Member"
)

// Member holds a pubkey's role set within a group.
type Member struct {
	Roles map[string]bool
}

func newMember(roles ...string) *Member {
	m := &Member{Roles: make(map[string]bool)}
	for _, r := range roles {
		m.Roles[r] = true
	}
	return m
}

func (m *Member) isAdmin() bool { return m.Roles[RoleAdmin] }

// roleList returns the member's roles, admin-first, for deterministic
// tag emission.
func (m *Member) roleList() []string {
	roles := make([]string, 0, len(m.Roles))
	for r := range m.Roles {
		roles = append(roles, r)
	}
	sort.Slice(roles, func(i, j int) bool {
		if roles[i] == RoleAdmin {
			return true
		}
		if roles[j] == RoleAdmin {
			return false
		}
		return roles[i] < roles[j]
	})
	return roles
}

// Redemption records who consumed a single-use invite, and when.
type Redemption struct {
	Pubkey string
	At     time.Time
}

// Invite is a join code created by 9009.
type Invite struct {
	EventID    string
	Roles      []string
	Reusable   bool
	RedeemedBy *Redemption
}

// Group is the full state of one managed group, identified by
// (scope, id) in the Catalog.
type Group struct {
	mu sync.RWMutex

	Scope string
	ID    string

	Name    string
	About   string
	Picture string

	Private     bool
	Closed      bool
	IsBroadcast bool

	// UnknownTags preserves metadata tags this relay does not
	// interpret, verbatim, across edits.
	UnknownTags [][]string

	Members      map[string]*Member
	Invites      map[string]*Invite
	JoinRequests map[string]bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

func newGroup(scope, id string) *Group {
	return &Group{
		Scope:        scope,
		ID:           id,
		Name:         id,
		Members:      make(map[string]*Member),
		Invites:      make(map[string]*Invite),
		JoinRequests: make(map[string]bool),
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
}

// adminCount must be called with mu held.
func (g *Group) adminCount() int {
	n := 0
	for _, m := range g.Members {
		if m.isAdmin() {
			n++
		}
	}
	return n
}

func (g *Group) isMember(pubkey string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.Members[pubkey]
	return ok
}

func (g *Group) isAdmin(pubkey string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	m, ok := g.Members[pubkey]
	return ok && m.isAdmin()
}

// IsPrivate reports the group's current private flag.
func (g *Group) IsPrivate() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.Private
}

// CanSeeEvent reports whether the requester may see event: a public
// group is always visible, a private group requires the requester to
// be authenticated and be the author, an admin, the relay, or a member.
// A non-admin member does not see a 9009 invite event whose code is
// still unredeemed.
func (g *Group) CanSeeEvent(authed, relayPubkey string, event *nostr.Event) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.Private {
		return true
	}
	if authed == "" {
		return false
	}
	if authed == event.PubKey || authed == relayPubkey {
		return true
	}
	m, ok := g.Members[authed]
	if !ok || m == nil {
		return false
	}
	if event.Kind == kinds.CreateInvite && !m.isAdmin() {
		for _, invite := range g.Invites {
			if invite.EventID == event.ID && invite.RedeemedBy == nil {
				return false
			}
		}
	}
	return true
}

// Snapshot is an immutable view of Group state safe to read without
// holding the group's lock after it is returned.
type Snapshot struct {
	Scope, ID               string
	Name, About, Picture    string
	Private, Closed         bool
	IsBroadcast             bool
	Members                 map[string][]string // pubkey -> roles
	CreatedAt, UpdatedAt    time.Time
}

// Snapshot copies out the group's current state.
func (g *Group) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	members := make(map[string][]string, len(g.Members))
	for pk, m := range g.Members {
		members[pk] = m.roleList()
	}
	return Snapshot{
		Scope: g.Scope, ID: g.ID,
		Name: g.Name, About: g.About, Picture: g.Picture,
		Private: g.Private, Closed: g.Closed, IsBroadcast: g.IsBroadcast,
		Members:   members,
		CreatedAt: g.CreatedAt, UpdatedAt: g.UpdatedAt,
	}
}

// Catalog is the sharded map (scope, group_id) -> *Group.
type Catalog struct {
	mu          sync.RWMutex
	groups      map[string]*Group
	relayPubkey string
}

// NewCatalog creates an empty catalog. relayPubkey identifies events
// authored by the relay itself for authorization purposes.
func NewCatalog(relayPubkey string) *Catalog {
	return &Catalog{groups: make(map[string]*Group), relayPubkey: relayPubkey}
}

func catalogKey(scope, id string) string { return scope + "\x00" + id }

// RelayPubkey returns the relay pubkey this catalog treats as
// authorized on a par with group admins.
func (c *Catalog) RelayPubkey() string { return c.relayPubkey }

// Get returns the group for (scope, id), or nil if absent.
func (c *Catalog) Get(scope, id string) *Group {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.groups[catalogKey(scope, id)]
}

func (c *Catalog) getOrNil(scope, id string) *Group {
	return c.Get(scope, id)
}

func (c *Catalog) insert(g *Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[catalogKey(g.Scope, g.ID)] = g
}

func (c *Catalog) remove(scope, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.groups, catalogKey(scope, id))
}

// All returns every group's snapshot across all scopes, sorted for
// deterministic iteration (used by dump tooling and tests).
func (c *Catalog) All() []Snapshot {
	c.mu.RLock()
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.RUnlock()

	out := make([]Snapshot, len(groups))
	for i, g := range groups {
		out[i] = g.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SweepOrphanInvites clears the redemption record on every single-use
// invite whose redeemer has since left or been removed from the group,
// freeing the code for reuse instead of leaving it permanently spent.
// Intended to run on a slow periodic tick (see the daily entry in
// cmd/relay's startCron), not on every membership change.
func (c *Catalog) SweepOrphanInvites() int {
	c.mu.RLock()
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	c.mu.RUnlock()

	swept := 0
	for _, g := range groups {
		g.mu.Lock()
		for _, invite := range g.Invites {
			if invite.Reusable || invite.RedeemedBy == nil {
				continue
			}
			if _, stillMember := g.Members[invite.RedeemedBy.Pubkey]; !stillMember {
				invite.RedeemedBy = nil
				swept++
			}
		}
		g.mu.Unlock()
	}
	return swept
}

// RefreshMetrics recomputes the groups_by_privacy and
// active_groups_by_privacy/active_groups gauges from the current
// catalog contents. Intended to be called periodically (see the
// 30-second entry in cmd/relay's startCron), not on every mutation, since a full
// scan is O(groups) and these gauges tolerate a few seconds of staleness.
func (c *Catalog) RefreshMetrics() {
	snapshots := c.All()

	type privacyKey struct{ private, closed bool }
	totals := make(map[privacyKey]float64)
	active := make(map[privacyKey]float64)
	var activeTotal float64

	for _, s := range snapshots {
		key := privacyKey{s.Private, s.Closed}
		totals[key]++
		if len(s.Members) >= 2 {
			active[key]++
			activeTotal++
		}
	}
	for _, private := range []bool{false, true} {
		for _, closed := range []bool{false, true} {
			key := privacyKey{private, closed}
			metrics.ObserveGroupPrivacy(private, closed, totals[key])
			metrics.ObserveActiveGroupPrivacy(private, closed, active[key])
		}
	}
	metrics.ActiveGroups.Set(activeTotal)
}

// htagValue returns the group-identifying tag value for event, read
// from the one tag kinds.TagName names for its kind (d for 39000-39003,
// h otherwise).
func htagValue(event *nostr.Event) string {
	tagName := kinds.TagName(event.Kind)
	t := event.Tags.GetFirst([]string{tagName, ""})
	if t == nil || len(*t) < 2 {
		return ""
	}
	return (*t)[1]
}

// GroupID extracts the group-identifying tag value from event, if any.
func GroupID(event *nostr.Event) string { return htagValue(event) }

// Draft is an unsigned relay-authored event destined for the store,
// which signs it with the relay key before persisting.
type Draft struct {
	Event *nostr.Event
	Scope string
}

// Process applies a validated group-management or join/leave event to
// the catalog and returns the relay-authored drafts it produces, or a
// RelayError describing why the event was rejected.
func (c *Catalog) Process(event *nostr.Event, scope, authed string) ([]Draft, *relayerr.RelayError) {
	groupID := GroupID(event)
	if groupID == "" && event.Kind != kinds.CreateGroup {
		return nil, relayerr.InvalidEvent("group events must contain an 'h' tag")
	}

	switch event.Kind {
	case kinds.CreateGroup:
		return c.handleCreateGroup(event, scope, groupID)
	case kinds.EditMetadata:
		return c.withGroup(scope, groupID, func(g *Group) ([]Draft, *relayerr.RelayError) {
			if err := c.requireAdminOrRelay(g, event.PubKey); err != nil {
				return nil, err
			}
			return c.handleEditMetadata(g, event)
		})
	case kinds.PutUser:
		return c.withGroup(scope, groupID, func(g *Group) ([]Draft, *relayerr.RelayError) {
			if err := c.requireAdminOrRelay(g, event.PubKey); err != nil {
				return nil, err
			}
			return c.handlePutUser(g, event)
		})
	case kinds.RemoveUser:
		return c.withGroup(scope, groupID, func(g *Group) ([]Draft, *relayerr.RelayError) {
			if err := c.requireAdminOrRelay(g, event.PubKey); err != nil {
				return nil, err
			}
			return c.handleRemoveUser(g, event)
		})
	case kinds.SetRoles:
		return c.withGroup(scope, groupID, func(g *Group) ([]Draft, *relayerr.RelayError) {
			if err := c.requireAdminOrRelay(g, event.PubKey); err != nil {
				return nil, err
			}
			return c.handleSetRoles(g, event)
		})
	case kinds.DeleteGroup:
		return c.withGroup(scope, groupID, func(g *Group) ([]Draft, *relayerr.RelayError) {
			if err := c.requireAdminOrRelay(g, event.PubKey); err != nil {
				return nil, err
			}
			c.remove(scope, groupID)
			return nil, nil
		})
	case kinds.CreateInvite:
		return c.withGroup(scope, groupID, func(g *Group) ([]Draft, *relayerr.RelayError) {
			if err := c.requireAdminOrRelay(g, event.PubKey); err != nil {
				return nil, err
			}
			return nil, c.handleCreateInvite(g, event)
		})
	case kinds.JoinRequest:
		return c.withGroup(scope, groupID, func(g *Group) ([]Draft, *relayerr.RelayError) {
			return c.handleJoinRequest(g, event)
		})
	case kinds.LeaveRequest:
		return c.withGroup(scope, groupID, func(g *Group) ([]Draft, *relayerr.RelayError) {
			return c.handleLeaveRequest(g, event)
		})
	}

	return nil, nil
}

// withGroup fetches the group for (scope, id), failing if it does not
// exist, then runs fn — separating lookup from mutation keeps the
// catalog's map lock released while fn may take the group's own lock.
func (c *Catalog) withGroup(scope, id string, fn func(*Group) ([]Draft, *relayerr.RelayError)) ([]Draft, *relayerr.RelayError) {
	g := c.getOrNil(scope, id)
	if g == nil {
		return nil, relayerr.InvalidEvent("group not found")
	}
	return fn(g)
}

func (c *Catalog) requireAdminOrRelay(g *Group, pubkey string) *relayerr.RelayError {
	if pubkey == c.relayPubkey {
		return nil
	}
	if g.isAdmin(pubkey) {
		return nil
	}
	return relayerr.RestrictedErr("must be group admin")
}

// CheckBroadcast enforces broadcast-group posting rules for ordinary
// (non-management) events carrying this group's h tag: in a broadcast
// group only admins may post anything other than join/leave requests.
func (c *Catalog) CheckBroadcast(g *Group, event *nostr.Event) *relayerr.RelayError {
	if event.Kind == kinds.JoinRequest || event.Kind == kinds.LeaveRequest {
		return nil
	}
	g.mu.RLock()
	broadcast := g.IsBroadcast
	g.mu.RUnlock()
	if !broadcast {
		return nil
	}
	if g.isAdmin(event.PubKey) || event.PubKey == c.relayPubkey {
		return nil
	}
	return relayerr.RestrictedErr("Only admins can post in broadcast mode")
}

// AuthorizeEventDeletion checks that pubkey may issue a 9005
// delete-event command against scope/groupID, then purges any invite
// whose creation event is among eventIDs — a deleted invite-creation
// event must not keep backing a live invite code. Unlike NIP-09's
// kind-5 deletion, this is admin/relay-authorized and not restricted
// to events the requester authored.
func (c *Catalog) AuthorizeEventDeletion(scope, groupID, pubkey string, eventIDs []string) *relayerr.RelayError {
	g := c.getOrNil(scope, groupID)
	if g == nil {
		return relayerr.InvalidEvent("group not found")
	}
	if err := c.requireAdminOrRelay(g, pubkey); err != nil {
		return err
	}
	if len(eventIDs) == 0 {
		return nil
	}
	deleted := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		deleted[id] = true
	}
	g.mu.Lock()
	for code, invite := range g.Invites {
		if deleted[invite.EventID] {
			delete(g.Invites, code)
		}
	}
	g.mu.Unlock()
	return nil
}

func (c *Catalog) handleCreateGroup(event *nostr.Event, scope, hintedID string) ([]Draft, *relayerr.RelayError) {
	groupID := hintedID
	if groupID == "" {
		groupID = htagValue(event)
	}
	if groupID == "" {
		return nil, relayerr.InvalidEvent("group events must contain an 'h' tag")
	}
	if c.getOrNil(scope, groupID) != nil {
		return nil, relayerr.DuplicateErr("group already exists")
	}

	g := newGroup(scope, groupID)
	g.Private = true
	g.Closed = true
	g.Members[event.PubKey] = newMember(RoleAdmin)

	applyMetadataTags(g, event.Tags, true)

	c.insert(g)
	metrics.GroupsCreated.Inc()
	return c.emitState(g), nil
}

func (c *Catalog) handleEditMetadata(g *Group, event *nostr.Event) ([]Draft, *relayerr.RelayError) {
	g.mu.Lock()
	applyMetadataTagsLocked(g, event.Tags)
	g.UpdatedAt = time.Now()
	g.mu.Unlock()
	return []Draft{c.draftMetadata(g)}, nil
}

// applyMetadataTags takes the group's lock itself; applyMetadataTagsLocked assumes it.
func applyMetadataTags(g *Group, tags nostr.Tags, initial bool) {
	g.mu.Lock()
	applyMetadataTagsLocked(g, tags)
	g.mu.Unlock()
}

func applyMetadataTagsLocked(g *Group, tags nostr.Tags) {
	var unknown [][]string
	for _, tag := range tags {
		if len(tag) == 0 {
			continue
		}
		switch tag[0] {
		case "name":
			if len(tag) >= 2 {
				g.Name = tag[1]
			}
		case "about":
			if len(tag) >= 2 {
				g.About = tag[1]
			}
		case "picture":
			if len(tag) >= 2 {
				g.Picture = tag[1]
			}
		case "private":
			g.Private = true
		case "public":
			g.Private = false
		case "closed":
			g.Closed = true
		case "open":
			g.Closed = false
		case "broadcast":
			g.IsBroadcast = true
		case "unbroadcast":
			g.IsBroadcast = false
		case "h", "d":
			// group-identifying tag, not metadata
		default:
			unknown = append(unknown, append([]string(nil), tag...))
		}
	}
	if unknown != nil {
		g.UnknownTags = unknown
	}
}

func (c *Catalog) handlePutUser(g *Group, event *nostr.Event) ([]Draft, *relayerr.RelayError) {
	g.mu.Lock()
	adminSetChanged := false
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		target := tag[1]
		roles := tag[2:]
		if len(roles) == 0 {
			roles = []string{RoleMember}
		}
		m, ok := g.Members[target]
		if !ok {
			m = newMember()
			g.Members[target] = m
		}
		wasAdmin := m.isAdmin()
		for _, r := range roles {
			if r != "" {
				m.Roles[r] = true
			}
		}
		if m.isAdmin() != wasAdmin {
			adminSetChanged = true
		}
		delete(g.JoinRequests, target)
	}
	g.UpdatedAt = time.Now()
	g.mu.Unlock()

	drafts := []Draft{c.draftMembers(g)}
	if adminSetChanged {
		drafts = append([]Draft{c.draftAdmins(g)}, drafts...)
	}
	return drafts, nil
}

func (c *Catalog) handleRemoveUser(g *Group, event *nostr.Event) ([]Draft, *relayerr.RelayError) {
	g.mu.Lock()
	adminRemoved := false
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		target := tag[1]
		m, ok := g.Members[target]
		if !ok {
			continue
		}
		if m.isAdmin() && g.adminCount() <= 1 {
			g.mu.Unlock()
			return nil, relayerr.NoticeErr("Cannot remove last admin")
		}
		if m.isAdmin() {
			adminRemoved = true
		}
		delete(g.Members, target)
		delete(g.JoinRequests, target)
	}
	g.UpdatedAt = time.Now()
	g.mu.Unlock()

	drafts := []Draft{c.draftMembers(g)}
	if adminRemoved {
		drafts = append([]Draft{c.draftAdmins(g)}, drafts...)
	}
	return drafts, nil
}

func (c *Catalog) handleSetRoles(g *Group, event *nostr.Event) ([]Draft, *relayerr.RelayError) {
	g.mu.Lock()
	for _, tag := range event.Tags {
		if len(tag) < 2 || tag[0] != "p" {
			continue
		}
		target := tag[1]
		newRoles := tag[2:]
		m, ok := g.Members[target]
		if !ok {
			continue
		}
		willBeAdmin := false
		for _, r := range newRoles {
			if r == RoleAdmin {
				willBeAdmin = true
			}
		}
		if m.isAdmin() && !willBeAdmin && g.adminCount() <= 1 {
			g.mu.Unlock()
			return nil, relayerr.NoticeErr("Notice: Cannot unset last admin role")
		}
		m.Roles = make(map[string]bool)
		for _, r := range newRoles {
			if r != "" {
				m.Roles[r] = true
			}
		}
	}
	g.UpdatedAt = time.Now()
	g.mu.Unlock()

	return c.emitState(g), nil
}

func (c *Catalog) handleCreateInvite(g *Group, event *nostr.Event) *relayerr.RelayError {
	codeTag := event.Tags.GetFirst([]string{"code", ""})
	if codeTag == nil || len(*codeTag) < 2 || (*codeTag)[1] == "" {
		return relayerr.InvalidEvent("create-invite requires a 'code' tag")
	}
	code := (*codeTag)[1]

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.Invites[code]; exists {
		return relayerr.DuplicateErr("invite code already in use")
	}
	reusable := event.Tags.GetFirst([]string{"reusable", ""}) != nil
	var roles []string
	if rolesTag := event.Tags.GetFirst([]string{"roles", ""}); rolesTag != nil {
		roles = (*rolesTag)[1:]
	}
	g.Invites[code] = &Invite{EventID: event.ID, Roles: roles, Reusable: reusable}
	return nil
}

// CreateInviteAdmin installs an invite code for scope/groupID on the
// operator's behalf (the admin HTTP endpoint in internal/transport),
// bypassing the normal 9009 event path since there is no user event to
// validate here.
func (c *Catalog) CreateInviteAdmin(scope, groupID, code string, reusable bool, roles []string) *relayerr.RelayError {
	_, err := c.withGroup(scope, groupID, func(g *Group) ([]Draft, *relayerr.RelayError) {
		if code == "" {
			return nil, relayerr.InvalidEvent("invite code must not be empty")
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if _, exists := g.Invites[code]; exists {
			return nil, relayerr.DuplicateErr("invite code already in use")
		}
		g.Invites[code] = &Invite{EventID: "", Roles: roles, Reusable: reusable}
		return nil, nil
	})
	return err
}

func (c *Catalog) handleJoinRequest(g *Group, event *nostr.Event) ([]Draft, *relayerr.RelayError) {
	g.mu.Lock()

	if _, already := g.Members[event.PubKey]; already {
		g.mu.Unlock()
		return nil, relayerr.DuplicateErr("User is already a member")
	}

	if g.Closed {
		codeTag := event.Tags.GetFirst([]string{"code", ""})
		var invite *Invite
		var code string
		if codeTag != nil && len(*codeTag) >= 2 {
			code = (*codeTag)[1]
			invite = g.Invites[code]
		}
		valid := invite != nil && (invite.Reusable || invite.RedeemedBy == nil)
		if !valid {
			g.JoinRequests[event.PubKey] = true
			g.mu.Unlock()
			return nil, nil // enqueued, OK true per boundary behavior
		}
		if !invite.Reusable {
			invite.RedeemedBy = &Redemption{Pubkey: event.PubKey, At: time.Now()}
		}
		roles := invite.Roles
		if len(roles) == 0 {
			roles = []string{RoleMember}
		}
		g.Members[event.PubKey] = newMember(roles...)
	} else {
		g.Members[event.PubKey] = newMember(RoleMember)
	}
	delete(g.JoinRequests, event.PubKey)
	g.UpdatedAt = time.Now()
	g.mu.Unlock()

	putUser := &nostr.Event{
		Kind:      kinds.PutUser,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"h", g.ID}, {"p", event.PubKey}},
		Content:   "auto-accepted join request",
	}
	drafts := append([]Draft{{Event: putUser, Scope: g.Scope}}, c.emitState(g)...)
	return drafts, nil
}

func (c *Catalog) handleLeaveRequest(g *Group, event *nostr.Event) ([]Draft, *relayerr.RelayError) {
	g.mu.Lock()
	m, ok := g.Members[event.PubKey]
	if !ok {
		g.mu.Unlock()
		return nil, nil // leave from non-member is a silent no-op per open-question resolution
	}
	if m.isAdmin() && g.adminCount() <= 1 {
		g.mu.Unlock()
		return nil, relayerr.NoticeErr("Cannot remove last admin")
	}
	delete(g.Members, event.PubKey)
	g.UpdatedAt = time.Now()
	g.mu.Unlock()

	removeUser := &nostr.Event{
		Kind:      kinds.RemoveUser,
		CreatedAt: nostr.Timestamp(time.Now().Unix()),
		Tags:      nostr.Tags{{"h", g.ID}, {"p", event.PubKey}},
		Content:   "user left the group",
	}
	drafts := append([]Draft{{Event: removeUser, Scope: g.Scope}}, c.draftAdmins(g), c.draftMembers(g))
	return drafts, nil
}

// emitState regenerates all four canonical snapshots (39000-39003).
func (c *Catalog) emitState(g *Group) []Draft {
	return []Draft{c.draftMetadata(g), c.draftAdmins(g), c.draftMembers(g), c.draftRoles(g)}
}

func (c *Catalog) draftMetadata(g *Group) Draft {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tags := nostr.Tags{{"d", g.ID}, {"name", g.Name}}
	if g.Picture != "" {
		tags = append(tags, nostr.Tag{"picture", g.Picture})
	}
	if g.About != "" {
		tags = append(tags, nostr.Tag{"about", g.About})
	}
	if g.Private {
		tags = append(tags, nostr.Tag{"private"})
	} else {
		tags = append(tags, nostr.Tag{"public"})
	}
	if g.Closed {
		tags = append(tags, nostr.Tag{"closed"})
	} else {
		tags = append(tags, nostr.Tag{"open"})
	}
	if g.IsBroadcast {
		tags = append(tags, nostr.Tag{"broadcast"})
	}
	for _, t := range g.UnknownTags {
		tags = append(tags, nostr.Tag(t))
	}

	return Draft{
		Event: &nostr.Event{
			Kind:      kinds.GroupMetadata,
			CreatedAt: nostr.Timestamp(time.Now().Unix()),
			Tags:      tags,
		},
		Scope: g.Scope,
	}
}

func (c *Catalog) draftAdmins(g *Group) Draft {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tags := nostr.Tags{{"d", g.ID}}
	pubkeys := sortedMemberKeys(g.Members)
	for _, pk := range pubkeys {
		m := g.Members[pk]
		if !m.isAdmin() {
			continue
		}
		tags = append(tags, nostr.Tag{"p", pk, RoleAdmin})
	}
	return Draft{
		Event: &nostr.Event{
			Kind:      kinds.GroupAdmins,
			CreatedAt: nostr.Timestamp(time.Now().Unix()),
			Tags:      tags,
			Content:   fmt.Sprintf("admins of group %s", g.ID),
		},
		Scope: g.Scope,
	}
}

func (c *Catalog) draftMembers(g *Group) Draft {
	g.mu.RLock()
	defer g.mu.RUnlock()

	tags := nostr.Tags{{"d", g.ID}}
	for _, pk := range sortedMemberKeys(g.Members) {
		tags = append(tags, nostr.Tag{"p", pk})
	}
	return Draft{
		Event: &nostr.Event{
			Kind:      kinds.GroupMembers,
			CreatedAt: nostr.Timestamp(time.Now().Unix()),
			Tags:      tags,
			Content:   fmt.Sprintf("members of group %s", g.ID),
		},
		Scope: g.Scope,
	}
}

func (c *Catalog) draftRoles(g *Group) Draft {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[string]bool{RoleAdmin: true, RoleMember: true}
	tags := nostr.Tags{{"d", g.ID}, {"role", RoleAdmin, "Full group control"}, {"role", RoleMember, "Can read and write"}}
	for _, m := range g.Members {
		for r := range m.Roles {
			if seen[r] {
				continue
			}
			seen[r] = true
			tags = append(tags, nostr.Tag{"role", r})
		}
	}
	return Draft{
		Event: &nostr.Event{
			Kind:      kinds.GroupRoles,
			CreatedAt: nostr.Timestamp(time.Now().Unix()),
			Tags:      tags,
			Content:   fmt.Sprintf("roles for group %s", g.ID),
		},
		Scope: g.Scope,
	}
}

func sortedMemberKeys(members map[string]*Member) []string {
	keys := make([]string, 0, len(members))
	for k := range members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadFromState reconstructs a group purely from its 39000/39001/39002
// events, unioning roles learned from 39001 (admins) and 39002
// (members) rather than letting one overwrite the other. Used at
// startup to replay the store into the catalog.
func LoadFromState(scope, groupID string, meta, admins, members *nostr.Event) *Group {
	g := newGroup(scope, groupID)
	if meta != nil {
		applyMetadataTags(g, meta.Tags, true)
		g.CreatedAt = time.Unix(int64(meta.CreatedAt), 0)
		g.UpdatedAt = g.CreatedAt
	}
	g.mu.Lock()
	if admins != nil {
		for _, tag := range admins.Tags {
			if len(tag) < 2 || tag[0] != "p" {
				continue
			}
			pk := tag[1]
			m, ok := g.Members[pk]
			if !ok {
				m = newMember()
				g.Members[pk] = m
			}
			for _, r := range tag[2:] {
				if r != "" {
					m.Roles[r] = true
				}
			}
		}
	}
	if members != nil {
		for _, tag := range members.Tags {
			if len(tag) < 2 || tag[0] != "p" {
				continue
			}
			pk := tag[1]
			m, ok := g.Members[pk]
			if !ok {
				m = newMember()
				g.Members[pk] = m
			}
			// A 39002 entry carries no explicit roles of its own; it
			// always implies Member, unioned with whatever roles were
			// already learned for this pubkey from 39001.
			m.Roles[RoleMember] = true
		}
	}
	g.mu.Unlock()
	return g
}

// Insert adds a reconstructed group into the catalog, used during
// startup replay.
func (c *Catalog) Insert(g *Group) { c.insert(g) }
