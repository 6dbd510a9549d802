// Command dump is an operational introspection CLI: it connects directly
// to a relay's bbolt file (the relay need not be running) and prints
// either raw events or a group-by-group summary, for debugging and
// support without standing up the full server. Group summaries are
// built with internal/group.LoadFromState, the same replay logic the
// server uses on startup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/group"
	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/logger"
	"github.com/groups-relay/relay/internal/store"
)

func main() {
	dbPath := flag.String("db", "", "path to the relay's bbolt database file")
	scope := flag.String("scope", "", "restrict to a single scope (subdomain); default dumps every scope")
	mode := flag.String("mode", "groups", "what to dump: \"groups\" (summary) or \"events\" (raw JSON lines)")
	kindFilter := flag.Int("kind", 0, "in events mode, restrict to a single kind (0 = all kinds)")
	flag.Parse()

	logger.Initialize("info", true)
	log := logger.Tool()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "error: -db is required")
		os.Exit(1)
	}

	s, err := store.Open(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("db", *dbPath).Msg("failed to open store")
	}
	defer s.Close()

	ctx := context.Background()
	scopes, err := scopesToScan(s, *scope)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list scopes")
	}
	if len(scopes) == 0 {
		fmt.Fprintln(os.Stderr, "no scopes found in this database")
		return
	}

	switch *mode {
	case "groups":
		for _, sc := range scopes {
			if err := dumpGroups(ctx, s, sc); err != nil {
				log.Fatal().Err(err).Str("scope", sc).Msg("dump failed")
			}
		}
	case "events":
		for _, sc := range scopes {
			if err := dumpEvents(ctx, s, sc, *kindFilter); err != nil {
				log.Fatal().Err(err).Str("scope", sc).Msg("dump failed")
			}
		}
	default:
		fmt.Fprintf(os.Stderr, "error: unknown -mode %q, want \"groups\" or \"events\"\n", *mode)
		os.Exit(1)
	}
}

func scopesToScan(s *store.Store, scope string) ([]string, error) {
	if scope != "" {
		return []string{scope}, nil
	}
	return s.Scopes()
}

// dumpEvents prints every matching event in a scope as a JSON line,
// oldest first, mirroring a flat event-log export.
func dumpEvents(ctx context.Context, s *store.Store, scope string, kindFilter int) error {
	filter := nostr.Filter{}
	if kindFilter != 0 {
		filter.Kinds = []int{kindFilter}
	}
	events, err := s.Query(ctx, []nostr.Filter{filter}, scope)
	if err != nil {
		return err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt < events[j].CreatedAt })

	enc := json.NewEncoder(os.Stdout)
	for _, evt := range events {
		if err := enc.Encode(evt); err != nil {
			return err
		}
	}
	return nil
}

// dumpGroups replays each group's metadata/admins/members state
// (internal/group.LoadFromState) and prints a human-readable summary,
// the same reconstruction the relay performs on startup.
func dumpGroups(ctx context.Context, s *store.Store, scope string) error {
	metaEvents, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{kinds.GroupMetadata}}}, scope)
	if err != nil {
		return err
	}

	fmt.Printf("=== scope: %s (%d groups) ===\n", displayScope(scope), len(metaEvents))

	sort.Slice(metaEvents, func(i, j int) bool {
		return groupDTag(metaEvents[i]) < groupDTag(metaEvents[j])
	})
	for _, meta := range metaEvents {
		dTag := meta.Tags.GetFirst([]string{"d", ""})
		if dTag == nil || len(*dTag) < 2 {
			continue
		}
		groupID := (*dTag)[1]

		admins, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{kinds.GroupAdmins}, Tags: nostr.TagMap{"d": {groupID}}, Limit: 1}}, scope)
		if err != nil {
			return err
		}
		members, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{kinds.GroupMembers}, Tags: nostr.TagMap{"d": {groupID}}, Limit: 1}}, scope)
		if err != nil {
			return err
		}

		var adminsEvt, membersEvt *nostr.Event
		if len(admins) > 0 {
			adminsEvt = admins[0]
		}
		if len(members) > 0 {
			membersEvt = members[0]
		}

		g := group.LoadFromState(scope, groupID, meta, adminsEvt, membersEvt)
		snap := g.Snapshot()

		fmt.Printf("- %s (%s): private=%v closed=%v members=%d\n", displayName(snap.Name), groupID, snap.Private, snap.Closed, len(snap.Members))
	}
	return nil
}

func groupDTag(evt *nostr.Event) string {
	if t := evt.Tags.GetFirst([]string{"d", ""}); t != nil && len(*t) >= 2 {
		return (*t)[1]
	}
	return ""
}

func displayName(name string) string {
	if name == "" {
		return "(unnamed)"
	}
	return name
}

func displayScope(scope string) string {
	if scope == "" {
		return "default"
	}
	return scope
}
