// Command delete-event is an operational CLI for surgical store edits
// outside the running relay: delete a single event by ID, or scan every
// group for inactivity/emptiness and prune the losers. Uses the
// standard library flag package for its flags, since no CLI-framework
// dependency appears anywhere in this codebase's dependency set.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/logger"
	"github.com/groups-relay/relay/internal/store"
)

const inactivityWindow = 30 * 24 * time.Hour

func main() {
	dbPath := flag.String("db", "", "path to the relay's bbolt database file")
	eventID := flag.String("event-id", "", "hex-encoded ID of a single event to delete")
	scope := flag.String("scope", "", "restrict to a single scope (subdomain); default scans every scope")
	pruneInactive := flag.Bool("prune-inactive-groups", false, "delete every group with no members, or no activity in the last month")
	yes := flag.Bool("yes", false, "skip the confirmation prompt")
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

	switch {
	case *pruneInactive:
		if err := prune(ctx, s, *scope, *yes); err != nil {
			log.Fatal().Err(err).Msg("prune failed")
		}
	case *eventID != "":
		if err := deleteByID(ctx, s, *scope, *eventID); err != nil {
			log.Fatal().Err(err).Msg("delete failed")
		}
	default:
		fmt.Fprintln(os.Stderr, "error: either -event-id or -prune-inactive-groups must be given")
		os.Exit(1)
	}
}

func scopesToScan(s *store.Store, scope string) ([]string, error) {
	if scope != "" {
		return []string{scope}, nil
	}
	return s.Scopes()
}

func deleteByID(ctx context.Context, s *store.Store, scope, id string) error {
	log := logger.Tool()
	scopes, err := scopesToScan(s, scope)
	if err != nil {
		return err
	}
	filter := nostr.Filter{IDs: []string{id}}
	deleted := 0
	for _, sc := range scopes {
		found, err := s.Query(ctx, []nostr.Filter{filter}, sc)
		if err != nil {
			return err
		}
		if len(found) == 0 {
			continue
		}
		if err := s.Delete(ctx, filter, sc); err != nil {
			return err
		}
		deleted += len(found)
		log.Info().Str("scope", sc).Str("event_id", id).Msg("deleted event")
	}
	if deleted == 0 {
		log.Warn().Str("event_id", id).Msg("no matching event found in any scanned scope")
	}
	return nil
}

// groupVerdict is a group flagged for deletion and why.
type groupVerdict struct {
	scope, groupID, name, reason string
}

type pruneStats struct {
	inactive, empty, eventsDeleted int
}

func prune(ctx context.Context, s *store.Store, scopeFlag string, skipConfirm bool) error {
	log := logger.Tool()
	scopes, err := scopesToScan(s, scopeFlag)
	if err != nil {
		return err
	}

	var verdicts []groupVerdict
	var stats pruneStats
	cutoff := nostr.Timestamp(time.Now().Add(-inactivityWindow).Unix())

	for _, sc := range scopes {
		log.Info().Str("scope", sc).Msg("analyzing groups")
		v, err := analyzeScope(ctx, s, sc, cutoff, &stats)
		if err != nil {
			return err
		}
		verdicts = append(verdicts, v...)
	}

	if len(verdicts) == 0 {
		log.Info().Msg("no groups found that need to be deleted")
		return nil
	}

	sort.Slice(verdicts, func(i, j int) bool {
		if verdicts[i].scope != verdicts[j].scope {
			return verdicts[i].scope < verdicts[j].scope
		}
		return verdicts[i].groupID < verdicts[j].groupID
	})

	if !skipConfirm && !confirmPrune(verdicts, stats) {
		log.Info().Msg("deletion cancelled by user")
		return nil
	}

	for _, v := range verdicts {
		deleted, err := deleteGroup(ctx, s, v.scope, v.groupID)
		if err != nil {
			return err
		}
		stats.eventsDeleted += deleted
		log.Info().Str("scope", v.scope).Str("group_id", v.groupID).Str("reason", v.reason).Int("events_deleted", deleted).Msg("deleted group")
	}

	log.Info().Int("inactive", stats.inactive).Int("empty", stats.empty).Int("events_deleted", stats.eventsDeleted).Msg("pruning complete")
	log.Warn().Msg("restart the relay server for these changes to take effect")
	return nil
}

// analyzeScope collects every group ID referenced by the three
// metadata kinds, then flags it empty (no members) or inactive
// (nothing with its h/d tag since cutoff).
func analyzeScope(ctx context.Context, s *store.Store, scope string, cutoff nostr.Timestamp, stats *pruneStats) ([]groupVerdict, error) {
	metaEvents, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{kinds.GroupMetadata, kinds.GroupAdmins, kinds.GroupMembers}}}, scope)
	if err != nil {
		return nil, err
	}

	groupIDs := make(map[string]bool)
	names := make(map[string]string)
	for _, evt := range metaEvents {
		gid := groupTag(evt)
		if gid == "" {
			continue
		}
		groupIDs[gid] = true
		if evt.Kind == kinds.GroupMetadata {
			if nameTag := evt.Tags.GetFirst([]string{"name", ""}); nameTag != nil {
				names[gid] = (*nameTag)[1]
			}
		}
	}

	var verdicts []groupVerdict
	for gid := range groupIDs {
		membersEvents, err := s.Query(ctx, []nostr.Filter{{Kinds: []int{kinds.GroupMembers}, Tags: nostr.TagMap{"d": {gid}}, Limit: 1}}, scope)
		if err != nil {
			return nil, err
		}
		isEmpty := true
		if len(membersEvents) > 0 {
			isEmpty = countPTags(membersEvents[0]) == 0
		}

		var reason string
		switch {
		case isEmpty:
			reason = "empty (no members)"
			stats.empty++
		default:
			latest, err := latestActivity(ctx, s, scope, gid)
			if err != nil {
				return nil, err
			}
			if latest != nil && *latest < cutoff {
				reason = "inactive (no activity in 1+ month)"
				stats.inactive++
			}
		}

		if reason != "" {
			verdicts = append(verdicts, groupVerdict{scope: scope, groupID: gid, name: names[gid], reason: reason})
		}
	}
	return verdicts, nil
}

func latestActivity(ctx context.Context, s *store.Store, scope, groupID string) (*nostr.Timestamp, error) {
	hEvents, err := s.Query(ctx, []nostr.Filter{{Tags: nostr.TagMap{"h": {groupID}}, Limit: 1}}, scope)
	if err != nil {
		return nil, err
	}
	dEvents, err := s.Query(ctx, []nostr.Filter{{Tags: nostr.TagMap{"d": {groupID}}, Limit: 1}}, scope)
	if err != nil {
		return nil, err
	}
	var latest *nostr.Timestamp
	for _, evt := range append(hEvents, dEvents...) {
		if latest == nil || evt.CreatedAt > *latest {
			ts := evt.CreatedAt
			latest = &ts
		}
	}
	return latest, nil
}

func countPTags(evt *nostr.Event) int {
	n := 0
	for _, tag := range evt.Tags {
		if len(tag) >= 2 && tag[0] == "p" {
			n++
		}
	}
	return n
}

func groupTag(evt *nostr.Event) string {
	if t := evt.Tags.GetFirst([]string{"h", ""}); t != nil {
		return (*t)[1]
	}
	if t := evt.Tags.GetFirst([]string{"d", ""}); t != nil {
		return (*t)[1]
	}
	return ""
}

func deleteGroup(ctx context.Context, s *store.Store, scope, groupID string) (int, error) {
	hFilter := nostr.Filter{Tags: nostr.TagMap{"h": {groupID}}}
	dFilter := nostr.Filter{Tags: nostr.TagMap{"d": {groupID}}}

	hMatches, err := s.Query(ctx, []nostr.Filter{hFilter}, scope)
	if err != nil {
		return 0, err
	}
	dMatches, err := s.Query(ctx, []nostr.Filter{dFilter}, scope)
	if err != nil {
		return 0, err
	}
	if err := s.Delete(ctx, hFilter, scope); err != nil {
		return 0, err
	}
	if err := s.Delete(ctx, dFilter, scope); err != nil {
		return 0, err
	}
	return len(hMatches) + len(dMatches), nil
}

func confirmPrune(verdicts []groupVerdict, stats pruneStats) bool {
	fmt.Println("\nGroups to be deleted:")
	fmt.Println("=====================")
	for _, v := range verdicts {
		name := v.name
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("- %s (%s/%s): %s\n", name, v.scope, v.groupID, v.reason)
	}
	fmt.Printf("\nSummary:\n- %d groups will be deleted:\n  - %d empty groups\n  - %d inactive groups\n", len(verdicts), stats.empty, stats.inactive)
	fmt.Print("\nDo you want to proceed with deletion? [y/N] ")

	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return line == "y\n" || line == "Y\n"
}
