package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/coordinator"
	"github.com/groups-relay/relay/internal/group"
	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/logger"
	"github.com/groups-relay/relay/internal/relayerr"
)

// authStage implements NIP-42: validates AUTH events the client sends
// back. The challenge itself is issued on connect by IssueChallenge.
func authStage(deps Deps) Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		if msg.Label == "AUTH" {
			return handleAuth(ctx, state, msg, emit, deps)
		}
		return next(ctx, state, msg)
	}
}

func handleAuth(ctx context.Context, state *ConnState, msg *Message, emit func(Out), deps Deps) error {
	event := msg.Event
	if event == nil || event.Kind != kinds.AuthChallenge {
		reject(msg, emit, relayerr.InvalidEvent("AUTH requires a kind 22242 event"))
		return nil
	}
	challengeTag := event.Tags.GetFirst([]string{"challenge", ""})
	relayTag := event.Tags.GetFirst([]string{"relay", ""})
	if challengeTag == nil {
		reject(msg, emit, relayerr.AuthRequiredErr("challenge mismatch"))
		return nil
	}

	switch {
	case state.Challenge != "" && time.Since(state.ChallengeAt) <= deps.ChallengeTTL:
		if (*challengeTag)[1] != state.Challenge {
			reject(msg, emit, relayerr.AuthRequiredErr("challenge mismatch"))
			return nil
		}
	case deps.ChallengeStore != nil && deps.ChallengeStore.IsEnabled():
		// Local challenge is missing or expired; this connection may
		// have been issued its challenge by a different relay instance
		// sharing the same subdomain/load balancer.
		valid, err := deps.ChallengeStore.ValidateChallenge(ctx, state.ConnID, (*challengeTag)[1])
		if err != nil || !valid {
			reject(msg, emit, relayerr.AuthRequiredErr("no outstanding or expired challenge"))
			return nil
		}
		_ = deps.ChallengeStore.ConsumeChallenge(ctx, state.ConnID)
	default:
		reject(msg, emit, relayerr.AuthRequiredErr("no outstanding or expired challenge"))
		return nil
	}

	if relayTag == nil || (*relayTag)[1] != deps.AuthURL {
		reject(msg, emit, relayerr.AuthRequiredErr("relay url mismatch"))
		return nil
	}
	ok, err := event.CheckSignature()
	if err != nil || !ok {
		reject(msg, emit, relayerr.InvalidEvent("signature verification failed"))
		return nil
	}
	state.AuthedPubkey = event.PubKey
	state.Challenge = ""
	emit(Out{"OK", event.ID, true, ""})
	msg.Stop()
	return nil
}

// IssueChallenge generates and stores a fresh NIP-42 challenge,
// returning the AUTH wire message to send to a newly-connected client.
func IssueChallenge(state *ConnState) Out {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	state.Challenge = hex.EncodeToString(b)
	state.ChallengeAt = time.Now()
	return Out{"AUTH", state.Challenge}
}

// verifierStage offloads signature verification to the crypto pool.
func verifierStage(deps Deps) Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		if msg.Label != "EVENT" || msg.Event == nil {
			return next(ctx, state, msg)
		}
		if err := deps.Pool.Verify(ctx, msg.Event); err != nil {
			reject(msg, emit, relayerr.InvalidEvent("signature verification failed"))
			return nil
		}
		return next(ctx, state, msg)
	}
}

// validatorStage enforces the h/d tag requirement (invariant 3/4).
func validatorStage(deps Deps) Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		if msg.Label != "EVENT" || msg.Event == nil {
			return next(ctx, state, msg)
		}
		event := msg.Event
		if event.PubKey == deps.Catalog.RelayPubkey() {
			return next(ctx, state, msg)
		}
		if !kinds.RequiresHTag(event.Kind, deps.NonGroupAllowed) {
			return next(ctx, state, msg)
		}
		if group.GroupID(event) == "" {
			reject(msg, emit, relayerr.InvalidEvent("group events must contain an 'h' tag"))
			return nil
		}
		return next(ctx, state, msg)
	}
}

// deletionStage implements NIP-09: kind-5 events name events to
// delete via "e" tags, scoped to the author — a deletion may only
// remove events the same pubkey authored. The actual store deletion is
// submitted by the store-dispatch stage. The group-management 9005
// delete-event command has different (admin/relay, not author-scoped)
// semantics and is handled separately by the protocol handler stage.
func deletionStage(deps Deps) Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		if msg.Label != "EVENT" || msg.Event == nil || msg.Event.Kind != kinds.NIP09Delete {
			return next(ctx, state, msg)
		}
		var ids []string
		for _, tag := range msg.Event.Tags {
			if len(tag) >= 2 && tag[0] == "e" {
				ids = append(ids, tag[1])
			}
		}
		if len(ids) > 0 {
			filter := nostr.Filter{IDs: ids, Authors: []string{msg.Event.PubKey}}
			msg.deleteFilters = append(msg.deleteFilters, filter)
		}
		return next(ctx, state, msg)
	}
}

// expirationStage implements NIP-40: drops events whose `expiration`
// tag names a unix timestamp in the past.
func expirationStage() Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		if msg.Label != "EVENT" || msg.Event == nil {
			return next(ctx, state, msg)
		}
		if expTag := msg.Event.Tags.GetFirst([]string{"expiration", ""}); expTag != nil && len(*expTag) > 1 {
			if isExpired((*expTag)[1]) {
				reject(msg, emit, relayerr.InvalidEvent("event has expired"))
				return nil
			}
		}
		return next(ctx, state, msg)
	}
}

func isExpired(value string) bool {
	var unix int64
	for _, c := range value {
		if c < '0' || c > '9' {
			return false
		}
		unix = unix*10 + int64(c-'0')
	}
	return time.Unix(unix, 0).Before(time.Now())
}

// protectedStage implements NIP-70: events with a `-` tag may only be
// accepted from an authenticated author matching the event's pubkey.
func protectedStage() Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		if msg.Label != "EVENT" || msg.Event == nil {
			return next(ctx, state, msg)
		}
		if protectedTag := msg.Event.Tags.GetFirst([]string{"-", ""}); protectedTag != nil {
			if state.AuthedPubkey == "" || state.AuthedPubkey != msg.Event.PubKey {
				reject(msg, emit, relayerr.AuthRequiredErr("protected event requires matching authentication"))
				return nil
			}
		}
		return next(ctx, state, msg)
	}
}

// protocolHandlerStage dispatches EVENT/REQ/CLOSE into the group
// catalog and subscription registry, collecting commands the next
// stage submits to the store.
func protocolHandlerStage(deps Deps) Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		switch msg.Label {
		case "EVENT":
			return handleEvent(ctx, state, msg, emit, deps, next)
		case "REQ":
			return handleREQ(ctx, state, msg, emit, deps)
		case "CLOSE":
			state.Registry.Unregister(msg.SubID)
			return nil
		}
		return next(ctx, state, msg)
	}
}

func handleEvent(ctx context.Context, state *ConnState, msg *Message, emit func(Out), deps Deps, next Next) error {
	event := msg.Event
	groupID := group.GroupID(event)

	if event.Kind == kinds.DeleteEvent {
		return handleDeleteEvent(ctx, state, msg, emit, deps, next, event, groupID)
	}

	if event.Kind == kinds.SetRoles && !deps.EnableSetRoles {
		reject(msg, emit, relayerr.InvalidEvent("kind 9006 is disabled"))
		return nil
	}

	if kinds.IsGroupManagement(event.Kind) || event.Kind == kinds.JoinRequest || event.Kind == kinds.LeaveRequest {
		drafts, relErr := deps.Catalog.Process(event, state.Scope, state.AuthedPubkey)
		if relErr != nil {
			reject(msg, emit, relErr)
			return nil
		}
		msg.draftsOut = append(msg.draftsOut, group.Draft{Event: event, Scope: state.Scope})
		msg.draftsOut = append(msg.draftsOut, drafts...)
		if event.Kind == kinds.DeleteGroup {
			msg.deleteFilters = append(msg.deleteFilters,
				nostr.Filter{Tags: nostr.TagMap{"h": []string{groupID}}},
				nostr.Filter{Tags: nostr.TagMap{"d": []string{groupID}}},
			)
		}
		emit(Out{"OK", event.ID, true, ""})
		return next(ctx, state, msg)
	}

	if groupID != "" {
		if g := deps.Catalog.Get(state.Scope, groupID); g != nil {
			if relErr := deps.Catalog.CheckBroadcast(g, event); relErr != nil {
				reject(msg, emit, relErr)
				return nil
			}
		}
	}

	msg.draftsOut = append(msg.draftsOut, group.Draft{Event: event, Scope: state.Scope})
	emit(Out{"OK", event.ID, true, ""})
	return next(ctx, state, msg)
}

// handleDeleteEvent implements the 9005 group-management delete-event
// command: admin or relay only, names arbitrary event ids via "e" tags
// (not restricted to events the deleter authored, unlike NIP-09), and
// purges any invite code whose creation event is among those deleted.
func handleDeleteEvent(ctx context.Context, state *ConnState, msg *Message, emit func(Out), deps Deps, next Next, event *nostr.Event, groupID string) error {
	var ids []string
	for _, tag := range event.Tags {
		if len(tag) >= 2 && tag[0] == "e" {
			ids = append(ids, tag[1])
		}
	}
	if relErr := deps.Catalog.AuthorizeEventDeletion(state.Scope, groupID, event.PubKey, ids); relErr != nil {
		reject(msg, emit, relErr)
		return nil
	}
	if len(ids) > 0 {
		msg.deleteFilters = append(msg.deleteFilters, nostr.Filter{IDs: ids})
	}
	msg.draftsOut = append(msg.draftsOut, group.Draft{Event: event, Scope: state.Scope})
	emit(Out{"OK", event.ID, true, ""})
	return next(ctx, state, msg)
}

func handleREQ(ctx context.Context, state *ConnState, msg *Message, emit func(Out), deps Deps) error {
	for _, f := range msg.Filters {
		if hTags, ok := f.Tags["h"]; ok && len(hTags) > 0 {
			if g := deps.Catalog.Get(state.Scope, hTags[0]); g != nil && g.IsPrivate() && state.AuthedPubkey == "" {
				emit(Out{"CLOSED", msg.SubID, relayerr.AuthRequiredErr("private group requires authentication").WireMessage()})
				return nil
			}
		}
	}

	state.Registry.Register(msg.SubID, msg.Filters)

	sink := func(o coordinator.OutboundMessage) bool { emit(Out(o)); return true }
	return deps.Coordinator.HandleREQ(ctx, msg.SubID, msg.Filters, state.Scope, state.AuthedPubkey, deps.QueryLimit, sink)
}

// storeDispatchStage submits any drafts the protocol handler produced
// through the coordinator (stage 10).
func storeDispatchStage(deps Deps) Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		for _, d := range msg.draftsOut {
			if err := deps.Coordinator.Save(ctx, d); err != nil {
				logger.Pipeline().Error().Err(err).Msg("store dispatch failed")
				emit(Out{"NOTICE", relayerr.Internal(err).WireMessage()})
			}
		}
		for _, f := range msg.deleteFilters {
			if err := deps.Coordinator.Delete(ctx, f, state.Scope); err != nil {
				logger.Pipeline().Error().Err(err).Msg("deletion dispatch failed")
				emit(Out{"NOTICE", relayerr.Internal(err).WireMessage()})
			}
		}
		return next(ctx, state, msg)
	}
}
