// Package pipeline implements the ordered inbound/outbound middleware
// chain every WebSocket message passes through: logging, error
// handling, NIP-42 auth, signature verification, validation, NIP-09
// deletion, NIP-40 expiration, NIP-70 protected events, protocol
// dispatch, and event store submission. The chain shape mirrors an
// HTTP middleware stack's handler/Next() composition, generalized from
// request/response to a bidirectional WebSocket message exchange.
package pipeline

import (
	"context"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/auth"
	"github.com/groups-relay/relay/internal/coordinator"
	"github.com/groups-relay/relay/internal/crypto"
	"github.com/groups-relay/relay/internal/group"
	"github.com/groups-relay/relay/internal/kinds"
	"github.com/groups-relay/relay/internal/logger"
	"github.com/groups-relay/relay/internal/metrics"
	"github.com/groups-relay/relay/internal/relayerr"
	"github.com/groups-relay/relay/internal/subscription"
)

// ConnState is the mutable per-connection state the chain reads and
// writes: authenticated pubkey, outstanding NIP-42 challenge, scope.
type ConnState struct {
	ConnID        string
	Scope         string
	AuthedPubkey  string
	Challenge     string
	ChallengeAt   time.Time
	RelayURL      string
	Registry      *subscription.Registry
}

// Authed reports the currently authenticated pubkey, or "" if none.
// Passed to the coordinator as a closure so auth completed mid-
// connection is reflected on the next dispatched event.
func (s *ConnState) Authed() string { return s.AuthedPubkey }

// Out is a single outbound wire message, e.g. ["OK", id, true, ""].
type Out []interface{}

// Message is one inbound client message being processed by the chain.
type Message struct {
	// Label is "EVENT", "REQ", "CLOSE", or "AUTH".
	Label string
	Event *nostr.Event // for EVENT and AUTH
	SubID string       // for REQ and CLOSE
	Filters []nostr.Filter // for REQ

	// draftsOut accumulates store-bound drafts the protocol handler
	// stage produces, consumed by the store-dispatch stage.
	draftsOut []group.Draft

	// deleteFilters accumulates store deletion filters (NIP-09 kind-5
	// deletions, 9005 event deletions and 9008 group purges), also
	// consumed by the store-dispatch stage.
	deleteFilters []nostr.Filter

	// stopped is set by a middleware that wants to terminate the
	// chain early (e.g. a verification failure).
	stopped bool
}

// Stop terminates the inbound chain after the current middleware
// returns; outbound messages already queued are still sent.
func (m *Message) Stop() { m.stopped = true }

// Next invokes the remaining chain.
type Next func(ctx context.Context, state *ConnState, msg *Message) error

// Middleware processes one message and may call next to continue.
type Middleware func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error

// Chain is the ordered list of inbound middleware. Outbound messages do
// not pass back through the stages: they are collected from emit calls
// in emission order and returned by ProcessInbound.
type Chain struct {
	stages []Middleware
	Deps   Deps
}

// Deps bundles the collaborators every built-in stage needs.
type Deps struct {
	Pool            *crypto.Pool
	Catalog         *group.Catalog
	Coordinator     *coordinator.Coordinator
	NonGroupAllowed []int
	AuthURL         string
	ChallengeTTL    time.Duration
	QueryLimit      int
	// ChallengeStore is an optional multi-instance NIP-42 challenge
	// fallback (see internal/auth.ChallengeStore); nil when Redis is
	// disabled, in which case ConnState's in-memory challenge alone
	// decides AUTH outcomes.
	ChallengeStore *auth.ChallengeStore
	// EnableSetRoles gates kind 9006: when false, set-roles events are
	// rejected outright regardless of the requester's role.
	EnableSetRoles bool
}

// New builds the standard inbound chain in stage order: metrics,
// logging, panic recovery, AUTH handling, signature verification,
// validation, NIP-09 deletion, NIP-40 expiration, NIP-70 protected
// events, the group protocol handler, and event store submission.
func New(deps Deps) *Chain {
	return &Chain{Deps: deps, stages: []Middleware{
		metricsStage(),
		loggerStage(),
		errorHandlingStage(),
		authStage(deps),
		verifierStage(deps),
		validatorStage(deps),
		deletionStage(deps),
		expirationStage(),
		protectedStage(),
		protocolHandlerStage(deps),
		storeDispatchStage(deps),
	}}
}

// ProcessInbound runs the chain forward (first stage to last), collecting outbound
// messages emitted along the way.
func (c *Chain) ProcessInbound(ctx context.Context, state *ConnState, msg *Message) []Out {
	var outbound []Out
	emit := func(o Out) { outbound = append(outbound, o) }

	var run Next
	idx := 0
	run = func(ctx context.Context, state *ConnState, msg *Message) error {
		if msg.stopped || idx >= len(c.stages) {
			return nil
		}
		stage := c.stages[idx]
		idx++
		return stage(ctx, state, msg, emit, run)
	}
	if err := run(ctx, state, msg); err != nil {
		logger.Pipeline().Error().Err(err).Str("label", msg.Label).Msg("inbound chain returned error")
		emit(Out{"NOTICE", "notice: internal error"})
	}
	return outbound
}

// metricsStage records inbound-event throughput and per-kind processing
// latency, timing the full remainder of the chain since that's where
// an EVENT's accept/reject is decided.
func metricsStage() Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		if msg.Label != "EVENT" || msg.Event == nil {
			return next(ctx, state, msg)
		}
		start := time.Now()
		metrics.InboundEventsProcessed.Inc()
		err := next(ctx, state, msg)
		metrics.EventLatencyMS.WithLabelValues(metrics.KindLabel(msg.Event.Kind)).Observe(float64(time.Since(start).Milliseconds()))
		return err
	}
}

func loggerStage() Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) error {
		log := logger.Pipeline()
		log.Debug().Str("conn", state.ConnID).Str("scope", state.Scope).Str("label", msg.Label).Msg("inbound message")
		return next(ctx, state, msg)
	}
}

func errorHandlingStage() Middleware {
	return func(ctx context.Context, state *ConnState, msg *Message, emit func(Out), next Next) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Pipeline().Error().Interface("panic", r).Str("conn", state.ConnID).Msg("recovered from panic in chain")
				if msg.Event != nil {
					emit(Out{"OK", msg.Event.ID, false, relayerr.Internal(nil).WireMessage()})
				}
				msg.Stop()
			}
		}()
		return next(ctx, state, msg)
	}
}

func reject(msg *Message, emit func(Out), err *relayerr.RelayError) {
	if msg.Event != nil {
		emit(Out{"OK", msg.Event.ID, false, err.WireMessage()})
	} else if msg.SubID != "" {
		emit(Out{"CLOSED", msg.SubID, err.WireMessage()})
	} else {
		emit(Out{"NOTICE", err.WireMessage()})
	}
	msg.Stop()
}
