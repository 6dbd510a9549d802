// Package session implements the per-connection lifecycle: a bounded
// outbound channel, a reader goroutine that parses wire frames and
// drives the inbound middleware chain, a writer goroutine that drains
// the outbound queue, and a disconnect hook that runs exactly once.
// Modeled on a classic websocket Hub/Client readPump/writePump pair,
// but with one Session per connection rather than one Hub shared
// across all connections, since this relay's fan-out is per-
// subscription (via the coordinator) rather than a single broadcast.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/coordinator"
	"github.com/groups-relay/relay/internal/logger"
	"github.com/groups-relay/relay/internal/metrics"
	"github.com/groups-relay/relay/internal/pipeline"
	"github.com/groups-relay/relay/internal/subscription"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 512 * 1024
)

// Conn is the subset of *websocket.Conn the session needs; satisfied
// by gorilla/websocket in production and a fake in tests.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetPongHandler(func(string) error)
	Close() error
}

// DisconnectHook runs exactly once when a session ends, regardless of
// which side initiated the close.
type DisconnectHook func(connID string)

// Session owns one WebSocket connection's full lifecycle.
type Session struct {
	id    string
	conn  Conn
	chain *pipeline.Chain
	coord *coordinator.Coordinator
	state *pipeline.ConnState

	outbound chan pipeline.Out
	cancel   context.CancelFunc

	disconnectOnce sync.Once
	onDisconnect   DisconnectHook

	droppedCount int
	dropMu       sync.Mutex
}

// New creates a session bound to conn, with its own subscription
// registry and connection state, and registers it with the
// coordinator for live event fan-out. maxConnectionTime, if positive,
// closes the session unconditionally once elapsed; zero disables it.
func New(ctx context.Context, connID string, conn Conn, chain *pipeline.Chain, coord *coordinator.Coordinator, scope string, relayURL string, channelSize int, maxConnectionTime time.Duration) *Session {
	registry := subscription.NewRegistry()
	state := &pipeline.ConnState{ConnID: connID, Scope: scope, Registry: registry, RelayURL: relayURL}

	sessCtx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:       connID,
		conn:     conn,
		chain:    chain,
		coord:    coord,
		state:    state,
		outbound: make(chan pipeline.Out, channelSize),
		cancel:   cancel,
	}

	coord.RegisterConnection(connID, scope, registry, state.Authed, func(msg coordinator.OutboundMessage) bool {
		return s.enqueue(pipeline.Out(msg))
	})

	metrics.ActiveConnections.Inc()

	go s.writer(sessCtx)
	go s.reader(sessCtx)
	if maxConnectionTime > 0 {
		go s.enforceLifetime(sessCtx, maxConnectionTime)
	}

	challenge := issueChallengeOut(state)
	s.enqueue(challenge)

	if cs := chain.Deps.ChallengeStore; cs != nil && cs.IsEnabled() {
		if err := cs.IssueChallenge(ctx, connID, state.Challenge, relayURL, chain.Deps.ChallengeTTL); err != nil {
			logger.Session().Warn().Err(err).Str("conn_id", connID).Msg("failed to mirror AUTH challenge to shared store")
		}
	}

	return s
}

func issueChallengeOut(state *pipeline.ConnState) pipeline.Out {
	return pipeline.IssueChallenge(state)
}

// enforceLifetime closes the session once maxConnectionTime elapses,
// regardless of activity, implementing the websocket.max_connection_time
// cap.
func (s *Session) enforceLifetime(ctx context.Context, maxConnectionTime time.Duration) {
	timer := time.NewTimer(maxConnectionTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		s.enqueue(pipeline.Out{"NOTICE", "notice: connection lifetime exceeded"})
		s.Close()
	}
}

// OnDisconnect registers the hook to run when the session ends.
func (s *Session) OnDisconnect(hook DisconnectHook) { s.onDisconnect = hook }

// enqueue attempts a non-blocking send to the outbound channel; on a
// full queue, the oldest pending message is dropped to make room.
func (s *Session) enqueue(msg pipeline.Out) bool {
	select {
	case s.outbound <- msg:
		return true
	default:
		select {
		case <-s.outbound:
		default:
		}
		select {
		case s.outbound <- msg:
		default:
		}
		s.dropMu.Lock()
		s.droppedCount++
		dropped := s.droppedCount
		s.dropMu.Unlock()
		if dropped%10 == 0 {
			select {
			case s.outbound <- pipeline.Out{"NOTICE", fmt.Sprintf("notice: dropped %d messages", dropped)}:
			default:
			}
		}
		return false
	}
}

func (s *Session) reader(ctx context.Context) {
	defer s.disconnect()

	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	log := logger.Session()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("conn", s.id).Msg("unexpected close")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, parseErr := parseMessage(data)
		if parseErr != nil {
			s.enqueue(pipeline.Out{"NOTICE", "invalid: malformed message"})
			continue
		}

		for _, out := range s.chain.ProcessInbound(ctx, s.state, msg) {
			s.enqueue(out)
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) writer(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			s.flushAndClose()
			return
		case msg, ok := <-s.outbound:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, err := json.Marshal([]interface{}(msg))
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) flushAndClose() {
	for {
		select {
		case msg, ok := <-s.outbound:
			if !ok {
				return
			}
			data, err := json.Marshal([]interface{}(msg))
			if err == nil {
				_ = s.conn.WriteMessage(websocket.TextMessage, data)
			}
		default:
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Close cancels the session; the writer flushes and sends a close
// frame, then both loops end and the disconnect hook runs.
func (s *Session) Close() { s.cancel() }

func (s *Session) disconnect() {
	s.disconnectOnce.Do(func() {
		metrics.ActiveConnections.Dec()
		s.coord.UnregisterConnection(s.id)
		s.state.Registry.UnregisterAll()
		s.cancel()
		if s.onDisconnect != nil {
			s.onDisconnect(s.id)
		}
		logger.Session().Info().Str("conn", s.id).Msg("session disconnected")
	})
}

func parseMessage(data []byte) (*pipeline.Message, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty message")
	}
	var label string
	if err := json.Unmarshal(raw[0], &label); err != nil {
		return nil, fmt.Errorf("parse label: %w", err)
	}

	switch label {
	case "EVENT", "AUTH":
		if len(raw) < 2 {
			return nil, fmt.Errorf("%s requires an event payload", label)
		}
		var event nostr.Event
		if err := json.Unmarshal(raw[1], &event); err != nil {
			return nil, fmt.Errorf("parse event: %w", err)
		}
		return &pipeline.Message{Label: label, Event: &event}, nil
	case "REQ":
		if len(raw) < 2 {
			return nil, fmt.Errorf("REQ requires a subscription id")
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return nil, fmt.Errorf("parse sub id: %w", err)
		}
		var filters []nostr.Filter
		for _, part := range raw[2:] {
			var f nostr.Filter
			if err := json.Unmarshal(part, &f); err != nil {
				return nil, fmt.Errorf("parse filter: %w", err)
			}
			filters = append(filters, f)
		}
		return &pipeline.Message{Label: "REQ", SubID: subID, Filters: filters}, nil
	case "CLOSE":
		if len(raw) < 2 {
			return nil, fmt.Errorf("CLOSE requires a subscription id")
		}
		var subID string
		if err := json.Unmarshal(raw[1], &subID); err != nil {
			return nil, fmt.Errorf("parse sub id: %w", err)
		}
		return &pipeline.Message{Label: "CLOSE", SubID: subID}, nil
	}
	return nil, fmt.Errorf("unknown message label %q", label)
}
