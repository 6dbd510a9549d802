// Package crypto offloads signature verification and signing off the
// connection I/O goroutines onto a fixed-size worker pool, so that CPU
// bound secp256k1/schnorr work never starves the network scheduler.
package crypto

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/nbd-wtf/go-nostr"

	"github.com/groups-relay/relay/internal/logger"
)

// ErrSignatureInvalid is returned by Verify when an event's signature
// does not match its claimed pubkey.
var ErrSignatureInvalid = errors.New("signature verification failed")

type verifyJob struct {
	event *nostr.Event
	reply chan error
}

type signJob struct {
	draft *nostr.Event
	key   string
	reply chan signResult
}

type signResult struct {
	event *nostr.Event
	err   error
}

// Pool is a fixed-size reservoir of goroutines dedicated to signature
// verification and signing: a small set of persistent goroutines
// draining bounded job channels rather than spawning per-request.
type Pool struct {
	verifyCh chan verifyJob
	signCh   chan signJob
	done     chan struct{}
}

// NewPool starts a Pool with workers sized to CPU parallelism.
func NewPool() *Pool {
	workers := runtime.GOMAXPROCS(0)
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		verifyCh: make(chan verifyJob, workers*4),
		signCh:   make(chan signJob, workers*4),
		done:     make(chan struct{}),
	}
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	log := logger.Crypto()
	for {
		select {
		case <-p.done:
			return
		case job := <-p.verifyCh:
			ok, err := job.event.CheckSignature()
			if err != nil {
				log.Debug().Err(err).Str("event_id", job.event.ID).Msg("signature check failed")
				job.reply <- fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
				continue
			}
			if !ok {
				job.reply <- ErrSignatureInvalid
				continue
			}
			job.reply <- nil
		case job := <-p.signCh:
			if err := job.draft.Sign(job.key); err != nil {
				job.reply <- signResult{err: fmt.Errorf("sign event: %w", err)}
				continue
			}
			job.reply <- signResult{event: job.draft}
		}
	}
}

// Verify submits event for signature verification and blocks until the
// pool completes it or ctx is cancelled. Callers are never silently
// dropped: a saturated pool blocks the caller on channel send rather
// than discarding the job.
func (p *Pool) Verify(ctx context.Context, event *nostr.Event) error {
	job := verifyJob{event: event, reply: make(chan error, 1)}
	select {
	case p.verifyCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-job.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sign submits draft for signing with privKey and blocks until done.
// The signed event (with pubkey and id populated) is returned.
func (p *Pool) Sign(ctx context.Context, draft *nostr.Event, privKey string) (*nostr.Event, error) {
	pub, err := nostr.GetPublicKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}
	draft.PubKey = pub

	job := signJob{draft: draft, key: privKey, reply: make(chan signResult, 1)}
	select {
	case p.signCh <- job:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-job.reply:
		return res.event, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops all worker goroutines.
func (p *Pool) Close() {
	close(p.done)
}
