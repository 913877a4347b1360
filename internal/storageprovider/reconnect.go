package storageprovider

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/worldline-go/hardloop"
)

// DefaultConnectionTimeout is the ceiling for one connection attempt,
// and the cap this package's exponential backoff never exceeds.
const DefaultConnectionTimeout = 30 * time.Second

// reconnectTick is how often the background cron checks whether a
// reconnect attempt is due; it is much finer than the backoff itself so
// the loop notices a newly-elapsed backoff window promptly.
const reconnectTick = "@every 1s"

// cronRunner is satisfied by hardloop's unexported cron-job type
// returned by hardloop.NewCron, named as an interface so this package
// never references the unexported concrete type.
type cronRunner interface {
	Start(ctx context.Context) error
	Stop()
}

// reconnectLoop owns one Session's connection lifecycle: the initial
// connect, a hardloop-driven background retry with exponential backoff
// bounded by connectionTimeout, and the queue of not-yet-sent client
// messages accumulated while disconnected.
type reconnectLoop struct {
	session           *Session
	connectionTimeout time.Duration
	logger            *slog.Logger

	mu        sync.Mutex
	connected bool
	attempt   int
	nextTry   time.Time
	queue     []ClientMessage

	ctx    context.Context
	cancel context.CancelFunc
	cron   cronRunner
	msgCh  <-chan ServerMessage
}

func newReconnectLoop(s *Session) *reconnectLoop {
	return &reconnectLoop{
		session:           s,
		connectionTimeout: DefaultConnectionTimeout,
		logger:            s.logger,
	}
}

// start attempts the initial connection and, regardless of its outcome,
// launches the background retry cron so a later drop (or an initial
// failure) is retried automatically until ctx is cancelled.
func (r *reconnectLoop) start(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	r.ctx = ctx
	r.cancel = cancel

	cron, err := hardloop.NewCron(hardloop.Cron{
		Name:  "storageprovider-reconnect",
		Specs: []string{reconnectTick},
		Func:  r.tick,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("storageprovider: build reconnect loop: %w", err)
	}
	r.cron = cron
	if err := cron.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("storageprovider: start reconnect loop: %w", err)
	}

	return r.attemptConnect(ctx)
}

func (r *reconnectLoop) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.cron != nil {
		r.cron.Stop()
	}
}

// tick is the hardloop cron callback: a no-op unless a reconnect is
// currently due, so the cron's fixed one-second cadence doesn't itself
// dictate the backoff interval.
func (r *reconnectLoop) tick(ctx context.Context) error {
	r.mu.Lock()
	due := !r.connected && time.Now().After(r.nextTry)
	r.mu.Unlock()
	if !due {
		return nil
	}
	return r.attemptConnect(ctx)
}

func (r *reconnectLoop) attemptConnect(ctx context.Context) error {
	connectCtx, cancel := context.WithTimeout(ctx, r.connectionTimeout)
	defer cancel()

	ch, err := r.session.transport.Connect(connectCtx)
	if err != nil {
		r.mu.Lock()
		r.connected = false
		r.attempt++
		r.nextTry = time.Now().Add(r.backoffLocked())
		wait := r.nextTry
		r.mu.Unlock()
		r.logger.Warn("storageprovider: connect failed, will retry", "error", err, "retry_at", wait)
		return nil
	}

	r.mu.Lock()
	r.connected = true
	r.attempt = 0
	r.msgCh = ch
	queued := r.queue
	r.queue = nil
	r.mu.Unlock()

	go r.readLoop(ctx, ch)

	r.session.resubscribeAll(ctx)
	for _, msg := range queued {
		if err := r.session.transport.Send(ctx, msg); err != nil {
			r.logger.Warn("storageprovider: failed draining queued message", "error", err)
			r.markDisconnected()
			break
		}
	}
	return nil
}

// backoffLocked computes the next retry delay: doubling from 1s, capped
// at connectionTimeout. Callers must hold r.mu.
func (r *reconnectLoop) backoffLocked() time.Duration {
	d := time.Second << uint(min(r.attempt, 10))
	if d > r.connectionTimeout || d <= 0 {
		return r.connectionTimeout
	}
	return d
}

// readLoop drains server messages until the transport closes the
// channel, then marks the session disconnected so the cron's next due
// tick retries.
func (r *reconnectLoop) readLoop(ctx context.Context, ch <-chan ServerMessage) {
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				r.markDisconnected()
				return
			}
			r.session.handleServerMessage(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (r *reconnectLoop) markDisconnected() {
	r.mu.Lock()
	r.connected = false
	r.nextTry = time.Now().Add(r.backoffLocked())
	r.mu.Unlock()
}

// sendOrQueue sends msg immediately if connected, otherwise appends it
// to the queue drained on the next successful reconnect.
func (r *reconnectLoop) sendOrQueue(ctx context.Context, msg ClientMessage) error {
	r.mu.Lock()
	connected := r.connected
	r.mu.Unlock()

	if !connected {
		r.mu.Lock()
		r.queue = append(r.queue, msg)
		r.mu.Unlock()
		return nil
	}

	if err := r.session.transport.Send(ctx, msg); err != nil {
		r.markDisconnected()
		r.mu.Lock()
		r.queue = append(r.queue, msg)
		r.mu.Unlock()
		return nil
	}
	return nil
}
