package dmc

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Interval returns how long to wait between heartbeats for a session with
// the given lifetime. Beats are sent margin before the session would expire;
// when the margin does not fit, half the lifetime is used. The result is
// never shorter than floor.
func Interval(lifetime, margin, floor time.Duration) time.Duration {
	d := lifetime - margin
	if d <= 0 {
		d = lifetime / 2
	}
	return max(d, floor)
}

// Keeper sends periodic heartbeats for one session until stopped.
// A failed beat ends the loop and is reported by Err; it does not affect
// downloads running against the session.
type Keeper struct {
	client   *Client
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	session *Session
	beats   int
	err     error

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewKeeper returns a keeper for s that beats every interval.
func NewKeeper(client *Client, s *Session, interval time.Duration, logger *slog.Logger) *Keeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Keeper{
		client:   client,
		interval: interval,
		logger:   logger.With("session_id", s.ID),
		session:  s,
	}
}

// Start launches the heartbeat loop. Calls after the first are ignored.
func (k *Keeper) Start(ctx context.Context) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.done != nil {
		return
	}

	ctx, k.cancel = context.WithCancel(ctx)
	k.done = make(chan struct{})
	go k.run(ctx, k.done)
}

// Stop cancels the loop and waits for it to exit. It is safe to call more
// than once, before Start, and after the loop has already ended.
func (k *Keeper) Stop() {
	k.stopOnce.Do(func() {
		k.mu.Lock()
		cancel, done := k.cancel, k.done
		if done == nil {
			// Never started: make a later Start a no-op.
			k.done = make(chan struct{})
			close(k.done)
		}
		k.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
	})
}

// Err returns the heartbeat failure that ended the loop, if any.
func (k *Keeper) Err() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.err
}

// Beats returns the number of successful heartbeats.
func (k *Keeper) Beats() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.beats
}

// Session returns the most recent session payload.
func (k *Keeper) Session() *Session {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.session
}

func (k *Keeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(k.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		next, err := k.client.Heartbeat(ctx, k.Session())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			k.mu.Lock()
			k.err = err
			k.mu.Unlock()
			k.logger.Warn("heartbeat failed, session will not be extended", "error", err)
			return
		}

		k.mu.Lock()
		k.session = next
		k.beats++
		k.mu.Unlock()
		k.logger.Debug("heartbeat sent", "interval", k.interval)

		timer.Reset(k.interval)
	}
}
