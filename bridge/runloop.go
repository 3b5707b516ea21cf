package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var errConnectionLost = errors.New("fabric connection lost")

// runLoop is the Idle -> Running -> Stopped state of a listener or
// provider. The stop signal is a channel closed at most once per run.
type runLoop struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	stopped bool
}

// begin moves the loop to Running, or fails with AlreadyStarted
func (r *runLoop) begin(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return newError(KindAlreadyStarted, op)
	}
	r.running = true
	r.stopped = false
	r.stopCh = make(chan struct{})
	return nil
}

// end returns the loop to Idle so it can be started again
func (r *runLoop) end() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running = false
	r.stopCh = nil
}

// stop signals the current run. It has no effect when nothing runs.
func (r *runLoop) stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.stopped {
		return
	}
	r.stopped = true
	close(r.stopCh)
}

func (r *runLoop) isRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *runLoop) done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopCh
}

// wait blocks until stop is called or ctx ends. Every poll interval it
// checks the connection; a connection that stays down longer than
// tolerance ends the loop with errConnectionLost.
func (r *runLoop) wait(ctx context.Context, cfg *Config, connected func() bool, logger zerolog.Logger) error {
	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	done := r.done()
	var downSince time.Time
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			logger.Debug().Err(ctx.Err()).Msg("Context ended, stopping")
			return nil
		case now := <-ticker.C:
			if connected() {
				if !downSince.IsZero() {
					logger.Info().Msg("Fabric connection restored")
					downSince = time.Time{}
				}
				continue
			}
			if downSince.IsZero() {
				downSince = now
				logger.Warn().Dur("tolerance", cfg.DisconnectTolerance).Msg("Fabric connection down, waiting for reconnect")
			}
			if now.Sub(downSince) >= cfg.DisconnectTolerance {
				return errConnectionLost
			}
		}
	}
}
