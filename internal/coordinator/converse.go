// ABOUTME: Converse mode toggle and its keepalive goroutine
// ABOUTME: Keeps the outer activity timer from deactivating converse mode while it is enabled

package coordinator

import (
	"time"

	"github.com/2389/flowlink/internal/bus"
)

type converseState struct {
	enabled      bool
	lastActiveAt time.Time
	stop         chan struct{}
	done         chan struct{}
}

// ConverseState is a snapshot of converse mode.
type ConverseState struct {
	Enabled      bool
	LastActiveAt time.Time
}

// Converse returns the current converse mode state.
func (c *Coordinator) Converse() ConverseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConverseState{Enabled: c.converse.enabled, LastActiveAt: c.converse.lastActiveAt}
}

// EnableConverse turns converse mode on and starts the keepalive. It is a
// no-op when already enabled or after Close.
func (c *Coordinator) EnableConverse() {
	c.mu.Lock()
	if c.closed || c.converse.enabled {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	c.converse = converseState{
		enabled:      true,
		lastActiveAt: time.Now(),
		stop:         stop,
		done:         done,
	}
	c.mu.Unlock()

	go c.keepalive(stop, done)
	c.metrics.SetConverse(true)
	c.logger.Info("converse mode enabled", "keepalive_interval", c.cfg.KeepaliveInterval)
}

// DisableConverse turns converse mode off and waits for the keepalive to exit.
func (c *Coordinator) DisableConverse() {
	c.mu.Lock()
	if !c.converse.enabled {
		c.mu.Unlock()
		return
	}
	stop, done := c.converse.stop, c.converse.done
	c.converse.enabled = false
	c.converse.stop = nil
	c.converse.done = nil
	c.mu.Unlock()

	close(stop)
	<-done
	c.metrics.SetConverse(false)
	c.logger.Info("converse mode disabled")
}

// touchConverse refreshes last activity and reports whether converse is enabled.
func (c *Coordinator) touchConverse() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.converse.enabled {
		return false
	}
	c.converse.lastActiveAt = time.Now()
	return true
}

func (c *Coordinator) keepalive(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			c.converse.lastActiveAt = now
			c.mu.Unlock()

			msg := bus.New(bus.TypeConverseKeepalive, map[string]any{
				"skill_id":       c.cfg.Name,
				"last_active_at": now.UTC().Format(time.RFC3339),
			}, nil)
			if err := c.bus.Emit(msg); err != nil {
				c.logger.Debug("keepalive not delivered", "error", err)
			}
		}
	}
}
