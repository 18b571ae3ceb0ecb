// Package updater is the once-a-day check that compares the local install
// against the remote main branch and nudges the user on divergence.
package updater

import (
	"context"
	"strings"
	"time"

	"github.com/druidia-bot/dotbot/internal/observability"
)

// GitRunner executes a git plumbing command and returns its trimmed
// stdout. Injected so tests never shell out.
type GitRunner func(ctx context.Context, args ...string) (string, error)

// Notifier delivers the update nudge.
type Notifier func(message string)

// Checker is the auto-update checker, a degenerate periodic task: one
// quiet-window check per 24 h, failures swallowed.
type Checker struct {
	git      GitRunner
	notify   Notifier
	logger   *observability.Logger
	interval time.Duration
	lastRun  time.Time
	now      func() time.Time
	stop     chan struct{}
}

// New wires a checker.
func New(git GitRunner, notify Notifier, logger *observability.Logger, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &Checker{
		git:      git,
		notify:   notify,
		logger:   logger,
		interval: interval,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the quiet-window loop. The poll granularity is coarse;
// the interval gates actual checks.
func (c *Checker) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if c.now().Sub(c.lastRun) >= c.interval {
					c.CheckOnce(ctx)
				}
			}
		}
	}()
}

// Shutdown stops the loop.
func (c *Checker) Shutdown() { close(c.stop) }

// CheckOnce compares HEAD against origin/main. Every failure is swallowed:
// transient git trouble must never page anyone.
func (c *Checker) CheckOnce(ctx context.Context) {
	c.lastRun = c.now()

	if _, err := c.git(ctx, "fetch", "--quiet", "origin", "main"); err != nil {
		c.logger.Debug(ctx, "update check fetch failed", "error", err.Error())
		return
	}
	local, err := c.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		c.logger.Debug(ctx, "update check rev-parse failed", "error", err.Error())
		return
	}
	remote, err := c.git(ctx, "rev-parse", "origin/main")
	if err != nil {
		c.logger.Debug(ctx, "update check remote rev-parse failed", "error", err.Error())
		return
	}

	if strings.TrimSpace(local) != strings.TrimSpace(remote) && c.notify != nil {
		c.notify("A DotBot update is available: the local install differs from origin/main.")
	}
}
