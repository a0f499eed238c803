package jbot

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// reporter sends the daily stats digest and resets the counters. It
// fires once per calendar day, at or after the configured time, so a
// late tick still fires rather than skipping the day.
type reporter struct {
	config   *ReportConfig
	location *time.Location
	stats    *Stats
	audit    *auditChannels
	logger   *slog.Logger
	now      func() time.Time

	// lastFired is the calendar date (in location) the report last ran
	lastFired time.Time
	mu        sync.Mutex
}

func newReporter(
	config *ReportConfig,
	stats *Stats,
	audit *auditChannels,
	logger *slog.Logger,
	now func() time.Time,
) (*reporter, error) {
	loc, err := config.Location()
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	r := &reporter{
		config:   config,
		location: loc,
		stats:    stats,
		audit:    audit,
		logger:   logger,
		now:      now,
	}

	// starting after today's trigger time shouldn't send a report
	// right away
	current := now().In(loc)
	if !current.Before(r.triggerTime(current)) {
		r.lastFired = dateOf(current)
	}
	return r, nil
}

// dateOf truncates t to midnight, in t's location
func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// triggerTime returns the report time on the same date as t
func (r *reporter) triggerTime(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, r.config.Hour, r.config.Minute, 0, 0, r.location)
}

// shouldFire reports whether the digest is due at now
func (r *reporter) shouldFire(now time.Time) bool {
	now = now.In(r.location)
	if now.Before(r.triggerTime(now)) {
		return false
	}
	return !dateOf(now).Equal(r.lastFired)
}

// check fires the report if it's due. Returns true if it fired.
func (r *reporter) check(ctx context.Context) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().In(r.location)
	if !r.shouldFire(now) {
		return false
	}
	r.lastFired = dateOf(now)
	r.fire(ctx, now)
	return true
}

// fire resets the stats, then sends a digest of what was reset. The
// reset happens whether or not the report channel is configured.
func (r *reporter) fire(ctx context.Context, now time.Time) {
	prev := r.stats.Reset(now)
	r.logger.InfoContext(ctx, "daily report", "stats", prev)
	messages := prev.ReportMessages(now, discordMaxMessageLength)
	for n, msg := range messages {
		if !r.audit.send(ctx, auditDailyReport, msg) {
			r.logger.WarnContext(
				ctx,
				"daily report not sent",
				"part", n+1,
				"parts", len(messages),
			)
		}
	}
}

// Run checks whether the report is due every CheckInterval, until ctx
// is canceled
func (r *reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.CheckInterval)
	defer ticker.Stop()

	r.logger.InfoContext(
		ctx,
		"report scheduler started",
		"hour", r.config.Hour,
		"minute", r.config.Minute,
		"timezone", r.location.String(),
	)
	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "report scheduler stopped")
			return nil
		case <-ticker.C:
			r.check(ctx)
		}
	}
}
