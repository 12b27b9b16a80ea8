package scheduler

import (
	"context"
	"fmt"
	"time"
)

type HealthState string

const (
	Healthy   HealthState = "healthy"
	Degraded  HealthState = "degraded"
	Unhealthy HealthState = "unhealthy"
)

const (
	unhealthyExpiredRatio = 0.5
	degradedExpiredRatio  = 0.1
)

type Health struct {
	State        HealthState `json:"status"`
	Reasons      []string    `json:"reasons"`
	Running      bool        `json:"running"`
	ExpiredRatio float64     `json:"expiredRatio"`
	Tracked      int         `json:"tracked"`
	CheckedAt    time.Time   `json:"checkedAt"`
}

// Health derives the scheduler's state from whether it is running, how long
// ago the last successful tick was and how much of the cache has expired.
func (s *Scheduler) Health(ctx context.Context) Health {
	now := s.now()
	st := s.Status()
	h := Health{Running: st.Running, CheckedAt: now, Reasons: []string{}}

	unhealthy := func(format string, args ...any) {
		h.State = Unhealthy
		h.Reasons = append(h.Reasons, fmt.Sprintf(format, args...))
	}
	degraded := func(format string, args ...any) {
		if h.State != Unhealthy {
			h.State = Degraded
		}
		h.Reasons = append(h.Reasons, fmt.Sprintf(format, args...))
	}

	if !st.Running {
		unhealthy("background refresh is not running")
	}

	stats, err := s.universe.Stats(ctx, now)
	if err != nil {
		degraded("cache stats unavailable: %v", err)
	} else {
		h.Tracked = stats.Count
		h.ExpiredRatio = stats.ExpiredRatio()
		switch {
		case h.ExpiredRatio >= unhealthyExpiredRatio:
			unhealthy("%.0f%% of tracked prices have expired", h.ExpiredRatio*100)
		case h.ExpiredRatio >= degradedExpiredRatio:
			degraded("%.0f%% of tracked prices have expired", h.ExpiredRatio*100)
		}
	}

	if st.Running {
		interval := st.Interval
		// Before the first success, measure from when the scheduler started.
		since := st.LastSuccessAt
		if since.IsZero() {
			since = st.StartedAt
		}
		age := now.Sub(since)
		switch {
		case age > 3*interval:
			unhealthy("no successful refresh for %s", age.Round(time.Second))
		case !st.LastSuccessAt.IsZero() && age > 2*interval:
			degraded("last successful refresh was %s ago", age.Round(time.Second))
		}
		if st.LastResult != nil && st.LastResult.Error != "" {
			degraded("last refresh failed: %s", st.LastResult.Error)
		}
	}

	if h.State == "" {
		h.State = Healthy
	}
	return h
}
