package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/queueline/queueline/internal/observability"
	"github.com/queueline/queueline/internal/store"
)

// Analytics answers the operator dashboard queries from the same persisted
// data the hot path writes, without locking it. Transient store errors are
// swallowed and fields default to zero so dashboards degrade rather than
// fail.
type Analytics struct {
	store          store.Store
	tzOffset       int
	defaultService string
	clock          func() time.Time
}

// NewAnalytics constructs the read-only analytics surface. defaultService
// names the service whose today-ALL stats feed the summary.
func NewAnalytics(st store.Store, tzOffsetSeconds int, defaultService string) *Analytics {
	return &Analytics{
		store:          st,
		tzOffset:       tzOffsetSeconds,
		defaultService: defaultService,
		clock:          time.Now,
	}
}

// SetClock overrides the wall clock. Test hook.
func (a *Analytics) SetClock(clock func() time.Time) {
	a.clock = clock
}

// Summary is the overall system snapshot.
type Summary struct {
	TotalIssued         int64   `json:"total_issued"`
	LiveWaiting         int64   `json:"live_waiting"`
	LiveServing         int64   `json:"live_serving"`
	LiveDone            int64   `json:"live_done"`
	LiveCancelled       int64   `json:"live_cancelled"`
	TotalServedToday    int64   `json:"total_served_today"`
	AvgServiceTimeToday float64 `json:"avg_service_time_today"`
	Error               string  `json:"error,omitempty"`
}

// Summary probes the index for the four status cardinalities and reads the
// global counter plus today's service-wide stats bucket.
func (a *Analytics) Summary(ctx context.Context) Summary {
	var s Summary
	for _, probe := range []struct {
		status string
		dst    *int64
	}{
		{string(StatusWaiting), &s.LiveWaiting},
		{string(StatusServing), &s.LiveServing},
		{string(StatusDone), &s.LiveDone},
		{string(StatusCancelled), &s.LiveCancelled},
	} {
		n, err := a.store.CountTickets(ctx, store.TicketFilter{Statuses: []string{probe.status}})
		if err != nil {
			a.degrade("summary status probe", err)
			s.Error = "index unavailable"
			continue
		}
		*probe.dst = n
	}

	if raw, ok, err := a.store.Get(ctx, store.GlobalIDKey); err != nil {
		a.degrade("summary issued counter", err)
	} else if ok {
		s.TotalIssued, _ = strconv.ParseInt(raw, 10, 64)
	}

	date := time.Unix(a.clock().Unix(), 0).In(time.FixedZone("stats", a.tzOffset)).Format("20060102")
	h, err := a.store.HGetAll(ctx, store.StatsKey(date, a.defaultService, "ALL"))
	if err != nil {
		a.degrade("summary today stats", err)
		return s
	}
	s.TotalServedToday, _ = strconv.ParseInt(h["count"], 10, 64)
	total, _ := strconv.ParseInt(h["total_svc_time"], 10, 64)
	samples, _ := strconv.ParseInt(h["svc_count"], 10, 64)
	if samples > 0 {
		s.AvgServiceTimeToday = float64(total) / float64(samples)
	}
	return s
}

// HourlyDemand aggregates ticket creation by local hour of day, ascending.
func (a *Analytics) HourlyDemand(ctx context.Context) []store.HourCount {
	rows, err := a.store.HourlyDemand(ctx, a.tzOffset)
	if err != nil {
		a.degrade("hourly demand", err)
		return []store.HourCount{}
	}
	if rows == nil {
		rows = []store.HourCount{}
	}
	return rows
}

// LiveCounts reports waiting and serving cardinalities per (service, status).
func (a *Analytics) LiveCounts(ctx context.Context) []store.ServiceStatusCount {
	rows, err := a.store.LiveCounts(ctx)
	if err != nil {
		a.degrade("live counts", err)
		return []store.ServiceStatusCount{}
	}
	if rows == nil {
		rows = []store.ServiceStatusCount{}
	}
	return rows
}

// CounterStats is one per-date, per-(service, counter) analytics row.
type CounterStats struct {
	Service           string  `json:"service"`
	Counter           string  `json:"counter"`
	Count             int64   `json:"count"`
	AvgServiceSeconds float64 `json:"avg_service_seconds"`
}

// StatsForDate scans the date's stats hashes and emits one row per key.
func (a *Analytics) StatsForDate(ctx context.Context, date string) []CounterStats {
	keys, err := a.store.ScanKeys(ctx, store.StatsPattern(date))
	if err != nil {
		a.degrade("stats scan", err)
		return []CounterStats{}
	}
	rows := make([]CounterStats, 0, len(keys))
	for _, key := range keys {
		service, counter, ok := store.ParseStatsKey(key)
		if !ok {
			continue
		}
		h, err := a.store.HGetAll(ctx, key)
		if err != nil {
			a.degrade("stats row", err)
			continue
		}
		count, _ := strconv.ParseInt(h["count"], 10, 64)
		total, _ := strconv.ParseInt(h["total_svc_time"], 10, 64)
		samples, _ := strconv.ParseInt(h["svc_count"], 10, 64)
		row := CounterStats{Service: service, Counter: counter, Count: count}
		if samples > 0 {
			row.AvgServiceSeconds = float64(total) / float64(samples)
		}
		rows = append(rows, row)
	}
	return rows
}

func (a *Analytics) degrade(op string, err error) {
	observability.Log().Error("analytics degraded",
		observability.Field{Key: "operation", Value: op},
		observability.Field{Key: "error", Value: err.Error()})
}
