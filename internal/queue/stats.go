package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/queueline/queueline/internal/store"
)

// serviceTimeCutoff discards service-time samples spanning more than an
// hour (lunch breaks, overnight gaps) so averages stay representative.
const serviceTimeCutoff = 3600

// Recorder accumulates per-day, per-(service, counter) dispatch statistics.
// All increments and the last-activity write of one dispatch are pipelined.
type Recorder struct {
	store store.Store
	loc   *time.Location
}

// NewRecorder constructs a statistics recorder. Dates are bucketed in the
// fixed zone given by tzOffsetSeconds.
func NewRecorder(st store.Store, tzOffsetSeconds int) *Recorder {
	return &Recorder{
		store: st,
		loc:   time.FixedZone("stats", tzOffsetSeconds),
	}
}

// Record registers one successful dispatch at time now (unix seconds).
//
// The counter's previous dispatch timestamp, when less than an hour old,
// yields a service-time sample on both the per-counter and the service-wide
// ALL bucket. The first dispatch of a counter's day has no previous to
// subtract from, which is why averages divide by svc_count rather than count.
func (r *Recorder) Record(ctx context.Context, service, counter string, now int64) error {
	date := time.Unix(now, 0).In(r.loc).Format("20060102")
	counterKey := store.StatsKey(date, service, counter)
	allKey := store.StatsKey(date, service, "ALL")

	deltas := []store.FieldDelta{
		{Key: counterKey, Field: "count", Delta: 1},
		{Key: allKey, Field: "count", Delta: 1},
	}

	lastKey := store.LastActivityKey(service, counter)
	if raw, ok, err := r.store.Get(ctx, lastKey); err != nil {
		return fmt.Errorf("read last activity: %w", err)
	} else if ok {
		if last, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
			if delta := now - last; delta >= 0 && delta < serviceTimeCutoff {
				deltas = append(deltas,
					store.FieldDelta{Key: counterKey, Field: "total_svc_time", Delta: delta},
					store.FieldDelta{Key: counterKey, Field: "svc_count", Delta: 1},
					store.FieldDelta{Key: allKey, Field: "total_svc_time", Delta: delta},
					store.FieldDelta{Key: allKey, Field: "svc_count", Delta: 1},
				)
			}
		}
	}

	sets := map[string]string{lastKey: strconv.FormatInt(now, 10)}
	if err := r.store.BumpStats(ctx, deltas, sets); err != nil {
		return fmt.Errorf("bump stats: %w", err)
	}
	return nil
}
