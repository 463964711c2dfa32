package redis

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"context"

	goredis "github.com/redis/go-redis/v9"

	"github.com/queueline/queueline/internal/store"
)

// EnsureTicketIndex creates the ticket secondary index when missing.
// The schema keeps service as TEXT for compatibility with existing
// deployments even though it is only ever matched whole.
func (s *Store) EnsureTicketIndex(ctx context.Context) error {
	err := s.rdb.FTCreate(ctx, store.TicketIndex,
		&goredis.FTCreateOptions{
			OnHash: true,
			Prefix: []interface{}{store.TicketKeyPrefix},
		},
		&goredis.FieldSchema{FieldName: "service", FieldType: goredis.SearchFieldTypeText},
		&goredis.FieldSchema{FieldName: "status", FieldType: goredis.SearchFieldTypeTag},
		&goredis.FieldSchema{FieldName: "created_at", FieldType: goredis.SearchFieldTypeNumeric, Sortable: true},
	).Err()
	if err != nil && !strings.Contains(strings.ToLower(err.Error()), "index already exists") {
		return fmt.Errorf("ft.create %s: %w", store.TicketIndex, err)
	}
	return nil
}

// CountTickets returns the cardinality of the filtered ticket set.
func (s *Store) CountTickets(ctx context.Context, filter store.TicketFilter) (int64, error) {
	res, err := s.rdb.FTSearchWithArgs(ctx, store.TicketIndex, buildQuery(filter),
		&goredis.FTSearchOptions{CountOnly: true}).Result()
	if err != nil {
		return 0, wrapSearchErr("ft.search count", err)
	}
	return int64(res.Total), nil
}

// ServingTicketKeys returns the hash keys of every serving ticket of a service.
func (s *Store) ServingTicketKeys(ctx context.Context, service string) ([]string, error) {
	filter := store.TicketFilter{Service: service, Statuses: []string{"serving"}}
	res, err := s.rdb.FTSearchWithArgs(ctx, store.TicketIndex, buildQuery(filter),
		&goredis.FTSearchOptions{NoContent: true, LimitOffset: 0, Limit: 100}).Result()
	if err != nil {
		return nil, wrapSearchErr("ft.search serving", err)
	}
	keys := make([]string, 0, len(res.Docs))
	for _, doc := range res.Docs {
		keys = append(keys, doc.ID)
	}
	return keys, nil
}

// LiveCounts aggregates waiting and serving tickets per (service, status).
func (s *Store) LiveCounts(ctx context.Context) ([]store.ServiceStatusCount, error) {
	res, err := s.rdb.FTAggregateWithArgs(ctx, store.TicketIndex, "@status:{waiting|serving}",
		&goredis.FTAggregateOptions{
			GroupBy: []goredis.FTAggregateGroupBy{{
				Fields: []interface{}{"@service", "@status"},
				Reduce: []goredis.FTAggregateReducer{{Reducer: goredis.SearchCount, As: "cnt"}},
			}},
		}).Result()
	if err != nil {
		return nil, wrapSearchErr("ft.aggregate live", err)
	}
	rows := make([]store.ServiceStatusCount, 0, len(res.Rows))
	for _, row := range res.Rows {
		rows = append(rows, store.ServiceStatusCount{
			Service: fieldString(row.Fields, "service"),
			Status:  fieldString(row.Fields, "status"),
			Count:   fieldInt(row.Fields, "cnt"),
		})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Service != rows[j].Service {
			return rows[i].Service < rows[j].Service
		}
		return rows[i].Status < rows[j].Status
	})
	return rows, nil
}

// HourlyDemand groups all tickets by local hour of day of their creation.
func (s *Store) HourlyDemand(ctx context.Context, tzOffsetSeconds int) ([]store.HourCount, error) {
	apply := fmt.Sprintf("floor(((@created_at + %d) / 3600) %% 24)", tzOffsetSeconds)
	res, err := s.rdb.FTAggregateWithArgs(ctx, store.TicketIndex, "*",
		&goredis.FTAggregateOptions{
			Apply: []goredis.FTAggregateApply{{Field: apply, As: "hour"}},
			GroupBy: []goredis.FTAggregateGroupBy{{
				Fields: []interface{}{"@hour"},
				Reduce: []goredis.FTAggregateReducer{{Reducer: goredis.SearchCount, As: "total"}},
			}},
			SortBy: []goredis.FTAggregateSortBy{{FieldName: "@hour", Asc: true}},
		}).Result()
	if err != nil {
		return nil, wrapSearchErr("ft.aggregate hourly", err)
	}
	rows := make([]store.HourCount, 0, len(res.Rows))
	for _, row := range res.Rows {
		rows = append(rows, store.HourCount{
			Hour:  int(fieldInt(row.Fields, "hour")),
			Count: fieldInt(row.Fields, "total"),
		})
	}
	return rows, nil
}

// buildQuery renders a TicketFilter as a RediSearch query string.
func buildQuery(filter store.TicketFilter) string {
	var parts []string
	if filter.Service != "" {
		parts = append(parts, "@service:"+filter.Service)
	}
	if len(filter.Statuses) > 0 {
		parts = append(parts, "@status:{"+strings.Join(filter.Statuses, "|")+"}")
	}
	if filter.CreatedBefore > 0 {
		parts = append(parts, fmt.Sprintf("@created_at:[-inf %.3f]", filter.CreatedBefore))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, " ")
}

func wrapSearchErr(op string, err error) error {
	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "no such index") || strings.Contains(lower, "unknown index") {
		return fmt.Errorf("%s: %w", op, store.ErrIndexMissing)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func fieldString(fields map[string]interface{}, name string) string {
	if v, ok := fields[name]; ok {
		return fmt.Sprint(v)
	}
	return ""
}

func fieldInt(fields map[string]interface{}, name string) int64 {
	v, ok := fields[name]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(math.Floor(n))
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return int64(math.Floor(f))
		}
	}
	return 0
}
