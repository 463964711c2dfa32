package queue

import (
	"context"
	"testing"
	"time"

	"github.com/queueline/queueline/errs"
	"github.com/queueline/queueline/internal/store"
	"github.com/queueline/queueline/internal/store/memory"
)

// tickingClock hands out strictly increasing unix seconds so created_at
// ordering is deterministic.
type tickingClock struct {
	now int64
}

func (c *tickingClock) next() time.Time {
	c.now++
	return time.Unix(c.now, 0)
}

func newTestRepo(t *testing.T) (*Repository, *memory.Store, *tickingClock) {
	t.Helper()
	st := memory.New()
	repo := NewRepository(st)
	clock := &tickingClock{now: 1_700_000_000}
	repo.SetClock(clock.next)
	return repo, st, clock
}

func TestCreateAssignsMonotonicNumbers(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	tokens := map[string]bool{}
	for want := int64(1); want <= 3; want++ {
		tk, err := repo.Create(ctx, "register", "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if tk.ID != want {
			t.Fatalf("ticket id = %d, want %d", tk.ID, want)
		}
		if tk.Number() != tk.ID {
			t.Fatalf("number = %d, want id %d", tk.Number(), tk.ID)
		}
		if tk.Status != StatusWaiting {
			t.Fatalf("status = %s, want waiting", tk.Status)
		}
		if tk.Token == "" || tokens[tk.Token] {
			t.Fatalf("token %q empty or duplicated", tk.Token)
		}
		tokens[tk.Token] = true
	}
}

func TestGetReportsAheadCount(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		tk, err := repo.Create(ctx, "register", "")
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, tk.ID)
	}

	tests := []struct {
		id        int64
		wantAhead int64
	}{
		{ids[0], 0},
		{ids[1], 1},
		{ids[2], 2},
	}
	for _, tt := range tests {
		v, err := repo.Get(ctx, tt.id)
		if err != nil {
			t.Fatalf("get %d: %v", tt.id, err)
		}
		if v.AheadCount != tt.wantAhead {
			t.Fatalf("ticket %d ahead = %d, want %d", tt.id, v.AheadCount, tt.wantAhead)
		}
		if v.CurrentNumber != 0 {
			t.Fatalf("ticket %d current = %d, want 0 before any dispatch", tt.id, v.CurrentNumber)
		}
	}
}

func TestAheadCountIgnoresOtherServicesAndStatuses(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	first, _ := repo.Create(ctx, "register", "")
	if _, err := repo.Create(ctx, "pickup", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	last, _ := repo.Create(ctx, "register", "")

	if _, err := repo.Cancel(ctx, first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	v, err := repo.Get(ctx, last.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.AheadCount != 0 {
		t.Fatalf("ahead = %d, want 0 after cancelling the only earlier waiter", v.AheadCount)
	}
}

func TestCancel(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	ctx := context.Background()

	tk, err := repo.Create(ctx, "register", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	found, err := repo.Cancel(ctx, tk.ID)
	if err != nil || !found {
		t.Fatalf("cancel = (%v, %v), want (true, nil)", found, err)
	}
	// Cancelling again is an idempotent write, not an error.
	found, err = repo.Cancel(ctx, tk.ID)
	if err != nil || !found {
		t.Fatalf("second cancel = (%v, %v), want (true, nil)", found, err)
	}
	v, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", v.Status)
	}

	found, err = repo.Cancel(ctx, 999)
	if err != nil || found {
		t.Fatalf("cancel missing = (%v, %v), want (false, nil)", found, err)
	}
}

func TestCompleteKeyOnlyClosesServing(t *testing.T) {
	repo, st, _ := newTestRepo(t)
	ctx := context.Background()

	tk, err := repo.Create(ctx, "register", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	key := store.TicketKey(tk.ID)

	// A cancel racing in ahead of the sweep wins.
	if _, err := repo.Cancel(ctx, tk.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := repo.completeKey(ctx, key); err != nil {
		t.Fatalf("complete cancelled: %v", err)
	}
	v, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled untouched by the sweep", v.Status)
	}

	// A serving ticket closes to done.
	if err := st.HSet(ctx, key, map[string]string{"status": string(StatusServing)}); err != nil {
		t.Fatalf("hset: %v", err)
	}
	if err := repo.completeKey(ctx, key); err != nil {
		t.Fatalf("complete serving: %v", err)
	}
	v, err = repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v.Status != StatusDone {
		t.Fatalf("status = %s, want done", v.Status)
	}

	// A vanished key is a no-op.
	if err := repo.completeKey(ctx, store.TicketKey(999)); err != nil {
		t.Fatalf("complete missing: %v", err)
	}
}

func TestGetMissingTicket(t *testing.T) {
	repo, _, _ := newTestRepo(t)
	if _, err := repo.Get(context.Background(), 42); !errs.IsNotFound(err) {
		t.Fatalf("err = %v, want not-found", err)
	}
}

func TestViewExpired(t *testing.T) {
	tests := []struct {
		name string
		view View
		want bool
	}{
		{"waiting", View{Status: StatusWaiting, Number: 3, CurrentNumber: 1}, false},
		{"serving current", View{Status: StatusServing, Number: 3, CurrentNumber: 3}, false},
		{"serving passed", View{Status: StatusServing, Number: 3, CurrentNumber: 5}, true},
		{"done", View{Status: StatusDone}, true},
		{"cancelled", View{Status: StatusCancelled}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.view.Expired(); got != tt.want {
				t.Fatalf("expired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusWaiting, StatusServing, true},
		{StatusWaiting, StatusCancelled, true},
		{StatusWaiting, StatusDone, false},
		{StatusServing, StatusDone, true},
		{StatusServing, StatusCancelled, true},
		{StatusServing, StatusWaiting, false},
		{StatusDone, StatusServing, false},
		{StatusCancelled, StatusWaiting, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}
