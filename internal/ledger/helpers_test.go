package ledger_test

import (
	"context"
	"sync"
	"time"

	"github.com/jvs-project/trail/internal/ledger"
	"github.com/jvs-project/trail/internal/store/memory"
	"github.com/jvs-project/trail/pkg/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (a *recordingAlerter) Notify(_ context.Context, event string, _ map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAlerter) Events() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func fastOptions() ledger.Options {
	return ledger.Options{
		MaxRetries:   200,
		RetryBackoff: 100 * time.Microsecond,
		MaxBackoff:   2 * time.Millisecond,
	}
}

func newLedger(opts ...ledger.Option) (*ledger.Ledger, *memory.Ledger) {
	store := memory.New().Ledger()
	opts = append([]ledger.Option{ledger.WithCheckpointStore(store)}, opts...)
	return ledger.New(store, fastOptions(), opts...), store
}

func pageUpdate(id, title string) ledger.Draft {
	return ledger.Draft{
		Operation:     model.OperationUpdate,
		ResourceType:  model.ResourcePage,
		ResourceID:    id,
		ResourceTitle: title,
		Actor:         model.UserActor("u1", "ada@example.com", "Ada"),
		WorkspaceID:   "ws1",
		EntityID:      id,
	}
}
