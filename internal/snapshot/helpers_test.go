package snapshot_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jvs-project/trail/internal/blob"
	"github.com/jvs-project/trail/internal/retention"
	"github.com/jvs-project/trail/internal/snapshot"
	"github.com/jvs-project/trail/internal/store/memory"
	"github.com/jvs-project/trail/pkg/errclass"
	"github.com/jvs-project/trail/pkg/model"
)

type fakeReader struct {
	mu     sync.Mutex
	states map[string]*model.EntityState
	reads  int
}

func newReader() *fakeReader {
	return &fakeReader{states: map[string]*model.EntityState{}}
}

func (r *fakeReader) Set(state *model.EntityState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *state
	r.states[state.EntityID] = &cp
}

func (r *fakeReader) ReadState(_ context.Context, entityID string) (*model.EntityState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	s, ok := r.states[entityID]
	if !ok {
		return nil, errclass.ErrNotFound.WithMessagef("entity %s", entityID)
	}
	cp := *s
	return &cp, nil
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

type fixture struct {
	svc    *snapshot.Service
	store  *memory.Snapshots
	blobs  *blob.MemoryStore
	reader *fakeReader
	alerts *recordingAlerter
}

func newFixture(opts ...snapshot.Option) *fixture {
	f := &fixture{
		store:  memory.New().Snapshots(),
		blobs:  blob.NewMemoryStore(),
		reader: newReader(),
		alerts: &recordingAlerter{},
	}
	opts = append([]snapshot.Option{
		snapshot.WithStateReader(f.reader),
		snapshot.WithAlerter(f.alerts),
	}, opts...)
	f.svc = snapshot.NewService(f.store, f.blobs, opts...)
	return f
}

func retentionEngine(tiers map[string]string) *retention.Engine {
	policies, err := retention.NewStaticPolicies(map[string]int{"free": 7, "enterprise": model.RetainForever})
	if err != nil {
		panic(err)
	}
	return retention.NewEngine(policies, "free", retention.WithTierResolver(
		retention.TierResolverFunc(func(_ context.Context, ws string) (string, error) {
			return tiers[ws], nil
		})))
}

func page(id, body string) *model.EntityState {
	return &model.EntityState{
		EntityID:    id,
		WorkspaceID: "ws1",
		Kind:        model.KindPage,
		Title:       "Page " + id,
		Format:      model.FormatMarkdown,
		Content:     []byte(body),
	}
}

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

func label(i int) string { return fmt.Sprintf("v%d", i) }
