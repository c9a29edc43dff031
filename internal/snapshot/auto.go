package snapshot

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jvs-project/trail/pkg/model"
)

// AutoOptions controls debouncing of auto captures.
type AutoOptions struct {
	// QuietPeriod is how long an entity must go untouched before capture.
	QuietPeriod time.Duration
	// MaxWait bounds how long a continuously edited entity goes uncaptured.
	MaxWait time.Duration
}

type pendingCapture struct {
	first time.Time
	actor model.ActorRef
	timer *time.Timer
}

// AutoCapturer debounces edit notifications into auto snapshots, at most
// one pending capture per entity. Captures whose state matches the newest
// snapshot are skipped.
type AutoCapturer struct {
	svc  *Service
	opts AutoOptions

	mu      sync.Mutex
	pending map[string]*pendingCapture
	closed  bool
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAutoCapturer creates a capturer feeding svc.
func NewAutoCapturer(svc *Service, opts AutoOptions) *AutoCapturer {
	if opts.QuietPeriod <= 0 {
		opts.QuietPeriod = 30 * time.Second
	}
	if opts.MaxWait < opts.QuietPeriod {
		opts.MaxWait = opts.QuietPeriod
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AutoCapturer{
		svc:     svc,
		opts:    opts,
		pending: make(map[string]*pendingCapture),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Touch records an edit of entityID by actor and (re)schedules its capture.
// It reports false once the capturer is closed.
func (a *AutoCapturer) Touch(entityID string, actor model.ActorRef) bool {
	now := a.svc.now()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}

	p, ok := a.pending[entityID]
	if ok {
		p.timer.Stop()
	} else {
		p = &pendingCapture{first: now}
		a.pending[entityID] = p
	}
	p.actor = actor

	wait := a.opts.QuietPeriod
	if deadline := p.first.Add(a.opts.MaxWait); now.Add(wait).After(deadline) {
		wait = deadline.Sub(now)
	}
	p.timer = time.AfterFunc(wait, func() { a.fire(entityID, p) })
	a.svc.metrics.SetPendingAuto(len(a.pending))
	return true
}

// Pending returns the number of entities awaiting capture.
func (a *AutoCapturer) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *AutoCapturer) fire(entityID string, p *pendingCapture) {
	a.mu.Lock()
	if a.pending[entityID] != p {
		a.mu.Unlock()
		return
	}
	delete(a.pending, entityID)
	a.svc.metrics.SetPendingAuto(len(a.pending))
	a.wg.Add(1)
	a.mu.Unlock()

	defer a.wg.Done()
	a.captureNow(entityID, p.actor)
}

func (a *AutoCapturer) captureNow(entityID string, actor model.ActorRef) {
	snap, captured, err := a.svc.CaptureIfChanged(a.ctx, CaptureRequest{
		EntityID: entityID,
		Source:   model.SourceAuto,
		Actor:    actor,
	})
	if err != nil {
		a.svc.logger.Warn("auto capture failed",
			zap.String("entity_id", entityID),
			zap.Error(err))
		return
	}
	if !captured {
		a.svc.logger.Debug("auto capture skipped, state unchanged", zap.String("entity_id", entityID))
		return
	}
	a.svc.logger.Debug("auto capture done",
		zap.String("entity_id", entityID),
		zap.String("id", snap.ID.String()))
}

// Flush captures every pending entity now and waits for in-flight captures.
func (a *AutoCapturer) Flush(ctx context.Context) error {
	a.mu.Lock()
	due := make(map[string]*pendingCapture, len(a.pending))
	for id, p := range a.pending {
		p.timer.Stop()
		due[id] = p
	}
	a.mu.Unlock()

	// fire ignores entries a racing timer already claimed.
	for id, p := range due {
		a.fire(id, p)
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending captures and stops accepting new ones.
func (a *AutoCapturer) Close(ctx context.Context) error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	err := a.Flush(ctx)
	a.cancel()
	return err
}
