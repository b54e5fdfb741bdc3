package engine

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/pinwheel-storage/pinwheel/interfaces"
)

// workerPool runs event handlers on a fixed set of workers. Work is
// routed by key hash, so all events for one object execute in order on
// the same worker while unrelated objects proceed in parallel.
type workerPool struct {
	queues []chan func()
	wg     sync.WaitGroup
	once   sync.Once
	log    *slog.Logger
}

func newWorkerPool(workers, depth int, log *slog.Logger) *workerPool {
	p := &workerPool{
		queues: make([]chan func(), workers),
		log:    log,
	}
	for i := range p.queues {
		p.queues[i] = make(chan func(), depth)
		p.wg.Add(1)
		go p.run(p.queues[i])
	}
	return p
}

func (p *workerPool) run(queue chan func()) {
	defer p.wg.Done()
	for fn := range queue {
		p.runSafe(fn)
	}
}

func (p *workerPool) runSafe(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Event handler panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// dispatch routes fn to the worker owning the key. Returns false when
// that worker's queue is full; the event is dropped, not blocked on.
func (p *workerPool) dispatch(key string, fn func()) bool {
	h := fnv.New32a()
	h.Write([]byte(key))
	queue := p.queues[h.Sum32()%uint32(len(p.queues))]
	select {
	case queue <- fn:
		return true
	default:
		return false
	}
}

func (p *workerPool) stop() {
	p.once.Do(func() {
		for _, q := range p.queues {
			close(q)
		}
	})
	p.wg.Wait()
}

// subscribe wires the engine's event reactions: file lifecycle events
// from other writers plus the engine's own access rebroadcasts. Handlers
// run on the worker pool, never on the publisher's goroutine.
func (e *Engine) subscribe() {
	e.bus.Subscribe(interfaces.TopicFileAccessed, func(_ context.Context, event interfaces.Event) {
		idHex, _ := event.Payload["object_id"].(string)
		id, err := interfaces.NewObjectIDFromHex(idHex)
		if err != nil {
			return
		}
		ok := e.pool.dispatch(idHex, func() {
			if err := e.ctrl.EvaluateForAdjustment(context.Background(), id); err != nil {
				e.log.Warn("Replica adjustment failed",
					slog.String("object_id", id.Short()), "err", err)
			}
		})
		if !ok {
			e.log.Warn("Event worker queue full, dropping adjustment",
				slog.String("object_id", id.Short()))
		}
	})

	e.bus.Subscribe(interfaces.TopicFileCreated, func(_ context.Context, event interfaces.Event) {
		idHex, _ := event.Payload["object_id"].(string)
		id, err := interfaces.NewObjectIDFromHex(idHex)
		if err != nil {
			return
		}
		owner := interfaces.OwnerID(payloadString(event.Payload, "owner"))
		size := payloadInt64(event.Payload, "size")
		ok := e.pool.dispatch(idHex, func() {
			e.handleExternalCreate(context.Background(), id, owner, size)
		})
		if !ok {
			e.log.Warn("Event worker queue full, dropping external create",
				slog.String("object_id", id.Short()))
		}
	})

	e.bus.Subscribe(interfaces.TopicFileDeleted, func(_ context.Context, event interfaces.Event) {
		idHex, _ := event.Payload["object_id"].(string)
		id, err := interfaces.NewObjectIDFromHex(idHex)
		if err != nil {
			return
		}
		owner := interfaces.OwnerID(payloadString(event.Payload, "owner"))
		ok := e.pool.dispatch(idHex, func() {
			err := e.DeleteFile(context.Background(), owner, id)
			if err != nil && !errors.Is(err, interfaces.ErrNotFound) {
				e.log.Warn("External delete failed",
					slog.String("object_id", id.Short()), "err", err)
			}
		})
		if !ok {
			e.log.Warn("Event worker queue full, dropping external delete",
				slog.String("object_id", id.Short()))
		}
	})

	e.bus.Subscribe(interfaces.TopicQuotaPaymentCompleted, func(ctx context.Context, event interfaces.Event) {
		owner, _ := event.Payload["owner"].(string)
		amount, _ := event.Payload["amount"].(float64)
		e.auditor.Audit(ctx, interfaces.AuditRecord{
			Action:  "overage_payment",
			Owner:   owner,
			Outcome: "completed",
			Details: map[string]any{"amount": amount},
		})
	})
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

// payloadInt64 tolerates the numeric types different publishers and JSON
// decoders produce.
func payloadInt64(p map[string]any, key string) int64 {
	switch v := p[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
