package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/davidahmann/covenant/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrBusClosed = errors.New("orchestrator: event bus closed")

type Event struct {
	ID          string
	Name        string
	ProposalID  string
	PublishedAt time.Time
}

type Handler func(ctx context.Context, ev Event) error

// Bus delivers events over one FIFO lane per proposal. A lane runs its events one at a time,
// each through every handler subscribed to its name in subscription order. Events published
// while a lane is busy queue behind the current one. Lanes of different proposals run
// concurrently up to the configured bound.
type Bus struct {
	mu       sync.Mutex
	handlers map[string][]Handler
	lanes    map[string]*lane
	closed   bool

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

type lane struct {
	queue []Event
	idle  chan struct{}
}

func NewBus(maxConcurrent int64, logger *zap.Logger) *Bus {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		handlers: make(map[string][]Handler),
		lanes:    make(map[string]*lane),
		sem:      semaphore.NewWeighted(maxConcurrent),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logging.OrNop(logger),
	}
}

func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[name] = append(b.handlers[name], h)
}

// Publish enqueues ev on its proposal's lane and returns without waiting for handlers.
func (b *Bus) Publish(ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.PublishedAt.IsZero() {
		ev.PublishedAt = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ev, ErrBusClosed
	}
	l, ok := b.lanes[ev.ProposalID]
	if !ok {
		l = &lane{idle: make(chan struct{})}
		b.lanes[ev.ProposalID] = l
		b.wg.Add(1)
		go b.drain(ev.ProposalID, l)
	}
	l.queue = append(l.queue, ev)
	return ev, nil
}

func (b *Bus) drain(proposalID string, l *lane) {
	defer b.wg.Done()

	if err := b.sem.Acquire(b.ctx, 1); err != nil {
		b.mu.Lock()
		b.retireLocked(proposalID, l)
		b.mu.Unlock()
		return
	}
	defer b.sem.Release(1)

	for {
		b.mu.Lock()
		if len(l.queue) == 0 || b.ctx.Err() != nil {
			b.retireLocked(proposalID, l)
			b.mu.Unlock()
			return
		}
		ev := l.queue[0]
		l.queue = l.queue[1:]
		handlers := append([]Handler(nil), b.handlers[ev.Name]...)
		b.mu.Unlock()

		for _, h := range handlers {
			if err := h(b.ctx, ev); err != nil {
				b.logger.Error("event handler failed",
					zap.String("event", ev.Name),
					zap.String("event_id", ev.ID),
					zap.String("proposal_id", ev.ProposalID),
					zap.Error(err),
				)
			}
		}
	}
}

// retireLocked removes a drained lane and wakes its waiters. b.mu must be held.
func (b *Bus) retireLocked(proposalID string, l *lane) {
	if b.lanes[proposalID] == l {
		delete(b.lanes, proposalID)
	}
	close(l.idle)
}

// Wait blocks until the proposal's lane has drained.
func (b *Bus) Wait(ctx context.Context, proposalID string) error {
	for {
		b.mu.Lock()
		l, ok := b.lanes[proposalID]
		b.mu.Unlock()
		if !ok {
			return nil
		}
		select {
		case <-l.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting events, cancels running handlers and waits for every lane to exit.
// Queued events that have not started are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cancel()
	b.wg.Wait()
}
