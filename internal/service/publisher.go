package service

import (
	"context"
	"sync"
	"time"

	"github.com/edirooss/zmux-mixer/internal/branch"
	"github.com/edirooss/zmux-mixer/internal/compositor"
	"github.com/edirooss/zmux-mixer/internal/ingest"
	"go.uber.org/zap"
)

// StatusSink receives status snapshots for external observers. The Redis
// status repository implements it.
type StatusSink interface {
	PutIngest(ctx context.Context, st ingest.Status) error
	PutProgram(ctx context.Context, st compositor.Status) error
	PutBranch(ctx context.Context, b branch.Branch) error
	DeleteBranch(ctx context.Context, id string) error
}

const publishTimeout = 2 * time.Second

// publisher forwards snapshots to a StatusSink on one goroutine so listeners
// never block on the network. Snapshots are coalesced per key: while a write
// is pending only the newest snapshot for that key is kept, so the last
// change of every key always reaches the sink.
type publisher struct {
	log  *zap.Logger
	sink StatusSink

	mu      sync.Mutex
	closed  bool
	pending map[string]func(context.Context) error
	order   []string // pending keys, oldest first
	wake    chan struct{}
	done    chan struct{}
}

func newPublisher(log *zap.Logger, sink StatusSink) *publisher {
	p := &publisher{
		log:     log.Named("publisher"),
		sink:    sink,
		pending: make(map[string]func(context.Context) error),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *publisher) run() {
	defer close(p.done)
	for range p.wake {
		p.drain()
	}
	p.drain()
}

func (p *publisher) drain() {
	for {
		key, fn, ok := p.next()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := fn(ctx); err != nil {
			p.log.Warn("status publish failed", zap.String("key", key), zap.Error(err))
		}
		cancel()
	}
}

func (p *publisher) next() (string, func(context.Context) error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.order) == 0 {
		return "", nil, false
	}
	key := p.order[0]
	p.order = p.order[1:]
	fn := p.pending[key]
	delete(p.pending, key)
	return key, fn, true
}

// enqueue replaces any pending write for key with fn.
func (p *publisher) enqueue(key string, fn func(context.Context) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if _, ok := p.pending[key]; !ok {
		p.order = append(p.order, key)
	}
	p.pending[key] = fn
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *publisher) ingest(st ingest.Status) {
	p.enqueue("ingest:"+st.SourceID, func(ctx context.Context) error { return p.sink.PutIngest(ctx, st) })
}

func (p *publisher) program(st compositor.Status) {
	p.enqueue("program", func(ctx context.Context) error { return p.sink.PutProgram(ctx, st) })
}

// branch shares one key between put and delete so a removal supersedes a
// pending update.
func (p *publisher) branch(b branch.Branch, removed bool) {
	key := "branch:" + b.ID
	if removed {
		p.enqueue(key, func(ctx context.Context) error { return p.sink.DeleteBranch(ctx, b.ID) })
		return
	}
	p.enqueue(key, func(ctx context.Context) error { return p.sink.PutBranch(ctx, b) })
}

// close drains what is pending and stops the worker.
func (p *publisher) close(ctx context.Context) {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.wake)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
	case <-ctx.Done():
	}
}
