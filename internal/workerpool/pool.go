package workerpool

import (
	"context"
	"sync"

	"go.trai.ch/zerr"
)

var (
	ErrPoolFull   = zerr.New("work queue is full")
	ErrPoolClosed = zerr.New("work queue is closed")
)

// Queue accepts execution IDs for asynchronous processing.
type Queue interface {
	Enqueue(id int64) error
}

// Handler processes one queued ID.
type Handler func(ctx context.Context, id int64)

type Pool struct {
	mu      sync.RWMutex
	queue   chan int64
	handler Handler
	closed  bool
	wg      sync.WaitGroup
}

func New(poolSize int, handler Handler) *Pool {
	return &Pool{
		queue:   make(chan int64, poolSize),
		handler: handler,
	}
}

// Start launches workers. Zero workers leaves the queue to fill up.
func (p *Pool) Start(workers int) {
	for range workers {
		p.wg.Add(1)
		go p.work()
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for id := range p.queue {
		p.handler(context.Background(), id)
	}
}

// Enqueue never blocks.
func (p *Pool) Enqueue(id int64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- id:
		return nil
	default:
		return ErrPoolFull
	}
}

// Len reports how many IDs are waiting for a worker.
func (p *Pool) Len() int {
	return len(p.queue)
}

// Shutdown stops accepting work and waits for queued work to drain.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return zerr.Wrap(ctx.Err(), "shutdown interrupted")
	}
}
