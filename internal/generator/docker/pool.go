package docker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool keeps PoolSize idle containers ready so a generation does not pay
// container start-up latency. Each container serves one generation and is
// then removed; the manager goroutine replaces it.
type Pool struct {
	rt         runtime
	logger     *slog.Logger
	containers chan string
	done       chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once

	// retryDelay is the wait after a failed create; idleDelay is the poll
	// interval while the pool is full.
	retryDelay time.Duration
	idleDelay  time.Duration
}

func newPool(rt runtime, size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		rt:         rt,
		logger:     logger,
		containers: make(chan string, size),
		done:       make(chan struct{}),
		retryDelay: time.Second,
		idleDelay:  100 * time.Millisecond,
	}
}

// Start begins filling the pool in the background. Safe to call twice.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting generator container pool", slog.Int("poolSize", cap(p.containers)))
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and removes every idle container.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("shutting down generator container pool")
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case id := <-p.containers:
				p.removeContainer(id)
			default:
				return
			}
		}
	})
}

// Get blocks until a container is ready or ctx ends.
func (p *Pool) Get(ctx context.Context) (string, error) {
	select {
	case id := <-p.containers:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Release removes a used container.
func (p *Pool) Release(id string) {
	p.removeContainer(id)
}

// manager keeps the channel at capacity until Stop.
func (p *Pool) manager() {
	defer p.wg.Done()

	for {
		if len(p.containers) >= cap(p.containers) {
			if !p.sleep(p.idleDelay) {
				return
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		id, err := p.rt.create(ctx)
		cancel()
		if err != nil {
			p.logger.Error("failed to create pre-warmed container", slog.String("error", err.Error()))
			if !p.sleep(p.retryDelay) {
				return
			}
			continue
		}

		select {
		case p.containers <- id:
		case <-p.done:
			p.removeContainer(id)
			return
		}
	}
}

// sleep waits d and reports false if the pool is stopping.
func (p *Pool) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-p.done:
		return false
	}
}

func (p *Pool) removeContainer(id string) {
	if err := p.rt.remove(context.Background(), id); err != nil {
		p.logger.Error("failed to remove container", slog.String("id", id), slog.String("error", err.Error()))
	}
}
