package capsa

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/capsa-vm/capsa/backend"
	"github.com/capsa-vm/capsa/config"
	"github.com/capsa-vm/capsa/errdefs"
)

// Pool maintains a fixed set of ready guests built from one
// configuration template. Reserved guests are never reused: releasing
// one kills it and spawns a fresh replacement in the background.
type Pool struct {
	be  backend.Backend
	cfg *config.Config
	ctx context.Context

	avail    chan *Handle
	closedCh chan struct{}

	mu     sync.Mutex
	live   int
	closed bool

	wg sync.WaitGroup
}

// NewPool resolves the builder once into a shared template and
// eagerly starts size guests. Additional writable disks beyond the
// root image are rejected here: respawned guests would race on the
// same file.
func NewPool(ctx context.Context, b *Builder, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: pool size must be >= 1", errdefs.ErrInvalidConfig)
	}

	r, err := b.resolve()
	if err != nil {
		return nil, err
	}

	for i, d := range r.cfg.Disks {
		if i > 0 && !d.ReadOnly {
			return nil, fmt.Errorf("%w: pooled guests may not share writable disk %s",
				errdefs.ErrInvalidConfig, d.Path)
		}
	}

	p := &Pool{
		be:  r.be,
		cfg: r.cfg,
		ctx: ctx,

		avail:    make(chan *Handle, size),
		closedCh: make(chan struct{}),

		live: size,
	}

	for i := 0; i < size; i++ {
		h, err := p.startOne()
		if err != nil {
			p.Close()

			return nil, err
		}

		p.avail <- h
	}

	return p, nil
}

func (p *Pool) startOne() (*Handle, error) {
	h := newHandle(p.be, p.cfg.Clone())

	if err := h.Start(p.ctx); err != nil {
		return nil, err
	}

	return h, nil
}

// Reserve takes a guest out of the pool, waiting for one when none is
// available.
func (p *Pool) Reserve(ctx context.Context) (*PooledVM, error) {
	select {
	case h := <-p.avail:
		return &PooledVM{pool: p, handle: h}, nil
	case <-p.closedCh:
		return nil, errors.New("pool is shut down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryReserve takes a guest without waiting; errdefs.ErrPoolEmpty when
// none is available right now.
func (p *Pool) TryReserve() (*PooledVM, error) {
	select {
	case h := <-p.avail:
		return &PooledVM{pool: p, handle: h}, nil
	default:
		return nil, errdefs.ErrPoolEmpty
	}
}

// Size reports the live cardinality: available plus reserved guests.
// It shrinks when respawns fail.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.live
}

// recycle kills a returned guest and spawns its replacement. Respawn
// failures shrink the pool and are logged; they never propagate.
func (p *Pool) recycle(h *Handle) {
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		if err := h.Kill(); err != nil && !errors.Is(err, errdefs.ErrNotRunning) {
			logrus.WithError(err).Error("pooled guest teardown failed")
		}

		p.mu.Lock()
		if p.closed {
			p.live--
			p.mu.Unlock()

			return
		}
		p.mu.Unlock()

		replacement, err := p.startOne()
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()

			logrus.WithError(err).Error("pool respawn failed")

			return
		}

		select {
		case p.avail <- replacement:
		case <-p.closedCh:
			replacement.Kill()

			p.mu.Lock()
			p.live--
			p.mu.Unlock()
		}
	}()
}

// Close shuts the pool down and kills every available guest. Guests
// still reserved are killed when their PooledVM is released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()

		return nil
	}

	p.closed = true
	close(p.closedCh)
	p.mu.Unlock()

	p.wg.Wait()

	for {
		select {
		case h := <-p.avail:
			if err := h.Kill(); err != nil && !errors.Is(err, errdefs.ErrNotRunning) {
				logrus.WithError(err).Error("pool shutdown kill failed")
			}

			p.mu.Lock()
			p.live--
			p.mu.Unlock()
		default:
			return nil
		}
	}
}

// PooledVM is a reserved guest. Release returns it to the pool by
// killing it and spawning a replacement; the handle must not be used
// afterwards.
type PooledVM struct {
	pool   *Pool
	handle *Handle
	once   sync.Once
}

func (v *PooledVM) Handle() *Handle { return v.handle }

// Release gives the slot back. Idempotent.
func (v *PooledVM) Release() {
	v.once.Do(func() {
		v.pool.recycle(v.handle)
	})
}
