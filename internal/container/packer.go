package container

import (
	"context"
	"fmt"
	"sync"
)

// DefaultQueueDepth is the typical bounded container-queue depth.
const DefaultQueueDepth = 32

// MultiTenantQueueDepth is the degraded depth used when the server is
// configured for multi-tenant pressure.
const MultiTenantQueueDepth = 1

// Packer appends chunks into a current container, rotating to a fresh
// one and handing filled containers to a bounded queue that a
// background DataWriter goroutine drains to the Store.
// One Packer is owned exclusively by a single upload ClientSession.
type Packer struct {
	store *Store
	queue chan *Container

	// OnFlush, when set before the first SaveChunk, is called after
	// every successful container write.
	OnFlush func()

	mu  sync.Mutex
	cur *Container

	wg        sync.WaitGroup
	closeOnce sync.Once
	writeMu   sync.Mutex
	writeErr  error
}

// NewPacker creates a packer writing flushed containers to store via a
// background goroutine reading from a queue of the given depth.
func NewPacker(ctx context.Context, store *Store, queueDepth int) (*Packer, error) {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	cur, err := New()
	if err != nil {
		return nil, err
	}

	p := &Packer{
		store: store,
		queue: make(chan *Container, queueDepth),
		cur:   cur,
	}

	p.wg.Add(1)
	go p.dataWriter(ctx)
	return p, nil
}

// dataWriter drains the bounded queue of filled containers to disk. It
// is the per-session background worker that drains the bounded queue
// of filled containers to disk.
func (p *Packer) dataWriter(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case c, ok := <-p.queue:
			if !ok {
				return
			}
			if err := p.store.Flush(c); err != nil {
				p.writeMu.Lock()
				if p.writeErr == nil {
					p.writeErr = err
				}
				p.writeMu.Unlock()
			} else if p.OnFlush != nil {
				p.OnFlush()
			}
		case <-ctx.Done():
			return
		}
	}
}

// SaveChunk appends a chunk to the
// current container, or flush-and-rotate then retry once. The retry
// always succeeds because MaxChunkSize < MaxSize.
func (p *Packer) SaveChunk(chunkCipher []byte, iv [IVLen]byte) (Address, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr, err := p.cur.Append(chunkCipher, iv)
	if err == nil {
		return addr, nil
	}
	if err != ErrWouldOverflow {
		return Address{}, err
	}

	if err := p.rotateLocked(); err != nil {
		return Address{}, err
	}

	addr, err = p.cur.Append(chunkCipher, iv)
	if err != nil {
		return Address{}, fmt.Errorf("container: chunk still does not fit after rotation: %w", err)
	}
	return addr, nil
}

// rotateLocked enqueues the current container for background flush and
// allocates a fresh one. Caller must hold p.mu.
func (p *Packer) rotateLocked() error {
	filled := p.cur
	fresh, err := New()
	if err != nil {
		return err
	}
	p.cur = fresh
	p.queue <- filled
	return nil
}

// Flush enqueues the current (possibly partial) container — used on
// session end to flush a residual container.
func (p *Packer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur.CurSize == 0 {
		return nil
	}
	return p.rotateLocked()
}

// Close stops accepting new containers and waits for the background
// writer to drain the queue, returning the first write error observed
// (if any) — fatal to the session.
func (p *Packer) Close() error {
	p.closeOnce.Do(func() {
		close(p.queue)
		p.wg.Wait()
	})
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.writeErr
}
