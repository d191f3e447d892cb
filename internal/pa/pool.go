package pa

import (
	pool "github.com/libp2p/go-buffer-pool"
)

// contextPool is a fixed arena of contexts with a stack of free indices.
type contextPool struct {
	arena  []Context
	free   []int
	allocs uint64
	frees  uint64
}

func newContextPool(size int) *contextPool {
	p := &contextPool{
		arena: make([]Context, size),
		free:  make([]int, 0, size),
	}
	for i := size - 1; i >= 0; i-- {
		p.arena[i].index = i
		p.free = append(p.free, i)
	}
	return p
}

// acquire pops a free context, or returns nil when the pool is exhausted.
func (p *contextPool) acquire() *Context {
	n := len(p.free)
	if n == 0 {
		return nil
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	p.allocs++
	return &p.arena[idx]
}

// release frees owned buffers, resets c and pushes it back on the stack.
func (p *contextPool) release(c *Context) {
	if c.payload != nil && c.release != nil {
		c.release(c.payload)
	}
	if c.scratch != nil {
		pool.Put(c.scratch)
	}
	c.reset()
	p.free = append(p.free, c.index)
	p.frees++
}

func (p *contextPool) capacity() int { return len(p.arena) }

func (p *contextPool) available() int { return len(p.free) }

func (p *contextPool) inUse() int { return len(p.arena) - len(p.free) }
