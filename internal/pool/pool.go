/*
Package pool provides cache for byte buffer pools.

Buffers of the same size are shared between the multiplexer and decode
workers of all runs, so restarting a decode does not allocate new chunk
buffers.
*/
package pool

import (
	"fmt"
	"sync"
)

// Pool holds buffers of a fixed size.
type Pool struct {
	size int
	pool sync.Pool
}

var m = struct {
	sync.Mutex
	pools map[int]*Pool
}{
	pools: map[int]*Pool{},
}

// Get returns pool for provided buffer size. Pools are cached internally, so
// multiple calls for same size will return the same pool instance. It
// panics if size is not positive.
func Get(size int) *Pool {
	if size <= 0 {
		panic(fmt.Sprintf("pool: invalid buffer size %d", size))
	}
	m.Lock()
	defer m.Unlock()
	if p, ok := m.pools[size]; ok {
		return p
	}

	p := &Pool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	m.pools[size] = p
	return p
}

// Wipe cleans up internal cache of pools.
func Wipe() {
	m.Lock()
	defer m.Unlock()
	m.pools = map[int]*Pool{}
}

// Size returns the length of buffers.
func (p *Pool) Size() int {
	return p.size
}

// Alloc returns a buffer of pool size. Its content is undefined.
func (p *Pool) Alloc() []byte {
	return *p.pool.Get().(*[]byte)
}

// Free returns the buffer to the pool. Buffers of other capacity are
// dropped.
func (p *Pool) Free(b []byte) {
	if cap(b) != p.size {
		return
	}
	b = b[:p.size]
	p.pool.Put(&b)
}
