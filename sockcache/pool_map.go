package sockcache

import (
	"github.com/go-yahc/yahc/xqueue"
	"github.com/go-yahc/yahc/xsync"
)

// poolMap lazily creates one xqueue.LIFO[Entry] per Key.
type poolMap struct {
	m xsync.Map[Key, xqueue.LIFO[Entry]]
}

func newPoolMap() *poolMap {
	return &poolMap{m: xsync.NewMap[Key, xqueue.LIFO[Entry]]()}
}

func (p *poolMap) load(key Key) (xqueue.LIFO[Entry], bool) {
	return p.m.Load(key)
}

func (p *poolMap) loadOrCreate(key Key, capacity int) xqueue.LIFO[Entry] {
	if q, ok := p.m.Load(key); ok {
		return q
	}

	var opts []xqueue.LIFOOption[Entry]
	if capacity > 0 {
		opts = append(opts, xqueue.LIFOOpts[Entry]().MaxCapacity(capacity))
	}
	q, err := xqueue.NewLIFO[Entry](opts...)
	if err != nil {
		// Only reachable if capacity is invalid, which loadOrCreate never
		// passes (it only ever sets MaxCapacity to a positive int).
		panic(err)
	}

	actual, loaded := p.m.LoadOrStore(key, q)
	if loaded {
		_ = q.Close()
		return actual
	}
	return q
}
