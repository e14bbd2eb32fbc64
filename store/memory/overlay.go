package memory

import (
	"sort"
	"sync"

	"github.com/glimte/mmate-bus/store"
)

type committedEntry[V any] struct {
	value V
	seq   uint64
}

type layer[K comparable, V any] struct {
	puts    map[K]V
	order   []K
	deletes map[K]struct{}
}

func newLayer[K comparable, V any]() *layer[K, V] {
	return &layer[K, V]{
		puts:    make(map[K]V),
		deletes: make(map[K]struct{}),
	}
}

func (l *layer[K, V]) put(key K, value V) {
	if _, ok := l.puts[key]; !ok {
		l.order = append(l.order, key)
	}
	delete(l.deletes, key)
	l.puts[key] = value
}

func (l *layer[K, V]) remove(key K) {
	if _, ok := l.puts[key]; ok {
		delete(l.puts, key)
		for i, k := range l.order {
			if k == key {
				l.order = append(l.order[:i], l.order[i+1:]...)
				break
			}
		}
	}
	l.deletes[key] = struct{}{}
}

// overlay is a keyed table with a committed base and one pending layer per
// unit of work. Reads made with a unit see its own pending writes on top of
// the committed base; everyone else only sees committed data.
type overlay[K comparable, V any] struct {
	mu        sync.RWMutex
	committed map[K]committedEntry[V]
	seq       uint64
	pending   map[*store.UnitOfWork]*layer[K, V]
}

func newOverlay[K comparable, V any]() *overlay[K, V] {
	return &overlay[K, V]{
		committed: make(map[K]committedEntry[V]),
		pending:   make(map[*store.UnitOfWork]*layer[K, V]),
	}
}

func (o *overlay[K, V]) get(uow *store.UnitOfWork, key K) (V, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if l, ok := o.pending[uow]; ok && uow != nil {
		if v, ok := l.puts[key]; ok {
			return v, true
		}
		if _, deleted := l.deletes[key]; deleted {
			var zero V
			return zero, false
		}
	}
	e, ok := o.committed[key]
	return e.value, ok
}

// put writes key, straight to the committed base when uow is nil
func (o *overlay[K, V]) put(uow *store.UnitOfWork, key K, value V) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if uow == nil {
		o.putCommitted(key, value)
		return
	}
	o.layerFor(uow).put(key, value)
}

func (o *overlay[K, V]) remove(uow *store.UnitOfWork, key K) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if uow == nil {
		delete(o.committed, key)
		return
	}
	o.layerFor(uow).remove(key)
}

func (o *overlay[K, V]) layerFor(uow *store.UnitOfWork) *layer[K, V] {
	l, ok := o.pending[uow]
	if !ok {
		l = newLayer[K, V]()
		o.pending[uow] = l
	}
	return l
}

func (o *overlay[K, V]) putCommitted(key K, value V) {
	if e, ok := o.committed[key]; ok {
		o.committed[key] = committedEntry[V]{value: value, seq: e.seq}
		return
	}
	o.seq++
	o.committed[key] = committedEntry[V]{value: value, seq: o.seq}
}

// update replaces a committed value in place, keeping its position
func (o *overlay[K, V]) update(key K, fn func(V) V) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	e, ok := o.committed[key]
	if !ok {
		return false
	}
	e.value = fn(e.value)
	o.committed[key] = e
	return true
}

// values returns the visible values in insertion order. Pending writes of
// uow follow the committed ones.
func (o *overlay[K, V]) values(uow *store.UnitOfWork) []V {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var l *layer[K, V]
	if uow != nil {
		l = o.pending[uow]
	}

	type ordered struct {
		value V
		seq   uint64
	}
	visible := make([]ordered, 0, len(o.committed))
	for k, e := range o.committed {
		if l != nil {
			if _, deleted := l.deletes[k]; deleted {
				continue
			}
			if v, ok := l.puts[k]; ok {
				visible = append(visible, ordered{value: v, seq: e.seq})
				continue
			}
		}
		visible = append(visible, ordered{value: e.value, seq: e.seq})
	}
	sort.Slice(visible, func(i, j int) bool { return visible[i].seq < visible[j].seq })

	result := make([]V, 0, len(visible))
	for _, v := range visible {
		result = append(result, v.value)
	}
	if l != nil {
		for _, k := range l.order {
			if _, exists := o.committed[k]; exists {
				continue
			}
			result = append(result, l.puts[k])
		}
	}
	return result
}

func (o *overlay[K, V]) length() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.committed)
}

func (o *overlay[K, V]) commit(uow *store.UnitOfWork) {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.pending[uow]
	if !ok {
		return
	}
	delete(o.pending, uow)
	for k := range l.deletes {
		delete(o.committed, k)
	}
	for _, k := range l.order {
		o.putCommitted(k, l.puts[k])
	}
}

func (o *overlay[K, V]) rollback(uow *store.UnitOfWork) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.pending, uow)
}
