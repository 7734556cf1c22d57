package dedup

import "container/list"

// DefaultCapacity bounds the tracker when no capacity is configured.
const DefaultCapacity = 1000

// Tracker is a bounded set of previously broadcast alert IDs with
// oldest-inserted-first eviction. It is not safe for concurrent use; the
// hub loop owns it.
type Tracker struct {
	capacity int
	order    *list.List // front = oldest
	index    map[string]*list.Element
}

func NewTracker(capacity int) *Tracker {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Tracker{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// IsNew reports whether id has not been seen. It does not mutate state.
func (t *Tracker) IsNew(id string) bool {
	_, ok := t.index[id]
	return !ok
}

// MarkSeen records id. Re-marking an ID is a no-op and does not refresh its
// position.
func (t *Tracker) MarkSeen(id string) {
	if _, ok := t.index[id]; ok {
		return
	}
	t.index[id] = t.order.PushBack(id)
	for t.order.Len() > t.capacity {
		oldest := t.order.Front()
		t.order.Remove(oldest)
		delete(t.index, oldest.Value.(string))
	}
}

func (t *Tracker) Reset() {
	t.order.Init()
	t.index = make(map[string]*list.Element, t.capacity)
}

func (t *Tracker) Size() int { return t.order.Len() }

func (t *Tracker) Capacity() int { return t.capacity }

// IDs returns the tracked IDs, oldest first.
func (t *Tracker) IDs() []string {
	ids := make([]string, 0, t.order.Len())
	for e := t.order.Front(); e != nil; e = e.Next() {
		ids = append(ids, e.Value.(string))
	}
	return ids
}

// Restore marks ids in order, as if each were passed to MarkSeen.
func (t *Tracker) Restore(ids []string) {
	for _, id := range ids {
		t.MarkSeen(id)
	}
}
