package greybus

import (
	"sync"

	"github.com/anobli/greybus/pkg/message"
	"github.com/google/btree"
)

// maxPending is the number of ids available to outgoing operations; id 0 is
// never assigned.
const maxPending = 1<<16 - 1

type pendingItem struct {
	id uint16
	op *Operation
}

func lessPending(a, b pendingItem) bool {
	return a.id < b.id
}

// registry indexes the outgoing operations of one connection that are
// awaiting their response. It also owns the connection's id counter.
type registry struct {
	mu     sync.Mutex
	tree   *btree.BTreeG[pendingItem]
	lastID uint16
}

func newRegistry() *registry {
	return &registry{
		tree: btree.NewG[pendingItem](8, lessPending),
	}
}

// insert assigns op the next free id, stores it in the request header and
// indexes op under it. Ids still pending after the counter wraps are
// skipped.
func (r *registry) insert(op *Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tree.Len() >= maxPending {
		return ErrNoFreeID
	}
	for {
		r.lastID++
		if r.lastID == 0 {
			continue
		}
		if !r.tree.Has(pendingItem{id: r.lastID}) {
			break
		}
	}

	op.id = r.lastID
	message.SetID(op.Request.TransferBuffer, op.id)
	op.pending = true
	r.tree.ReplaceOrInsert(pendingItem{id: op.id, op: op})
	return nil
}

func (r *registry) find(id uint16) *Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.tree.Get(pendingItem{id: id})
	if !ok {
		return nil
	}
	return item.op
}

// remove unindexes op. It reports false when op was not pending, so of two
// racing removers only one sees true.
func (r *registry) remove(op *Operation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !op.pending {
		return false
	}
	r.tree.Delete(pendingItem{id: op.id})
	op.pending = false
	return true
}

// claim removes and returns the operation pending under id, provided fits
// accepts it. A rejected operation stays pending.
func (r *registry) claim(id uint16, fits func(op *Operation) bool) (*Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.tree.Get(pendingItem{id: id})
	if !ok {
		return nil, ErrNotFound
	}
	if fits != nil && !fits(item.op) {
		return nil, ErrRecvTooSmall
	}
	r.tree.Delete(item)
	item.op.pending = false
	return item.op, nil
}

func (r *registry) isPending(op *Operation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return op.pending
}

// drain removes every pending operation, in id order.
func (r *registry) drain() []*Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := make([]*Operation, 0, r.tree.Len())
	r.tree.Ascend(func(item pendingItem) bool {
		item.op.pending = false
		ops = append(ops, item.op)
		return true
	})
	r.tree.Clear(false)
	return ops
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}
