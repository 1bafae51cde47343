package sched

import (
	"github.com/emirpasic/gods/trees/redblacktree"
)

// runQueue holds pending tasks ordered by priority (desc) then insertion
// sequence (asc). Not safe for concurrent use; the queue mutex guards it.
type runQueue struct {
	rbt *redblacktree.Tree
}

func newRunQueue() *runQueue {
	return &runQueue{rbt: redblacktree.NewWith(cmp)}
}

func (r *runQueue) push(t *Task) {
	r.rbt.Put(nodeKey{priority: t.Priority, seq: t.seq}, t)
}

// pop removes and returns the head.
func (r *runQueue) pop() (*Task, bool) {
	node := r.rbt.Left()
	if node == nil {
		return nil, false
	}
	r.rbt.Remove(node.Key)
	return node.Value.(*Task), true
}

func (r *runQueue) Len() int { return r.rbt.Size() }

// drain empties the queue, returning tasks in dispatch order.
func (r *runQueue) drain() []*Task {
	values := r.rbt.Values()
	r.rbt.Clear()

	tasks := make([]*Task, len(values))
	for i, v := range values {
		tasks[i] = v.(*Task)
	}
	return tasks
}

// nodeKey is used as a key in the red-black tree.
type nodeKey struct {
	priority int
	seq      uint64
}

// cmp puts higher priority first, then earlier insertion.
func cmp(a, b any) int {
	ka, kb := a.(nodeKey), b.(nodeKey)
	switch {
	case ka.priority > kb.priority:
		return -1
	case ka.priority < kb.priority:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
