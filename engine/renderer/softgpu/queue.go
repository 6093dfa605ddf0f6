package softgpu

import (
	"context"
	"fmt"
	"sync"

	"github.com/spaghettifunk/lumen/engine/renderer/driver"
)

type opKind int

const (
	opExecute opKind = iota
	opSignal
	opWait
	opPresent
)

type queueOp struct {
	kind  opKind
	lists []executable
	fence *fence
	value uint64
	fn    func() error
}

// queue is one GPU timeline. Operations run on a dedicated goroutine in
// submission order.
type queue struct {
	dev *Device
	typ driver.QueueType

	mu     sync.Mutex
	closed bool
	ops    chan queueOp
	done   chan struct{}
}

var _ driver.Queue = (*queue)(nil)

func newQueue(d *Device, t driver.QueueType) *queue {
	q := &queue{
		dev:  d,
		typ:  t,
		ops:  make(chan queueOp, 256),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) Type() driver.QueueType {
	return q.typ
}

func (q *queue) submit(op queueOp) error {
	if err := q.dev.checkAlive(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("softgpu: submit to released queue")
	}
	q.ops <- op
	return nil
}

func (q *queue) Execute(lists ...driver.CommandList) error {
	exe := make([]executable, 0, len(lists))
	for _, l := range lists {
		cl, ok := l.(*commandList)
		if !ok || cl == nil {
			return fmt.Errorf("softgpu: foreign command list %T", l)
		}
		e, err := cl.snapshot(q.typ)
		if err != nil {
			return err
		}
		exe = append(exe, e)
	}
	for _, e := range exe {
		e.alloc.pending.Add(1)
	}
	if err := q.submit(queueOp{kind: opExecute, lists: exe}); err != nil {
		for _, e := range exe {
			e.alloc.pending.Add(-1)
		}
		return err
	}
	return nil
}

func (q *queue) Signal(fn driver.Fence, value uint64) error {
	f, err := asFence(fn)
	if err != nil {
		return err
	}
	return q.submit(queueOp{kind: opSignal, fence: f, value: value})
}

func (q *queue) Wait(fn driver.Fence, value uint64) error {
	f, err := asFence(fn)
	if err != nil {
		return err
	}
	return q.submit(queueOp{kind: opWait, fence: f, value: value})
}

func (q *queue) present(fn func() error) error {
	return q.submit(queueOp{kind: opPresent, fn: fn})
}

func (q *queue) run() {
	defer close(q.done)
	for op := range q.ops {
		alive := q.dev.Removed() == nil
		switch op.kind {
		case opExecute:
			for _, e := range op.lists {
				if alive {
					if err := e.run(q); err != nil {
						q.dev.remove(err)
						alive = false
					}
				}
				e.alloc.pending.Add(-1)
			}
		case opSignal:
			if alive {
				op.fence.signal(op.value)
			}
		case opWait:
			if alive {
				_ = op.fence.Wait(context.Background(), op.value)
			}
		case opPresent:
			if alive {
				if err := op.fn(); err != nil {
					q.dev.remove(err)
				}
			}
		}
	}
}

// Release stops accepting work and blocks until the timeline drained.
func (q *queue) Release() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.ops)
	q.mu.Unlock()
	<-q.done
}
