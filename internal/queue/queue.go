// Package queue holds commands waiting for the single consumer.
package queue

import (
	"sync"
	"time"

	"github.com/zewelor/bt-mqtt-gateway/internal/command"
)

// Queue is an unbounded FIFO. Put never blocks; Get waits up to a timeout.
// Any number of producers may Put; exactly one goroutine should Get.
type Queue struct {
	mu     sync.Mutex
	items  []*command.Command
	notify chan struct{}
}

func New() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Put(c *command.Command) {
	if c == nil {
		return
	}
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Get removes the oldest command. It returns false if nothing arrived
// within timeout. A non-positive timeout polls once.
func (q *Queue) Get(timeout time.Duration) (*command.Command, bool) {
	if c, ok := q.pop(); ok {
		return c, true
	}
	if timeout <= 0 {
		return nil, false
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		select {
		case <-q.notify:
			if c, ok := q.pop(); ok {
				return c, true
			}
		case <-t.C:
			return q.pop()
		}
	}
}

func (q *Queue) pop() (*command.Command, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	c := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Keep the wakeup armed for the remaining items.
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return c, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
