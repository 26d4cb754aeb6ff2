// Package queue provides the FIFO of task ids that feeds the dispatcher: a
// non-blocking push/pop surface backed either by an in-process slice or by
// a NATS JetStream subject. Plain FIFO ordering is enough here since
// ordering among admitted sessions is already decided by AdmissionController
// before a task id ever reaches the queue.
package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrEmpty is returned by a non-blocking Pop against an empty queue.
var ErrEmpty = errors.New("queue is empty")

// Queue is the abstract task-id FIFO.
type Queue interface {
	// Push appends a task id to the back of the queue.
	Push(ctx context.Context, taskID string) error

	// Pop removes and returns the task id at the front of the queue.
	// It returns ErrEmpty immediately if the queue has nothing enqueued;
	// callers poll rather than block.
	Pop(ctx context.Context) (string, error)

	// Len reports the number of task ids currently queued.
	Len() int

	// Close releases any underlying resources.
	Close() error
}

// Memory is an in-process Queue backed by a slice, safe for concurrent use.
// It is the default queue.driver and is adequate for a single broker
// instance; multi-instance deployments should configure the NATS queue.
type Memory struct {
	mu    sync.Mutex
	items []string
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an empty in-process queue.
func NewMemory() *Memory {
	return &Memory{items: make([]string, 0)}
}

func (m *Memory) Push(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, taskID)
	return nil
}

func (m *Memory) Pop(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return "", ErrEmpty
	}
	taskID := m.items[0]
	m.items = m.items[1:]
	return taskID, nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *Memory) Close() error { return nil }
