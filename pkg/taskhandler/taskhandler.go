// Package taskhandler tracks in-flight operations that fan out to several
// peers and resolve once a success or failure threshold is crossed.
package taskhandler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type TaskType int

const (
	StoreChunkTask TaskType = iota
	AppendChunkTask
	StorePacketTask
	DeletePacketTask
	DeleteChunkTask
	AmendAccountTask
	StoreIOUTask
	ReplicateChunkTask
)

func (t TaskType) String() string {
	switch t {
	case StoreChunkTask:
		return "store-chunk"
	case AppendChunkTask:
		return "append-chunk"
	case StorePacketTask:
		return "store-packet"
	case DeletePacketTask:
		return "delete-packet"
	case DeleteChunkTask:
		return "delete-chunk"
	case AmendAccountTask:
		return "amend-account"
	case StoreIOUTask:
		return "store-iou"
	case ReplicateChunkTask:
		return "replicate-chunk"
	}
	return fmt.Sprintf("task(%d)", int(t))
}

type Status int

const (
	Pending Status = iota
	Succeeded
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

type task struct {
	id                string
	seq               int64
	key               string
	kind              TaskType
	successesRequired int
	maxFailures       int
	successes         int
	failures          int
	status            Status
	created           time.Time
	done              chan struct{}
}

// Snapshot is a copy of a task's counters.
type Snapshot struct {
	ID        string
	Key       string
	Type      TaskType
	Successes int
	Failures  int
	Status    Status
	Created   time.Time
}

// Handler is safe for concurrent use. A task succeeds the first time its
// success count reaches successesRequired and fails the first time its
// failure count exceeds maxFailures. Increments after that are ignored.
type Handler struct {
	mu    sync.Mutex
	tasks map[string]*task
	seq   int64
	now   func() time.Time
}

func New() *Handler {
	return &Handler{
		tasks: make(map[string]*task),
		now:   time.Now,
	}
}

// AddTask registers a task and returns its ID.
func (h *Handler) AddTask(key string, kind TaskType, successesRequired, maxFailures int) (string, error) {
	if successesRequired <= 0 {
		return "", fmt.Errorf("successes required must be positive, got %d", successesRequired)
	}
	if maxFailures < 0 {
		return "", fmt.Errorf("max failures must not be negative, got %d", maxFailures)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	t := &task{
		id:                uuid.New().String(),
		seq:               h.seq,
		key:               key,
		kind:              kind,
		successesRequired: successesRequired,
		maxFailures:       maxFailures,
		status:            Pending,
		created:           h.now(),
		done:              make(chan struct{}),
	}
	h.tasks[t.id] = t
	return t.id, nil
}

// IncrementSuccess records one success and returns the task's status after it.
func (h *Handler) IncrementSuccess(id string) (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tasks[id]
	if !ok {
		return Failed, fmt.Errorf("task %s not found", id)
	}
	if t.status != Pending {
		return t.status, nil
	}
	t.successes++
	if t.successes >= t.successesRequired {
		h.resolve(t, Succeeded)
	}
	return t.status, nil
}

// IncrementFailure records one failure and returns the task's status after it.
func (h *Handler) IncrementFailure(id string) (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tasks[id]
	if !ok {
		return Failed, fmt.Errorf("task %s not found", id)
	}
	if t.status != Pending {
		return t.status, nil
	}
	t.failures++
	if t.failures > t.maxFailures {
		h.resolve(t, Failed)
	}
	return t.status, nil
}

// Finish resolves a pending task whose outcome was decided outside its
// counters. Resolved tasks are left unchanged.
func (h *Handler) Finish(id string, succeeded bool) (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tasks[id]
	if !ok {
		return Failed, fmt.Errorf("task %s not found", id)
	}
	if t.status == Pending {
		if succeeded {
			h.resolve(t, Succeeded)
		} else {
			h.resolve(t, Failed)
		}
	}
	return t.status, nil
}

func (h *Handler) resolve(t *task, status Status) {
	t.status = status
	close(t.done)
}

func (h *Handler) TaskComplete(id string) (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tasks[id]
	if !ok {
		return Failed, fmt.Errorf("task %s not found", id)
	}
	return t.status, nil
}

// Done returns a channel closed when the task resolves. A nil channel is
// returned for unknown IDs.
func (h *Handler) Done(id string) <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.tasks[id]; ok {
		return t.done
	}
	return nil
}

func (h *Handler) Snapshot(id string) (Snapshot, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	t, ok := h.tasks[id]
	if !ok {
		return Snapshot{}, fmt.Errorf("task %s not found", id)
	}
	return snapshotOf(t), nil
}

func snapshotOf(t *task) Snapshot {
	return Snapshot{
		ID:        t.id,
		Key:       t.key,
		Type:      t.kind,
		Successes: t.successes,
		Failures:  t.failures,
		Status:    t.status,
		Created:   t.created,
	}
}

// GetOldestActiveTaskByKeyAndType returns the ID of the oldest pending task
// for key and kind, or "" if there is none.
func (h *Handler) GetOldestActiveTaskByKeyAndType(key string, kind TaskType) string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var active []*task
	for _, t := range h.tasks {
		if t.key == key && t.kind == kind && t.status == Pending {
			active = append(active, t)
		}
	}
	if len(active) == 0 {
		return ""
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].seq < active[j].seq
	})
	return active[0].id
}

// TasksCount returns the number of tracked tasks, resolved or not.
func (h *Handler) TasksCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tasks)
}

func (h *Handler) DeleteTask(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.tasks[id]; ok {
		if t.status == Pending {
			h.resolve(t, Failed)
		}
		delete(h.tasks, id)
	}
}

// Wait blocks until the task resolves or done is closed.
func (h *Handler) Wait(id string, done <-chan struct{}) (Status, error) {
	ch := h.Done(id)
	if ch == nil {
		return Failed, fmt.Errorf("task %s not found", id)
	}
	select {
	case <-ch:
	case <-done:
	}
	return h.TaskComplete(id)
}
