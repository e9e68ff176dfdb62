package service

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

// Listener receives progress events for one task. A non-nil error from Send
// detaches the listener.
type Listener interface {
	Send(event model.ProgressEvent) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(event model.ProgressEvent) error

func (f ListenerFunc) Send(event model.ProgressEvent) error { return f(event) }

type subscription struct {
	id       uint64
	listener Listener
}

// Notifier fans progress events out to the listeners attached to a task id.
// Events published while nobody is attached are dropped.
type Notifier struct {
	mu     sync.RWMutex
	subs   map[string][]subscription // taskID -> subscriptions
	nextID atomic.Uint64
}

func NewNotifier() *Notifier {
	return &Notifier{
		subs: make(map[string][]subscription),
	}
}

// Attach registers l under taskID and returns the id used to detach it.
// The listener only sees events published after this call.
func (n *Notifier) Attach(taskID string, l Listener) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID.Add(1)
	n.subs[taskID] = append(n.subs[taskID], subscription{id: id, listener: l})
	return id
}

// Detach removes a subscription. Unknown ids are ignored. The task's entry
// is dropped once its last listener leaves.
func (n *Notifier) Detach(taskID string, id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs := n.subs[taskID]
	for i, s := range subs {
		if s.id != id {
			continue
		}
		rest := make([]subscription, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(n.subs, taskID)
		} else {
			n.subs[taskID] = rest
		}
		return
	}
}

// Publish delivers event to every listener attached to taskID. A failing or
// panicking listener is detached and does not stop delivery to the others.
func (n *Notifier) Publish(taskID string, event model.ProgressEvent) {
	n.mu.RLock()
	subs := make([]subscription, len(n.subs[taskID]))
	copy(subs, n.subs[taskID])
	n.mu.RUnlock()

	for _, s := range subs {
		if err := safeSend(s.listener, event); err != nil {
			slog.Warn("detaching listener after failed send",
				"task_id", taskID, "listener_id", s.id, "stage", event.Stage, "error", err)
			n.Detach(taskID, s.id)
		}
	}
}

// PublishCompletion sends the terminal complete event carrying result.
func (n *Notifier) PublishCompletion(taskID string, result any) {
	n.Publish(taskID, model.ProgressEvent{
		Stage:    model.StageComplete,
		Progress: 100,
		Message:  "审查完成",
		Result:   result,
	})
}

// PublishError sends an error event carrying message.
func (n *Notifier) PublishError(taskID, message string) {
	n.Publish(taskID, model.ProgressEvent{
		Stage:    model.StageError,
		Progress: 0,
		Error:    message,
	})
}

// ListenerCount returns how many listeners are attached to taskID.
func (n *Notifier) ListenerCount(taskID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[taskID])
}

// TaskCount returns how many task ids currently have listeners.
func (n *Notifier) TaskCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

func safeSend(l Listener, event model.ProgressEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("listener panicked", "stage", event.Stage, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return l.Send(event)
}
