package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/RaiToKU/mvp-contractshield-ai-backend/model"
)

// recordingListener collects every event it is sent.
type recordingListener struct {
	mu     sync.Mutex
	events []model.ProgressEvent
	err    error
}

func (r *recordingListener) Send(e model.ProgressEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingListener) Events() []model.ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ProgressEvent(nil), r.events...)
}

func TestNotifierPublishNoListeners(t *testing.T) {
	n := NewNotifier()
	n.Publish("nobody", model.ProgressEvent{Stage: model.StageStart})
	n.PublishCompletion("nobody", nil)
	n.PublishError("nobody", "boom")

	if n.TaskCount() != 0 {
		t.Errorf("Expected no task entries, got %d", n.TaskCount())
	}
}

func TestNotifierFanOut(t *testing.T) {
	n := NewNotifier()
	a, b := &recordingListener{}, &recordingListener{}
	other := &recordingListener{}
	n.Attach("t1", a)
	n.Attach("t1", b)
	n.Attach("t2", other)

	n.Publish("t1", model.ProgressEvent{Stage: model.StageOCR, Progress: 20})

	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Errorf("Expected one event per listener, got %d and %d", len(a.Events()), len(b.Events()))
	}
	if len(other.Events()) != 0 {
		t.Errorf("Expected listener of another task to see nothing, got %d", len(other.Events()))
	}
}

func TestNotifierNoReplay(t *testing.T) {
	n := NewNotifier()
	first := &recordingListener{}
	n.Attach("t1", first)
	n.Publish("t1", model.ProgressEvent{Stage: model.StageStart})

	late := &recordingListener{}
	n.Attach("t1", late)
	n.Publish("t1", model.ProgressEvent{Stage: model.StageOCR, Progress: 20})

	if got := late.Events(); len(got) != 1 || got[0].Stage != model.StageOCR {
		t.Errorf("Expected late listener to see only ocr, got %+v", got)
	}
	if len(first.Events()) != 2 {
		t.Errorf("Expected first listener to see 2 events, got %d", len(first.Events()))
	}
}

func TestNotifierFailedListenerDetached(t *testing.T) {
	n := NewNotifier()
	broken := &recordingListener{err: errors.New("connection closed")}
	healthy := &recordingListener{}
	n.Attach("t1", broken)
	n.Attach("t1", healthy)

	n.Publish("t1", model.ProgressEvent{Stage: model.StageOCR})

	if len(healthy.Events()) != 1 {
		t.Errorf("Expected healthy listener to receive event, got %d", len(healthy.Events()))
	}
	if n.ListenerCount("t1") != 1 {
		t.Errorf("Expected failed listener to be detached, got %d listeners", n.ListenerCount("t1"))
	}

	n.Publish("t1", model.ProgressEvent{Stage: model.StageAnalysis})
	if len(broken.Events()) != 1 {
		t.Errorf("Expected detached listener to get no more events, got %d", len(broken.Events()))
	}
}

func TestNotifierPanickingListener(t *testing.T) {
	n := NewNotifier()
	n.Attach("t1", ListenerFunc(func(model.ProgressEvent) error {
		panic("bad listener")
	}))
	healthy := &recordingListener{}
	n.Attach("t1", healthy)

	n.Publish("t1", model.ProgressEvent{Stage: model.StageStart})

	if len(healthy.Events()) != 1 {
		t.Errorf("Expected healthy listener to receive event, got %d", len(healthy.Events()))
	}
	if n.ListenerCount("t1") != 1 {
		t.Errorf("Expected panicking listener to be detached, got %d", n.ListenerCount("t1"))
	}
}

func TestNotifierDetach(t *testing.T) {
	n := NewNotifier()
	id := n.Attach("t1", &recordingListener{})

	n.Detach("t1", id)
	n.Detach("t1", id)
	n.Detach("unknown", 42)

	if n.TaskCount() != 0 {
		t.Errorf("Expected task entry to be freed, got %d", n.TaskCount())
	}
}

func TestNotifierConvenienceShapes(t *testing.T) {
	n := NewNotifier()
	l := &recordingListener{}
	n.Attach("t1", l)

	n.PublishCompletion("t1", map[string]int{"risks_count": 2})
	n.PublishError("t1", "analysis failed")

	events := l.Events()
	if len(events) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(events))
	}
	if events[0].Stage != model.StageComplete || events[0].Progress != 100 || events[0].Result == nil {
		t.Errorf("Unexpected completion event %+v", events[0])
	}
	if events[1].Stage != model.StageError || events[1].Progress != 0 || events[1].Error != "analysis failed" {
		t.Errorf("Unexpected error event %+v", events[1])
	}
}

func TestNotifierConcurrentAttachPublish(t *testing.T) {
	n := NewNotifier()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			id := n.Attach("t1", &recordingListener{})
			n.Detach("t1", id)
		}()
		go func() {
			defer wg.Done()
			n.Publish("t1", model.ProgressEvent{Stage: model.StageOCR})
		}()
	}
	wg.Wait()

	if n.TaskCount() != 0 {
		t.Errorf("Expected no listeners left, got %d tasks", n.TaskCount())
	}
}
