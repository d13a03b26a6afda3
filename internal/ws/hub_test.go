package ws

import (
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu       sync.Mutex
	payloads []string
	fail     bool
	closed   bool
	got      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{got: make(chan struct{}, 16)}
}

func (r *recorder) Send(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("broken pipe")
	}
	r.payloads = append(r.payloads, string(p))
	r.got <- struct{}{}
	return nil
}

func (r *recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func waitFor(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for payload")
	}
}

func TestHubRoutesTopicsAndFirehose(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	target := newRecorder()
	other := newRecorder()
	all := newRecorder()
	hub.Register("target:a", target)
	hub.Register("target:b", other)
	hub.Register(Firehose, all)

	hub.Publish("target:a", []byte("hello"))
	waitFor(t, target)
	waitFor(t, all)

	other.mu.Lock()
	defer other.mu.Unlock()
	if len(other.payloads) != 0 {
		t.Fatalf("unrelated topic received %v", other.payloads)
	}
}

func TestHubDropsFailingSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	broken := newRecorder()
	broken.fail = true
	healthy := newRecorder()
	hub.Register("server:1", broken)
	hub.Register("server:1", healthy)

	hub.Publish("server:1", []byte("x"))
	hub.Publish("server:1", []byte("y"))
	waitFor(t, healthy)
	waitFor(t, healthy)

	broken.mu.Lock()
	defer broken.mu.Unlock()
	if !broken.closed {
		t.Fatalf("expected failing subscriber to be closed")
	}
}
