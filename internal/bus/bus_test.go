package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

func mustMessage(t *testing.T, threadID, sender, recipient string, payload any) *Message {
	t.Helper()
	m, err := New(threadID, sender, recipient, payload)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestPublish_DeliversToSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	defer b.Close()

	got := make(chan *Message, 1)
	b.Subscribe("receive_alert", func(_ context.Context, msg *Message) (*Message, error) {
		got <- msg
		return nil, nil
	})

	if err := b.Publish(mustMessage(t, "wf-1", "orchestrator", "receive_alert", map[string]string{"k": "v"})); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-got:
		if msg.ThreadID != "wf-1" {
			t.Errorf("thread = %q, want wf-1", msg.ThreadID)
		}
		if msg.Seq != 1 {
			t.Errorf("seq = %d, want 1", msg.Seq)
		}
		var payload map[string]string
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if payload["k"] != "v" {
			t.Errorf("payload = %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublish_NoSubscriber(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	defer b.Close()

	err := b.Publish(mustMessage(t, "wf-1", "a", "nobody", nil))
	if !errors.Is(err, ErrNoSubscriber) {
		t.Errorf("err = %v, want ErrNoSubscriber", err)
	}
}

func TestPublish_FIFOWithinThread(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	defer b.Close()

	const n = 200
	var mu sync.Mutex
	var seqs []uint64
	done := make(chan struct{})

	b.Subscribe("sink", func(_ context.Context, msg *Message) (*Message, error) {
		mu.Lock()
		seqs = append(seqs, msg.Seq)
		if len(seqs) == n {
			close(done)
		}
		mu.Unlock()
		return nil, nil
	})

	for i := 0; i < n; i++ {
		if err := b.Publish(mustMessage(t, "wf-fifo", "src", "sink", i)); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}

	for i, s := range seqs {
		if s != uint64(i+1) {
			t.Fatalf("seqs[%d] = %d, want %d (out of order delivery)", i, s, i+1)
		}
	}
}

func TestPublish_ThreadsInterleaveIndependently(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	defer b.Close()

	// The slow thread must not block the fast one.
	slowStarted := make(chan struct{})
	release := make(chan struct{})
	fastDone := make(chan struct{})

	b.Subscribe("work", func(_ context.Context, msg *Message) (*Message, error) {
		if msg.ThreadID == "slow" {
			close(slowStarted)
			<-release
			return nil, nil
		}
		close(fastDone)
		return nil, nil
	})

	if err := b.Publish(mustMessage(t, "slow", "src", "work", nil)); err != nil {
		t.Fatalf("Publish slow: %v", err)
	}
	<-slowStarted
	if err := b.Publish(mustMessage(t, "fast", "src", "work", nil)); err != nil {
		t.Fatalf("Publish fast: %v", err)
	}

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast thread blocked behind slow thread")
	}
	close(release)
}

func TestHandlerError_SurfacedToFailureSink(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	defer b.Close()

	handlerErr := errors.New("stage blew up")
	calls := 0
	var mu sync.Mutex
	b.Subscribe("flaky", func(_ context.Context, _ *Message) (*Message, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil, handlerErr
	})

	failed := make(chan error, 1)
	b.OnFailure(func(_ context.Context, msg *Message, err error) {
		if msg.ThreadID == "wf-err" {
			failed <- err
		}
	})

	if err := b.Publish(mustMessage(t, "wf-err", "src", "flaky", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case err := <-failed:
		if !errors.Is(err, handlerErr) {
			t.Errorf("failure err = %v, want %v", err, handlerErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("failure was not surfaced")
	}

	// at-most-once: the bus must not have retried delivery
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("handler calls = %d, want 1", calls)
	}
}

func TestHandlerPanic_SurfacedAsFailure(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	defer b.Close()

	b.Subscribe("panicky", func(_ context.Context, _ *Message) (*Message, error) {
		panic("boom")
	})

	failed := make(chan error, 1)
	b.OnFailure(func(_ context.Context, _ *Message, err error) { failed <- err })

	if err := b.Publish(mustMessage(t, "wf-p", "src", "panicky", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case err := <-failed:
		if err == nil {
			t.Error("expected non-nil panic error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("panic was not surfaced as failure")
	}
}

func TestReply_PublishedOnSameThread(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	defer b.Close()

	results := make(chan *Message, 1)
	b.Subscribe("echo", func(_ context.Context, msg *Message) (*Message, error) {
		return msg.Reply("echo", map[string]string{"ok": "yes"})
	})
	b.Subscribe("orchestrate", func(_ context.Context, msg *Message) (*Message, error) {
		results <- msg
		return nil, nil
	})

	if err := b.Publish(mustMessage(t, "wf-r", "orchestrate", "echo", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case msg := <-results:
		if msg.ThreadID != "wf-r" {
			t.Errorf("thread = %q, want wf-r", msg.ThreadID)
		}
		if msg.Sender != "echo" {
			t.Errorf("sender = %q, want echo", msg.Sender)
		}
		if msg.Seq != 2 {
			t.Errorf("seq = %d, want 2", msg.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reply never arrived")
	}
}

func TestPublish_AfterClose(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	b.Subscribe("x", func(_ context.Context, _ *Message) (*Message, error) { return nil, nil })
	b.Close()

	if err := b.Publish(mustMessage(t, "wf", "a", "x", nil)); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestReleaseThread_ResetsSequence(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	defer b.Close()

	delivered := make(chan uint64, 4)
	b.Subscribe("sink", func(_ context.Context, msg *Message) (*Message, error) {
		delivered <- msg.Seq
		return nil, nil
	})

	for i := 0; i < 2; i++ {
		if err := b.Publish(mustMessage(t, "wf-rel", "src", "sink", i)); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out")
		}
	}

	b.ReleaseThread("wf-rel")

	if err := b.Publish(mustMessage(t, "wf-rel", "src", "sink", "again")); err != nil {
		t.Fatalf("Publish after release: %v", err)
	}
	select {
	case seq := <-delivered:
		if seq != 1 {
			t.Errorf("seq after release = %d, want 1", seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out after release")
	}
}

func TestReleaseThread_DropsDispatcherState(t *testing.T) {
	t.Parallel()

	b := NewBus(log.Nop())
	defer b.Close()

	delivered := make(chan struct{}, 2)
	b.Subscribe("sink", func(_ context.Context, _ *Message) (*Message, error) {
		delivered <- struct{}{}
		return nil, nil
	})

	if err := b.Publish(mustMessage(t, "wf-state", "src", "sink", nil)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	if got := b.ThreadCount(); got != 1 {
		t.Fatalf("thread count = %d, want 1", got)
	}

	b.ReleaseThread("wf-state")
	if got := b.ThreadCount(); got != 0 {
		t.Errorf("thread count after release = %d, want 0", got)
	}

	// releasing an unknown thread is a no-op
	b.ReleaseThread("wf-unknown")
	if got := b.ThreadCount(); got != 0 {
		t.Errorf("thread count = %d, want 0", got)
	}
}

func TestNew_UnmarshalablePayload(t *testing.T) {
	t.Parallel()

	_, err := New("wf", "a", "b", func() {})
	if err == nil {
		t.Fatal("expected marshal error")
	}
}
