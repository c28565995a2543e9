// Package bus provides in-process message delivery between agents, correlated
// by workflow thread. Delivery is at-most-once and strictly FIFO within one
// thread; messages for distinct threads interleave freely.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linnemanlabs/go-core/log"
)

// Message is a single addressed message between agents. Immutable once sent.
type Message struct {
	ID        string          `json:"id"`
	ThreadID  string          `json:"thread_id"`
	Sender    string          `json:"sender"`    // capability name
	Recipient string          `json:"recipient"` // capability name
	Seq       uint64          `json:"seq"`       // causality marker within the thread
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// New builds a message with a fresh ID, marshalling payload to JSON.
// Seq is assigned by the bus at publish time.
func New(threadID, sender, recipient string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Sender:    sender,
		Recipient: recipient,
		Payload:   data,
		CreatedAt: time.Now(),
	}, nil
}

// Reply builds a response message addressed back to the sender, staying on the
// same thread.
func (m *Message) Reply(sender string, payload any) (*Message, error) {
	return New(m.ThreadID, sender, m.Sender, payload)
}

// Handler processes a message addressed to a capability. A non-nil reply is
// published by the bus on the same thread; a non-nil error is surfaced to the
// failure sink (the orchestrator) and is never retried by the bus.
type Handler func(ctx context.Context, msg *Message) (*Message, error)

// FailureFunc receives handler failures. The bus itself never retries.
type FailureFunc func(ctx context.Context, msg *Message, err error)

var (
	ErrNoSubscriber = errors.New("no subscriber for recipient capability")
	ErrClosed       = errors.New("bus is closed")
)

// Bus routes messages to the single handler subscribed for each capability.
type Bus struct {
	logger log.Logger

	mu        sync.Mutex
	handlers  map[string]Handler
	threads   map[string]*threadQueue
	seqs      map[string]uint64
	onFailure FailureFunc
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates an empty bus. Callers must Close it to stop dispatchers.
func NewBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		logger:   logger,
		handlers: make(map[string]Handler),
		threads:  make(map[string]*threadQueue),
		seqs:     make(map[string]uint64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe binds handler to every message addressed to capability.
// Exactly one handler per capability; a second subscription replaces the first.
func (b *Bus) Subscribe(capabilityName string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[capabilityName] = h
}

// OnFailure registers the sink that receives handler failures per thread.
func (b *Bus) OnFailure(f FailureFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFailure = f
}

// Publish enqueues msg for its recipient. It never blocks on handler
// execution; delivery happens on the thread's dispatcher goroutine.
func (b *Bus) Publish(msg *Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if _, ok := b.handlers[msg.Recipient]; !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrNoSubscriber, msg.Recipient)
	}

	b.seqs[msg.ThreadID]++
	msg.Seq = b.seqs[msg.ThreadID]

	q, ok := b.threads[msg.ThreadID]
	if !ok {
		q = newThreadQueue()
		b.threads[msg.ThreadID] = q
		b.wg.Add(1)
		go b.dispatch(q)
	}
	b.mu.Unlock()

	q.push(msg)
	return nil
}

// ReleaseThread drops the dispatcher state for a finished thread. Safe to call
// for unknown threads. Messages already queued are still delivered.
func (b *Bus) ReleaseThread(threadID string) {
	b.mu.Lock()
	q, ok := b.threads[threadID]
	if ok {
		delete(b.threads, threadID)
		delete(b.seqs, threadID)
	}
	b.mu.Unlock()
	if ok {
		q.close()
	}
}

// ThreadCount reports the number of threads with live dispatcher state.
func (b *Bus) ThreadCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.threads)
}

// Close stops all dispatchers and waits for in-flight deliveries.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	queues := make([]*threadQueue, 0, len(b.threads))
	for _, q := range b.threads {
		queues = append(queues, q)
	}
	b.threads = map[string]*threadQueue{}
	b.mu.Unlock()

	for _, q := range queues {
		q.close()
	}
	b.wg.Wait()
	b.cancel()
}

// dispatch drains one thread's queue in order. One unit of work runs at a time
// per thread; other threads' dispatchers make progress independently.
func (b *Bus) dispatch(q *threadQueue) {
	defer b.wg.Done()
	for {
		msg, ok := q.pop()
		if !ok {
			return
		}
		b.deliver(msg)
	}
}

func (b *Bus) deliver(msg *Message) {
	b.mu.Lock()
	h, ok := b.handlers[msg.Recipient]
	fail := b.onFailure
	b.mu.Unlock()

	ctx := b.ctx
	if !ok {
		// subscriber was present at publish time; treat disappearance as failure
		b.fail(ctx, fail, msg, fmt.Errorf("%w: %q", ErrNoSubscriber, msg.Recipient))
		return
	}

	reply, err := b.safeHandle(ctx, h, msg)
	if err != nil {
		b.fail(ctx, fail, msg, err)
		return
	}
	if reply == nil {
		return
	}
	if err := b.Publish(reply); err != nil {
		b.fail(ctx, fail, msg, fmt.Errorf("publish reply: %w", err))
	}
}

// safeHandle invokes h, converting a panic into a handler error so a
// misbehaving agent fails its workflow instead of the process.
func (b *Bus) safeHandle(ctx context.Context, h Handler, msg *Message) (reply *Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, msg)
}

func (b *Bus) fail(ctx context.Context, fail FailureFunc, msg *Message, err error) {
	if fail != nil {
		fail(ctx, msg, err)
		return
	}
	b.logger.Error(ctx, err, "message delivery failed with no failure sink",
		"thread_id", msg.ThreadID,
		"recipient", msg.Recipient,
		"seq", msg.Seq,
	)
}

// threadQueue is an unbounded FIFO so Publish never blocks a dispatcher that
// publishes a reply onto its own thread.
type threadQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	msgs   []*Message
	closed bool
}

func newThreadQueue() *threadQueue {
	q := &threadQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *threadQueue) push(m *Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.msgs = append(q.msgs, m)
	q.cond.Signal()
}

// pop blocks until a message is available or the queue is closed and drained.
func (q *threadQueue) pop() (*Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.msgs) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, true
}

func (q *threadQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
