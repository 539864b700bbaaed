package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
)

// Memory is an in-process queue used by tests and single-binary development
// setups. Deliveries that are not acknowledged are put back until
// maxDeliveries is reached.
type Memory struct {
	mu            sync.Mutex
	pending       []Delivery
	published     []Message
	seq           int
	maxDeliveries int
	notify        chan struct{}
	logger        *slog.Logger
	failPublish   error
}

func NewMemory(maxDeliveries int, logger *slog.Logger) *Memory {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Memory{maxDeliveries: maxDeliveries, notify: make(chan struct{}, 1), logger: logger}
}

func (q *Memory) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.failPublish != nil {
		err := q.failPublish
		q.mu.Unlock()
		return err
	}
	q.seq++
	q.pending = append(q.pending, Delivery{
		ID:         strconv.Itoa(q.seq),
		Payload:    payload,
		Attributes: msg.Attributes(),
	})
	q.published = append(q.published, msg)
	q.mu.Unlock()

	q.signal()
	return nil
}

// FailPublish makes every subsequent Publish return err. A nil err restores normal behaviour.
func (q *Memory) FailPublish(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failPublish = err
}

// Published returns every message accepted so far.
func (q *Memory) Published() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.published...)
}

// Duplicate re-enqueues the most recently published message, as an
// at-least-once broker may.
func (q *Memory) Duplicate() {
	q.mu.Lock()
	if len(q.published) == 0 {
		q.mu.Unlock()
		return
	}
	msg := q.published[len(q.published)-1]
	payload, _ := json.Marshal(msg)
	q.seq++
	q.pending = append(q.pending, Delivery{ID: strconv.Itoa(q.seq), Payload: payload, Attributes: msg.Attributes()})
	q.mu.Unlock()
	q.signal()
}

// Len reports the number of deliveries waiting.
func (q *Memory) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Drain hands every waiting delivery to handler and returns how many were
// processed. Redelivered items are processed again in the same call.
func (q *Memory) Drain(ctx context.Context, handler Handler) int {
	processed := 0
	for {
		d, ok := q.next()
		if !ok || ctx.Err() != nil {
			return processed
		}
		q.settle(d, handler(ctx, d))
		processed++
	}
}

func (q *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		q.Drain(ctx, handler)
		select {
		case <-ctx.Done():
			return nil
		case <-q.notify:
		}
	}
}

func (q *Memory) next() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return Delivery{}, false
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	d.Attempt++
	return d, true
}

func (q *Memory) settle(d Delivery, err error) {
	switch Dispose(err) {
	case Ack:
		return
	case Drop:
		q.logger.Warn("dropping message", "message_id", d.ID, "build_id", d.Attributes[AttrBuildID], "error", err)
		return
	}
	if d.Attempt >= q.maxDeliveries {
		q.logger.Error("message exceeded max deliveries", "message_id", d.ID, "build_id", d.Attributes[AttrBuildID], "attempts", d.Attempt, "error", err)
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, d)
	q.mu.Unlock()
}

func (q *Memory) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
