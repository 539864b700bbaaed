package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamOptions configures a NATS JetStream work queue.
type JetStreamOptions struct {
	URL               string
	Stream            string
	Subject           string
	Durable           string
	VisibilityTimeout time.Duration
	MaxDeliveries     int
	// RedeliveryDelay is the base nak delay; it grows linearly per attempt
	// and is capped at one minute.
	RedeliveryDelay time.Duration
	Logger          *slog.Logger
}

// JetStream is a Work Queue on a NATS JetStream work-queue stream.
type JetStream struct {
	conn *nats.Conn
	js   jetstream.JetStream
	opts JetStreamOptions
}

func NewJetStream(ctx context.Context, opts JetStreamOptions) (*JetStream, error) {
	if strings.TrimSpace(opts.Subject) == "" {
		return nil, fmt.Errorf("jetstream subject is required")
	}
	if opts.Stream == "" {
		opts.Stream = "LFS_BUILDS"
	}
	if opts.Durable == "" {
		opts.Durable = "dispatcher"
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 2 * time.Minute
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = 5
	}
	if opts.RedeliveryDelay <= 0 {
		opts.RedeliveryDelay = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	conn, err := nats.Connect(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       opts.Stream,
		Subjects:   []string{opts.Subject},
		Retention:  jetstream.WorkQueuePolicy,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create stream %s: %w", opts.Stream, err)
	}

	opts.Logger.Info("NATS work queue initialized", "url", opts.URL, "stream", opts.Stream, "subject", opts.Subject)
	return &JetStream{conn: conn, js: js, opts: opts}, nil
}

func (q *JetStream) Publish(ctx context.Context, msg Message) error {
	out, err := natsMessage(q.opts.Subject, msg)
	if err != nil {
		return err
	}
	// The build id doubles as the dedupe key inside the stream's duplicate window.
	if _, err := q.js.PublishMsg(ctx, out, jetstream.WithMsgID(msg.BuildID)); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

func (q *JetStream) Consume(ctx context.Context, handler Handler) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.opts.Stream, jetstream.ConsumerConfig{
		Durable:       q.opts.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.opts.VisibilityTimeout,
		MaxDeliver:    q.opts.MaxDeliveries,
		FilterSubject: q.opts.Subject,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(m jetstream.Msg) {
		q.handle(ctx, handler, m)
	})
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	<-ctx.Done()
	cc.Stop()
	return nil
}

func (q *JetStream) handle(ctx context.Context, handler Handler, m jetstream.Msg) {
	d := Delivery{Payload: m.Data(), Attributes: headerAttributes(m.Headers()), Attempt: 1}
	if meta, err := m.Metadata(); err == nil {
		d.ID = fmt.Sprintf("%d", meta.Sequence.Stream)
		d.Attempt = int(meta.NumDelivered)
	}

	err := handler(ctx, d)
	var settleErr error
	switch Dispose(err) {
	case Ack:
		settleErr = m.Ack()
	case Drop:
		q.opts.Logger.Warn("dropping message", "message_id", d.ID, "build_id", d.Attributes[AttrBuildID], "error", err)
		settleErr = m.Term()
	default:
		q.opts.Logger.Warn("message will be redelivered", "message_id", d.ID, "build_id", d.Attributes[AttrBuildID], "attempt", d.Attempt, "error", err)
		settleErr = m.NakWithDelay(backoffFor(d.Attempt, q.opts.RedeliveryDelay))
	}
	if settleErr != nil {
		q.opts.Logger.Error("settle message failed", "message_id", d.ID, "error", settleErr)
	}
}

func (q *JetStream) Close() error {
	if q.conn != nil {
		q.conn.Close()
	}
	return nil
}

func natsMessage(subject string, msg Message) (*nats.Msg, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	out := nats.NewMsg(subject)
	out.Data = data
	for k, v := range msg.Attributes() {
		out.Header.Set(k, v)
	}
	return out, nil
}

func headerAttributes(h nats.Header) map[string]string {
	attrs := make(map[string]string, len(h))
	for _, key := range []string{AttrBuildID, AttrTraceID, AttrProjectName, AttrLFSVersion} {
		if v := h.Get(key); v != "" {
			attrs[key] = v
		}
	}
	return attrs
}

func backoffFor(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt) * base
	if d > time.Minute {
		return time.Minute
	}
	return d
}
