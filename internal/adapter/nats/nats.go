// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/OrchHub/internal/logger"
	"github.com/Strob0t/OrchHub/internal/port/messagequeue"
)

const streamName = "ORCHHUB"

const (
	headerRequestID  = "Orch-Request-Id"
	headerRetryCount = "Orch-Retry-Count"
)

// maxRetries is the number of redeliveries before a failing message is
// moved to its dead-letter subject (<subject>.dlq).
const maxRetries = 3

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// One stream captures the whole event firehose, including the per-subject
	// dead-letter subjects underneath it.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{messagequeue.SubjectEventPrefix + ".>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject. A request ID present in the
// context travels with the message as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if id := logger.RequestIDFromContext(ctx); id != "" {
		msg.Header.Set(headerRequestID, id)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
//
// Messages that fail schema validation go straight to the dead-letter
// subject. Messages whose handler fails are republished with an incremented
// retry counter until maxRetries, then dead-lettered.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		defer func() {
			if ackErr := msg.Ack(); ackErr != nil {
				slog.Error("nats ack failed", "error", ackErr)
			}
		}()

		subj, data, hdrs := msg.Subject(), msg.Data(), msg.Headers()

		if err := messagequeue.Validate(subj, data); err != nil {
			slog.Error("message failed validation", "subject", subj, "error", err)
			q.moveToDLQ(subj, data, hdrs)
			return
		}

		msgCtx := context.Background()
		if id := hdrs.Get(headerRequestID); id != "" {
			msgCtx = logger.WithRequestID(msgCtx, id)
		}

		if err := handler(msgCtx, subj, data); err != nil {
			retries := retryCount(hdrs)
			if retries >= maxRetries {
				slog.Error("message retries exhausted", "subject", subj, "retries", retries, "error", err)
				q.moveToDLQ(subj, data, hdrs)
				return
			}
			slog.Warn("message handler failed, retrying", "subject", subj, "retry", retries+1, "error", err)
			q.requeue(subj, data, hdrs, retries+1)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// KeyValue returns a JetStream key-value bucket, creating it if needed.
// ttl of zero means entries never expire.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats keyvalue %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain processes pending messages and then closes the connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the queue is currently connected.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

func (q *Queue) requeue(subject string, data []byte, hdrs nats.Header, retries int) {
	msg := &nats.Msg{Subject: subject, Data: data, Header: copyHeader(hdrs)}
	msg.Header.Set(headerRetryCount, strconv.Itoa(retries))
	if _, err := q.js.PublishMsg(context.Background(), msg); err != nil {
		slog.Error("nats requeue failed", "subject", subject, "error", err)
	}
}

func (q *Queue) moveToDLQ(subject string, data []byte, hdrs nats.Header) {
	msg := &nats.Msg{Subject: subject + ".dlq", Data: data, Header: copyHeader(hdrs)}
	if _, err := q.js.PublishMsg(context.Background(), msg); err != nil {
		slog.Error("nats dead-letter publish failed", "subject", subject, "error", err)
	}
}

func retryCount(hdrs nats.Header) int {
	n, err := strconv.Atoi(hdrs.Get(headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

func copyHeader(hdrs nats.Header) nats.Header {
	cp := nats.Header{}
	for k, vs := range hdrs {
		for _, v := range vs {
			cp.Add(k, v)
		}
	}
	return cp
}
