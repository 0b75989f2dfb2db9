// Package events publishes artifact and quota lifecycle events to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Subjects lists the subject filters the stream captures.
var Subjects = []string{"artifact.>", "quota.>"}

// Notifier wraps a NATS JetStream connection for publishing events.
type Notifier struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New connects to url and makes sure stream captures Subjects.
func New(url, stream string, opts ...nats.Option) (*Notifier, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	if stream != "" {
		if err := ensureStream(js, stream); err != nil {
			nc.Close()
			return nil, err
		}
	}

	return &Notifier{conn: nc, js: js}, nil
}

func ensureStream(js nats.JetStreamContext, name string) error {
	_, err := js.StreamInfo(name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("stream info %s: %w", name, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: Subjects,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	log.WithField("stream", name).Info("nats stream created")
	return nil
}

// Close drains the underlying connection.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
	}
}

// Publish encodes event as JSON and publishes it to subject.
func (n *Notifier) Publish(ctx context.Context, subject string, event any) error {
	if n == nil {
		return errors.New("nil notifier")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if _, err := n.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}
