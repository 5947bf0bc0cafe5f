// Package ingest is the optional NATS path for the semantic-labeling
// sidecar. It accepts the same label records as POST /api/labels and runs
// them through an identical enqueue path.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cnrmurphy/sentinel/internal/api"

	"github.com/nats-io/nats.go"
)

const labelSubject = "sentinel.label.>"

// LabelFunc enqueues one validated label record.
type LabelFunc func(ctx context.Context, rec api.LabelRecord) (int64, error)

type Ingester struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	handle LabelFunc
}

func New(natsURL string, handle LabelFunc) (*Ingester, error) {
	nc, err := nats.Connect(natsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Ingester{nc: nc, handle: handle}, nil
}

// Start subscribes to the label subject tree.
func (ing *Ingester) Start() error {
	sub, err := ing.nc.Subscribe(labelSubject, ing.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", labelSubject, err)
	}
	ing.sub = sub
	slog.Info("label ingress subscribed", "subject", labelSubject)
	return nil
}

func (ing *Ingester) handleMessage(msg *nats.Msg) {
	var rec api.LabelRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		slog.Warn("malformed label record, skipping", "subject", msg.Subject, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := ing.handle(ctx, rec); err != nil {
		slog.Error("label ingest failed", "subject", msg.Subject, "kind", rec.Kind, "error", err)
	}
}

// Close drains the subscription and connection.
func (ing *Ingester) Close() {
	if ing.sub != nil {
		ing.sub.Unsubscribe()
	}
	ing.nc.Drain()
}
