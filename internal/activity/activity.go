// Package activity publishes and consumes ActivityLog entries over
// NATS, with OTel trace-context injection/extraction around nats.Msg
// headers. DurableStore remains the source of truth for activity logs;
// the bus exists so other processes (a UI, an alerting sidecar) can
// observe activity as it happens instead of polling the store.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/sabiseeds/agentmesh/internal/model"
)

const subject = "agentmesh.activity"

var propagator = propagation.TraceContext{}

// Bus publishes ActivityLog entries to NATS and lets interested
// consumers subscribe to them.
type Bus struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// Connect dials the NATS server at url. A connection failure is
// returned to the caller rather than retried here; activity
// publication is a best-effort enrichment, not on the critical path of
// task execution (spec §4.3's persistence step does not depend on it).
func Connect(url string, logger *slog.Logger) (*Bus, error) {
	nc, err := nats.Connect(url, nats.Name("agentmesh-orchestrator"))
	if err != nil {
		return nil, err
	}
	return &Bus{nc: nc, logger: logger}, nil
}

// Close drains and closes the underlying NATS connection.
func (b *Bus) Close() {
	_ = b.nc.Drain()
}

// Publish injects the trace context into the NATS message headers and
// publishes the entry, mirroring natsctx.Publish.
func (b *Bus) Publish(ctx context.Context, entry *model.ActivityLog) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	msg := &nats.Msg{Subject: subject, Data: data, Header: hdr}
	return b.nc.PublishMsg(msg)
}

// Subscribe registers handler for every published ActivityLog entry,
// extracting the publisher's trace context into a child span before
// invoking handler, mirroring natsctx.Subscribe.
func (b *Bus) Subscribe(handler func(ctx context.Context, entry *model.ActivityLog)) (*nats.Subscription, error) {
	return b.nc.Subscribe(subject, func(m *nats.Msg) {
		var entry model.ActivityLog
		if err := json.Unmarshal(m.Data, &entry); err != nil {
			b.logger.Error("poison message on activity bus", "error", err)
			return
		}
		carrier := propagation.HeaderCarrier(m.Header)
		ctx := propagator.Extract(context.Background(), carrier)
		tracer := otel.Tracer("agentmesh-activity")
		ctx, span := tracer.Start(ctx, "activity.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, &entry)
	})
}
