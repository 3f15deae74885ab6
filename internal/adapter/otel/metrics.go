package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/OrchHub/internal/domain/event"
)

const meterName = "orchhub"

// Metrics holds the hub metric instruments.
type Metrics struct {
	AgentsSpawned   metric.Int64Counter
	AgentsClosed    metric.Int64Counter
	DigestsSent     metric.Int64Counter
	ControlBlocked  metric.Int64Counter
	EventsBroadcast metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.AgentsSpawned, err = meter.Int64Counter("orchhub.agents.spawned",
		metric.WithDescription("Number of sub-agents spawned"))
	if err != nil {
		return nil, err
	}

	m.AgentsClosed, err = meter.Int64Counter("orchhub.agents.closed",
		metric.WithDescription("Number of sub-agents closed"))
	if err != nil {
		return nil, err
	}

	m.DigestsSent, err = meter.Int64Counter("orchhub.digests.sent",
		metric.WithDescription("Number of decision digests sent to the orchestrator"))
	if err != nil {
		return nil, err
	}

	m.ControlBlocked, err = meter.Int64Counter("orchhub.control.suppressed",
		metric.WithDescription("Number of control blocks suppressed by the autopilot gate"))
	if err != nil {
		return nil, err
	}

	m.EventsBroadcast, err = meter.Int64Counter("orchhub.events.broadcast",
		metric.WithDescription("Number of hub events broadcast, by type"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// EventSource is the slice of the hub event bus the observer consumes.
type EventSource interface {
	Subscribe() (<-chan event.Event, func())
}

// Observe records hub metrics from the broadcast event stream. It blocks
// until ctx is cancelled or the source closes, so run it in its own goroutine.
func (m *Metrics) Observe(ctx context.Context, source EventSource) {
	ch, cancel := source.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			m.record(ctx, e)
		}
	}
}

func (m *Metrics) record(ctx context.Context, e event.Event) {
	m.EventsBroadcast.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.type", string(e.Type)),
	))

	switch e.Type {
	case event.TypeAgentAdded:
		m.AgentsSpawned.Add(ctx, 1)
	case event.TypeAgentRemoved:
		m.AgentsClosed.Add(ctx, 1)
	case event.TypeAutopilotSuppressed:
		m.ControlBlocked.Add(ctx, 1)
	case event.TypeDecision:
		if e.Payload["action"] == "digest_sent" {
			m.DigestsSent.Add(ctx, 1)
		}
	}
}
