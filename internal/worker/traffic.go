package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/telemetry"
)

const (
	trafficChanSize   = 2048
	trafficBatchSize  = 256
	trafficFlushEvery = 5 * time.Second
	trafficDrainTime  = 30 * time.Second
)

// TrafficStore is the persistence interface consumed by TrafficRecorder.
type TrafficStore interface {
	InsertDownstream(ctx context.Context, events []gateway.DownstreamTrafficEvent) error
	InsertUpstream(ctx context.Context, events []gateway.UpstreamTrafficEvent) error
}

// trafficEvent is the channel's tagged union; exactly one pointer is set.
type trafficEvent struct {
	down *gateway.DownstreamTrafficEvent
	up   *gateway.UpstreamTrafficEvent
}

// TrafficRecorder buffers traffic events off the request path and
// batch-flushes them to the store. Events are dropped if the channel is full
// (back-pressure on a slow DB never blocks a request).
type TrafficRecorder struct {
	ch      chan trafficEvent
	store   TrafficStore
	metrics *telemetry.Metrics // nil = no queue gauge
}

// NewTrafficRecorder creates a TrafficRecorder backed by store.
func NewTrafficRecorder(store TrafficStore, metrics *telemetry.Metrics) *TrafficRecorder {
	return &TrafficRecorder{
		ch:      make(chan trafficEvent, trafficChanSize),
		store:   store,
		metrics: metrics,
	}
}

// RecordDownstream enqueues an inbound request event. Never blocks.
func (t *TrafficRecorder) RecordDownstream(ev gateway.DownstreamTrafficEvent) {
	t.enqueue(trafficEvent{down: &ev})
}

// RecordUpstream enqueues an upstream attempt event. Never blocks.
func (t *TrafficRecorder) RecordUpstream(ev gateway.UpstreamTrafficEvent) {
	t.enqueue(trafficEvent{up: &ev})
}

func (t *TrafficRecorder) enqueue(ev trafficEvent) {
	select {
	case t.ch <- ev:
		if t.metrics != nil {
			t.metrics.TrafficQueueLength.Set(float64(len(t.ch)))
		}
	default:
		slog.Warn("traffic event dropped, channel full")
	}
}

// Run processes events until ctx is cancelled, then drains what remains.
func (t *TrafficRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(trafficFlushEvery)
	defer ticker.Stop()

	buf := make([]trafficEvent, 0, trafficBatchSize)

	for {
		select {
		case ev := <-t.ch:
			buf = append(buf, ev)
			if len(buf) >= trafficBatchSize {
				t.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				t.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			t.drain(buf)
			return nil
		}
	}
}

func (t *TrafficRecorder) drain(buf []trafficEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), trafficDrainTime)
	defer cancel()

	for {
		select {
		case ev := <-t.ch:
			buf = append(buf, ev)
			if len(buf) >= trafficBatchSize {
				t.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				t.flush(ctx, buf)
			}
			return
		}
	}
}

func (t *TrafficRecorder) flush(ctx context.Context, buf []trafficEvent) {
	var down []gateway.DownstreamTrafficEvent
	var up []gateway.UpstreamTrafficEvent
	for i := range buf {
		switch {
		case buf[i].down != nil:
			ev := *buf[i].down
			if ev.ID == "" {
				ev.ID = uuid.Must(uuid.NewV7()).String()
			}
			down = append(down, ev)
		case buf[i].up != nil:
			ev := *buf[i].up
			if ev.ID == "" {
				ev.ID = uuid.Must(uuid.NewV7()).String()
			}
			up = append(up, ev)
		}
	}

	if len(down) > 0 {
		if err := t.store.InsertDownstream(ctx, down); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "downstream traffic flush failed",
				slog.Int("count", len(down)),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(up) > 0 {
		if err := t.store.InsertUpstream(ctx, up); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "upstream traffic flush failed",
				slog.Int("count", len(up)),
				slog.String("error", err.Error()),
			)
		}
	}
	if t.metrics != nil {
		t.metrics.TrafficQueueLength.Set(float64(len(t.ch)))
	}
}
