package saga

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Observer receives callbacks from the activity hosts and the compensation
// coordinator. Implementations must be fast and must not block.
type Observer interface {
	OnActivityExecuted(ctx context.Context, trackingNumber uuid.UUID, activityName string, duration time.Duration)
	OnActivityFaulted(ctx context.Context, trackingNumber uuid.UUID, activityName string, err error)
	OnActivityCompensated(ctx context.Context, trackingNumber uuid.UUID, activityName string, duration time.Duration)
	OnCompensationSkipped(ctx context.Context, trackingNumber uuid.UUID, activityName string)
	OnCompensationFailed(ctx context.Context, trackingNumber uuid.UUID, activityName string, err error)
	OnRoutingSlipCompleted(ctx context.Context, trackingNumber uuid.UUID, duration time.Duration)
	OnRoutingSlipCompensated(ctx context.Context, trackingNumber uuid.UUID, duration time.Duration)
	OnDeliveryRejected(ctx context.Context, activityName string, err error)
}

// NoopObserver is used when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnActivityExecuted(context.Context, uuid.UUID, string, time.Duration)    {}
func (NoopObserver) OnActivityFaulted(context.Context, uuid.UUID, string, error)             {}
func (NoopObserver) OnActivityCompensated(context.Context, uuid.UUID, string, time.Duration) {}
func (NoopObserver) OnCompensationSkipped(context.Context, uuid.UUID, string)                {}
func (NoopObserver) OnCompensationFailed(context.Context, uuid.UUID, string, error)          {}
func (NoopObserver) OnRoutingSlipCompleted(context.Context, uuid.UUID, time.Duration)        {}
func (NoopObserver) OnRoutingSlipCompensated(context.Context, uuid.UUID, time.Duration)      {}
func (NoopObserver) OnDeliveryRejected(context.Context, string, error)                       {}

type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver forwards callbacks to each non-nil observer.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	switch len(filtered) {
	case 0:
		return NoopObserver{}
	case 1:
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnActivityExecuted(ctx context.Context, tn uuid.UUID, name string, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityExecuted(ctx, tn, name, d)
	}
}

func (c *CompositeObserver) OnActivityFaulted(ctx context.Context, tn uuid.UUID, name string, err error) {
	for _, o := range c.observers {
		o.OnActivityFaulted(ctx, tn, name, err)
	}
}

func (c *CompositeObserver) OnActivityCompensated(ctx context.Context, tn uuid.UUID, name string, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompensated(ctx, tn, name, d)
	}
}

func (c *CompositeObserver) OnCompensationSkipped(ctx context.Context, tn uuid.UUID, name string) {
	for _, o := range c.observers {
		o.OnCompensationSkipped(ctx, tn, name)
	}
}

func (c *CompositeObserver) OnCompensationFailed(ctx context.Context, tn uuid.UUID, name string, err error) {
	for _, o := range c.observers {
		o.OnCompensationFailed(ctx, tn, name, err)
	}
}

func (c *CompositeObserver) OnRoutingSlipCompleted(ctx context.Context, tn uuid.UUID, d time.Duration) {
	for _, o := range c.observers {
		o.OnRoutingSlipCompleted(ctx, tn, d)
	}
}

func (c *CompositeObserver) OnRoutingSlipCompensated(ctx context.Context, tn uuid.UUID, d time.Duration) {
	for _, o := range c.observers {
		o.OnRoutingSlipCompensated(ctx, tn, d)
	}
}

func (c *CompositeObserver) OnDeliveryRejected(ctx context.Context, name string, err error) {
	for _, o := range c.observers {
		o.OnDeliveryRejected(ctx, name, err)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver logs with logger, or slog.Default() when logger is nil.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnActivityExecuted(ctx context.Context, tn uuid.UUID, name string, d time.Duration) {
	o.Logger.DebugContext(ctx, "activity_executed",
		slog.String("tracking_number", tn.String()),
		slog.String("activity", name),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnActivityFaulted(ctx context.Context, tn uuid.UUID, name string, err error) {
	o.Logger.WarnContext(ctx, "activity_faulted",
		slog.String("tracking_number", tn.String()),
		slog.String("activity", name),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnActivityCompensated(ctx context.Context, tn uuid.UUID, name string, d time.Duration) {
	o.Logger.InfoContext(ctx, "activity_compensated",
		slog.String("tracking_number", tn.String()),
		slog.String("activity", name),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnCompensationSkipped(ctx context.Context, tn uuid.UUID, name string) {
	o.Logger.DebugContext(ctx, "compensation_skipped",
		slog.String("tracking_number", tn.String()),
		slog.String("activity", name),
	)
}

func (o *LoggingObserver) OnCompensationFailed(ctx context.Context, tn uuid.UUID, name string, err error) {
	o.Logger.ErrorContext(ctx, "compensation_failed",
		slog.String("tracking_number", tn.String()),
		slog.String("activity", name),
		slog.Any("error", err),
	)
}

func (o *LoggingObserver) OnRoutingSlipCompleted(ctx context.Context, tn uuid.UUID, d time.Duration) {
	o.Logger.InfoContext(ctx, "routing_slip_completed",
		slog.String("tracking_number", tn.String()),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnRoutingSlipCompensated(ctx context.Context, tn uuid.UUID, d time.Duration) {
	o.Logger.InfoContext(ctx, "routing_slip_compensated",
		slog.String("tracking_number", tn.String()),
		slog.Duration("duration", d),
	)
}

func (o *LoggingObserver) OnDeliveryRejected(ctx context.Context, name string, err error) {
	o.Logger.WarnContext(ctx, "delivery_rejected",
		slog.String("activity", name),
		slog.Any("error", err),
	)
}

// BasicMetrics counts lifecycle callbacks. Combine it with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	activitiesExecuted    atomic.Int64
	activitiesFaulted     atomic.Int64
	activitiesCompensated atomic.Int64
	compensationsSkipped  atomic.Int64
	compensationsFailed   atomic.Int64
	slipsCompleted        atomic.Int64
	slipsCompensated      atomic.Int64
	deliveriesRejected    atomic.Int64
	totalExecution        atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	ActivitiesExecuted    int64
	ActivitiesFaulted     int64
	ActivitiesCompensated int64
	CompensationsSkipped  int64
	CompensationsFailed   int64
	SlipsCompleted        int64
	SlipsCompensated      int64
	DeliveriesRejected    int64
	AvgExecution          time.Duration
}

func (m *BasicMetrics) OnActivityExecuted(_ context.Context, _ uuid.UUID, _ string, d time.Duration) {
	m.activitiesExecuted.Add(1)
	m.totalExecution.Add(int64(d))
}

func (m *BasicMetrics) OnActivityFaulted(context.Context, uuid.UUID, string, error) {
	m.activitiesFaulted.Add(1)
}

func (m *BasicMetrics) OnActivityCompensated(context.Context, uuid.UUID, string, time.Duration) {
	m.activitiesCompensated.Add(1)
}

func (m *BasicMetrics) OnCompensationSkipped(context.Context, uuid.UUID, string) {
	m.compensationsSkipped.Add(1)
}

func (m *BasicMetrics) OnCompensationFailed(context.Context, uuid.UUID, string, error) {
	m.compensationsFailed.Add(1)
}

func (m *BasicMetrics) OnRoutingSlipCompleted(context.Context, uuid.UUID, time.Duration) {
	m.slipsCompleted.Add(1)
}

func (m *BasicMetrics) OnRoutingSlipCompensated(context.Context, uuid.UUID, time.Duration) {
	m.slipsCompensated.Add(1)
}

func (m *BasicMetrics) OnDeliveryRejected(context.Context, string, error) {
	m.deliveriesRejected.Add(1)
}

func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	s := BasicMetricsSnapshot{
		ActivitiesExecuted:    m.activitiesExecuted.Load(),
		ActivitiesFaulted:     m.activitiesFaulted.Load(),
		ActivitiesCompensated: m.activitiesCompensated.Load(),
		CompensationsSkipped:  m.compensationsSkipped.Load(),
		CompensationsFailed:   m.compensationsFailed.Load(),
		SlipsCompleted:        m.slipsCompleted.Load(),
		SlipsCompensated:      m.slipsCompensated.Load(),
		DeliveriesRejected:    m.deliveriesRejected.Load(),
	}
	if s.ActivitiesExecuted > 0 {
		s.AvgExecution = time.Duration(m.totalExecution.Load() / s.ActivitiesExecuted)
	}
	return s
}
