package saga

import (
	"context"

	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/transport"
)

// CompensateActivityHost runs the compensating logic of one activity.
// A routing slip moves through Received, Compensating and then either
// Compensated (the coordinator continues with older entries) or
// CompensationFailed (terminal).
type CompensateActivityHost struct {
	activityName      string
	compensateAddress string
	factory           CompensateActivityFactory
	publisher         *EventPublisher
	coordinator       *CompensationCoordinator
	config            hostConfig
}

func NewCompensateActivityHost(
	activityName string,
	compensateAddress string,
	factory CompensateActivityFactory,
	sender transport.Sender,
	opts ...HostOption,
) *CompensateActivityHost {
	config := newHostConfig(opts)
	return &CompensateActivityHost{
		activityName:      activityName,
		compensateAddress: compensateAddress,
		factory:           factory,
		publisher:         NewEventPublisher(sender, compensateAddress),
		coordinator:       newCompensationCoordinator(compensateAddress, sender, config),
		config:            config,
	}
}

func (h *CompensateActivityHost) ActivityName() string {
	return h.activityName
}

func (h *CompensateActivityHost) CompensateAddress() string {
	return h.compensateAddress
}

// Handle is the transport.Handler of the compensate endpoint.
func (h *CompensateActivityHost) Handle(ctx context.Context, envelope transport.Envelope) error {
	slip, err := DecodeRoutingSlip(envelope)
	if err == nil {
		_, err = h.Compensate(ctx, slip)
	}
	return h.config.settle(ctx, h.activityName, err)
}

// Compensate undoes the most recent log entry of slip, which must have been
// written by this host's activity. The host takes ownership of slip.
func (h *CompensateActivityHost) Compensate(ctx context.Context, slip *RoutingSlip) (Outcome, error) {
	entry, err := slip.PeekActivityLog()
	if err != nil || !h.owns(entry) {
		if slip.hasCompensated(h.activityName) {
			return 0, errors.Wrapf(ErrDuplicateDelivery, "routing slip %s already compensated %q",
				slip.TrackingNumber(), h.activityName)
		}
		if err != nil {
			return 0, errors.Wrapf(ErrActivityMismatch, "routing slip %s has nothing to compensate for %q",
				slip.TrackingNumber(), h.activityName)
		}
		if entry.ActivityName != h.activityName {
			return 0, errors.Wrapf(ErrActivityMismatch, "routing slip %s expects compensation of %q, host runs %q",
				slip.TrackingNumber(), entry.ActivityName, h.activityName)
		}
		return 0, errors.Wrapf(ErrActivityMismatch, "routing slip %s compensates %q at %q, host listens on %q",
			slip.TrackingNumber(), h.activityName, entry.CompensateAddress.UnwrapOr(""), h.compensateAddress)
	}

	key := DeliveryKey(slip.TrackingNumber(), PhaseCompensate, len(slip.activityLogs), h.activityName)
	release, err := h.config.claim(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	seen, err := h.config.guard.Seen(ctx, key)
	if err != nil {
		return 0, errors.Wrap(err, "delivery guard")
	}
	if seen {
		return 0, errors.Wrapf(ErrDuplicateDelivery, "%s", key)
	}

	outcome, err := h.compensate(ctx, slip, entry)
	if err != nil {
		return outcome, err
	}
	h.config.remember(ctx, key)
	return outcome, nil
}

// owns reports whether entry was written by this host's activity and routes
// compensation to this host's address.
func (h *CompensateActivityHost) owns(entry LogEntry) bool {
	address, ok := entry.CompensateAddress.Get()
	return ok && entry.ActivityName == h.activityName && address == h.compensateAddress
}

func (h *CompensateActivityHost) compensate(ctx context.Context, slip *RoutingSlip, entry LogEntry) (Outcome, error) {
	compensation := CompensateContext{
		TrackingNumber: slip.TrackingNumber(),
		HostAddress:    h.compensateAddress,
		StartedAt:      h.config.clock.Now(),
		Log:            entry,
		Variables:      slip.Variables(),
	}
	compErr := h.invoke(ctx, compensation)
	now := h.config.clock.Now()
	duration := now.Sub(compensation.StartedAt)

	if compErr != nil {
		h.config.observer.OnCompensationFailed(ctx, slip.TrackingNumber(), h.activityName, compErr)
		h.config.publish(ctx, h.publisher, slip, EventCompensationFailed, RoutingSlipCompensationFailed{
			TrackingNumber:      slip.TrackingNumber(),
			Timestamp:           now,
			Duration:            now.Sub(slip.CreateTimestamp()),
			ActivityName:        h.activityName,
			HostAddress:         h.compensateAddress,
			ExceptionInfo:       NewExceptionInfo(compErr, h.compensateAddress),
			Variables:           slip.Variables(),
			ActivityExceptions:  slip.ActivityExceptions(),
			ActivityLogs:        slip.ActivityLogs(),
			CompensationRecords: slip.CompensationRecords(),
		})
		return OutcomeCompensationFailed, nil
	}

	if _, err := slip.LastActivityLog(); err != nil {
		return 0, err
	}
	slip.addCompensationRecord(CompensationRecord{
		Entry:     entry,
		Outcome:   CompensationCompensated,
		Timestamp: compensation.StartedAt,
		Duration:  duration,
	})
	h.config.observer.OnActivityCompensated(ctx, slip.TrackingNumber(), h.activityName, duration)
	h.config.publish(ctx, h.publisher, slip, EventActivityCompensated, RoutingSlipActivityCompensated{
		TrackingNumber:         slip.TrackingNumber(),
		ActivityTrackingNumber: entry.ActivityTrackingNumber,
		Timestamp:              compensation.StartedAt,
		Duration:               duration,
		ActivityName:           h.activityName,
		HostAddress:            h.compensateAddress,
		Results:                entry.Results,
		Variables:              slip.Variables(),
	})

	if err := h.coordinator.Compensate(ctx, slip); err != nil {
		return OutcomeCompensated, err
	}
	return OutcomeCompensated, nil
}

func (h *CompensateActivityHost) invoke(ctx context.Context, compensation CompensateContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = recovered(r)
		}
	}()
	activity := h.factory()
	if activity == nil {
		return errors.Errorf("activity factory for %q returned nil", h.activityName)
	}
	return activity.Compensate(ctx, compensation)
}
