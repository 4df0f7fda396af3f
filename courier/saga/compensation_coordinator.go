package saga

import (
	"context"

	"github.com/pkg/errors"

	"github.com/krew-solutions/courier-go/courier/transport"
)

// CompensationCoordinator drives the backward path of a faulted routing slip.
// It walks the activity log from the most recent entry, skips entries without a
// compensate address and hands the slip to the next compensate host. Once the
// log is empty it publishes RoutingSlipCompensated.
type CompensationCoordinator struct {
	sourceAddress string
	sender        transport.Sender
	publisher     *EventPublisher
	config        hostConfig
}

func NewCompensationCoordinator(sourceAddress string, sender transport.Sender, opts ...HostOption) *CompensationCoordinator {
	return newCompensationCoordinator(sourceAddress, sender, newHostConfig(opts))
}

func newCompensationCoordinator(sourceAddress string, sender transport.Sender, config hostConfig) *CompensationCoordinator {
	return &CompensationCoordinator{
		sourceAddress: sourceAddress,
		sender:        sender,
		publisher:     NewEventPublisher(sender, sourceAddress),
		config:        config,
	}
}

// Compensate continues compensation of slip. The returned error reports a
// failure to hand the slip over; the caller should retry the delivery.
func (c *CompensationCoordinator) Compensate(ctx context.Context, slip *RoutingSlip) error {
	for slip.IsInProgress() {
		entry, err := slip.PeekActivityLog()
		if err != nil {
			return err
		}
		if address, ok := entry.CompensateAddress.Get(); ok {
			env, err := NewRoutingSlipEnvelope(slip, address, c.sourceAddress)
			if err != nil {
				return err
			}
			if err := c.sender.Send(ctx, env); err != nil {
				return errors.Wrapf(err, "unable to send routing slip %s to %s", slip.TrackingNumber(), address)
			}
			return nil
		}
		if _, err := slip.LastActivityLog(); err != nil {
			return err
		}
		slip.addCompensationRecord(CompensationRecord{
			Entry:     entry,
			Outcome:   CompensationSkipped,
			Timestamp: c.config.clock.Now(),
		})
		c.config.observer.OnCompensationSkipped(ctx, slip.TrackingNumber(), entry.ActivityName)
	}

	now := c.config.clock.Now()
	duration := now.Sub(slip.CreateTimestamp())
	c.config.publish(ctx, c.publisher, slip, EventFaulted, RoutingSlipCompensated{
		TrackingNumber:      slip.TrackingNumber(),
		Timestamp:           now,
		Duration:            duration,
		Variables:           slip.Variables(),
		ActivityExceptions:  slip.ActivityExceptions(),
		CompensationRecords: slip.CompensationRecords(),
	})
	c.config.observer.OnRoutingSlipCompensated(ctx, slip.TrackingNumber(), duration)
	return nil
}
