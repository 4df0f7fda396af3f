package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krew-solutions/courier-go/courier/saga"
)

type ReserveCarActivity struct{}

func (ReserveCarActivity) Execute(context.Context, saga.ExecuteContext) (saga.ExecutionResult, error) {
	return saga.Completed(nil), nil
}

func (ReserveCarActivity) Compensate(context.Context, saga.CompensateContext) error {
	return nil
}

type BillingService struct{ ReserveCarActivity }

type Activity struct{ ReserveCarActivity }

type renamed struct{ ReserveCarActivity }

func (renamed) ActivityName() string { return "Custom" }

func TestActivityName(t *testing.T) {
	assert.Equal(t, "ReserveCar", ActivityName(ReserveCarActivity{}))
	assert.Equal(t, "ReserveCar", ActivityName(&ReserveCarActivity{}))
	assert.Equal(t, "Billing", ActivityName(BillingService{}))
	assert.Equal(t, "Activity", ActivityName(Activity{}))
	assert.Equal(t, "Custom", ActivityName(renamed{}))
	assert.Equal(t, "", ActivityName(nil))
}

func TestQueueAddressProvider(t *testing.T) {
	p := QueueAddressProvider{Scheme: "pg", Host: "courier"}
	assert.Equal(t, "pg://courier/reserve_car_execute", p.ExecuteAddress("ReserveCar"))
	assert.Equal(t, "pg://courier/reserve_car_compensate", p.CompensateAddress("ReserveCar"))

	var defaults QueueAddressProvider
	assert.Equal(t, "loopback://localhost/hello_execute", defaults.ExecuteAddress("Hello"))
}
