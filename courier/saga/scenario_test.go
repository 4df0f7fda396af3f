package saga_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krew-solutions/courier-go/courier/config"
	"github.com/krew-solutions/courier-go/courier/saga"
	"github.com/krew-solutions/courier-go/courier/sagatest"
	"github.com/krew-solutions/courier-go/courier/transport"
)

type helloActivity struct{}

func (helloActivity) Execute(_ context.Context, execution saga.ExecuteContext) (saga.ExecutionResult, error) {
	name, err := saga.GetArgument[string](execution.Arguments, "name")
	if err != nil {
		return saga.ExecutionResult{}, err
	}
	return saga.CompletedWithVariables(nil, saga.Variables{"greeting": "Hello, " + name}), nil
}

type knifeActivity struct{}

func (knifeActivity) Execute(_ context.Context, execution saga.ExecuteContext) (saga.ExecutionResult, error) {
	greeting, err := saga.GetArgument[string](execution.Arguments, "greeting")
	if err != nil {
		return saga.ExecutionResult{}, err
	}
	return saga.Completed(saga.Results{"cut": greeting + "!"}), nil
}

// journal records compensations in the order they ran.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, name)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func reservation(name string, j *journal, executeErr, compensateErr error) saga.Activity {
	return saga.ActivityFuncs{
		ExecuteFunc: func(context.Context, saga.ExecuteContext) (saga.ExecutionResult, error) {
			if executeErr != nil {
				return saga.ExecutionResult{}, executeErr
			}
			return saga.Completed(saga.Results{"reservation": name}), nil
		},
		CompensateFunc: func(_ context.Context, compensation saga.CompensateContext) error {
			if compensateErr != nil {
				return compensateErr
			}
			j.add(compensation.Log.ActivityName)
			return nil
		},
	}
}

type valueActivity struct{}

func (valueActivity) Execute(_ context.Context, execution saga.ExecuteContext) (saga.ExecutionResult, error) {
	value, err := saga.GetArgument[string](execution.Arguments, "Value")
	if err != nil {
		return saga.ExecutionResult{}, err
	}
	return saga.Completed(saga.Results{"OriginalValue": value}), nil
}

func TestScenario_HelloKnifeCompletes(t *testing.T) {
	h := sagatest.NewHarness(t)
	hello := h.AddExecuteActivity("Hello", helloActivity{})
	knife := h.AddExecuteActivity("Knife", knifeActivity{})

	b := h.NewBuilder()
	h.AddToBuilder(b, hello, saga.Arguments{"name": "Joe"})
	h.AddToBuilder(b, knife, nil)
	slip, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	completed := sagatest.Expect[saga.RoutingSlipCompleted](h, slip.TrackingNumber())
	if err := h.Execute(context.Background(), slip); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	event := sagatest.Await(h, completed)

	if greeting, _ := saga.GetVariable[string](event.Variables, "greeting"); greeting != "Hello, Joe" {
		t.Errorf("Expected greeting variable, got %q", greeting)
	}

	var activities []saga.RoutingSlipActivityCompleted
	for _, e := range h.Events(slip.TrackingNumber()) {
		if a, ok := e.(saga.RoutingSlipActivityCompleted); ok {
			activities = append(activities, a)
		}
	}
	if len(activities) != 2 || activities[0].ActivityName != "Hello" || activities[1].ActivityName != "Knife" {
		t.Fatalf("Unexpected activity events %+v", activities)
	}
	last, first := activities[1], activities[0]
	if !event.Timestamp.Equal(last.Timestamp.Add(last.Duration)) {
		t.Errorf("Expected completion at %v, got %v", last.Timestamp.Add(last.Duration), event.Timestamp)
	}
	if event.Duration != event.Timestamp.Sub(first.Timestamp) {
		t.Errorf("Expected total duration %v, got %v", event.Timestamp.Sub(first.Timestamp), event.Duration)
	}
	if cut, _ := saga.GetResult[string](last.Results, "cut"); cut != "Hello, Joe!" {
		t.Errorf("Unexpected knife result %q", cut)
	}
	if s := h.Metrics(); s.ActivitiesExecuted != 2 || s.SlipsCompleted != 1 {
		t.Errorf("Unexpected metrics %+v", s)
	}
}

func TestScenario_SingleActivity(t *testing.T) {
	h := sagatest.NewHarness(t)
	ref := h.AddExecuteActivity("Test", valueActivity{})

	b := h.NewBuilder()
	h.AddToBuilder(b, ref, saga.Arguments{"Value": "Hello"})
	if err := b.AddVariable("Variable", "Knife"); err != nil {
		t.Fatalf("AddVariable returned error: %v", err)
	}
	slip, err := b.Build()
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}

	completed := sagatest.Expect[saga.RoutingSlipCompleted](h, slip.TrackingNumber())
	if err := h.Execute(context.Background(), slip); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	event := sagatest.Await(h, completed)

	var activity saga.RoutingSlipActivityCompleted
	var found bool
	for _, e := range h.Events(slip.TrackingNumber()) {
		if a, ok := e.(saga.RoutingSlipActivityCompleted); ok {
			activity, found = a, true
		}
	}
	if !found {
		t.Fatal("Expected RoutingSlipActivityCompleted")
	}
	if value, err := saga.GetResult[string](activity.Results, "OriginalValue"); err != nil || value != "Hello" {
		t.Errorf("Expected OriginalValue Hello, got %q (%v)", value, err)
	}
	if variable, err := saga.GetVariable[string](activity.Variables, "Variable"); err != nil || variable != "Knife" {
		t.Errorf("Expected activity variable Knife, got %q (%v)", variable, err)
	}
	if variable, err := saga.GetVariable[string](event.Variables, "Variable"); err != nil || variable != "Knife" {
		t.Errorf("Expected completed variable Knife, got %q (%v)", variable, err)
	}
	if !event.Timestamp.Equal(activity.Timestamp.Add(activity.Duration)) {
		t.Errorf("Expected completion at %v, got %v", activity.Timestamp.Add(activity.Duration), event.Timestamp)
	}
}

func TestScenario_FaultCompensatesInReverseOrder(t *testing.T) {
	h := sagatest.NewHarness(t)
	j := &journal{}
	car := h.AddActivity("ReserveCar", reservation("car", j, nil, nil))
	hotel := h.AddActivity("ReserveHotel", reservation("hotel", j, nil, nil))
	flight := h.AddActivity("ReserveFlight", reservation("flight", j, errors.New("no seats"), nil))

	b := h.NewBuilder()
	h.AddToBuilder(b, car, nil)
	h.AddToBuilder(b, hotel, nil)
	h.AddToBuilder(b, flight, nil)
	slip, _ := b.Build()

	compensated := sagatest.Expect[saga.RoutingSlipCompensated](h, slip.TrackingNumber())
	faulted := sagatest.Expect[saga.RoutingSlipActivityFaulted](h, slip.TrackingNumber())
	if err := h.Execute(context.Background(), slip); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	fault := sagatest.Await(h, faulted)
	event := sagatest.Await(h, compensated)

	if fault.ActivityName != "ReserveFlight" || fault.ExceptionInfo.Message != "no seats" {
		t.Errorf("Unexpected fault %+v", fault)
	}
	order := j.list()
	if len(order) != 2 || order[0] != "ReserveHotel" || order[1] != "ReserveCar" {
		t.Errorf("Expected compensation order [ReserveHotel ReserveCar], got %v", order)
	}
	if len(event.ActivityExceptions) != 1 || event.ActivityExceptions[0].ActivityName != "ReserveFlight" {
		t.Errorf("Unexpected exceptions %+v", event.ActivityExceptions)
	}
	if len(event.CompensationRecords) != 2 {
		t.Errorf("Expected 2 compensation records, got %d", len(event.CompensationRecords))
	}
}

func TestScenario_ExecuteOnlyStepIsSkipped(t *testing.T) {
	h := sagatest.NewHarness(t)
	j := &journal{}
	car := h.AddActivity("ReserveCar", reservation("car", j, nil, nil))
	hello := h.AddExecuteActivity("Hello", helloActivity{})
	flight := h.AddActivity("ReserveFlight", reservation("flight", j, errors.New("no seats"), nil))

	b := h.NewBuilder()
	h.AddToBuilder(b, car, nil)
	h.AddToBuilder(b, hello, saga.Arguments{"name": "Joe"})
	h.AddToBuilder(b, flight, nil)
	slip, _ := b.Build()

	compensated := sagatest.Expect[saga.RoutingSlipCompensated](h, slip.TrackingNumber())
	_ = h.Execute(context.Background(), slip)
	event := sagatest.Await(h, compensated)

	records := event.CompensationRecords
	if len(records) != 2 {
		t.Fatalf("Expected 2 compensation records, got %+v", records)
	}
	if records[0].Entry.ActivityName != "Hello" || records[0].Outcome != saga.CompensationSkipped {
		t.Errorf("Expected Hello to be skipped, got %+v", records[0])
	}
	if records[1].Entry.ActivityName != "ReserveCar" || records[1].Outcome != saga.CompensationCompensated {
		t.Errorf("Expected ReserveCar to be compensated, got %+v", records[1])
	}
	if order := j.list(); len(order) != 1 || order[0] != "ReserveCar" {
		t.Errorf("Unexpected compensations %v", order)
	}
}

func TestScenario_CompensationFailureIsTerminal(t *testing.T) {
	h := sagatest.NewHarness(t)
	j := &journal{}
	car := h.AddActivity("ReserveCar", reservation("car", j, nil, nil))
	hotel := h.AddActivity("ReserveHotel", reservation("hotel", j, nil, errors.New("refund rejected")))
	flight := h.AddActivity("ReserveFlight", reservation("flight", j, errors.New("no seats"), nil))

	b := h.NewBuilder()
	h.AddToBuilder(b, car, nil)
	h.AddToBuilder(b, hotel, nil)
	h.AddToBuilder(b, flight, nil)
	slip, _ := b.Build()

	failed := sagatest.Expect[saga.RoutingSlipCompensationFailed](h, slip.TrackingNumber())
	_ = h.Execute(context.Background(), slip)
	event := sagatest.Await(h, failed)

	if event.ActivityName != "ReserveHotel" || event.ExceptionInfo.Message != "refund rejected" {
		t.Errorf("Unexpected failure %+v", event)
	}
	if len(event.ActivityLogs) != 2 {
		t.Errorf("Expected the uncompensated logs to be reported, got %+v", event.ActivityLogs)
	}
	if len(j.list()) != 0 {
		t.Errorf("Expected no compensation to succeed, got %v", j.list())
	}
	for _, e := range h.Events(slip.TrackingNumber()) {
		if _, ok := e.(saga.RoutingSlipCompensated); ok {
			t.Error("Expected no RoutingSlipCompensated")
		}
	}
	if h.Metrics().CompensationsFailed != 1 {
		t.Errorf("Expected 1 failed compensation, got %d", h.Metrics().CompensationsFailed)
	}
}

func TestScenario_DuplicateDeliveryIsDropped(t *testing.T) {
	h := sagatest.NewHarness(t, sagatest.WithSettings(config.MapProvider{
		config.ConsumerLimitKey("Counter"): "1",
	}))
	var calls atomic.Int32
	counter := h.AddExecuteActivity("Counter", saga.ExecuteFunc(func(context.Context, saga.ExecuteContext) (saga.ExecutionResult, error) {
		calls.Add(1)
		return saga.Completed(nil), nil
	}))
	hello := h.AddExecuteActivity("Hello", helloActivity{})

	delivered := make(chan struct{}, 2)
	h.Bus().OnDelivered().Attach(func(env transport.Envelope) {
		if env.DestinationAddress == counter.ExecuteAddress {
			delivered <- struct{}{}
		}
	})

	b := h.NewBuilder()
	h.AddToBuilder(b, counter, nil)
	h.AddToBuilder(b, hello, saga.Arguments{"name": "Joe"})
	slip, _ := b.Build()

	completed := sagatest.Expect[saga.RoutingSlipCompleted](h, slip.TrackingNumber())
	env, err := saga.NewRoutingSlipEnvelope(slip, counter.ExecuteAddress, "loopback://harness/client")
	if err != nil {
		t.Fatalf("NewRoutingSlipEnvelope returned error: %v", err)
	}
	_ = h.Bus().Send(context.Background(), env)
	_ = h.Bus().Send(context.Background(), env)
	sagatest.Await(h, completed)

	for i := 0; i < 2; i++ {
		select {
		case <-delivered:
		case <-time.After(5 * time.Second):
			t.Fatal("Expected both deliveries to be consumed")
		}
	}
	if calls.Load() != 1 {
		t.Errorf("Expected 1 execution, got %d", calls.Load())
	}
	if len(h.SentTo(hello.ExecuteAddress)) != 1 {
		t.Errorf("Expected the slip to be forwarded once, got %d", len(h.SentTo(hello.ExecuteAddress)))
	}
}

func TestScenario_PanicCompensates(t *testing.T) {
	h := sagatest.NewHarness(t)
	j := &journal{}
	car := h.AddActivity("ReserveCar", reservation("car", j, nil, nil))
	broken := h.AddExecuteActivity("Broken", saga.ExecuteFunc(func(context.Context, saga.ExecuteContext) (saga.ExecutionResult, error) {
		var m map[string]int
		m["boom"]++
		return saga.Completed(nil), nil
	}))

	b := h.NewBuilder()
	h.AddToBuilder(b, car, nil)
	h.AddToBuilder(b, broken, nil)
	slip, _ := b.Build()

	faulted := sagatest.Expect[saga.RoutingSlipActivityFaulted](h, slip.TrackingNumber())
	compensated := sagatest.Expect[saga.RoutingSlipCompensated](h, slip.TrackingNumber())
	_ = h.Execute(context.Background(), slip)

	fault := sagatest.Await(h, faulted)
	sagatest.Await(h, compensated)
	if fault.ExceptionInfo.ExceptionType != "*saga.PanicError" {
		t.Errorf("Unexpected exception type %q", fault.ExceptionInfo.ExceptionType)
	}
	if order := j.list(); len(order) != 1 || order[0] != "ReserveCar" {
		t.Errorf("Unexpected compensations %v", order)
	}
	if len(h.Faults()) != 0 {
		t.Errorf("Expected the panic not to reach the transport, got %v", h.Faults())
	}
}
