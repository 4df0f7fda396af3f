package saga

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/krew-solutions/courier-go/courier/option"
)

func TestRoutingSlip_StepAndLogOperations(t *testing.T) {
	slip := buildSlip(t, "A", "B")

	step, err := slip.NextStep()
	if err != nil || step.Name != "A" {
		t.Fatalf("Expected step A, got %+v (%v)", step, err)
	}
	slip.AddActivityLog(LogEntry{ActivityName: "A", CompensateAddress: step.CompensateAddress})
	if !slip.IsInProgress() {
		t.Error("Expected slip to be in progress")
	}
	if slip.CompensationAddress().UnwrapOr("") != compensateAddressOf("A") {
		t.Errorf("Unexpected compensation address %v", slip.CompensationAddress())
	}
	if slip.ProgressAddress() != executeAddressOf("B") {
		t.Errorf("Unexpected progress address %q", slip.ProgressAddress())
	}

	_, _ = slip.NextStep()
	if !slip.IsCompleted() {
		t.Error("Expected slip to be completed")
	}
	if slip.ProgressAddress() != "" {
		t.Errorf("Expected no progress address, got %q", slip.ProgressAddress())
	}
	if _, err := slip.NextStep(); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Expected ErrInvalidOperation, got %v", err)
	}

	entry, err := slip.LastActivityLog()
	if err != nil || entry.ActivityName != "A" {
		t.Fatalf("Expected log entry A, got %+v (%v)", entry, err)
	}
	if _, err := slip.PeekActivityLog(); !errors.Is(err, ErrInvalidOperation) {
		t.Errorf("Expected ErrInvalidOperation, got %v", err)
	}
	if slip.CompensationAddress().IsSome() {
		t.Error("Expected no compensation address on an empty log")
	}
}

func TestRoutingSlip_SetVariablesLastWriteWins(t *testing.T) {
	slip := buildSlip(t, "A")
	slip.SetVariables(Variables{"a": 1, "b": 1})
	slip.SetVariables(Variables{"b": 2})
	vars := slip.Variables()
	if vars["a"] != 1 || vars["b"] != 2 {
		t.Errorf("Unexpected variables %v", vars)
	}
	vars["a"] = 100
	if slip.Variables()["a"] != 1 {
		t.Error("Expected Variables to return a copy")
	}
}

func TestRoutingSlip_Clone(t *testing.T) {
	slip := buildSlip(t, "A", "B")
	slip.SetVariables(Variables{"v": 1})
	clone := slip.Clone()

	_, _ = clone.NextStep()
	clone.AddActivityLog(LogEntry{ActivityName: "A", Results: Results{"r": 1}})
	clone.SetVariables(Variables{"v": 2})

	if len(slip.Itinerary()) != 2 || slip.IsInProgress() {
		t.Error("Expected the original slip to be unchanged")
	}
	if slip.Variables()["v"] != 1 {
		t.Error("Expected the original variables to be unchanged")
	}
	if clone.TrackingNumber() != slip.TrackingNumber() {
		t.Error("Expected clone to keep the tracking number")
	}
}

func TestRoutingSlip_JSONRoundTrip(t *testing.T) {
	slip := buildSlip(t, "A", "B")
	step, _ := slip.NextStep()
	slip.AddActivityLog(LogEntry{
		ActivityTrackingNumber: uuid.New(),
		ActivityName:           "A",
		CompensateAddress:      step.CompensateAddress,
		HostAddress:            executeAddressOf("A"),
		StartedAt:              epoch,
		Duration:               250 * time.Millisecond,
		Results:                Results{"reservationId": 12345678901},
	})
	slip.SetVariables(Variables{"name": "Joe"})
	slip.addActivityException(ActivityException{ActivityName: "B", ExceptionInfo: ExceptionInfo{Message: "boom"}})

	data, err := json.Marshal(slip)
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	var decoded RoutingSlip
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal returned error: %v", err)
	}

	if decoded.TrackingNumber() != slip.TrackingNumber() {
		t.Errorf("Expected tracking number %s, got %s", slip.TrackingNumber(), decoded.TrackingNumber())
	}
	if !decoded.CreateTimestamp().Equal(slip.CreateTimestamp()) {
		t.Errorf("Expected create timestamp %v, got %v", slip.CreateTimestamp(), decoded.CreateTimestamp())
	}
	if len(decoded.Itinerary()) != 1 || decoded.Itinerary()[0].Name != "B" {
		t.Errorf("Unexpected itinerary %+v", decoded.Itinerary())
	}
	logs := decoded.ActivityLogs()
	if len(logs) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(logs))
	}
	if logs[0].Duration != 250*time.Millisecond || !logs[0].StartedAt.Equal(epoch) {
		t.Errorf("Unexpected timing %v %v", logs[0].StartedAt, logs[0].Duration)
	}
	if logs[0].CompensateAddress != option.Some(compensateAddressOf("A")) {
		t.Errorf("Unexpected compensate address %v", logs[0].CompensateAddress)
	}
	id, err := GetResult[int64](logs[0].Results, "reservationId")
	if err != nil || id != 12345678901 {
		t.Errorf("Expected reservationId to survive without precision loss, got %v (%v)", id, err)
	}
	if len(decoded.ActivityExceptions()) != 1 || decoded.ActivityExceptions()[0].ExceptionInfo.Message != "boom" {
		t.Errorf("Unexpected exceptions %+v", decoded.ActivityExceptions())
	}
	if subs := decoded.Subscriptions(); len(subs) != 1 || subs[0].Events != EventAll {
		t.Errorf("Unexpected subscriptions %+v", subs)
	}
}

func TestRoutingSlip_UnmarshalRequiresTrackingNumber(t *testing.T) {
	var slip RoutingSlip
	if err := json.Unmarshal([]byte(`{"itinerary":[]}`), &slip); err == nil {
		t.Error("Expected an error for a document without tracking number")
	}
}

func TestRoutingSlip_MarshalEmptyCollections(t *testing.T) {
	slip := buildSlip(t, "A")
	data, _ := json.Marshal(slip)
	var doc map[string]any
	_ = json.Unmarshal(data, &doc)
	for _, key := range []string{"activityLogs", "activityExceptions", "compensationRecords"} {
		if _, ok := doc[key].([]any); !ok {
			t.Errorf("Expected %s to be an empty array, got %v", key, doc[key])
		}
	}
}
