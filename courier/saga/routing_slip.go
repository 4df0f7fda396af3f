package saga

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/krew-solutions/courier-go/courier/option"
)

var (
	// ErrInvalidOperation is raised when an operation is invalid for the current state.
	ErrInvalidOperation = errors.New("invalid operation")
)

// ActivityStep is a pending entry of the itinerary.
type ActivityStep struct {
	Name              string                `json:"name"`
	ExecuteAddress    string                `json:"executeAddress"`
	CompensateAddress option.Option[string] `json:"compensateAddress"`
	Arguments         Arguments             `json:"arguments"`
}

// LogEntry records one completed forward step. CompensateAddress is Nothing
// for steps that cannot be compensated.
type LogEntry struct {
	ActivityTrackingNumber uuid.UUID             `json:"activityTrackingNumber"`
	ActivityName           string                `json:"activityName"`
	CompensateAddress      option.Option[string] `json:"compensateAddress"`
	HostAddress            string                `json:"hostAddress"`
	StartedAt              time.Time             `json:"startedAt"`
	Duration               time.Duration         `json:"duration"`
	Results                Results               `json:"results"`
}

// CompletedAt is the instant the step finished.
func (e LogEntry) CompletedAt() time.Time {
	return e.StartedAt.Add(e.Duration)
}

// Subscription routes the events selected by Events to Address.
type Subscription struct {
	Address string    `json:"address"`
	Events  EventMask `json:"events"`
}

// ActivityException records a faulted execution.
type ActivityException struct {
	ActivityTrackingNumber uuid.UUID     `json:"activityTrackingNumber"`
	ActivityName           string        `json:"activityName"`
	HostAddress            string        `json:"hostAddress"`
	Timestamp              time.Time     `json:"timestamp"`
	Duration               time.Duration `json:"duration"`
	ExceptionInfo          ExceptionInfo `json:"exceptionInfo"`
}

type CompensationOutcome string

const (
	CompensationCompensated CompensationOutcome = "compensated"
	// CompensationSkipped marks a log entry without a compensate address.
	CompensationSkipped CompensationOutcome = "skipped"
)

// CompensationRecord audits a log entry consumed by compensation.
type CompensationRecord struct {
	Entry     LogEntry            `json:"entry"`
	Outcome   CompensationOutcome `json:"outcome"`
	Timestamp time.Time           `json:"timestamp"`
	Duration  time.Duration       `json:"duration"`
}

// RoutingSlip is the document that flows through the saga.
// The itinerary is consumed from the front while executing; the activity log is
// consumed from the back while compensating. A slip is owned by whoever is
// processing it: every hop decodes its own copy, in-process callers use Clone.
type RoutingSlip struct {
	trackingNumber      uuid.UUID
	createTimestamp     time.Time
	itinerary           []ActivityStep
	activityLogs        []LogEntry
	variables           Variables
	subscriptions       []Subscription
	activityExceptions  []ActivityException
	compensationRecords []CompensationRecord
}

func (rs *RoutingSlip) TrackingNumber() uuid.UUID {
	return rs.trackingNumber
}

func (rs *RoutingSlip) CreateTimestamp() time.Time {
	return rs.createTimestamp
}

// Itinerary returns the pending steps, head first.
func (rs *RoutingSlip) Itinerary() []ActivityStep {
	return append([]ActivityStep(nil), rs.itinerary...)
}

// ActivityLogs returns the completed steps in execution order.
func (rs *RoutingSlip) ActivityLogs() []LogEntry {
	return append([]LogEntry(nil), rs.activityLogs...)
}

// Variables returns a snapshot of the variables.
func (rs *RoutingSlip) Variables() Variables {
	out := cloneBag(rs.variables)
	if out == nil {
		out = Variables{}
	}
	return out
}

func (rs *RoutingSlip) Subscriptions() []Subscription {
	return append([]Subscription(nil), rs.subscriptions...)
}

func (rs *RoutingSlip) ActivityExceptions() []ActivityException {
	return append([]ActivityException(nil), rs.activityExceptions...)
}

func (rs *RoutingSlip) CompensationRecords() []CompensationRecord {
	return append([]CompensationRecord(nil), rs.compensationRecords...)
}

// IsCompleted returns true if no steps are pending.
func (rs *RoutingSlip) IsCompleted() bool {
	return len(rs.itinerary) == 0
}

// IsInProgress returns true if some completed steps can still be compensated.
func (rs *RoutingSlip) IsInProgress() bool {
	return len(rs.activityLogs) > 0
}

// CurrentStep returns the head of the itinerary without removing it.
func (rs *RoutingSlip) CurrentStep() (ActivityStep, error) {
	if rs.IsCompleted() {
		return ActivityStep{}, ErrInvalidOperation
	}
	return rs.itinerary[0], nil
}

// NextStep removes and returns the head of the itinerary.
func (rs *RoutingSlip) NextStep() (ActivityStep, error) {
	step, err := rs.CurrentStep()
	if err != nil {
		return step, err
	}
	rs.itinerary = rs.itinerary[1:]
	return step, nil
}

// AddActivityLog appends a completed step.
func (rs *RoutingSlip) AddActivityLog(entry LogEntry) {
	rs.activityLogs = append(rs.activityLogs, entry)
}

// PeekActivityLog returns the most recent log entry without removing it.
func (rs *RoutingSlip) PeekActivityLog() (LogEntry, error) {
	if !rs.IsInProgress() {
		return LogEntry{}, ErrInvalidOperation
	}
	return rs.activityLogs[len(rs.activityLogs)-1], nil
}

// LastActivityLog removes and returns the most recent log entry.
func (rs *RoutingSlip) LastActivityLog() (LogEntry, error) {
	entry, err := rs.PeekActivityLog()
	if err != nil {
		return entry, err
	}
	rs.activityLogs = rs.activityLogs[:len(rs.activityLogs)-1]
	return entry, nil
}

// ProgressAddress returns the execute address of the next step, or an empty string if completed.
func (rs *RoutingSlip) ProgressAddress() string {
	if rs.IsCompleted() {
		return ""
	}
	return rs.itinerary[0].ExecuteAddress
}

// CompensationAddress returns the compensate address of the most recent log entry.
func (rs *RoutingSlip) CompensationAddress() option.Option[string] {
	if !rs.IsInProgress() {
		return option.Nothing[string]()
	}
	return rs.activityLogs[len(rs.activityLogs)-1].CompensateAddress
}

// SetVariables overlays variables onto the current set.
func (rs *RoutingSlip) SetVariables(variables Variables) {
	if len(variables) == 0 {
		return
	}
	rs.variables = merge(rs.variables, variables)
}

// hasExecuted reports whether activityName already left a log entry. A
// delivery for it that no longer matches the head is a stale copy.
func (rs *RoutingSlip) hasExecuted(activityName string) bool {
	for _, entry := range rs.activityLogs {
		if entry.ActivityName == activityName {
			return true
		}
	}
	return false
}

func (rs *RoutingSlip) hasCompensated(activityName string) bool {
	for _, r := range rs.compensationRecords {
		if r.Outcome == CompensationCompensated && r.Entry.ActivityName == activityName {
			return true
		}
	}
	return false
}

func (rs *RoutingSlip) addActivityException(e ActivityException) {
	rs.activityExceptions = append(rs.activityExceptions, e)
}

func (rs *RoutingSlip) addCompensationRecord(r CompensationRecord) {
	rs.compensationRecords = append(rs.compensationRecords, r)
}

// Clone returns an independent copy. Bag values are shared, bags are not.
func (rs *RoutingSlip) Clone() *RoutingSlip {
	c := &RoutingSlip{
		trackingNumber:      rs.trackingNumber,
		createTimestamp:     rs.createTimestamp,
		itinerary:           make([]ActivityStep, len(rs.itinerary)),
		activityLogs:        make([]LogEntry, len(rs.activityLogs)),
		variables:           cloneBag(rs.variables),
		subscriptions:       append([]Subscription(nil), rs.subscriptions...),
		activityExceptions:  append([]ActivityException(nil), rs.activityExceptions...),
		compensationRecords: append([]CompensationRecord(nil), rs.compensationRecords...),
	}
	for i, step := range rs.itinerary {
		step.Arguments = cloneBag(step.Arguments)
		c.itinerary[i] = step
	}
	for i, entry := range rs.activityLogs {
		entry.Results = cloneBag(entry.Results)
		c.activityLogs[i] = entry
	}
	return c
}

type routingSlipDocument struct {
	TrackingNumber      uuid.UUID            `json:"trackingNumber"`
	CreateTimestamp     time.Time            `json:"createTimestamp"`
	Itinerary           []ActivityStep       `json:"itinerary"`
	ActivityLogs        []LogEntry           `json:"activityLogs"`
	Variables           Variables            `json:"variables"`
	Subscriptions       []Subscription       `json:"subscriptions"`
	ActivityExceptions  []ActivityException  `json:"activityExceptions"`
	CompensationRecords []CompensationRecord `json:"compensationRecords"`
}

// MarshalJSON implements json.Marshaler interface.
func (rs *RoutingSlip) MarshalJSON() ([]byte, error) {
	return json.Marshal(routingSlipDocument{
		TrackingNumber:      rs.trackingNumber,
		CreateTimestamp:     rs.createTimestamp,
		Itinerary:           nonNil(rs.itinerary),
		ActivityLogs:        nonNil(rs.activityLogs),
		Variables:           rs.Variables(),
		Subscriptions:       nonNil(rs.subscriptions),
		ActivityExceptions:  nonNil(rs.activityExceptions),
		CompensationRecords: nonNil(rs.compensationRecords),
	})
}

// UnmarshalJSON implements json.Unmarshaler interface. Numbers in the bags
// decode as json.Number.
func (rs *RoutingSlip) UnmarshalJSON(data []byte) error {
	var doc routingSlipDocument
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	if doc.TrackingNumber == uuid.Nil {
		return errors.New("routing slip has no tracking number")
	}
	*rs = RoutingSlip{
		trackingNumber:      doc.TrackingNumber,
		createTimestamp:     doc.CreateTimestamp,
		itinerary:           doc.Itinerary,
		activityLogs:        doc.ActivityLogs,
		variables:           doc.Variables,
		subscriptions:       doc.Subscriptions,
		activityExceptions:  doc.ActivityExceptions,
		compensationRecords: doc.CompensationRecords,
	}
	return nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
