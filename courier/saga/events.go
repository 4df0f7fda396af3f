package saga

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// EventMask selects the routing slip events a subscriber receives.
type EventMask uint32

const (
	EventActivityCompleted EventMask = 1 << iota
	EventActivityFaulted
	EventActivityCompensated
	EventCompleted
	// EventFaulted selects RoutingSlipCompensated, the terminal event of a faulted slip.
	EventFaulted
	EventCompensationFailed

	EventNone EventMask = 0
	EventAll            = EventActivityCompleted | EventActivityFaulted | EventActivityCompensated |
		EventCompleted | EventFaulted | EventCompensationFailed
)

var eventMaskNames = []struct {
	mask EventMask
	name string
}{
	{EventActivityCompleted, "ActivityCompleted"},
	{EventActivityFaulted, "ActivityFaulted"},
	{EventActivityCompensated, "ActivityCompensated"},
	{EventCompleted, "Completed"},
	{EventFaulted, "Faulted"},
	{EventCompensationFailed, "CompensationFailed"},
}

func (m EventMask) Has(event EventMask) bool {
	return m&event != 0
}

func (m EventMask) String() string {
	if m == EventNone {
		return "None"
	}
	if m&EventAll == EventAll {
		return "All"
	}
	var names []string
	for _, n := range eventMaskNames {
		if m.Has(n.mask) {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, "|")
}

// ExceptionInfo is the transferable description of an error raised by an activity.
type ExceptionInfo struct {
	ExceptionType string `json:"exceptionType"`
	Message       string `json:"message"`
	StackTrace    string `json:"stackTrace,omitempty"`
	Source        string `json:"source,omitempty"`
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// NewExceptionInfo describes err. The stack trace is taken from the outermost
// error in the chain that carries one.
func NewExceptionInfo(err error, source string) ExceptionInfo {
	if err == nil {
		return ExceptionInfo{Source: source}
	}
	info := ExceptionInfo{
		ExceptionType: fmt.Sprintf("%T", errors.Cause(err)),
		Message:       err.Error(),
		Source:        source,
	}
	var st stackTracer
	if errors.As(err, &st) {
		info.StackTrace = strings.TrimSpace(fmt.Sprintf("%+v", st.StackTrace()))
	}
	return info
}

func (e ExceptionInfo) String() string {
	return e.ExceptionType + ": " + e.Message
}

// RoutingSlipActivityCompleted is published after an activity executed successfully.
type RoutingSlipActivityCompleted struct {
	TrackingNumber         uuid.UUID     `json:"trackingNumber"`
	ActivityTrackingNumber uuid.UUID     `json:"activityTrackingNumber"`
	Timestamp              time.Time     `json:"timestamp"`
	Duration               time.Duration `json:"duration"`
	ActivityName           string        `json:"activityName"`
	HostAddress            string        `json:"hostAddress"`
	Arguments              Arguments     `json:"arguments"`
	Results                Results       `json:"results"`
	Variables              Variables     `json:"variables"`
}

// RoutingSlipActivityFaulted is published when an activity failed to execute.
type RoutingSlipActivityFaulted struct {
	TrackingNumber         uuid.UUID     `json:"trackingNumber"`
	ActivityTrackingNumber uuid.UUID     `json:"activityTrackingNumber"`
	Timestamp              time.Time     `json:"timestamp"`
	Duration               time.Duration `json:"duration"`
	ActivityName           string        `json:"activityName"`
	HostAddress            string        `json:"hostAddress"`
	ExceptionInfo          ExceptionInfo `json:"exceptionInfo"`
	Arguments              Arguments     `json:"arguments"`
	Variables              Variables     `json:"variables"`
}

// RoutingSlipActivityCompensated is published after a completed activity was undone.
type RoutingSlipActivityCompensated struct {
	TrackingNumber         uuid.UUID     `json:"trackingNumber"`
	ActivityTrackingNumber uuid.UUID     `json:"activityTrackingNumber"`
	Timestamp              time.Time     `json:"timestamp"`
	Duration               time.Duration `json:"duration"`
	ActivityName           string        `json:"activityName"`
	HostAddress            string        `json:"hostAddress"`
	Results                Results       `json:"results"`
	Variables              Variables     `json:"variables"`
}

// RoutingSlipCompleted is published once, after the last step completed.
// Timestamp is the end of the last step and Duration spans from the start of the first step.
type RoutingSlipCompleted struct {
	TrackingNumber uuid.UUID     `json:"trackingNumber"`
	Timestamp      time.Time     `json:"timestamp"`
	Duration       time.Duration `json:"duration"`
	Variables      Variables     `json:"variables"`
}

// RoutingSlipCompensated is published once all compensatable steps were undone after a fault.
type RoutingSlipCompensated struct {
	TrackingNumber      uuid.UUID            `json:"trackingNumber"`
	Timestamp           time.Time            `json:"timestamp"`
	Duration            time.Duration        `json:"duration"`
	Variables           Variables            `json:"variables"`
	ActivityExceptions  []ActivityException  `json:"activityExceptions"`
	CompensationRecords []CompensationRecord `json:"compensationRecords"`
}

// RoutingSlipCompensationFailed is terminal: ActivityLogs holds the entries that
// were never compensated, including the one that failed.
type RoutingSlipCompensationFailed struct {
	TrackingNumber      uuid.UUID            `json:"trackingNumber"`
	Timestamp           time.Time            `json:"timestamp"`
	Duration            time.Duration        `json:"duration"`
	ActivityName        string               `json:"activityName"`
	HostAddress         string               `json:"hostAddress"`
	ExceptionInfo       ExceptionInfo        `json:"exceptionInfo"`
	Variables           Variables            `json:"variables"`
	ActivityExceptions  []ActivityException  `json:"activityExceptions"`
	ActivityLogs        []LogEntry           `json:"activityLogs"`
	CompensationRecords []CompensationRecord `json:"compensationRecords"`
}

// Event is implemented by every routing slip event.
type Event interface {
	RoutingSlipTrackingNumber() uuid.UUID
}

func (e RoutingSlipActivityCompleted) RoutingSlipTrackingNumber() uuid.UUID   { return e.TrackingNumber }
func (e RoutingSlipActivityFaulted) RoutingSlipTrackingNumber() uuid.UUID     { return e.TrackingNumber }
func (e RoutingSlipActivityCompensated) RoutingSlipTrackingNumber() uuid.UUID { return e.TrackingNumber }
func (e RoutingSlipCompleted) RoutingSlipTrackingNumber() uuid.UUID           { return e.TrackingNumber }
func (e RoutingSlipCompensated) RoutingSlipTrackingNumber() uuid.UUID         { return e.TrackingNumber }
func (e RoutingSlipCompensationFailed) RoutingSlipTrackingNumber() uuid.UUID  { return e.TrackingNumber }
