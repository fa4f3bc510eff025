package streamhub

import "github.com/vibehq/agent-orchestrator/internal/domain"

// Message type discriminators on the wire.
const (
	TypeLog    = "log"
	TypeStatus = "status"
	TypeSteps  = "steps"
	TypeError  = "error"
)

// Message is the closed set of server-to-client stream messages. The
// transport marshals whichever concrete shape it receives.
type Message interface {
	messageType() string
}

// LogMessage carries log bytes: the full file contents when Initial is
// set (the subscribe-time snapshot), an incremental delta otherwise.
type LogMessage struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	Data       string `json:"data"`
	Initial    bool   `json:"initial,omitempty"`
}

func (LogMessage) messageType() string { return TypeLog }

// StatusMessage reports an instance or generation status change.
type StatusMessage struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
}

func (StatusMessage) messageType() string { return TypeStatus }

// StepsMessage carries the full parsed step list. The list is small, so
// it is resent whole on every change.
type StepsMessage struct {
	Type       string        `json:"type"`
	InstanceID string        `json:"instanceId"`
	Steps      []domain.Step `json:"steps"`
}

func (StepsMessage) messageType() string { return TypeSteps }

// ErrorMessage reports a subscription failure to the client.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (ErrorMessage) messageType() string { return TypeError }

// NewLog builds a log message.
func NewLog(id, data string, initial bool) LogMessage {
	return LogMessage{Type: TypeLog, InstanceID: id, Data: data, Initial: initial}
}

// NewStatus builds a status message.
func NewStatus(id, status string) StatusMessage {
	return StatusMessage{Type: TypeStatus, InstanceID: id, Status: status}
}

// NewSteps builds a steps message.
func NewSteps(id string, steps []domain.Step) StepsMessage {
	return StepsMessage{Type: TypeSteps, InstanceID: id, Steps: steps}
}

// NewError builds an error message.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}
