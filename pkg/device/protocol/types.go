// Package protocol defines the JSON-lines messages exchanged between a device
// ticker and a device emulator, over a process's stdio or over NATS.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/riskcell/pkg/device/faults"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the emulator is ready to receive requests
	MessageTypeReady MessageType = "READY"
	// MessageTypeRequest carries a device request from a ticker
	MessageTypeRequest MessageType = "REQ"
	// MessageTypeResponse carries the device's answer to one request
	MessageTypeResponse MessageType = "RESP"
	// MessageTypeError indicates the request could not be processed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit indicates the emulator is exiting
	MessageTypeExit MessageType = "EXIT"
)

// Commands understood by the bundled devices.
const (
	CommandMove             = "move"
	CommandCalibrate        = "calibrate"
	CommandLock             = "lock"
	CommandUnlock           = "unlock"
	CommandPick             = "pick"
	CommandPlace            = "place"
	CommandMount            = "mount"
	CommandUnmount          = "unmount"
	CommandCheckMountedTool = "check_mounted_tool"
)

// Message is the envelope of every protocol message.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent once when an emulator starts serving.
type ReadyMessage struct {
	Device   string   `json:"device"`
	Version  string   `json:"version"`
	PID      int      `json:"pid"`
	Commands []string `json:"commands"`
}

// Request asks a device to perform one command.
type Request struct {
	ID       string  `json:"id" validate:"required"`
	Device   string  `json:"device" validate:"required"`
	Command  string  `json:"command" validate:"required"`
	Speed    float64 `json:"speed,omitempty" validate:"gte=0"`
	Position string  `json:"position,omitempty"`
	Tool     string  `json:"tool,omitempty"`

	Emulation faults.Params `json:"emulation"`
}

// Response is the device's answer to a Request.
type Response struct {
	RequestID string  `json:"request_id"`
	Success   bool    `json:"success"`
	Info      string  `json:"info"`
	Measured  string  `json:"measured,omitempty"`
	Duration  float64 `json:"duration"` // seconds
}

// ErrorMessage reports a request that could not be processed at all.
type ErrorMessage struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ExitMessage is sent before the emulator terminates.
type ExitMessage struct {
	Reason        string `json:"reason"`
	ExitCode      int    `json:"exit_code"`
	RequestsTotal int    `json:"requests_total"`
}

var validate = validator.New()

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeRequest, MessageTypeResponse,
		MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks the request and its emulation block.
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}
	return nil
}

// Validate checks if the response is valid.
func (r *Response) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("request ID is required")
	}
	if r.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}
