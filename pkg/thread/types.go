// Package thread defines the message, stream and delta types shared by the
// history, streaming and reconciliation layers.
package thread

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a message.
type Status string

const (
	// StatusPending marks a message that has been created but not yet produced.
	StatusPending Status = "pending"
	// StatusStreaming marks a message still receiving content.
	StatusStreaming Status = "streaming"
	// StatusFinalized marks a completed message.
	StatusFinalized Status = "finalized"
	// StatusFailed marks a message whose generation failed or was aborted.
	StatusFailed Status = "failed"
)

// Provisional reports whether the status may still be superseded by
// decided data for the same key.
func (s Status) Provisional() bool {
	return s == StatusPending || s == StatusStreaming
}

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// Key is the identity of a logical message across views.
type Key struct {
	Order     int `json:"order"`
	StepOrder int `json:"stepOrder"`
}

// Less orders keys by Order, then StepOrder.
func (k Key) Less(o Key) bool {
	if k.Order != o.Order {
		return k.Order < o.Order
	}
	return k.StepOrder < o.StepOrder
}

func (k Key) String() string {
	return fmt.Sprintf("%d.%d", k.Order, k.StepOrder)
}

// PartType is the kind of a message part.
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartTool      PartType = "tool"
	PartStepStart PartType = "step-start"
)

// ToolState tracks the progress of a tool part.
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

// Part is one piece of message content.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	ToolName   string          `json:"toolName,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	ErrorText  string          `json:"errorText,omitempty"`
	State      ToolState       `json:"state,omitempty"`
}

// Message is the canonical form of a message in both the history view and
// the streaming view.
type Message struct {
	ID        string `json:"id,omitempty"`
	Order     int    `json:"order"`
	StepOrder int    `json:"stepOrder"`
	Status    Status `json:"status"`
	Role      Role   `json:"role"`
	Parts     []Part `json:"parts,omitempty"`
	// Text is the concatenation of all text parts.
	Text string `json:"text,omitempty"`
	// StreamID is set when the message was materialized from a stream.
	StreamID string `json:"streamId,omitempty"`
}

// Key returns the message's canonical key.
func (m Message) Key() Key {
	return Key{Order: m.Order, StepOrder: m.StepOrder}
}

// Format selects how a stream's delta parts are materialized.
type Format string

const (
	// FormatChunkBased streams carry structured UI message chunks.
	FormatChunkBased Format = "chunks"
	// FormatTextAppend streams carry raw text fragments.
	FormatTextAppend Format = "text"
)

// StreamStatus is the producer-side state of a stream.
type StreamStatus string

const (
	StreamStreaming StreamStatus = "streaming"
	StreamFinished  StreamStatus = "finished"
	StreamAborted   StreamStatus = "aborted"
)

// MessageStatus maps the stream state to the status its materialized
// message carries.
func (s StreamStatus) MessageStatus() Status {
	switch s {
	case StreamFinished:
		return StatusFinalized
	case StreamAborted:
		return StatusFailed
	default:
		return StatusStreaming
	}
}

// StreamMessage describes one live stream.
type StreamMessage struct {
	StreamID  string       `json:"streamId"`
	Order     int          `json:"order"`
	StepOrder int          `json:"stepOrder"`
	Format    Format       `json:"format"`
	Status    StreamStatus `json:"status"`
	AgentName string       `json:"agentName,omitempty"`
}

// Key returns the canonical key of the message the stream produces.
func (s StreamMessage) Key() Key {
	return Key{Order: s.Order, StepOrder: s.StepOrder}
}

// StreamDelta is the half-open range [Start, End) of parts for a stream.
// One offset unit is one part.
type StreamDelta struct {
	StreamID string            `json:"streamId"`
	Start    int               `json:"start"`
	End      int               `json:"end"`
	Parts    []json.RawMessage `json:"parts"`
}

// Cursor is the last contiguously consumed end offset of a stream.
type Cursor struct {
	StreamID string `json:"streamId"`
	Offset   int    `json:"cursor"`
}

// DeltaStream is the contiguous buffer accumulated for one stream.
type DeltaStream struct {
	Message StreamMessage
	Deltas  []StreamDelta
	// Err is set when the stream was aborted by an integrity failure.
	Err error
}

// Parts returns every part of the buffer in offset order.
func (d DeltaStream) Parts() []json.RawMessage {
	var n int
	for _, delta := range d.Deltas {
		n += len(delta.Parts)
	}
	parts := make([]json.RawMessage, 0, n)
	for _, delta := range d.Deltas {
		parts = append(parts, delta.Parts...)
	}
	return parts
}

// Args is the argument identity that scopes every cursor, buffer and page.
type Args struct {
	ThreadID string `json:"threadId"`
	Skip     bool   `json:"-"`
}

// SkipArgs suspends all querying.
var SkipArgs = Args{Skip: true}

// Active reports whether queries should run for these arguments.
func (a Args) Active() bool {
	return !a.Skip && a.ThreadID != ""
}
