package materialize

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aixgo-dev/threadsync/pkg/thread"
)

// chunk is the union of every field a delta part may carry.
type chunk struct {
	Type           string          `json:"type"`
	ID             string          `json:"id,omitempty"`
	MessageID      string          `json:"messageId,omitempty"`
	Delta          string          `json:"delta,omitempty"`
	ToolCallID     string          `json:"toolCallId,omitempty"`
	ToolName       string          `json:"toolName,omitempty"`
	InputTextDelta string          `json:"inputTextDelta,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	ErrorText      string          `json:"errorText,omitempty"`
}

func decode(i int, raw json.RawMessage) (chunk, error) {
	var c chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return chunk{}, fmt.Errorf("part %d: %w: %v", i, thread.ErrMalformedPart, err)
	}
	return c, nil
}

// builder accumulates parts while tracking open text, reasoning and tool
// parts by their chunk IDs.
type builder struct {
	msg   thread.Message
	open  map[string]int // text/reasoning chunk id -> part index
	tools map[string]int // tool call id -> part index
	input map[string]*strings.Builder
}

func newBuilder(seed thread.Message) *builder {
	b := &builder{
		msg:   seed,
		open:  make(map[string]int),
		tools: make(map[string]int),
		input: make(map[string]*strings.Builder),
	}
	b.msg.Parts = append([]thread.Part(nil), seed.Parts...)
	for i, p := range b.msg.Parts {
		if p.Type == thread.PartTool && p.ToolCallID != "" {
			b.tools[p.ToolCallID] = i
		}
	}
	return b
}

func (b *builder) add(p thread.Part) int {
	b.msg.Parts = append(b.msg.Parts, p)
	return len(b.msg.Parts) - 1
}

func (b *builder) tool(id, name string) *thread.Part {
	i, ok := b.tools[id]
	if !ok {
		i = b.add(thread.Part{Type: thread.PartTool, ToolCallID: id, ToolName: name})
		b.tools[id] = i
	}
	p := &b.msg.Parts[i]
	if p.ToolName == "" {
		p.ToolName = name
	}
	return p
}

func (b *builder) appendText(typ thread.PartType, text string) {
	if n := len(b.msg.Parts); n > 0 && b.msg.Parts[n-1].Type == typ {
		b.msg.Parts[n-1].Text += text
		return
	}
	b.add(thread.Part{Type: typ, Text: text})
}

func (b *builder) finish() thread.Message {
	var text strings.Builder
	for _, p := range b.msg.Parts {
		if p.Type == thread.PartText {
			text.WriteString(p.Text)
		}
	}
	b.msg.Text = text.String()
	return b.msg
}

// ChunkBased applies UI message chunks to seed. Unknown chunk types are
// ignored.
func ChunkBased(seed thread.Message, parts []json.RawMessage) (thread.Message, error) {
	b := newBuilder(seed)
	for i, raw := range parts {
		c, err := decode(i, raw)
		if err != nil {
			return thread.Message{}, err
		}

		switch c.Type {
		case "start":
			if c.MessageID != "" {
				b.msg.ID = c.MessageID
			}
		case "start-step":
			b.add(thread.Part{Type: thread.PartStepStart})
		case "text-start":
			b.open[c.ID] = b.add(thread.Part{Type: thread.PartText})
		case "reasoning-start":
			b.open[c.ID] = b.add(thread.Part{Type: thread.PartReasoning})
		case "text-delta", "reasoning-delta":
			if idx, ok := b.open[c.ID]; ok {
				b.msg.Parts[idx].Text += c.Delta
				continue
			}
			typ := thread.PartText
			if c.Type == "reasoning-delta" {
				typ = thread.PartReasoning
			}
			b.open[c.ID] = b.add(thread.Part{Type: typ, Text: c.Delta})
		case "text-end", "reasoning-end":
			delete(b.open, c.ID)
		case "tool-input-start":
			p := b.tool(c.ToolCallID, c.ToolName)
			p.State = thread.ToolInputStreaming
		case "tool-input-delta":
			sb, ok := b.input[c.ToolCallID]
			if !ok {
				sb = &strings.Builder{}
				b.input[c.ToolCallID] = sb
			}
			sb.WriteString(c.InputTextDelta)
			p := b.tool(c.ToolCallID, c.ToolName)
			p.State = thread.ToolInputStreaming
			if json.Valid([]byte(sb.String())) {
				p.Input = json.RawMessage(sb.String())
			}
		case "tool-input-available":
			p := b.tool(c.ToolCallID, c.ToolName)
			p.Input = c.Input
			p.State = thread.ToolInputAvailable
			delete(b.input, c.ToolCallID)
		case "tool-output-available":
			p := b.tool(c.ToolCallID, c.ToolName)
			p.Output = c.Output
			p.State = thread.ToolOutputAvailable
		case "tool-output-error":
			p := b.tool(c.ToolCallID, c.ToolName)
			p.ErrorText = c.ErrorText
			p.State = thread.ToolOutputError
		case "error":
			b.msg.Status = thread.StatusFailed
		case "finish-step", "finish":
		}
	}
	return b.finish(), nil
}

// TextAppend concatenates text and reasoning fragments onto seed and
// appends tool calls and results.
func TextAppend(seed thread.Message, parts []json.RawMessage) (thread.Message, error) {
	b := newBuilder(seed)
	for i, raw := range parts {
		c, err := decode(i, raw)
		if err != nil {
			return thread.Message{}, err
		}

		switch c.Type {
		case "text-delta":
			b.appendText(thread.PartText, c.Delta)
		case "reasoning-delta":
			b.appendText(thread.PartReasoning, c.Delta)
		case "tool-call":
			p := b.tool(c.ToolCallID, c.ToolName)
			p.Input = c.Input
			p.State = thread.ToolInputAvailable
		case "tool-result":
			p := b.tool(c.ToolCallID, c.ToolName)
			p.Output = c.Output
			p.State = thread.ToolOutputAvailable
			if c.ErrorText != "" {
				p.ErrorText = c.ErrorText
				p.State = thread.ToolOutputError
			}
		}
	}
	return b.finish(), nil
}

// Seed returns the blank message a stream's parts are applied to.
func Seed(sm thread.StreamMessage) thread.Message {
	return thread.Message{
		ID:        sm.StreamID,
		Order:     sm.Order,
		StepOrder: sm.StepOrder,
		Status:    sm.Status.MessageStatus(),
		Role:      thread.RoleAssistant,
		StreamID:  sm.StreamID,
	}
}

// Stream materializes one buffer with the function its format names.
func Stream(ds thread.DeltaStream) (thread.Message, error) {
	seed := Seed(ds.Message)
	parts := ds.Parts()
	switch ds.Message.Format {
	case thread.FormatTextAppend:
		return TextAppend(seed, parts)
	default:
		return ChunkBased(seed, parts)
	}
}
