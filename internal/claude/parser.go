package claude

import (
	"encoding/json"
	"strings"

	"github.com/joescharf/agentd/internal/models"
)

// envelope is the common header of every stream-json output line.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
}

type initRecord struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
}

type streamRecord struct {
	Event struct {
		Type         string `json:"type"`
		Index        int    `json:"index"`
		ContentBlock struct {
			Type string `json:"type"`
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"content_block"`
		Delta struct {
			Type        string `json:"type"`
			Text        string `json:"text"`
			PartialJSON string `json:"partial_json"`
		} `json:"delta"`
	} `json:"event"`
}

type messageRecord struct {
	Message struct {
		Content []contentRecord `json:"content"`
	} `json:"message"`
}

type contentRecord struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   bool            `json:"is_error"`
}

type resultRecord struct {
	Subtype      string   `json:"subtype"`
	IsError      bool     `json:"is_error"`
	Result       string   `json:"result"`
	NumTurns     int      `json:"num_turns"`
	TotalCostUSD float64  `json:"total_cost_usd"`
	Errors       []string `json:"errors"`
}

type pendingTool struct {
	id    string
	name  string
	input strings.Builder
}

// parser turns stream-json lines into canonical events. It keeps the state
// needed to assemble tool invocations whose input arrives in fragments.
type parser struct {
	tools     map[int]*pendingTool
	sawStream bool
	sawResult bool
}

func newParser() *parser {
	return &parser{tools: make(map[int]*pendingTool)}
}

// parseLine classifies one output line. Lines that match no known shape come
// back as a raw event rather than an error.
func (p *parser) parseLine(line []byte) []models.Event {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil || env.Type == "" {
		return []models.Event{unparsed(line)}
	}

	switch env.Type {
	case "system":
		if env.Subtype == "init" {
			var rec initRecord
			if err := json.Unmarshal(line, &rec); err == nil && rec.SessionID != "" {
				return []models.Event{models.NewSessionCreated(rec.SessionID, rec.Cwd)}
			}
		}
	case "stream_event":
		p.sawStream = true
		return p.parseStreamEvent(line)
	case "assistant":
		return p.parseAssistant(line)
	case "user":
		if events := parseToolResults(line); len(events) > 0 {
			return events
		}
	case "result":
		var rec resultRecord
		if err := json.Unmarshal(line, &rec); err == nil {
			p.sawResult = true
			return []models.Event{models.NewResult(models.ResultEvent{
				Subtype:  rec.Subtype,
				IsError:  rec.IsError,
				Text:     rec.Result,
				NumTurns: rec.NumTurns,
				CostUSD:  rec.TotalCostUSD,
				Errors:   rec.Errors,
			})}
		}
	}

	return []models.Event{raw(env.Type, line)}
}

func (p *parser) parseStreamEvent(line []byte) []models.Event {
	var rec streamRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return []models.Event{raw("stream_event", line)}
	}
	ev := rec.Event

	switch ev.Type {
	case "message_start":
		// Block indexes restart with each message.
		p.tools = make(map[int]*pendingTool)
		return nil
	case "message_delta", "message_stop", "ping":
		return nil

	case "content_block_start":
		switch ev.ContentBlock.Type {
		case "tool_use":
			p.tools[ev.Index] = &pendingTool{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
			return nil
		case "text", "thinking", "redacted_thinking":
			return nil
		}

	case "content_block_delta":
		switch ev.Delta.Type {
		case "text_delta":
			if ev.Delta.Text == "" {
				return nil
			}
			return []models.Event{models.NewTextDelta(ev.Delta.Text)}
		case "input_json_delta":
			if tool, ok := p.tools[ev.Index]; ok {
				tool.input.WriteString(ev.Delta.PartialJSON)
				return nil
			}
		case "thinking_delta", "signature_delta":
			return nil
		}

	case "content_block_stop":
		tool, ok := p.tools[ev.Index]
		if !ok {
			return nil
		}
		delete(p.tools, ev.Index)
		return []models.Event{models.NewToolUse(tool.id, tool.name, parseInput(tool.input.String()))}
	}

	return []models.Event{raw("stream_event", line)}
}

// parseAssistant handles complete assistant messages. When partial messages
// are streamed the same content has already been emitted, so the snapshot is
// only used as a fallback for processes that do not stream.
func (p *parser) parseAssistant(line []byte) []models.Event {
	if p.sawStream {
		return nil
	}
	var rec messageRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return []models.Event{raw("assistant", line)}
	}

	var events []models.Event
	for _, block := range rec.Message.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, models.NewTextDelta(block.Text))
			}
		case "tool_use":
			events = append(events, models.NewToolUse(block.ID, block.Name, parseInput(string(block.Input))))
		}
	}
	return events
}

func parseToolResults(line []byte) []models.Event {
	var rec messageRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil
	}
	var events []models.Event
	for _, block := range rec.Message.Content {
		if block.Type != "tool_result" || block.ToolUseID == "" {
			continue
		}
		events = append(events, models.NewToolResult(block.ToolUseID, flattenContent(block.Content), block.IsError))
	}
	return events
}

// parseInput decodes accumulated tool input. Invalid or empty input yields an
// empty map.
func parseInput(s string) map[string]any {
	input := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return input
	}
	if err := json.Unmarshal([]byte(s), &input); err != nil || input == nil {
		return map[string]any{}
	}
	return input
}

// flattenContent renders tool result content, which is either a plain string
// or a list of content blocks, as text.
func flattenContent(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var blocks []contentRecord
	if err := json.Unmarshal(data, &blocks); err == nil {
		var parts []string
		for _, b := range blocks {
			if b.Type == "text" {
				parts = append(parts, b.Text)
			}
		}
		return strings.Join(parts, "\n")
	}
	return string(data)
}

func raw(messageType string, line []byte) models.Event {
	return models.NewRaw(messageType, json.RawMessage(append([]byte(nil), line...)))
}

// unparsed wraps a line that is not a JSON object as a JSON string payload.
func unparsed(line []byte) models.Event {
	payload, _ := json.Marshal(string(line))
	return models.NewRaw("unparsed", payload)
}
