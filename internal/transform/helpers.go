// Package transform implements the bidirectional protocol translation layer:
// pure request/response transforms for every supported (source, target)
// protocol pair, the stateful per-request stream translators, and the
// stream/non-stream adapters. Functions here never perform I/O, read the
// clock, or draw randomness.
package transform

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/eugener/heimdall/internal/protocol"
)

// DefaultClaudeMaxTokens is used when translating to Claude (which requires
// max_tokens) and the source omits an output limit.
const DefaultClaudeMaxTokens = 32000

// minimalObjectSchema is the down-converted schema emitted when the target
// refuses raw JSON schemas.
var minimalObjectSchema = json.RawMessage(`{"type":"object"}`)

// downConvertSchema reduces an arbitrary JSON schema to the subset Gemini's
// typed schema accepts: type, properties, required. Anything unparseable
// becomes the minimal object schema.
func downConvertSchema(schema json.RawMessage) json.RawMessage {
	if len(schema) == 0 {
		return minimalObjectSchema
	}
	r := gjson.ParseBytes(schema)
	if !r.IsObject() {
		return minimalObjectSchema
	}
	out := map[string]json.RawMessage{"type": json.RawMessage(`"object"`)}
	if t := r.Get("type"); t.Exists() && t.Type == gjson.String {
		out["type"], _ = json.Marshal(t.String())
	}
	if p := r.Get("properties"); p.IsObject() {
		out["properties"] = json.RawMessage(p.Raw)
	}
	if q := r.Get("required"); q.IsArray() {
		out["required"] = json.RawMessage(q.Raw)
	}
	b, _ := json.Marshal(out)
	return b
}

// rawToString renders raw JSON as the string it encodes, or the raw text for
// non-string values. Used when compressing structured payloads into text.
func rawToString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// argsString renders tool-call arguments as a stringified JSON object.
func argsString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

// rawArgs parses stringified arguments back into raw JSON, defaulting to an
// empty object for empty or invalid input.
func rawArgs(args string) json.RawMessage {
	if args == "" || !json.Valid([]byte(args)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(args)
}

// computeDelta returns the suffix of full past prev when full extends prev,
// or full itself when it does not. Stream *_done events use it to forward
// only the unsent tail.
func computeDelta(prev, full string) string {
	if strings.HasPrefix(full, prev) {
		return full[len(prev):]
	}
	return full
}

// claudeSystemText joins a Claude system prompt (string or block array) into
// a single newline-separated string.
func claudeSystemText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var texts []string
	for _, b := range protocol.ClaudeBlocks(raw) {
		if b.Type == "text" && b.Text != "" {
			texts = append(texts, b.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// stopSequences decodes an OpenAI stop value (string or array) into a slice.
func stopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var one string
	if json.Unmarshal(raw, &one) == nil {
		return []string{one}
	}
	var many []string
	if json.Unmarshal(raw, &many) == nil {
		return many
	}
	return nil
}

// encodeStop re-encodes stop sequences for OpenAI requests.
func encodeStop(seqs []string) json.RawMessage {
	if len(seqs) == 0 {
		return nil
	}
	b, _ := json.Marshal(seqs)
	return b
}

// dataURL synthesizes a data URL from base64 content and its mime type.
func dataURL(mediaType, data string) string {
	return fmt.Sprintf("data:%s;base64,%s", mediaType, data)
}

// filePlaceholder is the text stand-in for file references the target cannot
// express.
func filePlaceholder(kind, id string) string {
	return fmt.Sprintf("[%s file_id: %s]", kind, id)
}

// --- finish/stop reason maps ---

// claudeStopToChatFinish maps a Claude stop_reason to a chat finish_reason.
func claudeStopToChatFinish(reason string, sawTools bool) string {
	switch reason {
	case protocol.ClaudeStopEndTurn, protocol.ClaudeStopStopSequence:
		if sawTools {
			return protocol.ChatFinishToolCalls
		}
		return protocol.ChatFinishStop
	case protocol.ClaudeStopMaxTokens:
		return protocol.ChatFinishLength
	case protocol.ClaudeStopToolUse:
		return protocol.ChatFinishToolCalls
	case protocol.ClaudeStopRefusal:
		return protocol.ChatFinishContentFilter
	default:
		return protocol.ChatFinishStop
	}
}

// chatFinishToClaudeStop maps a chat finish_reason to a Claude stop_reason.
func chatFinishToClaudeStop(reason string) string {
	switch reason {
	case protocol.ChatFinishLength:
		return protocol.ClaudeStopMaxTokens
	case protocol.ChatFinishToolCalls:
		return protocol.ClaudeStopToolUse
	case protocol.ChatFinishContentFilter:
		return protocol.ClaudeStopRefusal
	case "":
		return ""
	default:
		return protocol.ClaudeStopEndTurn
	}
}

// claudeStopToGeminiFinish maps a Claude stop_reason to a Gemini finishReason.
func claudeStopToGeminiFinish(reason string) string {
	switch reason {
	case protocol.ClaudeStopEndTurn, protocol.ClaudeStopStopSequence, protocol.ClaudeStopToolUse:
		return protocol.GeminiFinishStop
	case protocol.ClaudeStopMaxTokens:
		return protocol.GeminiFinishMaxTokens
	case protocol.ClaudeStopRefusal:
		return protocol.GeminiFinishSafety
	case "":
		return protocol.GeminiFinishStop
	default:
		return protocol.GeminiFinishOther
	}
}

// geminiFinishToClaudeStop maps a Gemini finishReason to a Claude stop_reason.
func geminiFinishToClaudeStop(reason string, sawTools bool) string {
	switch reason {
	case protocol.GeminiFinishStop, "":
		if sawTools {
			return protocol.ClaudeStopToolUse
		}
		return protocol.ClaudeStopEndTurn
	case protocol.GeminiFinishMaxTokens:
		return protocol.ClaudeStopMaxTokens
	case protocol.GeminiFinishSafety, protocol.GeminiFinishRecitation:
		return protocol.ClaudeStopRefusal
	default:
		return protocol.ClaudeStopEndTurn
	}
}

// geminiFinishToChatFinish maps a Gemini finishReason to a chat finish_reason.
func geminiFinishToChatFinish(reason string, sawTools bool) string {
	switch reason {
	case protocol.GeminiFinishMaxTokens:
		return protocol.ChatFinishLength
	case protocol.GeminiFinishSafety, protocol.GeminiFinishRecitation:
		return protocol.ChatFinishContentFilter
	default:
		if sawTools {
			return protocol.ChatFinishToolCalls
		}
		return protocol.ChatFinishStop
	}
}

// chatFinishToGeminiFinish maps a chat finish_reason to a Gemini finishReason.
func chatFinishToGeminiFinish(reason string) string {
	switch reason {
	case protocol.ChatFinishLength:
		return protocol.GeminiFinishMaxTokens
	case protocol.ChatFinishContentFilter:
		return protocol.GeminiFinishSafety
	default:
		return protocol.GeminiFinishStop
	}
}

// responsesStatusToClaudeStop maps a Responses status (+incomplete details)
// to a Claude stop_reason. Empty means "not terminal yet".
func responsesStatusToClaudeStop(status string, details *protocol.ResponsesIncompleteDetails) string {
	switch status {
	case protocol.ResponsesStatusCompleted:
		return protocol.ClaudeStopEndTurn
	case protocol.ResponsesStatusIncomplete:
		if details != nil {
			switch details.Reason {
			case "max_output_tokens":
				return protocol.ClaudeStopMaxTokens
			case "content_filter":
				return protocol.ClaudeStopRefusal
			}
		}
		return protocol.ClaudeStopPauseTurn
	case protocol.ResponsesStatusFailed, protocol.ResponsesStatusCancelled:
		return protocol.ClaudeStopPauseTurn
	default:
		return ""
	}
}

// responsesStatusToChatFinish maps a Responses status to a chat finish_reason.
func responsesStatusToChatFinish(status string, details *protocol.ResponsesIncompleteDetails, sawTools, sawRefusal bool) string {
	if sawTools {
		return protocol.ChatFinishToolCalls
	}
	if sawRefusal {
		return protocol.ChatFinishContentFilter
	}
	if status == protocol.ResponsesStatusIncomplete && details != nil {
		switch details.Reason {
		case "max_output_tokens":
			return protocol.ChatFinishLength
		case "content_filter":
			return protocol.ChatFinishContentFilter
		}
	}
	return protocol.ChatFinishStop
}

// terminalStatus maps a source terminal condition to a Responses status and
// incomplete details.
func terminalStatus(maxTokens, filtered bool) (string, *protocol.ResponsesIncompleteDetails) {
	switch {
	case maxTokens:
		return protocol.ResponsesStatusIncomplete, &protocol.ResponsesIncompleteDetails{Reason: "max_output_tokens"}
	case filtered:
		return protocol.ResponsesStatusIncomplete, &protocol.ResponsesIncompleteDetails{Reason: "content_filter"}
	default:
		return protocol.ResponsesStatusCompleted, nil
	}
}
