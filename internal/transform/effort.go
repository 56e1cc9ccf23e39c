package transform

import "github.com/eugener/heimdall/internal/protocol"

// thinkingEffort is the canonical reasoning-effort level extracted from any
// source protocol and re-expressed in any target.
type thinkingEffort uint8

const (
	effortUnset thinkingEffort = iota // source has no thinking config
	effortOff                         // thinking explicitly disabled
	effortLow
	effortMedium
	effortHigh
	effortXHigh
)

func effortFromClaude(t *protocol.ClaudeThinking, oc *protocol.ClaudeOutputConfig) thinkingEffort {
	if t == nil {
		return effortUnset
	}
	if t.Type == "disabled" {
		return effortOff
	}
	if oc != nil {
		switch oc.Effort {
		case "low":
			return effortLow
		case "high":
			return effortHigh
		case "max":
			return effortXHigh
		}
	}
	return effortMedium
}

func effortFromChat(effort string) thinkingEffort {
	switch effort {
	case "":
		return effortUnset
	case "none":
		return effortOff
	case "low", "minimal":
		return effortLow
	case "high":
		return effortHigh
	case "xhigh":
		return effortXHigh
	default:
		return effortMedium
	}
}

func effortFromResponses(r *protocol.ResponsesReasoning) thinkingEffort {
	if r == nil {
		return effortUnset
	}
	return effortFromChat(r.Effort)
}

func effortFromGemini(tc *protocol.GeminiThinkingConfig) thinkingEffort {
	if tc == nil {
		return effortUnset
	}
	if tc.IncludeThoughts != nil && !*tc.IncludeThoughts {
		return effortOff
	}
	switch tc.ThinkingLevel {
	case "minimal", "low":
		return effortLow
	case "high":
		return effortHigh
	case "medium":
		return effortMedium
	default:
		// Budget-only configs carry no level; treat as medium.
		return effortMedium
	}
}

// toChatEffort renders the level for chat's reasoning_effort (and the
// Responses effort string, which shares values).
func (e thinkingEffort) toChatEffort() string {
	switch e {
	case effortUnset, effortMedium:
		return "medium"
	case effortOff:
		return "none"
	case effortLow:
		return "low"
	case effortHigh:
		return "high"
	case effortXHigh:
		return "xhigh"
	default:
		return "medium"
	}
}

func (e thinkingEffort) toResponsesReasoning() *protocol.ResponsesReasoning {
	return &protocol.ResponsesReasoning{Effort: e.toChatEffort()}
}

func (e thinkingEffort) toGeminiThinking() *protocol.GeminiThinkingConfig {
	on, off := true, false
	switch e {
	case effortUnset:
		return nil
	case effortOff:
		return &protocol.GeminiThinkingConfig{IncludeThoughts: &off}
	case effortLow:
		return &protocol.GeminiThinkingConfig{IncludeThoughts: &on, ThinkingLevel: "low"}
	case effortHigh, effortXHigh:
		// xhigh clamps to Gemini's highest level.
		return &protocol.GeminiThinkingConfig{IncludeThoughts: &on, ThinkingLevel: "high"}
	default:
		return &protocol.GeminiThinkingConfig{IncludeThoughts: &on, ThinkingLevel: "medium"}
	}
}

func (e thinkingEffort) toClaudeThinking() (*protocol.ClaudeThinking, *protocol.ClaudeOutputConfig) {
	enabled := &protocol.ClaudeThinking{Type: "enabled"}
	switch e {
	case effortUnset:
		return enabled, nil
	case effortOff:
		return &protocol.ClaudeThinking{Type: "disabled"}, nil
	case effortLow:
		return enabled, &protocol.ClaudeOutputConfig{Effort: "low"}
	case effortHigh:
		return enabled, &protocol.ClaudeOutputConfig{Effort: "high"}
	case effortXHigh:
		return enabled, &protocol.ClaudeOutputConfig{Effort: "max"}
	default:
		return enabled, &protocol.ClaudeOutputConfig{Effort: "medium"}
	}
}
