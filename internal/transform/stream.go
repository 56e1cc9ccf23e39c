package transform

import "github.com/eugener/heimdall/internal/protocol"

// StreamTranslator converts one upstream stream into the downstream protocol.
// Created per request; events must be pushed in source order from a single
// goroutine. Finalization is driven by the source's own terminal event and is
// idempotent.
type StreamTranslator interface {
	Push(ev protocol.StreamEvent) []protocol.StreamEvent
}

// Every directed streaming pair composes a source decoder with a target
// encoder over a small canonical delta vocabulary. The decoder owns source
// bookkeeping (argument accumulation, done-suffix computation, terminal
// dedup); the encoder owns target framing (block/item open-close pairing,
// sequence numbers, role announcement).
type coreKind uint8

const (
	coreMeta     coreKind = iota // stream identity: id, model, created
	coreText                     // text delta
	coreThinking                 // reasoning delta
	coreRefusal                  // refusal delta
	coreToolStart
	coreToolArgs
	coreToolDone
	coreFinish
)

// coreEvent is one canonical stream delta.
type coreEvent struct {
	kind coreKind

	// coreMeta
	id      string
	model   string
	created int64

	// text / thinking / refusal / tool-args payload
	text      string
	signature string

	// tool slots are numbered by arrival order, dense from 0
	tool     int
	toolID   string
	toolName string
	args     string // full accumulated arguments, set on coreToolDone

	finish *coreFinishData
}

// coreFinishData is the canonical terminal condition. reason uses the Claude
// stop_reason vocabulary as the pivot.
type coreFinishData struct {
	reason string
	failed bool
	usage  *coreUsage
}

// coreUsage is the canonical token counter set.
type coreUsage struct {
	input     int
	output    int
	cached    int
	reasoning int
}

type streamDecoder interface {
	decode(ev protocol.StreamEvent) []coreEvent
}

type streamEncoder interface {
	encode(ev coreEvent) []protocol.StreamEvent
}

type streamPipeline struct {
	dec streamDecoder
	enc streamEncoder
}

func (p *streamPipeline) Push(ev protocol.StreamEvent) []protocol.StreamEvent {
	var out []protocol.StreamEvent
	for _, ce := range p.dec.decode(ev) {
		out = append(out, p.enc.encode(ce)...)
	}
	return out
}

// --- the twelve directed stream translators ---

func NewStreamClaudeToGemini() StreamTranslator {
	return &streamPipeline{dec: newClaudeStreamDecoder(), enc: newGeminiStreamEncoder()}
}

func NewStreamClaudeToChat() StreamTranslator {
	return &streamPipeline{dec: newClaudeStreamDecoder(), enc: newChatStreamEncoder()}
}

func NewStreamClaudeToResponses() StreamTranslator {
	return &streamPipeline{dec: newClaudeStreamDecoder(), enc: newResponsesStreamEncoder()}
}

func NewStreamGeminiToClaude() StreamTranslator {
	return &streamPipeline{dec: newGeminiStreamDecoder(), enc: newClaudeStreamEncoder()}
}

func NewStreamGeminiToChat() StreamTranslator {
	return &streamPipeline{dec: newGeminiStreamDecoder(), enc: newChatStreamEncoder()}
}

func NewStreamGeminiToResponses() StreamTranslator {
	return &streamPipeline{dec: newGeminiStreamDecoder(), enc: newResponsesStreamEncoder()}
}

func NewStreamChatToClaude() StreamTranslator {
	return &streamPipeline{dec: newChatStreamDecoder(), enc: newClaudeStreamEncoder()}
}

func NewStreamChatToGemini() StreamTranslator {
	return &streamPipeline{dec: newChatStreamDecoder(), enc: newGeminiStreamEncoder()}
}

func NewStreamChatToResponses() StreamTranslator {
	return &streamPipeline{dec: newChatStreamDecoder(), enc: newResponsesStreamEncoder()}
}

func NewStreamResponsesToClaude() StreamTranslator {
	return &streamPipeline{dec: newResponsesStreamDecoder(), enc: newClaudeStreamEncoder()}
}

func NewStreamResponsesToGemini() StreamTranslator {
	return &streamPipeline{dec: newResponsesStreamDecoder(), enc: newGeminiStreamEncoder()}
}

func NewStreamResponsesToChat() StreamTranslator {
	return &streamPipeline{dec: newResponsesStreamDecoder(), enc: newChatStreamEncoder()}
}

// --- canonical usage conversions ---

func usageFromClaude(u *protocol.ClaudeUsage) *coreUsage {
	if u == nil {
		return nil
	}
	return &coreUsage{input: u.InputTokens, output: u.OutputTokens, cached: u.CacheReadInputTokens}
}

func usageFromGemini(u *protocol.GeminiUsageMetadata) *coreUsage {
	if u == nil {
		return nil
	}
	return &coreUsage{
		input:     u.PromptTokenCount,
		output:    u.CandidatesTokenCount,
		cached:    u.CachedContentTokenCount,
		reasoning: u.ThoughtsTokenCount,
	}
}

func usageFromChat(u *protocol.ChatUsage) *coreUsage {
	if u == nil {
		return nil
	}
	return &coreUsage{input: u.PromptTokens, output: u.CompletionTokens}
}

func usageFromResponses(u *protocol.ResponsesUsage) *coreUsage {
	if u == nil {
		return nil
	}
	cu := &coreUsage{input: u.InputTokens, output: u.OutputTokens}
	if u.InputTokensDetails != nil {
		cu.cached = u.InputTokensDetails.CachedTokens
	}
	if u.OutputTokensDetails != nil {
		cu.reasoning = u.OutputTokensDetails.ReasoningTokens
	}
	return cu
}

func (u *coreUsage) toClaude() *protocol.ClaudeUsage {
	if u == nil {
		return nil
	}
	return &protocol.ClaudeUsage{InputTokens: u.input, OutputTokens: u.output, CacheReadInputTokens: u.cached}
}

func (u *coreUsage) toGemini() *protocol.GeminiUsageMetadata {
	if u == nil {
		return nil
	}
	return &protocol.GeminiUsageMetadata{
		PromptTokenCount:        u.input,
		CandidatesTokenCount:    u.output,
		TotalTokenCount:         u.input + u.output,
		CachedContentTokenCount: u.cached,
		ThoughtsTokenCount:      u.reasoning,
	}
}

func (u *coreUsage) toChat() *protocol.ChatUsage {
	if u == nil {
		return nil
	}
	return &protocol.ChatUsage{PromptTokens: u.input, CompletionTokens: u.output, TotalTokens: u.input + u.output}
}

func (u *coreUsage) toResponses() *protocol.ResponsesUsage {
	if u == nil {
		return nil
	}
	ru := &protocol.ResponsesUsage{InputTokens: u.input, OutputTokens: u.output, TotalTokens: u.input + u.output}
	if u.cached > 0 {
		ru.InputTokensDetails = &protocol.ResponsesInTokensDetails{CachedTokens: u.cached}
	}
	if u.reasoning > 0 {
		ru.OutputTokensDetails = &protocol.ResponsesOutTokensDetails{ReasoningTokens: u.reasoning}
	}
	return ru
}
