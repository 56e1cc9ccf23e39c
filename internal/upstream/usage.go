package upstream

import (
	"bytes"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
)

// counters is the protocol-neutral accumulator behind every extractor.
type counters struct {
	input       int
	output      int
	total       int
	cached      int
	reasoning   int
	cacheCreate int
	found       bool
}

func (c *counters) normalize() {
	if c.total == 0 {
		c.total = c.input + c.output
	}
}

// toTraffic renders the counters as the kind's wire-shaped group.
func (c *counters) toTraffic(kind gateway.UsageKind) *gateway.TrafficUsage {
	if !c.found {
		return nil
	}
	c.normalize()
	switch kind {
	case gateway.UsageClaudeMessage:
		return &gateway.TrafficUsage{Claude: &gateway.ClaudeUsageCounters{
			InputTokens:         c.input,
			OutputTokens:        c.output,
			TotalTokens:         c.total,
			CacheCreationTokens: c.cacheCreate,
			CacheReadTokens:     c.cached,
		}}
	case gateway.UsageGeminiGenerate:
		return &gateway.TrafficUsage{Gemini: &gateway.GeminiUsageCounters{
			PromptTokens:     c.input,
			CandidatesTokens: c.output,
			TotalTokens:      c.total,
			CachedTokens:     c.cached,
		}}
	case gateway.UsageOpenAIChat:
		return &gateway.TrafficUsage{OpenAIChat: &gateway.OpenAIChatUsageCounters{
			PromptTokens:     c.input,
			CompletionTokens: c.output,
			TotalTokens:      c.total,
		}}
	case gateway.UsageOpenAIResponses:
		return &gateway.TrafficUsage{OpenAIResponses: &gateway.OpenAIResponsesUsageCounters{
			InputTokens:     c.input,
			OutputTokens:    c.output,
			TotalTokens:     c.total,
			InputCached:     c.cached,
			OutputReasoning: c.reasoning,
		}}
	}
	return nil
}

// probe reads one wire shape's usage fields out of body.
type probe func(body gjson.Result) counters

func claudeProbe(body gjson.Result) counters {
	u := body.Get("usage")
	if !u.Exists() {
		// count_tokens bodies carry a bare input_tokens.
		if it := body.Get("input_tokens"); it.Exists() && !body.Get("content").Exists() {
			n := int(it.Int())
			return counters{input: n, total: n, found: n > 0}
		}
		return counters{}
	}
	c := counters{
		input:       int(u.Get("input_tokens").Int()),
		output:      int(u.Get("output_tokens").Int()),
		cacheCreate: int(u.Get("cache_creation_input_tokens").Int()),
		cached:      int(u.Get("cache_read_input_tokens").Int()),
	}
	c.found = c.input > 0 || c.output > 0 || c.cached > 0 || c.cacheCreate > 0
	return c
}

func geminiProbe(body gjson.Result) counters {
	u := body.Get("usageMetadata")
	if !u.Exists() {
		if tt := body.Get("totalTokens"); tt.Exists() {
			n := int(tt.Int())
			return counters{input: n, total: n, found: n > 0}
		}
		return counters{}
	}
	c := counters{
		input:  int(u.Get("promptTokenCount").Int()),
		output: int(u.Get("candidatesTokenCount").Int()),
		total:  int(u.Get("totalTokenCount").Int()),
		cached: int(u.Get("cachedContentTokenCount").Int()),
	}
	c.found = c.input > 0 || c.output > 0 || c.total > 0
	return c
}

func chatProbe(body gjson.Result) counters {
	u := body.Get("usage")
	c := counters{
		input:  int(u.Get("prompt_tokens").Int()),
		output: int(u.Get("completion_tokens").Int()),
		total:  int(u.Get("total_tokens").Int()),
	}
	c.found = u.Exists() && (c.input > 0 || c.output > 0 || c.total > 0)
	return c
}

func responsesProbe(body gjson.Result) counters {
	u := body.Get("usage")
	if !u.Exists() {
		u = body.Get("response.usage")
	}
	c := counters{
		input:     int(u.Get("input_tokens").Int()),
		output:    int(u.Get("output_tokens").Int()),
		total:     int(u.Get("total_tokens").Int()),
		cached:    int(u.Get("input_tokens_details.cached_tokens").Int()),
		reasoning: int(u.Get("output_tokens_details.reasoning_tokens").Int()),
	}
	c.found = u.Exists() && (c.input > 0 || c.output > 0 || c.total > 0)
	return c
}

func probesFor(kind gateway.UsageKind) []probe {
	switch kind {
	case gateway.UsageClaudeMessage:
		return []probe{claudeProbe, geminiProbe, chatProbe, responsesProbe}
	case gateway.UsageGeminiGenerate:
		return []probe{geminiProbe, claudeProbe, chatProbe, responsesProbe}
	case gateway.UsageOpenAIChat:
		return []probe{chatProbe, responsesProbe, claudeProbe, geminiProbe}
	case gateway.UsageOpenAIResponses:
		return []probe{responsesProbe, claudeProbe, geminiProbe, chatProbe}
	}
	return nil
}

// ExtractBuffered pulls token counters from a buffered 2xx body. The first
// probe is the kind's own wire shape; when it finds nothing and known is
// false, the other shapes are tried in turn (providers that proxy foreign
// backends return foreign usage blocks). known=true pins the shape
// (UsageShaper providers) and disables the fallback. Extraction failures are
// silent: a nil return just omits traffic_usage.
func ExtractBuffered(kind gateway.UsageKind, body []byte, known bool) *gateway.TrafficUsage {
	probes := probesFor(kind)
	if len(probes) == 0 || len(body) == 0 {
		return nil
	}
	parsed := gjson.ParseBytes(body)
	if known {
		probes = probes[:1]
	}
	for _, p := range probes {
		if c := p(parsed); c.found {
			return c.toTraffic(kind)
		}
	}
	return nil
}

// UsageState accumulates usage from a live stream. Observe sees every data
// payload; Finish renders what was captured, or nil when nothing was.
type UsageState interface {
	Observe(data []byte)
	Finish() *gateway.TrafficUsage
}

// NewUsageState returns the state machine for the kind, or nil for UsageNone.
func NewUsageState(kind gateway.UsageKind) UsageState {
	switch kind {
	case gateway.UsageClaudeMessage:
		return &claudeUsageState{}
	case gateway.UsageGeminiGenerate:
		return &geminiUsageState{}
	case gateway.UsageOpenAIChat:
		return &openAIUsageState{kind: kind}
	case gateway.UsageOpenAIResponses:
		return &openAIUsageState{kind: kind}
	}
	return nil
}

var doneSentinel = []byte("[DONE]")

// claudeUsageState tracks message_start and message_delta usage blocks. The
// start event carries input counts; deltas carry output counts and may repeat
// input. Input seen earlier is kept when a later event omits it.
type claudeUsageState struct {
	c counters
}

func (s *claudeUsageState) Observe(data []byte) {
	parsed := gjson.ParseBytes(data)
	u := parsed.Get("message.usage")
	if !u.Exists() {
		u = parsed.Get("usage")
	}
	if !u.Exists() {
		return
	}
	if in := int(u.Get("input_tokens").Int()); in > 0 {
		s.c.input = in
	}
	if out := int(u.Get("output_tokens").Int()); out >= s.c.output {
		s.c.output = out
	}
	if v := int(u.Get("cache_creation_input_tokens").Int()); v > 0 {
		s.c.cacheCreate = v
	}
	if v := int(u.Get("cache_read_input_tokens").Int()); v > 0 {
		s.c.cached = v
	}
	s.c.found = true
	s.c.total = 0
}

func (s *claudeUsageState) Finish() *gateway.TrafficUsage {
	return s.c.toTraffic(gateway.UsageClaudeMessage)
}

// openAIUsageState serves both OpenAI stream dialects: chat chunks carry a
// usage object on the final chunk, Responses terminal events nest it under
// response.usage. [DONE] is a sentinel, not JSON. Once usage is seen the
// state stops looking.
type openAIUsageState struct {
	kind gateway.UsageKind
	c    counters
	done bool
}

func (s *openAIUsageState) Observe(data []byte) {
	if s.done || bytes.Equal(bytes.TrimSpace(data), doneSentinel) {
		return
	}
	parsed := gjson.ParseBytes(data)
	var c counters
	if s.kind == gateway.UsageOpenAIChat {
		c = chatProbe(parsed)
	} else {
		c = responsesProbe(parsed)
	}
	if c.found {
		s.c = c
		s.done = true
	}
}

func (s *openAIUsageState) Finish() *gateway.TrafficUsage {
	return s.c.toTraffic(s.kind)
}

// geminiUsageState keeps the latest usageMetadata. Chunks may arrive framed
// as a JSON array; leading framing bytes are stripped before parsing. Totals
// never go backwards.
type geminiUsageState struct {
	c counters
}

func (s *geminiUsageState) Observe(data []byte) {
	trimmed := bytes.TrimLeft(data, "[,] \n\r\t")
	if len(trimmed) == 0 {
		return
	}
	c := geminiProbe(gjson.ParseBytes(trimmed))
	if !c.found {
		return
	}
	c.normalize()
	if c.total >= s.c.total {
		s.c = c
	}
}

func (s *geminiUsageState) Finish() *gateway.TrafficUsage {
	return s.c.toTraffic(gateway.UsageGeminiGenerate)
}
