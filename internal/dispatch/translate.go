package dispatch

import (
	"encoding/json"
	"fmt"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/protocol"
	"github.com/eugener/heimdall/internal/transform"
)

// TranslateRequest builds the upstream-protocol request for a transform plan.
// The returned request carries the target op and a freshly built payload; the
// inbound request is never mutated. Stream flags on the target body follow the
// plan's upstream op, not the inbound one: a chat-stream target additionally
// forces stream_options.include_usage so the final chunk carries counters.
func TranslateRequest(plan *Plan, req *gateway.Request) (*gateway.Request, error) {
	targetOp, ok := protoOp(plan.Target, plan.Op.Family())
	if !ok {
		return nil, fmt.Errorf("no %s op on %s: %w", plan.Op.Family(), plan.Target, gateway.ErrUnsupported)
	}
	out := &gateway.Request{Op: targetOp}

	switch plan.Op.Family() {
	case gateway.FamilyGenerate, gateway.FamilyStream:
		if err := translateGenerate(plan, req, out); err != nil {
			return nil, err
		}
		setStreamFlag(out, plan.Op.Family() == gateway.FamilyStream)
	case gateway.FamilyCountTokens:
		switch {
		case req.ClaudeCount != nil && plan.Target == gateway.ProtoGemini:
			out.GeminiCount = transform.ClaudeCountToGeminiRequest(req.ClaudeCount)
		case req.GeminiCount != nil && plan.Target == gateway.ProtoClaude:
			out.ClaudeCount = transform.GeminiCountToClaudeRequest(req.GeminiCount)
		default:
			return nil, fmt.Errorf("count tokens %s -> %s: %w", plan.Source, plan.Target, gateway.ErrUnsupported)
		}
	case gateway.FamilyModelsList:
		// No payload; the op alone selects the upstream catalog route.
	case gateway.FamilyModelsGet:
		out.ModelID = req.ModelID
	default:
		return nil, fmt.Errorf("%s never transforms: %w", plan.Op, gateway.ErrUnsupported)
	}
	return out, nil
}

func translateGenerate(plan *Plan, req, out *gateway.Request) error {
	switch {
	case req.Claude != nil:
		switch plan.Target {
		case gateway.ProtoGemini:
			out.Gemini = transform.ClaudeToGeminiRequest(req.Claude)
		case gateway.ProtoOpenAIChat:
			out.Chat = transform.ClaudeToChatRequest(req.Claude)
		case gateway.ProtoOpenAIResponses:
			out.Responses = transform.ClaudeToResponsesRequest(req.Claude)
		}
	case req.Gemini != nil:
		switch plan.Target {
		case gateway.ProtoClaude:
			out.Claude = transform.GeminiToClaudeRequest(req.Gemini)
		case gateway.ProtoOpenAIChat:
			out.Chat = transform.GeminiToChatRequest(req.Gemini)
		case gateway.ProtoOpenAIResponses:
			out.Responses = transform.GeminiToResponsesRequest(req.Gemini)
		}
	case req.Chat != nil:
		switch plan.Target {
		case gateway.ProtoClaude:
			out.Claude = transform.ChatToClaudeRequest(req.Chat)
		case gateway.ProtoGemini:
			out.Gemini = transform.ChatToGeminiRequest(req.Chat)
		case gateway.ProtoOpenAIResponses:
			out.Responses = transform.ChatToResponsesRequest(req.Chat)
		}
	case req.Responses != nil:
		switch plan.Target {
		case gateway.ProtoClaude:
			out.Claude = transform.ResponsesToClaudeRequest(req.Responses)
		case gateway.ProtoGemini:
			out.Gemini = transform.ResponsesToGeminiRequest(req.Responses)
		case gateway.ProtoOpenAIChat:
			out.Chat = transform.ResponsesToChatRequest(req.Responses)
		}
	}
	if out.Claude == nil && out.Gemini == nil && out.Chat == nil && out.Responses == nil {
		return fmt.Errorf("generate %s -> %s: %w", plan.Source, plan.Target, gateway.ErrUnsupported)
	}
	return nil
}

// setStreamFlag stamps the target body's streamness. Gemini carries it in the
// URL, so its body stays untouched.
func setStreamFlag(out *gateway.Request, stream bool) {
	switch {
	case out.Claude != nil:
		out.Claude.Stream = stream
	case out.Chat != nil:
		out.Chat.Stream = stream
		if stream {
			out.Chat.StreamOptions = &protocol.ChatStreamOptions{IncludeUsage: true}
		} else {
			out.Chat.StreamOptions = nil
		}
	case out.Responses != nil:
		out.Responses.Stream = stream
	}
}

// TranslateResponse converts a buffered target-protocol response body into
// the plan's source protocol. Stream-family plans reuse the generate mapping:
// an aggregated stream yields the same body shape as a non-stream call.
func TranslateResponse(plan *Plan, body []byte) ([]byte, error) {
	switch plan.Op.Family() {
	case gateway.FamilyGenerate, gateway.FamilyStream:
		return translateGenerateResponse(plan, body)
	case gateway.FamilyCountTokens:
		return translateCountResponse(plan, body)
	case gateway.FamilyModelsList:
		return translateModelsList(plan, body)
	case gateway.FamilyModelsGet:
		return translateModelsGet(plan, body)
	default:
		return nil, fmt.Errorf("%s never transforms: %w", plan.Op, gateway.ErrUnsupported)
	}
}

func translateGenerateResponse(plan *Plan, body []byte) ([]byte, error) {
	switch plan.Source {
	case gateway.ProtoClaude:
		switch plan.Target {
		case gateway.ProtoGemini:
			return remap(body, transform.GeminiToClaudeResponse)
		case gateway.ProtoOpenAIChat:
			return remap(body, transform.ChatToClaudeResponse)
		case gateway.ProtoOpenAIResponses:
			return remap(body, transform.ResponsesToClaudeResponse)
		}
	case gateway.ProtoGemini:
		switch plan.Target {
		case gateway.ProtoClaude:
			return remap(body, transform.ClaudeToGeminiResponse)
		case gateway.ProtoOpenAIChat:
			return remap(body, transform.ChatToGeminiResponse)
		case gateway.ProtoOpenAIResponses:
			return remap(body, transform.ResponsesToGeminiResponse)
		}
	case gateway.ProtoOpenAIChat:
		switch plan.Target {
		case gateway.ProtoClaude:
			return remap(body, transform.ClaudeToChatResponse)
		case gateway.ProtoGemini:
			return remap(body, transform.GeminiToChatResponse)
		case gateway.ProtoOpenAIResponses:
			return remap(body, transform.ResponsesToChatResponse)
		}
	case gateway.ProtoOpenAIResponses:
		switch plan.Target {
		case gateway.ProtoClaude:
			return remap(body, transform.ClaudeToResponsesResponse)
		case gateway.ProtoGemini:
			return remap(body, transform.GeminiToResponsesResponse)
		case gateway.ProtoOpenAIChat:
			return remap(body, transform.ChatToResponsesResponse)
		}
	}
	return nil, fmt.Errorf("generate response %s <- %s: %w", plan.Source, plan.Target, gateway.ErrUnsupported)
}

func translateCountResponse(plan *Plan, body []byte) ([]byte, error) {
	switch {
	case plan.Source == gateway.ProtoClaude && plan.Target == gateway.ProtoGemini:
		return remap(body, transform.GeminiCountToClaudeResponse)
	case plan.Source == gateway.ProtoGemini && plan.Target == gateway.ProtoClaude:
		return remap(body, transform.ClaudeCountToGeminiResponse)
	}
	return nil, fmt.Errorf("count response %s <- %s: %w", plan.Source, plan.Target, gateway.ErrUnsupported)
}

func translateModelsList(plan *Plan, body []byte) ([]byte, error) {
	switch catalogProto(plan.Source) {
	case gateway.ProtoClaude:
		switch catalogProto(plan.Target) {
		case gateway.ProtoGemini:
			return remap(body, transform.GeminiModelsToClaude)
		case gateway.ProtoOpenAIChat:
			return remap(body, transform.OpenAIModelsToClaude)
		}
	case gateway.ProtoGemini:
		switch catalogProto(plan.Target) {
		case gateway.ProtoClaude:
			return remap(body, transform.ClaudeModelsToGemini)
		case gateway.ProtoOpenAIChat:
			return remap(body, transform.OpenAIModelsToGemini)
		}
	case gateway.ProtoOpenAIChat:
		switch catalogProto(plan.Target) {
		case gateway.ProtoClaude:
			return remap(body, transform.ClaudeModelsToOpenAI)
		case gateway.ProtoGemini:
			return remap(body, transform.GeminiModelsToOpenAI)
		}
	}
	return nil, fmt.Errorf("models list %s <- %s: %w", plan.Source, plan.Target, gateway.ErrUnsupported)
}

func translateModelsGet(plan *Plan, body []byte) ([]byte, error) {
	switch catalogProto(plan.Source) {
	case gateway.ProtoClaude:
		switch catalogProto(plan.Target) {
		case gateway.ProtoGemini:
			return remap(body, transform.GeminiModelToClaude)
		case gateway.ProtoOpenAIChat:
			return remap(body, transform.OpenAIModelToClaude)
		}
	case gateway.ProtoGemini:
		switch catalogProto(plan.Target) {
		case gateway.ProtoClaude:
			return remap(body, transform.ClaudeModelToGemini)
		case gateway.ProtoOpenAIChat:
			return remap(body, transform.OpenAIModelToGemini)
		}
	case gateway.ProtoOpenAIChat:
		switch catalogProto(plan.Target) {
		case gateway.ProtoClaude:
			return remap(body, transform.ClaudeModelToOpenAI)
		case gateway.ProtoGemini:
			return remap(body, transform.GeminiModelToOpenAI)
		}
	}
	return nil, fmt.Errorf("models get %s <- %s: %w", plan.Source, plan.Target, gateway.ErrUnsupported)
}

// remap decodes body as In, converts, and re-encodes.
func remap[In, Out any](body []byte, fn func(*In) *Out) ([]byte, error) {
	in := new(In)
	if err := json.Unmarshal(body, in); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return json.Marshal(fn(in))
}

// NewStreamTranslator returns the live translator that rewrites the upstream
// (target-protocol) stream into the plan's source protocol.
func NewStreamTranslator(plan *Plan) (transform.StreamTranslator, error) {
	switch plan.Target {
	case gateway.ProtoClaude:
		switch plan.Source {
		case gateway.ProtoGemini:
			return transform.NewStreamClaudeToGemini(), nil
		case gateway.ProtoOpenAIChat:
			return transform.NewStreamClaudeToChat(), nil
		case gateway.ProtoOpenAIResponses:
			return transform.NewStreamClaudeToResponses(), nil
		}
	case gateway.ProtoGemini:
		switch plan.Source {
		case gateway.ProtoClaude:
			return transform.NewStreamGeminiToClaude(), nil
		case gateway.ProtoOpenAIChat:
			return transform.NewStreamGeminiToChat(), nil
		case gateway.ProtoOpenAIResponses:
			return transform.NewStreamGeminiToResponses(), nil
		}
	case gateway.ProtoOpenAIChat:
		switch plan.Source {
		case gateway.ProtoClaude:
			return transform.NewStreamChatToClaude(), nil
		case gateway.ProtoGemini:
			return transform.NewStreamChatToGemini(), nil
		case gateway.ProtoOpenAIResponses:
			return transform.NewStreamChatToResponses(), nil
		}
	case gateway.ProtoOpenAIResponses:
		switch plan.Source {
		case gateway.ProtoClaude:
			return transform.NewStreamResponsesToClaude(), nil
		case gateway.ProtoGemini:
			return transform.NewStreamResponsesToGemini(), nil
		case gateway.ProtoOpenAIChat:
			return transform.NewStreamResponsesToChat(), nil
		}
	}
	return nil, fmt.Errorf("stream %s <- %s: %w", plan.Source, plan.Target, gateway.ErrUnsupported)
}

// StreamifyResponse explodes a source-protocol response body into the frames
// the source protocol would have streamed. The body must already be in the
// plan's source protocol (translate first for transform plans).
func StreamifyResponse(source gateway.Protocol, body []byte) ([]protocol.StreamEvent, error) {
	switch source {
	case gateway.ProtoClaude:
		var resp protocol.ClaudeResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode response for streamify: %w", err)
		}
		return transform.StreamifyClaude(&resp), nil
	case gateway.ProtoGemini:
		var resp protocol.GeminiResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode response for streamify: %w", err)
		}
		return transform.StreamifyGemini(&resp), nil
	case gateway.ProtoOpenAIChat:
		var resp protocol.ChatResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode response for streamify: %w", err)
		}
		return transform.StreamifyChat(&resp), nil
	case gateway.ProtoOpenAIResponses:
		var resp protocol.ResponsesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, fmt.Errorf("decode response for streamify: %w", err)
		}
		return transform.StreamifyResponses(&resp), nil
	}
	return nil, fmt.Errorf("streamify %s: %w", source, gateway.ErrUnsupported)
}

// Aggregator folds one protocol's stream frames into its buffered response.
type Aggregator interface {
	Push(protocol.StreamEvent)
	Body() ([]byte, error)
}

// NewAggregator returns the aggregator for the plan's upstream protocol. The
// resulting body is in the target protocol; translate it afterwards for
// transform plans.
func NewAggregator(target gateway.Protocol) (Aggregator, error) {
	switch target {
	case gateway.ProtoClaude:
		return claudeAgg{transform.NewClaudeAggregator()}, nil
	case gateway.ProtoGemini:
		return geminiAgg{transform.NewGeminiAggregator()}, nil
	case gateway.ProtoOpenAIChat:
		return chatAgg{transform.NewChatAggregator()}, nil
	case gateway.ProtoOpenAIResponses:
		return responsesAgg{transform.NewResponsesAggregator()}, nil
	}
	return nil, fmt.Errorf("aggregate %s: %w", target, gateway.ErrUnsupported)
}

type claudeAgg struct{ *transform.ClaudeAggregator }

func (a claudeAgg) Body() ([]byte, error) { return json.Marshal(a.Result()) }

type geminiAgg struct{ *transform.GeminiAggregator }

func (a geminiAgg) Body() ([]byte, error) { return json.Marshal(a.Result()) }

type chatAgg struct{ *transform.ChatAggregator }

func (a chatAgg) Body() ([]byte, error) { return json.Marshal(a.Result()) }

type responsesAgg struct{ *transform.ResponsesAggregator }

func (a responsesAgg) Body() ([]byte, error) { return json.Marshal(a.Result()) }

// protoOp maps (protocol, family) to the upstream op. The OpenAI catalog and
// count families have one op across both OpenAI surfaces.
func protoOp(p gateway.Protocol, f gateway.OpFamily) (gateway.Op, bool) {
	switch f {
	case gateway.FamilyGenerate:
		switch p {
		case gateway.ProtoClaude:
			return gateway.OpClaudeMessages, true
		case gateway.ProtoGemini:
			return gateway.OpGeminiGenerate, true
		case gateway.ProtoOpenAIChat:
			return gateway.OpOpenAIChat, true
		case gateway.ProtoOpenAIResponses:
			return gateway.OpOpenAIResponses, true
		}
	case gateway.FamilyStream:
		switch p {
		case gateway.ProtoClaude:
			return gateway.OpClaudeMessagesStream, true
		case gateway.ProtoGemini:
			return gateway.OpGeminiGenerateStream, true
		case gateway.ProtoOpenAIChat:
			return gateway.OpOpenAIChatStream, true
		case gateway.ProtoOpenAIResponses:
			return gateway.OpOpenAIResponsesStream, true
		}
	case gateway.FamilyCountTokens:
		switch p {
		case gateway.ProtoClaude:
			return gateway.OpClaudeCountTokens, true
		case gateway.ProtoGemini:
			return gateway.OpGeminiCountTokens, true
		}
	case gateway.FamilyModelsList:
		switch catalogProto(p) {
		case gateway.ProtoClaude:
			return gateway.OpClaudeModelsList, true
		case gateway.ProtoGemini:
			return gateway.OpGeminiModelsList, true
		case gateway.ProtoOpenAIChat:
			return gateway.OpOpenAIModelsList, true
		}
	case gateway.FamilyModelsGet:
		switch catalogProto(p) {
		case gateway.ProtoClaude:
			return gateway.OpClaudeModelsGet, true
		case gateway.ProtoGemini:
			return gateway.OpGeminiModelsGet, true
		case gateway.ProtoOpenAIChat:
			return gateway.OpOpenAIModelsGet, true
		}
	}
	return 0, false
}
