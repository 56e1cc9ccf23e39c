package gateway

// Op identifies one canonical inbound operation. Ops are dense and stably
// ordered; they index the per-provider DispatchTable directly.
type Op uint8

const (
	OpClaudeMessages Op = iota
	OpClaudeMessagesStream
	OpClaudeCountTokens
	OpClaudeModelsList
	OpClaudeModelsGet
	OpGeminiGenerate
	OpGeminiGenerateStream
	OpGeminiCountTokens
	OpGeminiModelsList
	OpGeminiModelsGet
	OpOpenAIChat
	OpOpenAIChatStream
	OpOpenAIResponses
	OpOpenAIResponsesStream
	OpOpenAIModelsList
	OpOpenAIModelsGet
	OpOAuthStart
	OpOAuthCallback
	OpUsage

	// OpCount is the table size; every slot below it must be populated.
	OpCount
)

var opNames = [OpCount]string{
	"claude_messages",
	"claude_messages_stream",
	"claude_count_tokens",
	"claude_models_list",
	"claude_models_get",
	"gemini_generate",
	"gemini_generate_stream",
	"gemini_count_tokens",
	"gemini_models_list",
	"gemini_models_get",
	"openai_chat",
	"openai_chat_stream",
	"openai_responses",
	"openai_responses_stream",
	"openai_models_list",
	"openai_models_get",
	"oauth_start",
	"oauth_callback",
	"usage",
}

// String returns the stable op name used in logs and errors.
func (o Op) String() string {
	if o < OpCount {
		return opNames[o]
	}
	return "unknown"
}

// OpFamily groups ops by transform family.
type OpFamily uint8

const (
	FamilyGenerate OpFamily = iota
	FamilyStream
	FamilyCountTokens
	FamilyModelsList
	FamilyModelsGet
	// FamilyControl ops (OAuth, usage) never transform.
	FamilyControl
)

// String returns the family name used in logs and errors.
func (f OpFamily) String() string {
	switch f {
	case FamilyGenerate:
		return "generate"
	case FamilyStream:
		return "stream"
	case FamilyCountTokens:
		return "count_tokens"
	case FamilyModelsList:
		return "models_list"
	case FamilyModelsGet:
		return "models_get"
	default:
		return "control"
	}
}

// Family returns the op's transform family.
func (o Op) Family() OpFamily {
	switch o {
	case OpClaudeMessages, OpGeminiGenerate, OpOpenAIChat, OpOpenAIResponses:
		return FamilyGenerate
	case OpClaudeMessagesStream, OpGeminiGenerateStream, OpOpenAIChatStream, OpOpenAIResponsesStream:
		return FamilyStream
	case OpClaudeCountTokens, OpGeminiCountTokens:
		return FamilyCountTokens
	case OpClaudeModelsList, OpGeminiModelsList, OpOpenAIModelsList:
		return FamilyModelsList
	case OpClaudeModelsGet, OpGeminiModelsGet, OpOpenAIModelsGet:
		return FamilyModelsGet
	default:
		return FamilyControl
	}
}

// Proto returns the inbound protocol the op belongs to. Models and
// count-tokens ops on the OpenAI surface report ProtoOpenAIChat.
func (o Op) Proto() Protocol {
	switch o {
	case OpClaudeMessages, OpClaudeMessagesStream, OpClaudeCountTokens, OpClaudeModelsList, OpClaudeModelsGet:
		return ProtoClaude
	case OpGeminiGenerate, OpGeminiGenerateStream, OpGeminiCountTokens, OpGeminiModelsList, OpGeminiModelsGet:
		return ProtoGemini
	case OpOpenAIResponses, OpOpenAIResponsesStream:
		return ProtoOpenAIResponses
	default:
		return ProtoOpenAIChat
	}
}

// UsageKind tells the usage extractor which wire shape to expect.
type UsageKind uint8

const (
	UsageNone UsageKind = iota
	UsageClaudeMessage
	UsageGeminiGenerate
	UsageOpenAIChat
	UsageOpenAIResponses
)

// String returns the usage kind name.
func (u UsageKind) String() string {
	switch u {
	case UsageClaudeMessage:
		return "claude_message"
	case UsageGeminiGenerate:
		return "gemini_generate"
	case UsageOpenAIChat:
		return "openai_chat"
	case UsageOpenAIResponses:
		return "openai_responses"
	default:
		return "none"
	}
}

// DispatchMode selects how a provider serves an op. The zero value is
// Unsupported so an unpopulated slot rejects rather than misroutes.
type DispatchMode uint8

const (
	ModeUnsupported DispatchMode = iota
	ModeNative
	ModeTransform
)

// OpSpec is one dispatch table slot.
type OpSpec struct {
	Mode   DispatchMode
	Target Protocol // transform target; meaningful only for ModeTransform
	Usage  UsageKind
}

// DispatchTable maps every Op to its OpSpec for one provider. Always a dense
// array, compiled as a package-level value per provider.
type DispatchTable [OpCount]OpSpec

// Native builds a native-mode slot.
func Native(usage UsageKind) OpSpec { return OpSpec{Mode: ModeNative, Usage: usage} }

// Transform builds a transform-mode slot targeting proto.
func Transform(target Protocol, usage UsageKind) OpSpec {
	return OpSpec{Mode: ModeTransform, Target: target, Usage: usage}
}
