package protocol

import "encoding/json"

// GeminiRequest is the generateContent / streamGenerateContent request body.
// The model rides in the URL path, not the body; the server layer fills Model
// from the route and it is never marshaled.
type GeminiRequest struct {
	Model             string                  `json:"-"`
	Contents          []GeminiContent         `json:"contents"`
	SystemInstruction *GeminiContent          `json:"systemInstruction,omitempty"`
	Tools             []GeminiTool            `json:"tools,omitempty"`
	ToolConfig        *GeminiToolConfig       `json:"toolConfig,omitempty"`
	GenerationConfig  *GeminiGenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings    json.RawMessage         `json:"safetySettings,omitempty"`
	CachedContent     string                  `json:"cachedContent,omitempty"`
}

// GeminiContent is one conversation turn ("user" or "model").
type GeminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []GeminiPart `json:"parts"`
}

// GeminiPart is a single content part. Exactly one payload field is set.
type GeminiPart struct {
	Text                string                  `json:"text,omitempty"`
	Thought             bool                    `json:"thought,omitempty"`
	ThoughtSignature    string                  `json:"thoughtSignature,omitempty"`
	InlineData          *GeminiBlob             `json:"inlineData,omitempty"`
	FileData            *GeminiFileData         `json:"fileData,omitempty"`
	FunctionCall        *GeminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse    *GeminiFunctionResponse `json:"functionResponse,omitempty"`
	ExecutableCode      json.RawMessage         `json:"executableCode,omitempty"`
	CodeExecutionResult json.RawMessage         `json:"codeExecutionResult,omitempty"`
}

// GeminiBlob is inline base64 data with a mime type.
type GeminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// GeminiFileData references previously uploaded or remote file content.
type GeminiFileData struct {
	MimeType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

// GeminiFunctionCall is a model-emitted tool invocation.
type GeminiFunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// GeminiFunctionResponse is a caller-supplied tool result.
type GeminiFunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response,omitempty"`
}

// GeminiTool groups function declarations and built-in tool switches.
// Built-ins are presence-typed empty objects on the wire.
type GeminiTool struct {
	FunctionDeclarations []GeminiFunctionDeclaration `json:"functionDeclarations,omitempty"`
	GoogleSearch         json.RawMessage             `json:"googleSearch,omitempty"`
	CodeExecution        json.RawMessage             `json:"codeExecution,omitempty"`
	ComputerUse          json.RawMessage             `json:"computerUse,omitempty"`
	FileSearch           json.RawMessage             `json:"fileSearch,omitempty"`
	URLContext           json.RawMessage             `json:"urlContext,omitempty"`
}

// GeminiFunctionDeclaration is a custom function tool schema.
type GeminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// GeminiToolConfig controls function-calling mode.
type GeminiToolConfig struct {
	FunctionCallingConfig *GeminiFunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// GeminiFunctionCallingConfig holds mode AUTO, ANY, or NONE plus an optional
// allow-list of function names.
type GeminiFunctionCallingConfig struct {
	Mode                 string   `json:"mode,omitempty"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// GeminiGenerationConfig is the sampling and output configuration.
type GeminiGenerationConfig struct {
	Temperature      *float64              `json:"temperature,omitempty"`
	TopP             *float64              `json:"topP,omitempty"`
	TopK             *int                  `json:"topK,omitempty"`
	MaxOutputTokens  *int                  `json:"maxOutputTokens,omitempty"`
	StopSequences    []string              `json:"stopSequences,omitempty"`
	CandidateCount   *int                  `json:"candidateCount,omitempty"`
	ResponseMimeType string                `json:"responseMimeType,omitempty"`
	ResponseSchema   json.RawMessage       `json:"responseSchema,omitempty"`
	ThinkingConfig   *GeminiThinkingConfig `json:"thinkingConfig,omitempty"`
}

// GeminiThinkingConfig configures thought inclusion and budget.
type GeminiThinkingConfig struct {
	IncludeThoughts *bool  `json:"includeThoughts,omitempty"`
	ThinkingBudget  *int   `json:"thinkingBudget,omitempty"`
	ThinkingLevel   string `json:"thinkingLevel,omitempty"` // minimal, low, medium, high
}

// GeminiResponse is the generateContent response (also a single stream chunk).
type GeminiResponse struct {
	Candidates    []GeminiCandidate    `json:"candidates,omitempty"`
	UsageMetadata *GeminiUsageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
}

// GeminiCandidate is a single generation candidate.
type GeminiCandidate struct {
	Content      GeminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
	Index        int           `json:"index,omitempty"`
}

// GeminiUsageMetadata is the token accounting block.
type GeminiUsageMetadata struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount         int `json:"totalTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount,omitempty"`
}

// Gemini finish reasons.
const (
	GeminiFinishStop       = "STOP"
	GeminiFinishMaxTokens  = "MAX_TOKENS"
	GeminiFinishSafety     = "SAFETY"
	GeminiFinishRecitation = "RECITATION"
	GeminiFinishOther      = "OTHER"
)

// GeminiCountTokensRequest is the countTokens request body. Either Contents
// or a full GenerateContentRequest is supplied.
type GeminiCountTokensRequest struct {
	Model                  string          `json:"-"`
	Contents               []GeminiContent `json:"contents,omitempty"`
	GenerateContentRequest *GeminiRequest  `json:"generateContentRequest,omitempty"`
}

// GeminiCountTokensResponse is the countTokens response body.
type GeminiCountTokensResponse struct {
	TotalTokens            int `json:"totalTokens"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// GeminiModelInfo is one entry in the Gemini models catalog.
type GeminiModelInfo struct {
	Name                       string   `json:"name"` // "models/<id>"
	Version                    string   `json:"version,omitempty"`
	DisplayName                string   `json:"displayName,omitempty"`
	Description                string   `json:"description,omitempty"`
	InputTokenLimit            int      `json:"inputTokenLimit,omitempty"`
	OutputTokenLimit           int      `json:"outputTokenLimit,omitempty"`
	SupportedGenerationMethods []string `json:"supportedGenerationMethods,omitempty"`
}

// GeminiModelsList is the models list envelope.
type GeminiModelsList struct {
	Models        []GeminiModelInfo `json:"models"`
	NextPageToken string            `json:"nextPageToken,omitempty"`
}

// VertexPublisherModel is one entry in Vertex's publisherModels envelope.
type VertexPublisherModel struct {
	Name      string `json:"name"` // "publishers/<pub>/models/<id>[@<ver>]"
	VersionID string `json:"versionId,omitempty"`
}

// VertexModelsList is the Vertex publisher models envelope, flattened into
// GeminiModelsList by the transform layer.
type VertexModelsList struct {
	PublisherModels []VertexPublisherModel `json:"publisherModels"`
	NextPageToken   string                 `json:"nextPageToken,omitempty"`
}
