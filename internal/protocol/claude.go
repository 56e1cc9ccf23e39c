// Package protocol defines the wire types for the three public LLM protocols
// the gateway speaks: Anthropic Messages, Google Gemini generateContent, and
// OpenAI Chat Completions / Responses. Only the semantic subset the transform
// layer relies on is typed; everything else rides along as json.RawMessage.
// This package has no project imports -- it is the dependency root.
package protocol

import "encoding/json"

// ClaudeRequest is the Anthropic Messages API create request.
type ClaudeRequest struct {
	Model         string              `json:"model"`
	MaxTokens     int                 `json:"max_tokens"`
	Messages      []ClaudeMessage     `json:"messages"`
	System        json.RawMessage     `json:"system,omitempty"` // string or []ClaudeBlock
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	TopK          *int                `json:"top_k,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
	Stream        bool                `json:"stream,omitempty"`
	Tools         []ClaudeTool        `json:"tools,omitempty"`
	ToolChoice    *ClaudeToolChoice   `json:"tool_choice,omitempty"`
	Thinking      *ClaudeThinking     `json:"thinking,omitempty"`
	OutputConfig  *ClaudeOutputConfig `json:"output_config,omitempty"`
	MCPServers    []ClaudeMCPServer   `json:"mcp_servers,omitempty"`
	Metadata      *ClaudeMetadata     `json:"metadata,omitempty"`
}

// ClaudeMessage is one conversation turn. Content is either a JSON string or
// an array of ClaudeBlock; use ContentBlocks to normalize.
type ClaudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentBlocks normalizes the message content into a block slice. A bare
// string becomes a single text block.
func (m *ClaudeMessage) ContentBlocks() []ClaudeBlock {
	return ClaudeBlocks(m.Content)
}

// ClaudeBlocks decodes raw content (string or array form) into blocks.
func ClaudeBlocks(raw json.RawMessage) []ClaudeBlock {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []ClaudeBlock{{Type: "text", Text: s}}
	}
	var blocks []ClaudeBlock
	if json.Unmarshal(raw, &blocks) == nil {
		return blocks
	}
	return nil
}

// ClaudeBlock is a content block, tagged by Type: text, image, document,
// tool_use, tool_result, thinking, redacted_thinking, server_tool_use,
// mcp_tool_use, mcp_tool_result.
type ClaudeBlock struct {
	Type string `json:"type"`

	// text / thinking
	Text      string `json:"text,omitempty"`
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	// image / document
	Source *ClaudeSource `json:"source,omitempty"`

	// tool_use / server_tool_use / mcp_tool_use
	ID         string          `json:"id,omitempty"`
	Name       string          `json:"name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	ServerName string          `json:"server_name,omitempty"`

	// tool_result / mcp_tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"` // string or []ClaudeBlock
	IsError   *bool           `json:"is_error,omitempty"`
}

// ClaudeSource carries image or document payloads in one of three forms:
// base64 data, a URL, or a file id.
type ClaudeSource struct {
	Type      string `json:"type"` // "base64", "url", "file"
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileID    string `json:"file_id,omitempty"`
}

// ClaudeTool is a tool definition. Custom function tools have Name plus
// InputSchema; built-ins are tagged by versioned Type values such as
// "web_search_20250305" or "computer_20250124".
type ClaudeTool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// computer_use
	DisplayWidthPx  int `json:"display_width_px,omitempty"`
	DisplayHeightPx int `json:"display_height_px,omitempty"`

	// web_search
	MaxUses int `json:"max_uses,omitempty"`
}

// IsBuiltin reports whether the tool is a provider built-in rather than a
// custom function schema.
func (t *ClaudeTool) IsBuiltin() bool {
	return t.Type != "" && t.Type != "custom"
}

// ClaudeToolChoice selects tool-use behavior: auto, any, none, or a named tool.
type ClaudeToolChoice struct {
	Type                   string `json:"type"`
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse *bool  `json:"disable_parallel_tool_use,omitempty"`
}

// ClaudeThinking configures extended thinking.
type ClaudeThinking struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// ClaudeOutputConfig carries the reasoning effort knob.
type ClaudeOutputConfig struct {
	Effort string `json:"effort,omitempty"` // low, medium, high, max
}

// ClaudeMCPServer references an MCP tool server.
type ClaudeMCPServer struct {
	Type               string              `json:"type"` // "url"
	URL                string              `json:"url"`
	Name               string              `json:"name"`
	AuthorizationToken string              `json:"authorization_token,omitempty"`
	ToolConfiguration  *ClaudeMCPToolConf  `json:"tool_configuration,omitempty"`
}

// ClaudeMCPToolConf restricts which tools an MCP server exposes.
type ClaudeMCPToolConf struct {
	Enabled      *bool    `json:"enabled,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// ClaudeMetadata is the request metadata map subset.
type ClaudeMetadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ClaudeResponse is the Messages API response.
type ClaudeResponse struct {
	ID           string        `json:"id"`
	Type         string        `json:"type"` // "message"
	Role         string        `json:"role"` // "assistant"
	Model        string        `json:"model"`
	Content      []ClaudeBlock `json:"content"`
	StopReason   string        `json:"stop_reason,omitempty"`
	StopSequence string        `json:"stop_sequence,omitempty"`
	Usage        *ClaudeUsage  `json:"usage,omitempty"`
}

// ClaudeUsage is the Messages token accounting block.
type ClaudeUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// Claude stop reasons.
const (
	ClaudeStopEndTurn      = "end_turn"
	ClaudeStopMaxTokens    = "max_tokens"
	ClaudeStopStopSequence = "stop_sequence"
	ClaudeStopToolUse      = "tool_use"
	ClaudeStopRefusal      = "refusal"
	ClaudeStopPauseTurn    = "pause_turn"
)

// ClaudeCountTokensRequest is the count_tokens request body.
type ClaudeCountTokensRequest struct {
	Model    string          `json:"model"`
	Messages []ClaudeMessage `json:"messages"`
	System   json.RawMessage `json:"system,omitempty"`
	Tools    []ClaudeTool    `json:"tools,omitempty"`
}

// ClaudeCountTokensResponse is the count_tokens response body.
type ClaudeCountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// ClaudeModelInfo is one entry in the Anthropic models catalog.
type ClaudeModelInfo struct {
	ID          string `json:"id"`
	Type        string `json:"type"` // "model"
	DisplayName string `json:"display_name,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

// ClaudeModelsList is the models list envelope.
type ClaudeModelsList struct {
	Data    []ClaudeModelInfo `json:"data"`
	HasMore bool              `json:"has_more"`
	FirstID string            `json:"first_id,omitempty"`
	LastID  string            `json:"last_id,omitempty"`
}
