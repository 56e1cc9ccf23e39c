package protocol

import "encoding/json"

// ResponsesRequest is the OpenAI Responses API create request.
type ResponsesRequest struct {
	Model             string               `json:"model"`
	Input             json.RawMessage      `json:"input,omitempty"` // string or []ResponsesInputItem
	Instructions      string               `json:"instructions,omitempty"`
	MaxOutputTokens   *int                 `json:"max_output_tokens,omitempty"`
	Temperature       *float64             `json:"temperature,omitempty"`
	TopP              *float64             `json:"top_p,omitempty"`
	Stream            bool                 `json:"stream,omitempty"`
	Tools             []ResponsesTool      `json:"tools,omitempty"`
	ToolChoice        json.RawMessage      `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool                `json:"parallel_tool_calls,omitempty"`
	Reasoning         *ResponsesReasoning  `json:"reasoning,omitempty"`
	Text              *ResponsesTextConfig `json:"text,omitempty"`
	Metadata          map[string]string    `json:"metadata,omitempty"`
	Store             *bool                `json:"store,omitempty"`
	User              string               `json:"user,omitempty"`
}

// InputItems normalizes the request input into an item slice. A bare string
// becomes a single user message item.
func (r *ResponsesRequest) InputItems() []ResponsesInputItem {
	if len(r.Input) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(r.Input, &s) == nil {
		content, _ := json.Marshal(s)
		return []ResponsesInputItem{{Type: "message", Role: "user", Content: content}}
	}
	var items []ResponsesInputItem
	if json.Unmarshal(r.Input, &items) == nil {
		return items
	}
	return nil
}

// ResponsesInputItem is one input list entry, tagged by Type: message,
// function_call, function_call_output. An item with a Role and no Type is
// an "easy" message.
type ResponsesInputItem struct {
	Type    string          `json:"type,omitempty"`
	Role    string          `json:"role,omitempty"`
	Content json.RawMessage `json:"content,omitempty"` // string or []ResponsesContentPart
	ID      string          `json:"id,omitempty"`

	// function_call / function_call_output
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"` // string or []ResponsesContentPart
	Status    string          `json:"status,omitempty"`
}

// ContentParts normalizes item content into a part slice.
func (i *ResponsesInputItem) ContentParts() []ResponsesContentPart {
	return responsesParts(i.Content)
}

func responsesParts(raw json.RawMessage) []ResponsesContentPart {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []ResponsesContentPart{{Type: "input_text", Text: s}}
	}
	var parts []ResponsesContentPart
	if json.Unmarshal(raw, &parts) == nil {
		return parts
	}
	return nil
}

// ResponsesContentPart is a single content part: input_text, input_image,
// input_file, output_text, refusal.
type ResponsesContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Refusal  string `json:"refusal,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // https or data URL
	FileID   string `json:"file_id,omitempty"`
	FileURL  string `json:"file_url,omitempty"`
	Filename string `json:"filename,omitempty"`
	FileData string `json:"file_data,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ResponsesTool is a tool definition. Function tools carry Name/Parameters
// inline (no nesting, unlike chat); built-ins are tagged by Type.
type ResponsesTool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`

	// mcp
	ServerLabel   string          `json:"server_label,omitempty"`
	ServerURL     string          `json:"server_url,omitempty"`
	Authorization string          `json:"authorization,omitempty"`
	AllowedTools  json.RawMessage `json:"allowed_tools,omitempty"`
	RequireApproval json.RawMessage `json:"require_approval,omitempty"`

	// computer_use_preview
	DisplayWidth  int    `json:"display_width,omitempty"`
	DisplayHeight int    `json:"display_height,omitempty"`
	Environment   string `json:"environment,omitempty"`

	// file_search
	VectorStoreIDs []string `json:"vector_store_ids,omitempty"`

	// code_interpreter
	Container json.RawMessage `json:"container,omitempty"`
}

// ResponsesReasoning configures reasoning effort and summaries.
type ResponsesReasoning struct {
	Effort  string `json:"effort,omitempty"` // none, low, medium, high, xhigh
	Summary string `json:"summary,omitempty"`
}

// ResponsesTextConfig selects output format for structured responses.
type ResponsesTextConfig struct {
	Format *ResponsesTextFormat `json:"format,omitempty"`
}

// ResponsesTextFormat is the structured-output format descriptor.
type ResponsesTextFormat struct {
	Type   string          `json:"type"` // "text", "json_object", "json_schema"
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
}

// ResponsesResponse is the Responses API response object.
type ResponsesResponse struct {
	ID                string                      `json:"id"`
	Object            string                      `json:"object"` // "response"
	CreatedAt         int64                       `json:"created_at,omitempty"`
	Status            string                      `json:"status,omitempty"`
	Model             string                      `json:"model"`
	Instructions      string                      `json:"instructions,omitempty"`
	Output            []ResponsesOutputItem       `json:"output"`
	Usage             *ResponsesUsage             `json:"usage,omitempty"`
	IncompleteDetails *ResponsesIncompleteDetails `json:"incomplete_details,omitempty"`
	Error             *ResponsesError             `json:"error,omitempty"`
}

// Responses statuses.
const (
	ResponsesStatusCompleted  = "completed"
	ResponsesStatusIncomplete = "incomplete"
	ResponsesStatusFailed     = "failed"
	ResponsesStatusCancelled  = "cancelled"
	ResponsesStatusInProgress = "in_progress"
)

// ResponsesOutputItem is one output list entry: message, function_call,
// mcp_call, reasoning.
type ResponsesOutputItem struct {
	ID      string                 `json:"id,omitempty"`
	Type    string                 `json:"type"`
	Status  string                 `json:"status,omitempty"`
	Role    string                 `json:"role,omitempty"`
	Content []ResponsesContentPart `json:"content,omitempty"`

	// function_call / mcp_call
	CallID      string `json:"call_id,omitempty"`
	Name        string `json:"name,omitempty"`
	Arguments   string `json:"arguments,omitempty"`
	ServerLabel string `json:"server_label,omitempty"`
	Output      string `json:"output,omitempty"`

	// reasoning
	Summary json.RawMessage `json:"summary,omitempty"`
}

// ResponsesUsage is the token accounting block.
type ResponsesUsage struct {
	InputTokens         int                        `json:"input_tokens"`
	OutputTokens        int                        `json:"output_tokens"`
	TotalTokens         int                        `json:"total_tokens"`
	InputTokensDetails  *ResponsesInTokensDetails  `json:"input_tokens_details,omitempty"`
	OutputTokensDetails *ResponsesOutTokensDetails `json:"output_tokens_details,omitempty"`
}

// ResponsesInTokensDetails breaks down input token counts.
type ResponsesInTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// ResponsesOutTokensDetails breaks down output token counts.
type ResponsesOutTokensDetails struct {
	ReasoningTokens int `json:"reasoning_tokens"`
}

// ResponsesIncompleteDetails explains an incomplete status.
type ResponsesIncompleteDetails struct {
	Reason string `json:"reason,omitempty"` // "max_output_tokens", "content_filter"
}

// ResponsesError is the failure payload on a failed response.
type ResponsesError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}
