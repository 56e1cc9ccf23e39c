package transform

import (
	"encoding/json"
	"strings"

	"github.com/eugener/heimdall/internal/protocol"
)

// Built-in tool kinds canonicalized across the three protocols. A built-in
// without a counterpart in the target is dropped, never errored.
const (
	builtinWebSearch     = "web_search"
	builtinCodeExecution = "code_execution"
	builtinShell         = "shell"
	builtinComputerUse   = "computer_use"
	builtinTextEditor    = "text_editor"
	builtinFileSearch    = "file_search"
	builtinMCP           = "mcp"
)

var emptyObject = json.RawMessage(`{}`)

// claudeBuiltinKind canonicalizes a Claude versioned tool type
// ("web_search_20250305" etc.). Empty for custom function tools.
func claudeBuiltinKind(t *protocol.ClaudeTool) string {
	switch {
	case t.Type == "" || t.Type == "custom":
		return ""
	case strings.HasPrefix(t.Type, "web_search"):
		return builtinWebSearch
	case strings.HasPrefix(t.Type, "code_execution"):
		return builtinCodeExecution
	case strings.HasPrefix(t.Type, "bash"):
		return builtinShell
	case strings.HasPrefix(t.Type, "computer"):
		return builtinComputerUse
	case strings.HasPrefix(t.Type, "text_editor"):
		return builtinTextEditor
	case strings.HasPrefix(t.Type, "tool_search_bm25"):
		return builtinFileSearch
	default:
		return ""
	}
}

// responsesBuiltinKind canonicalizes a Responses tool type. Empty for custom
// function tools.
func responsesBuiltinKind(t *protocol.ResponsesTool) string {
	switch t.Type {
	case "web_search", "web_search_preview":
		return builtinWebSearch
	case "code_interpreter":
		return builtinCodeExecution
	case "shell", "local_shell":
		return builtinShell
	case "computer_use_preview":
		return builtinComputerUse
	case "apply_patch":
		return builtinTextEditor
	case "file_search":
		return builtinFileSearch
	case "mcp":
		return builtinMCP
	default:
		return ""
	}
}

// claudeBuiltinToResponses maps one Claude built-in to a Responses tool, or
// nil when the target has no counterpart.
func claudeBuiltinToResponses(t *protocol.ClaudeTool) *protocol.ResponsesTool {
	switch claudeBuiltinKind(t) {
	case builtinWebSearch:
		return &protocol.ResponsesTool{Type: "web_search"}
	case builtinCodeExecution:
		return &protocol.ResponsesTool{Type: "code_interpreter"}
	case builtinShell:
		return &protocol.ResponsesTool{Type: "shell"}
	case builtinComputerUse:
		return &protocol.ResponsesTool{
			Type:          "computer_use_preview",
			Environment:   "browser",
			DisplayWidth:  t.DisplayWidthPx,
			DisplayHeight: t.DisplayHeightPx,
		}
	case builtinTextEditor:
		return &protocol.ResponsesTool{Type: "apply_patch"}
	case builtinFileSearch:
		return &protocol.ResponsesTool{Type: "file_search"}
	default:
		return nil
	}
}

// claudeBuiltinToGemini folds one Claude built-in into a Gemini tool group,
// reporting whether anything was set.
func claudeBuiltinToGemini(t *protocol.ClaudeTool, group *protocol.GeminiTool) bool {
	switch claudeBuiltinKind(t) {
	case builtinWebSearch:
		group.GoogleSearch = emptyObject
	case builtinCodeExecution, builtinShell:
		group.CodeExecution = emptyObject
	case builtinComputerUse:
		group.ComputerUse = emptyObject
	case builtinFileSearch:
		group.FileSearch = emptyObject
	default:
		return false
	}
	return true
}

// responsesBuiltinToClaude maps one Responses built-in to a Claude tool, or
// nil when the target has no counterpart.
func responsesBuiltinToClaude(t *protocol.ResponsesTool) *protocol.ClaudeTool {
	switch responsesBuiltinKind(t) {
	case builtinWebSearch:
		return &protocol.ClaudeTool{Type: "web_search_20250305", Name: "web_search"}
	case builtinCodeExecution:
		return &protocol.ClaudeTool{Type: "code_execution_20250522", Name: "code_execution"}
	case builtinShell:
		return &protocol.ClaudeTool{Type: "bash_20250124", Name: "bash"}
	case builtinComputerUse:
		return &protocol.ClaudeTool{
			Type:            "computer_20250124",
			Name:            "computer",
			DisplayWidthPx:  t.DisplayWidth,
			DisplayHeightPx: t.DisplayHeight,
		}
	case builtinTextEditor:
		return &protocol.ClaudeTool{Type: "text_editor_20250124", Name: "str_replace_editor"}
	case builtinFileSearch:
		return &protocol.ClaudeTool{Type: "tool_search_bm25_20251119", Name: "tool_search"}
	default:
		return nil
	}
}

// responsesBuiltinToGemini folds one Responses built-in into a Gemini tool
// group, reporting whether anything was set.
func responsesBuiltinToGemini(t *protocol.ResponsesTool, group *protocol.GeminiTool) bool {
	switch responsesBuiltinKind(t) {
	case builtinWebSearch:
		group.GoogleSearch = emptyObject
	case builtinCodeExecution, builtinShell:
		group.CodeExecution = emptyObject
	case builtinComputerUse:
		group.ComputerUse = emptyObject
	case builtinFileSearch:
		group.FileSearch = emptyObject
	default:
		return false
	}
	return true
}

// geminiBuiltinsToClaude expands a Gemini tool group into Claude built-ins.
func geminiBuiltinsToClaude(g *protocol.GeminiTool) []protocol.ClaudeTool {
	var out []protocol.ClaudeTool
	if g.GoogleSearch != nil {
		out = append(out, protocol.ClaudeTool{Type: "web_search_20250305", Name: "web_search"})
	}
	if g.CodeExecution != nil {
		out = append(out, protocol.ClaudeTool{Type: "code_execution_20250522", Name: "code_execution"})
	}
	if g.ComputerUse != nil {
		out = append(out, protocol.ClaudeTool{Type: "computer_20250124", Name: "computer"})
	}
	if g.FileSearch != nil {
		out = append(out, protocol.ClaudeTool{Type: "tool_search_bm25_20251119", Name: "tool_search"})
	}
	return out
}

// geminiBuiltinsToResponses expands a Gemini tool group into Responses tools.
func geminiBuiltinsToResponses(g *protocol.GeminiTool) []protocol.ResponsesTool {
	var out []protocol.ResponsesTool
	if g.GoogleSearch != nil {
		out = append(out, protocol.ResponsesTool{Type: "web_search"})
	}
	if g.CodeExecution != nil {
		out = append(out, protocol.ResponsesTool{Type: "code_interpreter"})
	}
	if g.ComputerUse != nil {
		out = append(out, protocol.ResponsesTool{Type: "computer_use_preview", Environment: "browser"})
	}
	if g.FileSearch != nil {
		out = append(out, protocol.ResponsesTool{Type: "file_search"})
	}
	return out
}

// claudeMCPToResponses maps Claude mcp_servers entries to Responses mcp tools.
func claudeMCPToResponses(servers []protocol.ClaudeMCPServer) []protocol.ResponsesTool {
	var out []protocol.ResponsesTool
	for _, s := range servers {
		tool := protocol.ResponsesTool{
			Type:          "mcp",
			ServerLabel:   s.Name,
			ServerURL:     s.URL,
			Authorization: s.AuthorizationToken,
		}
		if s.ToolConfiguration != nil && len(s.ToolConfiguration.AllowedTools) > 0 {
			tool.AllowedTools, _ = json.Marshal(s.ToolConfiguration.AllowedTools)
		}
		out = append(out, tool)
	}
	return out
}

// responsesMCPToClaude maps Responses mcp tools back to Claude mcp_servers.
func responsesMCPToClaude(tools []protocol.ResponsesTool) []protocol.ClaudeMCPServer {
	var out []protocol.ClaudeMCPServer
	for _, t := range tools {
		if t.Type != "mcp" {
			continue
		}
		server := protocol.ClaudeMCPServer{
			Type:               "url",
			URL:                t.ServerURL,
			Name:               t.ServerLabel,
			AuthorizationToken: t.Authorization,
		}
		var allowed []string
		if len(t.AllowedTools) > 0 && json.Unmarshal(t.AllowedTools, &allowed) == nil && len(allowed) > 0 {
			server.ToolConfiguration = &protocol.ClaudeMCPToolConf{AllowedTools: allowed}
		}
		out = append(out, server)
	}
	return out
}
