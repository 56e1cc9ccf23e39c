// Package tokencount estimates request token counts locally with tiktoken.
// It backs the count-tokens endpoints of providers whose upstream has no
// server-side counter. Counts are best-effort: the package never returns an
// error, falling back to a bytes/4 heuristic when no encoding is available.
package tokencount

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/protocol"
)

const fallbackEncoding = "o200k_base"

var (
	encMu   sync.Mutex
	encodes = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) *tiktoken.Tiktoken {
	encMu.Lock()
	defer encMu.Unlock()
	if enc, ok := encodes[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		if enc, err = tiktoken.GetEncoding(fallbackEncoding); err != nil {
			enc = nil
		}
	}
	encodes[model] = enc
	return enc
}

// Text counts the tokens of one text fragment under the model's encoding.
func Text(model, text string) int {
	if text == "" {
		return 0
	}
	if enc := encodingFor(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	// No BPE data reachable; rough 4-bytes-per-token estimate.
	return (len(text) + 3) / 4
}

// Request counts the visible text of a count-tokens request. Images, files
// and other binary parts count as zero.
func Request(req *gateway.Request) int {
	switch {
	case req.ClaudeCount != nil:
		return claudeCount(req.ClaudeCount)
	case req.GeminiCount != nil:
		return geminiCount(req.GeminiCount)
	}
	return 0
}

func claudeCount(req *protocol.ClaudeCountTokensRequest) int {
	var sb strings.Builder
	for _, blk := range protocol.ClaudeBlocks(req.System) {
		writeLine(&sb, blk.Text)
	}
	for i := range req.Messages {
		for _, blk := range req.Messages[i].ContentBlocks() {
			writeLine(&sb, blk.Text)
		}
	}
	for i := range req.Tools {
		writeLine(&sb, req.Tools[i].Name)
		writeLine(&sb, req.Tools[i].Description)
	}
	return Text(req.Model, sb.String())
}

func geminiCount(req *protocol.GeminiCountTokensRequest) int {
	contents := req.Contents
	var sb strings.Builder
	if gen := req.GenerateContentRequest; gen != nil {
		if len(contents) == 0 {
			contents = gen.Contents
		}
		if gen.SystemInstruction != nil {
			writeGeminiContent(&sb, gen.SystemInstruction)
		}
	}
	for i := range contents {
		writeGeminiContent(&sb, &contents[i])
	}
	return Text(req.Model, sb.String())
}

func writeGeminiContent(sb *strings.Builder, c *protocol.GeminiContent) {
	for i := range c.Parts {
		writeLine(sb, c.Parts[i].Text)
	}
}

func writeLine(sb *strings.Builder, s string) {
	if s == "" {
		return
	}
	sb.WriteString(s)
	sb.WriteByte('\n')
}
