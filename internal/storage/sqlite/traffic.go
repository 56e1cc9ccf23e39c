package sqlite

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	gateway "github.com/eugener/heimdall/internal"
)

// Usage kinds stored in upstream_traffic.usage_kind. One row carries at most
// one counter group; the kind names which columns mean what.
const (
	usageKindClaude    = "claude"
	usageKindGemini    = "gemini"
	usageKindChat      = "openai_chat"
	usageKindResponses = "openai_responses"
)

// InsertDownstream batch-inserts inbound request events.
func (s *Store) InsertDownstream(ctx context.Context, events []gateway.DownstreamTrafficEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 13
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		args = append(args,
			id, e.TraceID, e.UserID, e.Method, e.Path, e.Query, e.UserAgent,
			e.Op, e.Model, e.Status, e.DurationMS, boolToInt(e.Cancelled),
			e.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO downstream_traffic
		(id, trace_id, user_id, method, path, query, user_agent,
		 op, model, status, duration_ms, cancelled, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// InsertUpstream batch-inserts upstream attempt events. The usage group, when
// present, is flattened into the token columns under its kind.
func (s *Store) InsertUpstream(ctx context.Context, events []gateway.UpstreamTrafficEvent) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 19
	placeholders := make([]string, len(events))
	args := make([]any, 0, len(events)*cols)

	for i, e := range events {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		kind, in, out, total, cached, extra := flattenUsage(e.Usage)
		args = append(args,
			id, e.TraceID, e.ProviderID, e.ProviderName, e.CredentialID,
			e.Op, e.Model, e.AttemptNo, e.Status, e.ErrorKind,
			e.DurationMS, boolToInt(e.Cancelled),
			kind, in, out, total, cached, extra,
			e.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO upstream_traffic
		(id, trace_id, provider_id, provider_name, credential_id,
		 op, model, attempt_no, status, error_kind, duration_ms, cancelled,
		 usage_kind, in_tokens, out_tokens, total_tokens, cached_tokens, extra_tokens,
		 created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// GetUpstreamUsage sums token counters grouped by the shape they were
// recorded in, narrowed by whichever query fields are set. A query that
// matches no rows returns an empty (non-nil) TrafficUsage.
func (s *Store) GetUpstreamUsage(ctx context.Context, q gateway.UsageQuery) (*gateway.TrafficUsage, error) {
	where := []string{"usage_kind != ''"}
	var args []any
	if q.CredentialID != "" {
		where = append(where, "credential_id = ?")
		args = append(args, q.CredentialID)
	}
	if q.Model != "" {
		where = append(where, "model = ?")
		args = append(args, q.Model)
	}
	if !q.Start.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Start.UTC().Format(time.RFC3339))
	}
	if !q.End.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.End.UTC().Format(time.RFC3339))
	}

	query := `SELECT usage_kind,
		SUM(in_tokens), SUM(out_tokens), SUM(total_tokens),
		SUM(cached_tokens), SUM(extra_tokens)
		FROM upstream_traffic WHERE ` + strings.Join(where, " AND ") + `
		GROUP BY usage_kind`

	rows, err := s.read.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	usage := &gateway.TrafficUsage{}
	for rows.Next() {
		var kind string
		var in, out, total, cached, extra int
		if err := rows.Scan(&kind, &in, &out, &total, &cached, &extra); err != nil {
			return nil, err
		}
		switch kind {
		case usageKindClaude:
			usage.Claude = &gateway.ClaudeUsageCounters{
				InputTokens:         in,
				OutputTokens:        out,
				TotalTokens:         total,
				CacheReadTokens:     cached,
				CacheCreationTokens: extra,
			}
		case usageKindGemini:
			usage.Gemini = &gateway.GeminiUsageCounters{
				PromptTokens:     in,
				CandidatesTokens: out,
				TotalTokens:      total,
				CachedTokens:     cached,
			}
		case usageKindChat:
			usage.OpenAIChat = &gateway.OpenAIChatUsageCounters{
				PromptTokens:     in,
				CompletionTokens: out,
				TotalTokens:      total,
			}
		case usageKindResponses:
			usage.OpenAIResponses = &gateway.OpenAIResponsesUsageCounters{
				InputTokens:     in,
				OutputTokens:    out,
				TotalTokens:     total,
				InputCached:     cached,
				OutputReasoning: extra,
			}
		}
	}
	return usage, rows.Err()
}

func flattenUsage(u *gateway.TrafficUsage) (kind string, in, out, total, cached, extra int) {
	switch {
	case u == nil:
		return "", 0, 0, 0, 0, 0
	case u.Claude != nil:
		c := u.Claude
		return usageKindClaude, c.InputTokens, c.OutputTokens, c.TotalTokens, c.CacheReadTokens, c.CacheCreationTokens
	case u.Gemini != nil:
		g := u.Gemini
		return usageKindGemini, g.PromptTokens, g.CandidatesTokens, g.TotalTokens, g.CachedTokens, 0
	case u.OpenAIChat != nil:
		c := u.OpenAIChat
		return usageKindChat, c.PromptTokens, c.CompletionTokens, c.TotalTokens, 0, 0
	case u.OpenAIResponses != nil:
		r := u.OpenAIResponses
		return usageKindResponses, r.InputTokens, r.OutputTokens, r.TotalTokens, r.InputCached, r.OutputReasoning
	}
	return "", 0, 0, 0, 0, 0
}
