package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/app"
	"github.com/eugener/heimdall/internal/dispatch"
	"github.com/eugener/heimdall/internal/protocol"
	"github.com/eugener/heimdall/internal/provider/sseutil"
	"github.com/eugener/heimdall/internal/upstream"
)

// serve runs the dispatch pipeline for a decoded inbound request: resolve
// against each configured provider in order, execute the first that supports
// the op, and render the response in the inbound protocol. Providers that
// reject the op or have no usable credential are skipped; any other failure
// is terminal because by then the winning provider has been picked.
func (s *server) serve(w http.ResponseWriter, r *http.Request, req *gateway.Request, geminiSSE bool) {
	ctx := r.Context()
	gateway.SetOperation(ctx, req.Op.String(), req.Model())

	if body, ok := s.catalogLookup(ctx, req); ok {
		writeRawJSON(w, http.StatusOK, body)
		return
	}

	providers := s.deps.Runtime.Providers()
	if len(providers) == 0 {
		writeProtocolError(w, req.Op.Proto(), http.StatusServiceUnavailable, "no upstream providers configured")
		return
	}

	var lastErr error
	for _, rp := range providers {
		plan, err := dispatch.Resolve(req, rp.Provider.Table())
		if err != nil {
			continue
		}
		err = s.serveVia(ctx, w, r, req, rp, plan, geminiSSE)
		if err == nil {
			return
		}
		if errors.Is(err, gateway.ErrNoCredential) || errors.Is(err, gateway.ErrUnsupported) {
			lastErr = err
			continue
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "upstream request failed",
			slog.String("provider", rp.Record.Name),
			slog.String("op", req.Op.String()),
			slog.Any("error", err),
		)
		writeError(w, req.Op.Proto(), err)
		return
	}

	if lastErr != nil {
		writeError(w, req.Op.Proto(), lastErr)
		return
	}
	writeProtocolError(w, req.Op.Proto(), http.StatusNotFound,
		"no provider supports "+req.Op.String())
}

func (s *server) serveVia(ctx context.Context, w http.ResponseWriter, r *http.Request, req *gateway.Request, rp *app.RuntimeProvider, plan *dispatch.Plan, geminiSSE bool) error {
	upReq := req
	switch {
	case plan.Transforms():
		var err error
		upReq, err = dispatch.TranslateRequest(plan, req)
		if err != nil {
			return err
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.TransformsTotal.WithLabelValues(
				plan.Source.String(), plan.Target.String(), plan.Op.Family().String()).Inc()
		}
	case plan.Op != req.Op:
		// Native sibling-shape plan: same protocol, opposite streamness.
		upReq = siblingRequest(plan.Op, req)
	}

	dctx := &gateway.DownstreamContext{
		TraceID:       gateway.RequestIDFromContext(ctx),
		UserAgent:     r.UserAgent(),
		OutboundProxy: rp.Record.OutboundProxy,
		ProviderID:    rp.Record.ID,
		ProviderName:  rp.Record.Name,
	}
	if id := gateway.IdentityFromContext(ctx); id != nil {
		dctx.UserID = id.UserID
	}

	start := time.Now()
	resp, cred, err := rp.Executor.Execute(ctx, rp.Provider, upReq, dctx)
	if s.deps.Metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		s.deps.Metrics.UpstreamAttempts.WithLabelValues(rp.Record.Name, outcome).Inc()
		s.deps.Metrics.UpstreamDuration.WithLabelValues(rp.Record.Name, plan.Op.String()).
			Observe(time.Since(start).Seconds())
	}
	if err != nil {
		s.recordUpstream(ctx, dctx, upReq, cred, 0, err, time.Since(start), nil)
		return err
	}

	known := knownUsageShape(rp.Provider)

	if resp.Stream == nil {
		return s.serveBuffered(ctx, w, req, rp, plan, resp, cred, dctx, start, known, geminiSSE)
	}
	defer resp.Stream.Close()

	if req.Stream() {
		return s.serveStream(ctx, w, rp, plan, resp, cred, dctx, start, geminiSSE)
	}
	return s.serveAggregate(ctx, w, rp, plan, resp, cred, dctx, start, known)
}

// serveBuffered handles a buffered upstream body: translate if the plan
// crosses protocols, streamify if the caller asked for a stream.
func (s *server) serveBuffered(ctx context.Context, w http.ResponseWriter, req *gateway.Request, rp *app.RuntimeProvider, plan *dispatch.Plan, resp *gateway.UpstreamHTTPResponse, cred gateway.CredentialEntry, dctx *gateway.DownstreamContext, start time.Time, known, geminiSSE bool) error {
	body := resp.Body
	if rn, ok := rp.Provider.(gateway.ResponseNormalizer); ok {
		body = rn.NormalizeNonStreamResponse(plan.Op, body)
	}

	usage := upstream.ExtractBuffered(plan.Usage, body, known)
	s.recordUpstream(ctx, dctx, req, cred, resp.Status, nil, time.Since(start), usage)
	s.countTokens(req.Model(), usage)

	if plan.Transforms() {
		var err error
		body, err = dispatch.TranslateResponse(plan, body)
		if err != nil {
			return err
		}
		body = echoModel(plan.Source, body, req.Model())
	}

	if plan.Shape == dispatch.ShapeStreamify {
		events, err := dispatch.StreamifyResponse(plan.Source, body)
		if err != nil {
			return err
		}
		sw := newStreamWriter(w, plan.Source, geminiSSE)
		for _, ev := range events {
			if err := sw.WriteEvent(ev); err != nil {
				return nil // client went away mid-write
			}
		}
		return sw.Close()
	}

	s.catalogStore(ctx, req, body)
	writeRawJSON(w, resp.Status, body)
	return nil
}

// serveAggregate folds an upstream stream into one buffered response.
func (s *server) serveAggregate(ctx context.Context, w http.ResponseWriter, rp *app.RuntimeProvider, plan *dispatch.Plan, resp *gateway.UpstreamHTTPResponse, cred gateway.CredentialEntry, dctx *gateway.DownstreamContext, start time.Time, known bool) error {
	agg, err := dispatch.NewAggregator(plan.Target)
	if err != nil {
		return err
	}
	state := upstream.NewUsageState(plan.Usage)
	sn, _ := rp.Provider.(gateway.StreamNormalizer)

	reader := sseutil.NewEventReader(resp.Stream, upstreamFormat(plan.Target))
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if string(ev.Data) == doneSentinel {
			continue
		}
		if sn != nil {
			ev.Data = sn.NormalizeStreamData(plan.Op, ev.Data)
		}
		if state != nil {
			state.Observe(ev.Data)
		}
		agg.Push(ev)
	}

	body, err := agg.Body()
	if err != nil {
		return err
	}

	var usage *gateway.TrafficUsage
	if state != nil {
		usage = state.Finish()
	}
	if usage.Empty() {
		usage = upstream.ExtractBuffered(plan.Usage, body, known)
	}
	s.recordUpstream(ctx, dctx, &gateway.Request{Op: plan.Op}, cred, resp.Status, nil, time.Since(start), usage)

	if plan.Transforms() {
		body, err = dispatch.TranslateResponse(plan, body)
		if err != nil {
			return err
		}
		_, model := gateway.OperationFromContext(ctx)
		body = echoModel(plan.Source, body, model)
	}
	writeRawJSON(w, http.StatusOK, body)
	return nil
}

// serveStream relays an upstream stream, translating frame-by-frame when the
// plan crosses protocols. Once the first frame goes out the response is
// committed; later upstream errors just end the stream.
func (s *server) serveStream(ctx context.Context, w http.ResponseWriter, rp *app.RuntimeProvider, plan *dispatch.Plan, resp *gateway.UpstreamHTTPResponse, cred gateway.CredentialEntry, dctx *gateway.DownstreamContext, start time.Time, geminiSSE bool) error {
	var translator interface {
		Push(protocol.StreamEvent) []protocol.StreamEvent
	}
	if plan.Transforms() {
		tr, err := dispatch.NewStreamTranslator(plan)
		if err != nil {
			return err
		}
		translator = tr
	}

	state := upstream.NewUsageState(plan.Usage)
	sn, _ := rp.Provider.(gateway.StreamNormalizer)
	sw := newStreamWriter(w, plan.Source, geminiSSE)
	reader := sseutil.NewEventReader(resp.Stream, upstreamFormat(plan.Target))

	var readErr error
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			readErr = err
			break
		}
		if sn != nil && string(ev.Data) != doneSentinel {
			ev.Data = sn.NormalizeStreamData(plan.Op, ev.Data)
		}
		if state != nil {
			state.Observe(ev.Data)
		}
		if translator == nil {
			if err := sw.WriteEvent(ev); err != nil {
				readErr = err
				break
			}
			continue
		}
		if string(ev.Data) == doneSentinel {
			continue
		}
		for _, out := range translator.Push(ev) {
			if err := sw.WriteEvent(out); err != nil {
				readErr = err
				break
			}
		}
		if readErr != nil {
			break
		}
	}

	var usage *gateway.TrafficUsage
	if state != nil {
		usage = state.Finish()
	}
	s.recordUpstream(ctx, dctx, &gateway.Request{Op: plan.Op}, cred, resp.Status, readErr, time.Since(start), usage)

	if readErr != nil {
		slog.LogAttrs(ctx, slog.LevelWarn, "stream interrupted",
			slog.String("provider", dctx.ProviderName),
			slog.Any("error", readErr),
		)
		return nil // headers are out; nothing more to send
	}
	return sw.Close()
}

// recordUpstream emits one upstream traffic event for the attempt loop's
// final outcome.
func (s *server) recordUpstream(ctx context.Context, dctx *gateway.DownstreamContext, req *gateway.Request, cred gateway.CredentialEntry, status int, err error, dur time.Duration, usage *gateway.TrafficUsage) {
	if s.deps.Traffic == nil {
		return
	}
	op, model := gateway.OperationFromContext(ctx)
	if op == "" {
		op = req.Op.String()
	}
	ev := gateway.UpstreamTrafficEvent{
		ID:           uuid.Must(uuid.NewV7()).String(),
		TraceID:      dctx.TraceID,
		ProviderID:   dctx.ProviderID,
		ProviderName: dctx.ProviderName,
		CredentialID: cred.ID,
		Op:           op,
		Model:        model,
		AttemptNo:    dctx.AttemptNo,
		Status:       status,
		DurationMS:   dur.Milliseconds(),
		Cancelled:    ctx.Err() != nil,
		CreatedAt:    time.Now().UTC(),
	}
	if !usage.Empty() {
		ev.Usage = usage
	}
	if err != nil {
		ev.ErrorKind = errorKind(err)
		var httpErr *upstream.HTTPError
		if errors.As(err, &httpErr) {
			ev.Status = httpErr.Status
		}
	}
	s.deps.Traffic.RecordUpstream(ev)
}

// errorKind names the failure class for traffic records.
func errorKind(err error) string {
	var httpErr *upstream.HTTPError
	if errors.As(err, &httpErr) {
		return "http"
	}
	var tErr *upstream.TransportError
	if errors.As(err, &tErr) {
		return tErr.Kind
	}
	switch {
	case errors.Is(err, gateway.ErrNoCredential):
		return "no_credential"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	default:
		return "other"
	}
}

// countTokens feeds the token counters from extracted usage.
func (s *server) countTokens(model string, usage *gateway.TrafficUsage) {
	if s.deps.Metrics == nil || usage.Empty() || model == "" {
		return
	}
	var in, out int
	switch {
	case usage.Claude != nil:
		in, out = usage.Claude.InputTokens, usage.Claude.OutputTokens
	case usage.Gemini != nil:
		in, out = usage.Gemini.PromptTokens, usage.Gemini.CandidatesTokens
	case usage.OpenAIChat != nil:
		in, out = usage.OpenAIChat.PromptTokens, usage.OpenAIChat.CompletionTokens
	case usage.OpenAIResponses != nil:
		in, out = usage.OpenAIResponses.InputTokens, usage.OpenAIResponses.OutputTokens
	}
	if in > 0 {
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "input").Add(float64(in))
	}
	if out > 0 {
		s.deps.Metrics.TokensProcessed.WithLabelValues(model, "output").Add(float64(out))
	}
}

// siblingRequest clones req under its opposite-streamness op. Bodies carry
// the stream flag for every protocol but Gemini, where the URL does.
func siblingRequest(op gateway.Op, req *gateway.Request) *gateway.Request {
	out := &gateway.Request{Op: op, ModelID: req.ModelID}
	stream := op.Family() == gateway.FamilyStream
	switch {
	case req.Claude != nil:
		c := *req.Claude
		c.Stream = stream
		out.Claude = &c
	case req.Gemini != nil:
		out.Gemini = req.Gemini
	case req.Chat != nil:
		c := *req.Chat
		c.Stream = stream
		if stream {
			c.StreamOptions = &protocol.ChatStreamOptions{IncludeUsage: true}
		} else {
			c.StreamOptions = nil
		}
		out.Chat = &c
	case req.Responses != nil:
		c := *req.Responses
		c.Stream = stream
		out.Responses = &c
	}
	return out
}

// echoModel rewrites a translated response's model field to the name the
// caller requested; upstreams report their own identifiers.
func echoModel(p gateway.Protocol, body []byte, model string) []byte {
	if model == "" {
		return body
	}
	field := "model"
	if p == gateway.ProtoGemini {
		field = "modelVersion"
	}
	if !gjson.GetBytes(body, field).Exists() {
		return body
	}
	out, err := sjson.SetBytes(body, field, model)
	if err != nil {
		return body
	}
	return out
}

// upstreamFormat is the framing upstream responses actually arrive in.
// Providers always request Gemini streams with alt=sse, so the JSON-array
// default never appears on the upstream side.
func upstreamFormat(p gateway.Protocol) protocol.StreamFormat {
	if p == gateway.ProtoGemini {
		return protocol.StreamFormatSSEData
	}
	return p.StreamFormat()
}

func knownUsageShape(prov gateway.UpstreamProvider) bool {
	us, ok := prov.(gateway.UsageShaper)
	return ok && us.KnownUsageShape()
}

// catalogLookup serves models responses from the catalog cache.
func (s *server) catalogLookup(ctx context.Context, req *gateway.Request) ([]byte, bool) {
	if s.deps.Catalog == nil || !catalogOp(req.Op) {
		return nil, false
	}
	body, ok := s.deps.Catalog.Get(ctx, catalogKey(req))
	if s.deps.Metrics != nil {
		if ok {
			s.deps.Metrics.CatalogCacheHits.Inc()
		} else {
			s.deps.Metrics.CatalogCacheMisses.Inc()
		}
	}
	return body, ok
}

func (s *server) catalogStore(ctx context.Context, req *gateway.Request, body []byte) {
	if s.deps.Catalog == nil || !catalogOp(req.Op) {
		return
	}
	s.deps.Catalog.Set(ctx, catalogKey(req), body, s.deps.CatalogTTL)
}

func catalogOp(op gateway.Op) bool {
	f := op.Family()
	return f == gateway.FamilyModelsList || f == gateway.FamilyModelsGet
}

func catalogKey(req *gateway.Request) string {
	return req.Op.String() + "/" + req.ModelID
}
