// Package pipeline turns intercepted flows into persisted documents.
package pipeline

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telemetry-tap/internal/config"
	"github.com/telhawk-systems/telemetry-tap/internal/decoder"
	"github.com/telhawk-systems/telemetry-tap/internal/handlers"
	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/metrics"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
	"github.com/telhawk-systems/telemetry-tap/internal/normalizer"
	"github.com/telhawk-systems/telemetry-tap/internal/router"
	"github.com/telhawk-systems/telemetry-tap/internal/sink"
)

// ParsingStatusFailed marks raw telemetry documents that could not be parsed.
const ParsingStatusFailed = "failed_json_parse"

// DocumentWriter is satisfied by *sink.Writer.
type DocumentWriter interface {
	Write(ctx context.Context, doc *model.PersistedDocument) sink.Report
	WriteSearch(ctx context.Context, doc *model.PersistedDocument) sink.Report
}

// SessionResolver is satisfied by *session.Resolver.
type SessionResolver interface {
	Resolve(flow *model.RawFlow) model.SessionContext
}

// UsageRecorder is satisfied by *usage.Collector.
type UsageRecorder interface {
	Record(user, eventType, clientIP string, at time.Time)
}

// Settings are the flow classification knobs.
type Settings struct {
	URLMarkers        []string
	CompletionMarkers []string
	RawSnippetBytes   int
	LogAllTraffic     bool
	TrafficIndex      string
	RawIndex          string
}

// SettingsFrom extracts pipeline settings from the loaded config.
func SettingsFrom(cfg *config.Config) Settings {
	return Settings{
		URLMarkers:        cfg.Telemetry.URLMarkers,
		CompletionMarkers: cfg.Telemetry.CompletionMarkers,
		RawSnippetBytes:   cfg.Telemetry.RawSnippetBytes,
		LogAllTraffic:     cfg.Telemetry.LogAllTraffic,
		TrafficIndex:      cfg.OpenSearch.TrafficIndex,
		RawIndex:          cfg.OpenSearch.RawIndex,
	}
}

// Options wires a Pipeline. Decoder, Normalizer and Router fall back to
// defaults when nil; Usage is optional.
type Options struct {
	Settings   Settings
	Decoder    *decoder.Decoder
	Normalizer *normalizer.Normalizer
	Router     *router.Router
	Sessions   SessionResolver
	Writer     DocumentWriter
	Usage      UsageRecorder
	Logger     *logging.Logger
}

// Stats is a point-in-time snapshot of pipeline counters.
type Stats struct {
	Flows        int64 `json:"flows"`
	Telemetry    int64 `json:"telemetry_flows"`
	Ignored      int64 `json:"ignored_flows"`
	Events       int64 `json:"events"`
	Documents    int64 `json:"documents"`
	Filtered     int64 `json:"filtered"`
	Diagnostics  int64 `json:"diagnostics"`
	DecodeErrors int64 `json:"decode_errors"`
	Generic      int64 `json:"generic_documents"`
	RawDocuments int64 `json:"raw_documents"`
	SinkFailures int64 `json:"sink_failures"`
}

type counters struct {
	flows        atomic.Int64
	telemetry    atomic.Int64
	ignored      atomic.Int64
	events       atomic.Int64
	documents    atomic.Int64
	filtered     atomic.Int64
	diagnostics  atomic.Int64
	decodeErrors atomic.Int64
	generic      atomic.Int64
	raw          atomic.Int64
	sinkFailures atomic.Int64
}

// Pipeline processes one flow at a time per call and is safe for
// concurrent use; flows share no mutable state besides counters.
type Pipeline struct {
	settings   Settings
	decoder    *decoder.Decoder
	normalizer *normalizer.Normalizer
	router     *router.Router
	sessions   SessionResolver
	writer     DocumentWriter
	usage      UsageRecorder
	logger     *logging.Logger
	now        func() time.Time

	stats counters
}

func New(opts Options) *Pipeline {
	s := opts.Settings
	if s.TrafficIndex == "" {
		s.TrafficIndex = model.IndexTraffic
	}
	if s.RawIndex == "" {
		s.RawIndex = model.IndexRaw
	}
	if len(s.URLMarkers) == 0 {
		s.URLMarkers = []string{"telemetry"}
	}
	if len(s.CompletionMarkers) == 0 {
		s.CompletionMarkers = []string{"complet"}
	}
	if s.RawSnippetBytes <= 0 {
		s.RawSnippetBytes = 1000
	}
	p := &Pipeline{
		settings:   s,
		decoder:    opts.Decoder,
		normalizer: opts.Normalizer,
		router:     opts.Router,
		sessions:   opts.Sessions,
		writer:     opts.Writer,
		usage:      opts.Usage,
		logger:     opts.Logger,
		now:        time.Now,
	}
	if p.decoder == nil {
		p.decoder = decoder.New(decoder.DefaultMaxBytes)
	}
	if p.normalizer == nil {
		p.normalizer = normalizer.New(nil)
	}
	if p.router == nil {
		p.router = router.Default(handlers.NewSet(handlers.Options{}))
	}
	if p.logger == nil {
		p.logger = logging.Default()
	}
	return p
}

// IsTelemetry reports whether url carries telemetry.
func (p *Pipeline) IsTelemetry(url string) bool {
	return containsAny(url, p.settings.URLMarkers)
}

// IsCompletion reports whether url is a completion endpoint.
func (p *Pipeline) IsCompletion(url string) bool {
	return containsAny(url, p.settings.CompletionMarkers)
}

// HandleFlow runs one flow through the pipeline. Nothing is returned:
// every failure is logged, counted and absorbed here.
func (p *Pipeline) HandleFlow(ctx context.Context, flow *model.RawFlow) {
	p.stats.flows.Add(1)
	metrics.FlowBytesTotal.Add(float64(len(flow.Body)))

	telemetry := p.IsTelemetry(flow.URL)
	if telemetry && flow.Direction == model.DirectionResponse {
		p.ignore()
		return
	}

	session := p.resolve(flow)
	capturedAt := flow.StartedAt
	if capturedAt.IsZero() {
		capturedAt = p.now()
	}

	body, err := p.decoder.Decode(flow.Body, flow.ContentEncoding())
	if err != nil {
		var de *decoder.DecodeError
		encoding := flow.ContentEncoding()
		if errors.As(err, &de) {
			encoding = de.Encoding
		}
		p.stats.decodeErrors.Add(1)
		metrics.DecodeErrors.WithLabelValues(encoding).Inc()
		p.logger.WarnContext(ctx, "failed to decode flow body",
			logging.URL(flow.URL),
			logging.Error(err),
		)
		metrics.FlowsTotal.WithLabelValues(metrics.KindTraffic).Inc()
		p.writeGeneric(ctx, flow, session, flow.Body, capturedAt, err)
		return
	}

	if !telemetry {
		if !p.settings.LogAllTraffic && !p.IsCompletion(flow.URL) {
			p.ignore()
			return
		}
		metrics.FlowsTotal.WithLabelValues(metrics.KindTraffic).Inc()
		p.writeGeneric(ctx, flow, session, body, capturedAt, nil)
		return
	}

	p.stats.telemetry.Add(1)
	metrics.FlowsTotal.WithLabelValues(metrics.KindTelemetry).Inc()
	p.processTelemetry(ctx, flow, session, body, capturedAt)
}

func (p *Pipeline) processTelemetry(ctx context.Context, flow *model.RawFlow, session model.SessionContext, body []byte, capturedAt time.Time) {
	res := p.normalizer.Normalize(body)

	for _, diag := range res.Diagnostics {
		p.stats.diagnostics.Add(1)
		metrics.ParseDiagnostics.WithLabelValues(diag.Reason).Inc()
		p.logger.DebugContext(ctx, "telemetry parse diagnostic",
			logging.URL(flow.URL),
			"reason", diag.Reason,
			"snippet", diag.Snippet,
		)
	}

	for _, ev := range res.Events {
		p.stats.events.Add(1)
		h := p.router.Select(ev)
		doc, ok := h.Handle(handlers.Input{Event: ev, Session: session, CapturedAt: capturedAt})
		if !ok {
			p.stats.filtered.Add(1)
			metrics.EventsFiltered.WithLabelValues(h.Name()).Inc()
			continue
		}
		metrics.EventsRouted.WithLabelValues(h.Name()).Inc()

		report := p.writer.Write(ctx, doc)
		p.account(report)
		p.stats.documents.Add(1)
		if p.usage != nil {
			p.usage.Record(session.Username, ev.Type, session.ClientIP, capturedAt)
		}
		p.logger.DebugContext(ctx, "telemetry event persisted",
			logging.EventType(ev.Type),
			logging.Handler(h.Name()),
		)
	}

	if len(res.Events) == 0 && len(res.Diagnostics) > 0 {
		p.writeRaw(ctx, flow, session, body, capturedAt, res.Diagnostics[0].Reason)
	}
}

// writeGeneric persists a traffic document. Completion responses are
// reduced to their generated text. Empty content is skipped unless the
// body failed to decode: those flows are always logged.
func (p *Pipeline) writeGeneric(ctx context.Context, flow *model.RawFlow, session model.SessionContext, body []byte, capturedAt time.Time, decodeErr error) {
	content := toValidString(body)
	if decodeErr == nil && flow.Direction == model.DirectionResponse && p.IsCompletion(flow.URL) {
		content = normalizer.ExtractCompletionText(body)
	}
	if decodeErr == nil && strings.TrimSpace(content) == "" {
		return
	}

	payload := map[string]interface{}{
		"url":       flow.URL,
		"method":    flow.Method,
		"headers":   flattenHeaders(flow),
		"content":   content,
		"direction": string(flow.Direction),
	}
	if decodeErr != nil {
		payload["decode_error"] = decodeErr.Error()
		payload["content_length"] = len(body)
		payload["content_hex"] = hex.EncodeToString(body[:min(len(body), p.settings.RawSnippetBytes)])
	}

	doc := &model.PersistedDocument{
		ID:           uuid.NewString(),
		Index:        p.settings.TrafficIndex,
		User:         session.Username,
		UserIP:       session.ClientIP,
		ConnectionID: session.ConnectionID,
		Timestamp:    capturedAt.UTC(),
		Payload:      payload,
	}
	p.account(p.writer.WriteSearch(ctx, doc))
	p.stats.generic.Add(1)
}

// writeRaw keeps a bounded snippet of telemetry nothing could be parsed from.
func (p *Pipeline) writeRaw(ctx context.Context, flow *model.RawFlow, session model.SessionContext, body []byte, capturedAt time.Time, reason string) {
	contentType := "unknown/binary"
	if flow.Header != nil && flow.Header.Get("Content-Type") != "" {
		contentType = flow.Header.Get("Content-Type")
	}
	doc := &model.PersistedDocument{
		ID:           uuid.NewString(),
		Index:        p.settings.RawIndex,
		User:         session.Username,
		UserIP:       session.ClientIP,
		ConnectionID: session.ConnectionID,
		Timestamp:    capturedAt.UTC(),
		Request: map[string]interface{}{
			"url":            flow.URL,
			"raw_content":    limit(toValidString(body), p.settings.RawSnippetBytes),
			"content_length": len(body),
			"content_type":   contentType,
			"parsing_status": ParsingStatusFailed,
			"reason":         reason,
		},
	}
	p.account(p.writer.WriteSearch(ctx, doc))
	p.stats.raw.Add(1)
}

func (p *Pipeline) resolve(flow *model.RawFlow) model.SessionContext {
	if p.sessions == nil {
		return model.SessionContext{
			Username:     model.AnonymousUser,
			ClientIP:     flow.ClientIP,
			ConnectionID: flow.ConnectionID,
			URL:          flow.URL,
		}
	}
	return p.sessions.Resolve(flow)
}

func (p *Pipeline) ignore() {
	p.stats.ignored.Add(1)
	metrics.FlowsTotal.WithLabelValues(metrics.KindIgnored).Inc()
}

func (p *Pipeline) account(r sink.Report) {
	p.stats.sinkFailures.Add(int64(len(r.Failed())))
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Flows:        p.stats.flows.Load(),
		Telemetry:    p.stats.telemetry.Load(),
		Ignored:      p.stats.ignored.Load(),
		Events:       p.stats.events.Load(),
		Documents:    p.stats.documents.Load(),
		Filtered:     p.stats.filtered.Load(),
		Diagnostics:  p.stats.diagnostics.Load(),
		DecodeErrors: p.stats.decodeErrors.Load(),
		Generic:      p.stats.generic.Load(),
		RawDocuments: p.stats.raw.Load(),
		SinkFailures: p.stats.sinkFailures.Load(),
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if m != "" && strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func flattenHeaders(flow *model.RawFlow) map[string]string {
	out := make(map[string]string, len(flow.Header))
	for k, v := range flow.Header {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

func toValidString(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "")
}

// limit truncates s to at most n bytes without splitting a rune.
func limit(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
