package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/metrics"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// DefaultTimeout bounds a sink write when none is configured.
const DefaultTimeout = 10 * time.Second

// DeadLetter receives documents a sink failed to persist.
type DeadLetter interface {
	PublishFailure(ctx context.Context, sinkName string, doc *model.PersistedDocument, cause error) error
}

// WriterConfig wires the writer. Archive and DeadLetter are optional.
type WriterConfig struct {
	Search         Sink
	Archive        Sink
	DeadLetter     DeadLetter
	SearchTimeout  time.Duration
	ArchiveTimeout time.Duration
	Logger         *logging.Logger
}

// Writer fans one document out to every enabled sink. A failure or stall
// in one sink never prevents the write to the other.
type Writer struct {
	search         Sink
	archive        Sink
	deadLetter     DeadLetter
	searchTimeout  time.Duration
	archiveTimeout time.Duration
	logger         *logging.Logger
}

// Result is the outcome of one sink write.
type Result struct {
	Sink     string
	Err      error
	Duration time.Duration
}

// Report collects the results of one fan-out.
type Report struct {
	Results []Result
}

// OK is true when every sink succeeded.
func (r Report) OK() bool {
	for _, res := range r.Results {
		if res.Err != nil {
			return false
		}
	}
	return true
}

// Failed returns the results that carry an error.
func (r Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Result returns the outcome for the named sink.
func (r Report) Result(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Sink == name {
			return res, true
		}
	}
	return Result{}, false
}

func NewWriter(cfg WriterConfig) *Writer {
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = DefaultTimeout
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	return &Writer{
		search:         cfg.Search,
		archive:        cfg.Archive,
		deadLetter:     cfg.DeadLetter,
		searchTimeout:  cfg.SearchTimeout,
		archiveTimeout: cfg.ArchiveTimeout,
		logger:         cfg.Logger,
	}
}

// ArchiveEnabled reports whether documents are also archived to disk.
func (w *Writer) ArchiveEnabled() bool { return w.archive != nil }

// Write sends doc to the search store and, when enabled, the archive.
// Failures are logged and counted, never returned.
func (w *Writer) Write(ctx context.Context, doc *model.PersistedDocument) Report {
	return w.fanOut(ctx, doc, true)
}

// WriteSearch sends doc to the search store only. Generic traffic and raw
// diagnostics take this path.
func (w *Writer) WriteSearch(ctx context.Context, doc *model.PersistedDocument) Report {
	return w.fanOut(ctx, doc, false)
}

func (w *Writer) fanOut(ctx context.Context, doc *model.PersistedDocument, withArchive bool) Report {
	type target struct {
		sink    Sink
		timeout time.Duration
	}
	var targets []target
	if w.search != nil {
		targets = append(targets, target{w.search, w.searchTimeout})
	}
	if withArchive && w.archive != nil {
		targets = append(targets, target{w.archive, w.archiveTimeout})
	}

	// In-flight writes survive a client disconnect.
	base := context.WithoutCancel(ctx)
	results := make([]Result, len(targets))

	var wg conc.WaitGroup
	for i, t := range targets {
		wg.Go(func() {
			results[i] = w.writeOne(base, t.sink, t.timeout, doc)
		})
	}
	wg.Wait()

	return Report{Results: results}
}

func (w *Writer) writeOne(ctx context.Context, s Sink, timeout time.Duration, doc *model.PersistedDocument) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := s.Name()
	start := time.Now()

	var err error
	var pc panics.Catcher
	pc.Try(func() { err = s.Write(ctx, doc) })
	if r := pc.Recovered(); r != nil {
		err = &WriteError{Sink: name, Index: doc.Index, Err: fmt.Errorf("panic: %v", r.Value)}
	}

	elapsed := time.Since(start)
	metrics.SinkWriteDuration.WithLabelValues(name).Observe(elapsed.Seconds())

	if err != nil {
		metrics.SinkWrites.WithLabelValues(name, metrics.StatusError).Inc()
		w.logger.WarnContext(ctx, "sink write failed",
			logging.Sink(name), logging.Index(doc.Index), logging.EventType(doc.EventName()), logging.Error(err))
		w.publishFailure(ctx, name, timeout, doc, err)
		return Result{Sink: name, Err: err, Duration: elapsed}
	}

	metrics.SinkWrites.WithLabelValues(name, metrics.StatusOK).Inc()
	w.logger.DebugContext(ctx, "document persisted",
		logging.Sink(name), logging.Index(doc.Index), logging.Duration(elapsed))
	return Result{Sink: name, Duration: elapsed}
}

// publishFailure reports a failed write to the DLQ within the failing
// sink's own timeout.
func (w *Writer) publishFailure(ctx context.Context, name string, timeout time.Duration, doc *model.PersistedDocument, cause error) {
	if w.deadLetter == nil {
		return
	}
	// The sink may have used up the write budget; the DLQ gets a fresh one.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := w.deadLetter.PublishFailure(dctx, name, doc, cause); err != nil {
		metrics.DLQPublishes.WithLabelValues(metrics.StatusError).Inc()
		w.logger.WarnContext(ctx, "dead-letter publish failed", logging.Sink(name), logging.Error(err))
		return
	}
	metrics.DLQPublishes.WithLabelValues(metrics.StatusOK).Inc()
}
