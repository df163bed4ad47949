package sink

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

type fakeSink struct {
	name  string
	err   error
	panic bool
	block bool

	mu   sync.Mutex
	docs []*model.PersistedDocument
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Write(ctx context.Context, doc *model.PersistedDocument) error {
	if f.panic {
		panic("boom")
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, doc)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

type fakeDeadLetter struct {
	calls   atomic.Int32
	sinks   sync.Map
	budgets sync.Map // sink name -> time left on the publish context
}

func (f *fakeDeadLetter) PublishFailure(ctx context.Context, sinkName string, _ *model.PersistedDocument, _ error) error {
	f.calls.Add(1)
	f.sinks.Store(sinkName, true)
	if deadline, ok := ctx.Deadline(); ok {
		f.budgets.Store(sinkName, time.Until(deadline))
	}
	return nil
}

func testDoc() *model.PersistedDocument {
	return &model.PersistedDocument{
		ID:        "doc-1",
		Index:     model.IndexTelemetry,
		User:      "alice",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Request:   map[string]interface{}{"baseData": "reportEditArc"},
	}
}

func TestWriter_BothSinks(t *testing.T) {
	search := &fakeSink{name: NameOpenSearch}
	archive := &fakeSink{name: NameArchive}
	w := NewWriter(WriterConfig{Search: search, Archive: archive, Logger: logging.Discard()})

	report := w.Write(context.Background(), testDoc())

	assert.True(t, report.OK())
	assert.Len(t, report.Results, 2)
	assert.Equal(t, 1, search.count())
	assert.Equal(t, 1, archive.count())
	assert.True(t, w.ArchiveEnabled())
}

func TestWriter_ArchiveDisabled(t *testing.T) {
	search := &fakeSink{name: NameOpenSearch}
	w := NewWriter(WriterConfig{Search: search, Logger: logging.Discard()})

	report := w.Write(context.Background(), testDoc())

	require.Len(t, report.Results, 1)
	assert.Equal(t, NameOpenSearch, report.Results[0].Sink)
	assert.False(t, w.ArchiveEnabled())
}

func TestWriter_WriteSearchSkipsArchive(t *testing.T) {
	search := &fakeSink{name: NameOpenSearch}
	archive := &fakeSink{name: NameArchive}
	w := NewWriter(WriterConfig{Search: search, Archive: archive, Logger: logging.Discard()})

	w.WriteSearch(context.Background(), testDoc())

	assert.Equal(t, 1, search.count())
	assert.Equal(t, 0, archive.count())
}

func TestWriter_Isolation(t *testing.T) {
	tests := []struct {
		name       string
		search     *fakeSink
		archive    *fakeSink
		failedSink string
	}{
		{
			name:       "search error",
			search:     &fakeSink{name: NameOpenSearch, err: errors.New("connection refused")},
			archive:    &fakeSink{name: NameArchive},
			failedSink: NameOpenSearch,
		},
		{
			name:       "archive error",
			search:     &fakeSink{name: NameOpenSearch},
			archive:    &fakeSink{name: NameArchive, err: errors.New("disk full")},
			failedSink: NameArchive,
		},
		{
			name:       "search panic",
			search:     &fakeSink{name: NameOpenSearch, panic: true},
			archive:    &fakeSink{name: NameArchive},
			failedSink: NameOpenSearch,
		},
		{
			name:       "archive stalls",
			search:     &fakeSink{name: NameOpenSearch},
			archive:    &fakeSink{name: NameArchive, block: true},
			failedSink: NameArchive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := &fakeDeadLetter{}
			w := NewWriter(WriterConfig{
				Search:         tt.search,
				Archive:        tt.archive,
				DeadLetter:     dl,
				SearchTimeout:  200 * time.Millisecond,
				ArchiveTimeout: 200 * time.Millisecond,
				Logger:         logging.Discard(),
			})

			report := w.Write(context.Background(), testDoc())

			assert.False(t, report.OK())
			failed := report.Failed()
			require.Len(t, failed, 1)
			assert.Equal(t, tt.failedSink, failed[0].Sink)

			healthy := tt.search
			if tt.failedSink == NameOpenSearch {
				healthy = tt.archive
			}
			assert.Equal(t, 1, healthy.count())

			assert.Equal(t, int32(1), dl.calls.Load())
			_, ok := dl.sinks.Load(tt.failedSink)
			assert.True(t, ok)
		})
	}
}

func TestWriter_DeadLetterUsesFailingSinkTimeout(t *testing.T) {
	const short, long = 50 * time.Millisecond, 10 * time.Second

	tests := []struct {
		name           string
		search         *fakeSink
		archive        *fakeSink
		searchTimeout  time.Duration
		archiveTimeout time.Duration
		failedSink     string
	}{
		{
			name:           "archive failure with short search timeout",
			search:         &fakeSink{name: NameOpenSearch},
			archive:        &fakeSink{name: NameArchive, err: errors.New("disk full")},
			searchTimeout:  short,
			archiveTimeout: long,
			failedSink:     NameArchive,
		},
		{
			name:           "search failure with short archive timeout",
			search:         &fakeSink{name: NameOpenSearch, err: errors.New("connection refused")},
			archive:        &fakeSink{name: NameArchive},
			searchTimeout:  long,
			archiveTimeout: short,
			failedSink:     NameOpenSearch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dl := &fakeDeadLetter{}
			w := NewWriter(WriterConfig{
				Search:         tt.search,
				Archive:        tt.archive,
				DeadLetter:     dl,
				SearchTimeout:  tt.searchTimeout,
				ArchiveTimeout: tt.archiveTimeout,
				Logger:         logging.Discard(),
			})

			w.Write(context.Background(), testDoc())

			v, ok := dl.budgets.Load(tt.failedSink)
			require.True(t, ok)
			budget := v.(time.Duration)
			assert.Greater(t, budget, time.Second)
			assert.LessOrEqual(t, budget, long)
		})
	}
}

func TestWriter_PanicBecomesWriteError(t *testing.T) {
	w := NewWriter(WriterConfig{Search: &fakeSink{name: NameOpenSearch, panic: true}, Logger: logging.Discard()})

	report := w.Write(context.Background(), testDoc())

	res, ok := report.Result(NameOpenSearch)
	require.True(t, ok)
	var wErr *WriteError
	require.ErrorAs(t, res.Err, &wErr)
	assert.Contains(t, wErr.Error(), "panic: boom")
}

func TestWriter_CancelledCallerStillWrites(t *testing.T) {
	search := &fakeSink{name: NameOpenSearch}
	archive := &fakeSink{name: NameArchive}
	w := NewWriter(WriterConfig{Search: search, Archive: archive, Logger: logging.Discard()})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report := w.Write(ctx, testDoc())

	assert.True(t, report.OK())
	assert.Equal(t, 1, search.count())
	assert.Equal(t, 1, archive.count())
}

func TestWriter_ConcurrentSinks(t *testing.T) {
	// Both sinks block until the other has started, which only completes
	// if they run concurrently.
	var started sync.WaitGroup
	started.Add(2)
	gate := func(name string) Sink {
		return sinkFunc{name: name, fn: func(ctx context.Context) error {
			started.Done()
			done := make(chan struct{})
			go func() { started.Wait(); close(done) }()
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}}
	}
	w := NewWriter(WriterConfig{
		Search:         gate(NameOpenSearch),
		Archive:        gate(NameArchive),
		SearchTimeout:  2 * time.Second,
		ArchiveTimeout: 2 * time.Second,
		Logger:         logging.Discard(),
	})

	assert.True(t, w.Write(context.Background(), testDoc()).OK())
}

type sinkFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (s sinkFunc) Name() string { return s.name }

func (s sinkFunc) Write(ctx context.Context, _ *model.PersistedDocument) error { return s.fn(ctx) }
