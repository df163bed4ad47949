// Package sink persists documents to the search store and the file archive.
package sink

import (
	"context"
	"fmt"

	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// Sink names.
const (
	NameOpenSearch = "opensearch"
	NameArchive    = "archive"
)

// Sink is a persistence destination. Implementations must be safe for
// concurrent use.
type Sink interface {
	Name() string
	Write(ctx context.Context, doc *model.PersistedDocument) error
}

// WriteError reports a failed write to one sink.
type WriteError struct {
	Sink  string
	Index string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("%s write to %s failed: %v", e.Sink, e.Index, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }
