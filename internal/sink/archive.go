package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// PartitionLayout is the Go time layout of a partition directory name.
const PartitionLayout = "20060102"

// FilePrefix starts every archive file name.
const FilePrefix = "telemetry_events_"

// Archive appends one JSON line per document to
// <base>/<YYYYMMDD>/telemetry_events_<YYYYMMDD>.json, keyed by the UTC
// date of the document timestamp.
type Archive struct {
	baseDir  string
	maxBytes int64

	mu         sync.Mutex
	partitions map[string]*partition
	newest     string
}

// partition serializes appends to one date. file is nil once retired.
type partition struct {
	mu      sync.Mutex
	dir     string
	date    string
	file    *os.File
	size    int64
	seq     int
	retired bool
}

// NewArchive returns an archive rooted at baseDir. maxBytes > 0 rolls a
// partition over to a numbered file once the current one would exceed it.
func NewArchive(baseDir string, maxBytes int64) *Archive {
	return &Archive{
		baseDir:    baseDir,
		maxBytes:   maxBytes,
		partitions: make(map[string]*partition),
	}
}

func (a *Archive) Name() string { return NameArchive }

// Write appends doc as a single line. Lines are never interleaved.
func (a *Archive) Write(ctx context.Context, doc *model.PersistedDocument) error {
	if err := ctx.Err(); err != nil {
		return &WriteError{Sink: NameArchive, Index: doc.Index, Err: err}
	}

	line, err := json.Marshal(doc)
	if err != nil {
		return &WriteError{Sink: NameArchive, Index: doc.Index, Err: fmt.Errorf("marshal document: %w", err)}
	}
	line = append(line, '\n')

	date := doc.Timestamp.UTC().Format(PartitionLayout)
	for {
		p, late := a.partition(date)
		written, err := p.append(line, a.maxBytes)
		if !written {
			continue
		}
		if late {
			a.release(date, p)
		}
		if err != nil {
			return &WriteError{Sink: NameArchive, Index: doc.Index, Err: err}
		}
		return nil
	}
}

// partition returns the live partition for date. A newer date retires
// every partition for an earlier one, closing its handle. late is true when
// date is older than the newest date seen; the caller releases it after
// the write.
func (a *Archive) partition(date string) (p *partition, late bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if date > a.newest {
		a.newest = date
		for d, old := range a.partitions {
			if d < date {
				old.retire()
				delete(a.partitions, d)
			}
		}
	}
	late = date < a.newest

	if existing, ok := a.partitions[date]; ok {
		return existing, late
	}
	p = &partition{dir: filepath.Join(a.baseDir, date), date: date}
	a.partitions[date] = p
	return p, late
}

// release retires a late partition unless another writer already replaced it.
func (a *Archive) release(date string, p *partition) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.partitions[date] == p {
		p.retire()
		delete(a.partitions, date)
	}
}

// Close closes every open handle. Later writes reopen them.
func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for d, p := range a.partitions {
		if err := p.retire(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.partitions, d)
	}
	return firstErr
}

// append reports false when the partition was retired before the lock was
// taken; the caller must fetch a fresh one.
func (p *partition) append(line []byte, maxBytes int64) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.retired {
		return false, nil
	}

	if p.file == nil {
		if err := p.open(); err != nil {
			return true, err
		}
	}

	for maxBytes > 0 && p.size > 0 && p.size+int64(len(line)) > maxBytes {
		if err := p.file.Close(); err != nil {
			return true, fmt.Errorf("close %s: %w", p.file.Name(), err)
		}
		p.file = nil
		p.seq++
		if err := p.open(); err != nil {
			return true, err
		}
	}

	n, err := p.file.Write(line)
	p.size += int64(n)
	if err != nil {
		return true, fmt.Errorf("append to %s: %w", p.file.Name(), err)
	}
	return true, nil
}

func (p *partition) open() error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("create partition %s: %w", p.dir, err)
	}
	path := filepath.Join(p.dir, FileName(p.date, p.seq))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat %s: %w", path, err)
	}
	p.file = f
	p.size = info.Size()
	return nil
}

func (p *partition) retire() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.retired = true
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}

// FileName returns the archive file name for a partition date and
// rotation sequence.
func FileName(date string, seq int) string {
	if seq == 0 {
		return FilePrefix + date + ".json"
	}
	return fmt.Sprintf("%s%s_%d.json", FilePrefix, date, seq)
}
