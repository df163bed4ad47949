// Package archive reads the daily telemetry archive back for analysis.
package archive

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/telhawk-systems/telemetry-tap/internal/model"
	"github.com/telhawk-systems/telemetry-tap/internal/sink"
)

// maxLineBytes bounds a single archived document.
const maxLineBytes = 16 << 20

// ReadStats describes what a Read pass went through.
type ReadStats struct {
	Files     int `json:"files" yaml:"files"`
	Lines     int `json:"lines" yaml:"lines"`
	Malformed int `json:"malformed" yaml:"malformed"`
}

// Reader walks an archive rooted at a base directory laid out as
// <base>/<YYYYMMDD>/telemetry_events_*.json.
type Reader struct {
	dir string
}

func NewReader(dir string) *Reader {
	return &Reader{dir: dir}
}

// Partitions returns the archived dates in ascending order.
func (r *Reader) Partitions() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list archive: %w", err)
	}
	var dates []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := time.Parse(sink.PartitionLayout, e.Name()); err != nil {
			continue
		}
		dates = append(dates, e.Name())
	}
	sort.Strings(dates)
	return dates, nil
}

// Files lists the archive files of one partition in write order.
func (r *Reader) Files(date string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(r.dir, date, sink.FilePrefix+"*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list partition %s: %w", date, err)
	}
	sort.Slice(files, func(i, j int) bool {
		// telemetry_events_<date>.json sorts before its numbered rollovers
		if len(files[i]) != len(files[j]) {
			return len(files[i]) < len(files[j])
		}
		return files[i] < files[j]
	})
	return files, nil
}

// Read calls fn for every document in date, or in every partition when
// date is empty. Lines that are not documents are counted and skipped.
// An error from fn stops the walk.
func (r *Reader) Read(date string, fn func(doc *model.PersistedDocument) error) (ReadStats, error) {
	var stats ReadStats

	dates := []string{date}
	if date == "" {
		var err error
		if dates, err = r.Partitions(); err != nil {
			return stats, err
		}
	}

	for _, d := range dates {
		files, err := r.Files(d)
		if err != nil {
			return stats, err
		}
		for _, name := range files {
			stats.Files++
			if err := readFile(name, &stats, fn); err != nil {
				return stats, err
			}
		}
	}
	return stats, nil
}

func readFile(name string, stats *ReadStats, fn func(doc *model.PersistedDocument) error) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		stats.Lines++
		var doc model.PersistedDocument
		if err := json.Unmarshal([]byte(line), &doc); err != nil {
			stats.Malformed++
			continue
		}
		if err := fn(&doc); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}
	return nil
}
