package archive

import (
	"strings"

	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// Filter narrows a summary. Zero values match everything.
type Filter struct {
	Date string
	User string
}

// CompletionStats totals shown or accepted completions.
type CompletionStats struct {
	Count int64   `json:"count" yaml:"count"`
	Lines float64 `json:"total_lines" yaml:"total_lines"`
	Chars float64 `json:"total_chars" yaml:"total_chars"`
}

// AvgLines returns lines per completion.
func (c CompletionStats) AvgLines() float64 {
	if c.Count == 0 {
		return 0
	}
	return c.Lines / float64(c.Count)
}

// AvgChars returns characters per completion.
func (c CompletionStats) AvgChars() float64 {
	if c.Count == 0 {
		return 0
	}
	return c.Chars / float64(c.Count)
}

// Summary aggregates archived telemetry documents.
type Summary struct {
	Read        ReadStats        `json:"read" yaml:"read"`
	Events      int64            `json:"total_events" yaml:"total_events"`
	Connections int              `json:"connections" yaml:"connections"`
	Users       map[string]int64 `json:"users" yaml:"users"`
	Dates       map[string]int64 `json:"dates" yaml:"dates"`
	EventTypes  map[string]int64 `json:"event_types" yaml:"event_types"`
	Accepted    CompletionStats  `json:"accepted" yaml:"accepted"`
	Shown       CompletionStats  `json:"shown" yaml:"shown"`
	Languages   map[string]int64 `json:"languages" yaml:"languages"`
	Editors     map[string]int64 `json:"editors" yaml:"editors"`
}

// AcceptanceRate is accepted over shown completions, in percent.
func (s *Summary) AcceptanceRate() float64 {
	if s.Shown.Count == 0 {
		return 0
	}
	return float64(s.Accepted.Count) / float64(s.Shown.Count) * 100
}

// Summarize walks the archive and aggregates the documents f selects.
func Summarize(r *Reader, f Filter) (*Summary, error) {
	s := &Summary{
		Users:      make(map[string]int64),
		Dates:      make(map[string]int64),
		EventTypes: make(map[string]int64),
		Languages:  make(map[string]int64),
		Editors:    make(map[string]int64),
	}
	conns := make(map[string]struct{})

	stats, err := r.Read(f.Date, func(doc *model.PersistedDocument) error {
		if f.User != "" && doc.User != f.User {
			return nil
		}
		s.add(doc)
		if doc.ConnectionID != "" {
			conns[doc.ConnectionID] = struct{}{}
		}
		return nil
	})
	s.Read = stats
	s.Connections = len(conns)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Summary) add(doc *model.PersistedDocument) {
	s.Events++
	s.Users[doc.User]++
	if !doc.Timestamp.IsZero() {
		s.Dates[doc.Timestamp.UTC().Format("2006-01-02")]++
	}

	name := doc.EventName()
	if name == "" {
		name = "unknown"
	}
	s.EventTypes[name]++

	measurements := mapField(doc.Request, "measurements")
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "accepted"):
		addCompletion(&s.Accepted, measurements)
	case strings.Contains(lower, "shown"):
		addCompletion(&s.Shown, measurements)
	}

	if props := mapField(doc.Request, "properties"); len(props) > 0 {
		s.Languages[stringOr(props, "languageId", "unknown")]++
		s.Editors[stringOr(props, "editor_version", "unknown")]++
	}
}

// addCompletion counts only completions that carried at least one line.
func addCompletion(c *CompletionStats, measurements map[string]interface{}) {
	lines, _ := measurements["numLines"].(float64)
	if lines <= 0 {
		return
	}
	chars, _ := measurements["compCharLen"].(float64)
	c.Count++
	c.Lines += lines
	c.Chars += chars
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	v, _ := m[key].(map[string]interface{})
	return v
}

func stringOr(m map[string]interface{}, key, fallback string) string {
	if v, ok := m[key].(string); ok && v != "" {
		return v
	}
	return fallback
}
