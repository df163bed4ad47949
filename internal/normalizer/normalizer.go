// Package normalizer turns decoded telemetry bodies into canonical events.
package normalizer

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// Unclassified is the name given to events that carry no usable name.
const Unclassified = "unclassified"

// Diagnostic reasons.
const (
	ReasonMalformed = "malformed"
	ReasonScalar    = "scalar"
)

const snippetLen = 200

// DefaultNamespacePrefixes may be stripped from names when deriving routing keys.
var DefaultNamespacePrefixes = []string{"vscode.editTelemetry.", "conversation.codeMapper."}

// DefaultExactKeys are the routing keys of the default exact routes.
var DefaultExactKeys = []string{"reportEditArc", "editSources.details", "trackEditSurvival"}

// nameFields are consulted in order when synthesizing a descriptor.
var nameFields = []string{"name", "eventName", "event", "type", "baseType"}

var utf8BOM = []byte{0xef, 0xbb, 0xbf}

// ParseError is a non-fatal diagnostic about a body or one of its elements.
type ParseError struct {
	Reason  string
	Snippet string
	Err     error
}

func (e ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s payload: %v", e.Reason, e.Err)
	}
	return e.Reason + " payload"
}

// Result holds the events recovered from one body plus anything that could
// not be turned into an event.
type Result struct {
	Events      []model.CanonicalEvent
	Diagnostics []ParseError
}

// Normalizer is stateless and safe for concurrent use.
type Normalizer struct {
	prefixes []string
	exact    map[string]struct{}
}

// New returns a Normalizer. A nil prefixes slice selects DefaultNamespacePrefixes.
func New(prefixes []string) *Normalizer {
	if prefixes == nil {
		prefixes = DefaultNamespacePrefixes
	}
	return (&Normalizer{prefixes: prefixes}).WithExactKeys(DefaultExactKeys)
}

// WithExactKeys returns a copy that strips a namespace prefix only when the
// remainder is one of keys.
func (n *Normalizer) WithExactKeys(keys []string) *Normalizer {
	exact := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		exact[k] = struct{}{}
	}
	return &Normalizer{prefixes: n.prefixes, exact: exact}
}

// Classify parses data strictly and tags its shape.
func Classify(data []byte) model.RawPayload {
	data = trim(data)
	if len(data) == 0 {
		return model.EmptyPayload()
	}

	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return model.MalformedPayload(err)
	}
	switch val := v.(type) {
	case map[string]interface{}:
		return model.ObjectPayload(val)
	case []interface{}:
		return model.ListPayload(val)
	default:
		return model.ScalarPayload(val)
	}
}

// Normalize never fails. Anything it cannot use is reported in Diagnostics.
func (n *Normalizer) Normalize(data []byte) Result {
	var res Result
	payload := Classify(data)

	switch payload.Kind {
	case model.PayloadEmpty:
	case model.PayloadObject:
		res.Events = append(res.Events, n.event(payload.Object))
	case model.PayloadList:
		n.normalizeList(payload.List, &res)
	case model.PayloadScalar:
		res.Diagnostics = append(res.Diagnostics, ParseError{Reason: ReasonScalar, Snippet: snippet(data)})
	case model.PayloadMalformed:
		objects, ok := split(trim(data))
		if !ok {
			res.Diagnostics = append(res.Diagnostics, ParseError{
				Reason:  ReasonMalformed,
				Snippet: snippet(data),
				Err:     payload.Err,
			})
			return res
		}
		for _, obj := range objects {
			res.Events = append(res.Events, n.event(obj))
		}
	}
	return res
}

func (n *Normalizer) normalizeList(list []interface{}, res *Result) {
	for _, item := range list {
		obj, ok := item.(map[string]interface{})
		if !ok {
			res.Diagnostics = append(res.Diagnostics, ParseError{
				Reason:  ReasonScalar,
				Snippet: fmt.Sprintf("%v", item),
			})
			continue
		}
		res.Events = append(res.Events, n.event(obj))
	}
}

// event accepts objects that carry a baseData descriptor, at the top level
// or under data, and synthesizes one for everything else.
func (n *Normalizer) event(obj map[string]interface{}) model.CanonicalEvent {
	if base, name := descriptor(obj); name != "" {
		return model.CanonicalEvent{
			Name:         name,
			Type:         n.RoutingKey(name),
			BaseData:     base,
			Properties:   mapField(base, "properties"),
			Measurements: mapField(base, "measurements"),
			Payload:      obj,
		}
	}

	name := synthesizedName(obj)
	return model.CanonicalEvent{
		Name:         name,
		Type:         n.RoutingKey(name),
		Synthetic:    true,
		BaseData:     map[string]interface{}{"name": name},
		Properties:   mapField(obj, "properties"),
		Measurements: mapField(obj, "measurements"),
		Payload:      obj,
	}
}

// RoutingKey drops the extension prefix up to the last "/". A namespace
// prefix is dropped too, but only when what remains is an exact route key,
// so conversation.codeMapper.applied keeps its conversation. prefix.
// It never returns "".
func (n *Normalizer) RoutingKey(name string) string {
	key := name
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	for _, p := range n.prefixes {
		if p == "" || !strings.HasPrefix(key, p) {
			continue
		}
		if _, ok := n.exact[key[len(p):]]; ok {
			key = key[len(p):]
			break
		}
	}
	if key == "" {
		if name == "" {
			return Unclassified
		}
		return name
	}
	return key
}

func descriptor(obj map[string]interface{}) (map[string]interface{}, string) {
	candidates := []map[string]interface{}{mapField(obj, "baseData")}
	if data := mapField(obj, "data"); data != nil {
		candidates = append(candidates, mapField(data, "baseData"))
	}
	for _, base := range candidates {
		if base == nil {
			continue
		}
		if name := stringField(base, "name"); name != "" {
			return base, name
		}
		if name := stringField(base, "baseType"); name != "" {
			return base, name
		}
	}
	return nil, ""
}

func synthesizedName(obj map[string]interface{}) string {
	for _, f := range nameFields {
		if name := stringField(obj, f); name != "" {
			return name
		}
	}
	if data := mapField(obj, "data"); data != nil {
		if name := stringField(data, "name"); name != "" {
			return name
		}
	}
	return Unclassified
}

// split recovers newline-delimited or concatenated objects from a body that
// is not a single JSON value.
func split(data []byte) ([]map[string]interface{}, bool) {
	if objects := splitLines(data); len(objects) > 0 {
		return objects, true
	}
	return splitConcatenated(data)
}

func splitLines(data []byte) []map[string]interface{} {
	var objects []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) < 2 || line[0] != '{' || line[len(line)-1] != '}' {
			continue
		}
		var obj map[string]interface{}
		if err := json.Unmarshal(line, &obj); err != nil {
			continue
		}
		objects = append(objects, obj)
	}
	return objects
}

func splitConcatenated(data []byte) ([]map[string]interface{}, bool) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var objects []map[string]interface{}
	for {
		var obj map[string]interface{}
		err := dec.Decode(&obj)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false
		}
		objects = append(objects, obj)
	}
	return objects, len(objects) > 0
}

// ExtractCompletionText reduces a server-sent-event completion stream to
// the generated text.
func ExtractCompletionText(content []byte) string {
	var sb strings.Builder
	scanner := bufio.NewScanner(bytes.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), len(content)+1)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		raw := strings.TrimRight(strings.TrimSpace(strings.TrimPrefix(line, "data:")), ",")
		if raw == "" || raw == "[DONE]" {
			continue
		}
		var chunk struct {
			Choices []struct {
				Text  *string `json:"text"`
				Delta *struct {
					Content *string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(raw), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		switch {
		case choice.Delta != nil && choice.Delta.Content != nil:
			sb.WriteString(*choice.Delta.Content)
		case choice.Text != nil:
			sb.WriteString(*choice.Text)
		}
	}
	return sb.String()
}

func trim(data []byte) []byte {
	return bytes.TrimSpace(bytes.TrimPrefix(data, utf8BOM))
}

func snippet(data []byte) string {
	if len(data) > snippetLen {
		return string(data[:snippetLen])
	}
	return string(data)
}

func mapField(m map[string]interface{}, key string) map[string]interface{} {
	if m == nil {
		return nil
	}
	v, _ := m[key].(map[string]interface{})
	return v
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return strings.TrimSpace(v)
}
