package handlers

import (
	"strings"

	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// General is the catch-all handler. It always persists.
type General struct{ base }

func (h *General) Name() string { return NameGeneral }

func (h *General) Handle(in Input) (*model.PersistedDocument, bool) {
	ev := in.Event
	doc := h.frame(in)
	req := doc.Request
	req["eventType"] = ev.Type
	req["synthetic"] = ev.Synthetic

	shown := strings.Contains(ev.Name, "hown")
	if shown || strings.Contains(ev.Name, "accepted") {
		addCompletionStats(req, ev, shown)
	}

	attach(req, ev)
	if ev.Synthetic {
		req["payload"] = orEmpty(ev.Payload)
	}
	return doc, true
}

// addCompletionStats records line and character counts of shown or
// accepted completions together with the editor that produced them.
func addCompletionStats(req map[string]interface{}, ev model.CanonicalEvent, shown bool) {
	lines, _ := number(ev.Measurements, "numLines")
	chars, _ := number(ev.Measurements, "compCharLen")

	req["shown_numLines"] = float64(0)
	req["shown_charLens"] = float64(0)
	req["accepted_numLines"] = float64(0)
	req["accepted_charLens"] = float64(0)
	if shown {
		req["shown_numLines"] = lines
		req["shown_charLens"] = chars
	} else {
		req["accepted_numLines"] = lines
		req["accepted_charLens"] = chars
	}

	editor, version, _ := strings.Cut(str(ev.Properties, "editor_version"), "/")
	req["language"] = str(ev.Properties, "languageId")
	req["editor"] = editor
	req["editor_version"] = version
	req["copilot-ext-version"] = str(ev.Properties, "common_extversion")
}
