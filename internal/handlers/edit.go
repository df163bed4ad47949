package handlers

import (
	"strings"

	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

const undoEditsSource = "source:Chat.undoEdits"

// EditArc persists edit arcs reported at the moment of the edit.
// Follow-up reports with a non-zero timeDelayMs are noise.
type EditArc struct{ base }

func (h *EditArc) Name() string { return NameEditArc }

func (h *EditArc) Handle(in Input) (*model.PersistedDocument, bool) {
	ev := in.Event
	if delay, _ := measurement(ev, "timeDelayMs"); delay != 0 {
		return nil, false
	}

	doc := h.frame(in)
	req := doc.Request
	copyStrings(req, ev.Properties, "requestId", "editSessionId", "sourceKeyCleaned", "modelId")
	if v, ok := measurement(ev, "diffSize"); ok {
		req["diffSize"] = v
	}
	if v, ok := measurement(ev, "durationMs"); ok {
		req["durationMs"] = v
	}
	req["timeDelayMs"] = float64(0)
	attach(req, ev)
	return doc, true
}

// EditSourcesDetails persists edit source breakdowns except undo operations.
type EditSourcesDetails struct{ base }

func (h *EditSourcesDetails) Name() string { return NameEditSourcesDetails }

func (h *EditSourcesDetails) Handle(in Input) (*model.PersistedDocument, bool) {
	ev := in.Event
	sourceKey := str(ev.Properties, "sourceKey")
	if strings.Contains(sourceKey, undoEditsSource) {
		return nil, false
	}

	doc := h.frame(in)
	copyStrings(doc.Request, ev.Properties, "sourceKey", "sourceKeyCleaned", "languageId")
	attach(doc.Request, ev)
	return doc, true
}

// EditSurvival persists only the survival report taken at the checkpoint.
type EditSurvival struct {
	base
	checkpointMs float64
}

func (h *EditSurvival) Name() string { return NameEditSurvival }

func (h *EditSurvival) Handle(in Input) (*model.PersistedDocument, bool) {
	ev := in.Event
	if delay, _ := measurement(ev, "timeDelayMs"); delay != h.checkpointMs {
		return nil, false
	}

	doc := h.frame(in)
	copyStrings(doc.Request, ev.Properties, "messageId", "conversationId", "unique_id")
	attach(doc.Request, ev)
	return doc, true
}
