package handlers

import (
	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

var conversationFields = []string{
	"messageId", "conversationId", "source", "uiKind", "compType",
	"mode", "modelId", "languageId", "fileType", "unique_id",
}

// Conversation handles chat and inline chat events such as applied code
// blocks and accepted inserts.
type Conversation struct{ base }

func (h *Conversation) Name() string { return NameConversation }

func (h *Conversation) Handle(in Input) (*model.PersistedDocument, bool) {
	ev := in.Event
	doc := h.frame(in)
	req := doc.Request
	copyStrings(req, ev.Properties, conversationFields...)

	// Indices arrive as strings from some clients and numbers from others.
	for _, k := range []string{"codeBlockIndex", "turnIndex"} {
		if v, ok := measurement(ev, k); ok {
			req[k] = v
		} else {
			req[k] = str(ev.Properties, k)
		}
	}
	attach(req, ev)
	return doc, true
}
