// Package router selects the handler for a canonical event.
package router

import (
	"strings"

	"github.com/telhawk-systems/telemetry-tap/internal/handlers"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// Matcher decides whether a routing key belongs to a route. Matching is
// case-sensitive.
type Matcher interface {
	Match(eventType string) bool
}

type exact string

func (e exact) Match(eventType string) bool { return eventType == string(e) }

type prefix string

func (p prefix) Match(eventType string) bool { return strings.HasPrefix(eventType, string(p)) }

// Exact matches one routing key.
func Exact(s string) Matcher { return exact(s) }

// Prefix matches routing keys that start with s.
func Prefix(s string) Matcher { return prefix(s) }

// Route pairs a matcher with its handler.
type Route struct {
	Matcher Matcher
	Handler handlers.Handler
}

// Router holds an ordered route list built at startup. It is immutable
// and safe for concurrent use.
type Router struct {
	routes   []Route
	fallback handlers.Handler
}

// New returns a router that evaluates routes top-down and uses fallback
// when nothing matches.
func New(fallback handlers.Handler, routes ...Route) *Router {
	if fallback == nil {
		panic("router: fallback handler is required")
	}
	return &Router{routes: append([]Route(nil), routes...), fallback: fallback}
}

// Select returns the first matching handler, or the fallback. Never nil.
func (r *Router) Select(ev model.CanonicalEvent) handlers.Handler {
	for _, route := range r.routes {
		if route.Matcher.Match(ev.Type) {
			return route.Handler
		}
	}
	return r.fallback
}

// ExactKeys returns the keys of the exact routes in table order.
func (r *Router) ExactKeys() []string {
	var keys []string
	for _, route := range r.routes {
		if e, ok := route.Matcher.(exact); ok {
			keys = append(keys, string(e))
		}
	}
	return keys
}

// Default builds the standard routing table over set.
func Default(set handlers.Set) *Router {
	return New(set.General,
		Route{Matcher: Exact("reportEditArc"), Handler: set.EditArc},
		Route{Matcher: Exact("editSources.details"), Handler: set.EditSourcesDetails},
		Route{Matcher: Exact("trackEditSurvival"), Handler: set.EditSurvival},
		Route{Matcher: Prefix("conversation."), Handler: set.Conversation},
		Route{Matcher: Prefix("inlineConversation."), Handler: set.Conversation},
	)
}
