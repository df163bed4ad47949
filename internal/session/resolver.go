// Package session tracks which proxy user owns each client connection.
package session

import (
	"encoding/base64"
	"errors"
	"strings"
	"sync"

	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// ErrUnauthorized is returned when a connection must present valid proxy
// credentials and did not.
var ErrUnauthorized = errors.New("proxy authentication required")

// Challenge is the Proxy-Authenticate value sent with a 407.
const Challenge = `Basic realm="telemetry-tap"`

// Verifier checks a username/password pair. *auth.Store satisfies it.
type Verifier interface {
	Check(username, password string) error
}

// ExemptMatcher reports URLs reachable without credentials.
// *urlfilter.Filter satisfies it.
type ExemptMatcher interface {
	Allowed(url string) bool
}

type Options struct {
	// Enabled turns on credential checks. When false every connection
	// resolves to the anonymous user.
	Enabled  bool
	Verifier Verifier
	Exempt   ExemptMatcher
	Logger   *logging.Logger
}

// Resolver remembers the authenticated username per connection id.
type Resolver struct {
	enabled  bool
	verifier Verifier
	exempt   ExemptMatcher
	logger   *logging.Logger

	mu    sync.RWMutex
	users map[string]string
}

func NewResolver(opts Options) *Resolver {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Resolver{
		enabled:  opts.Enabled,
		verifier: opts.Verifier,
		exempt:   opts.Exempt,
		logger:   logger,
		users:    make(map[string]string),
	}
}

// Authorize decides whether connID may proceed to url given the
// Proxy-Authorization header value. On success the username is bound to
// the connection and returned.
func (r *Resolver) Authorize(connID, header, url string) (string, error) {
	if !r.enabled {
		r.bind(connID, model.AnonymousUser)
		return model.AnonymousUser, nil
	}

	if strings.TrimSpace(header) == "" {
		if user, ok := r.lookup(connID); ok {
			return user, nil
		}
		if r.exempt != nil && r.exempt.Allowed(url) {
			r.bind(connID, model.AnonymousUser)
			return model.AnonymousUser, nil
		}
		return "", ErrUnauthorized
	}

	user, pass, ok := ParseBasic(header)
	if !ok || r.verifier == nil {
		return "", ErrUnauthorized
	}
	if err := r.verifier.Check(user, pass); err != nil {
		r.logger.Info("proxy authentication failed",
			logging.Username(user),
			logging.ConnectionID(connID),
			logging.Error(err),
		)
		return "", ErrUnauthorized
	}
	r.bind(connID, user)
	return user, nil
}

// Username returns the user bound to connID, or anonymous.
func (r *Resolver) Username(connID string) string {
	if user, ok := r.lookup(connID); ok {
		return user
	}
	return model.AnonymousUser
}

// Resolve builds the session context for a flow.
func (r *Resolver) Resolve(flow *model.RawFlow) model.SessionContext {
	return model.SessionContext{
		Username:     r.Username(flow.ConnectionID),
		ClientIP:     flow.ClientIP,
		ConnectionID: flow.ConnectionID,
		URL:          flow.URL,
	}
}

// Forget drops the binding for a closed connection.
func (r *Resolver) Forget(connID string) {
	r.mu.Lock()
	delete(r.users, connID)
	r.mu.Unlock()
}

// Len returns the number of live bindings.
func (r *Resolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Resolver) bind(connID, user string) {
	if connID == "" {
		return
	}
	r.mu.Lock()
	r.users[connID] = user
	r.mu.Unlock()
}

func (r *Resolver) lookup(connID string) (string, bool) {
	r.mu.RLock()
	user, ok := r.users[connID]
	r.mu.RUnlock()
	return user, ok
}

// ParseBasic decodes a "Basic <base64(user:pass)>" header value.
func ParseBasic(header string) (string, string, bool) {
	scheme, encoded, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", "", false
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok || user == "" {
		return "", "", false
	}
	return user, pass, true
}
