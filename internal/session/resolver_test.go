package session

import (
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/telhawk-systems/telemetry-tap/internal/auth"
	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
	"github.com/telhawk-systems/telemetry-tap/internal/urlfilter"
)

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func newEnabled(t *testing.T) *Resolver {
	t.Helper()
	store, err := auth.Parse(strings.NewReader("alice:pw\nadmin:root"), "admin")
	require.NoError(t, err)
	exempt, err := urlfilter.New([]string{`api\.github\.com`})
	require.NoError(t, err)
	return NewResolver(Options{
		Enabled:  true,
		Verifier: store,
		Exempt:   exempt,
		Logger:   logging.Discard(),
	})
}

func TestAuthorize_Disabled(t *testing.T) {
	r := NewResolver(Options{Logger: logging.Discard()})

	user, err := r.Authorize("c1", "", "example.com:443")
	require.NoError(t, err)
	assert.Equal(t, model.AnonymousUser, user)
	assert.Equal(t, model.AnonymousUser, r.Username("c1"))
}

func TestAuthorize_Enabled(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		url     string
		want    string
		wantErr bool
	}{
		{"valid credentials", basic("alice", "pw"), "example.com:443", "alice", false},
		{"wrong password", basic("alice", "nope"), "example.com:443", "", true},
		{"unknown user", basic("mallory", "pw"), "example.com:443", "", true},
		{"reserved user", basic("admin", "root"), "example.com:443", "", true},
		{"missing on exempt url", "", "api.github.com:443", model.AnonymousUser, false},
		{"missing on other url", "", "example.com:443", "", true},
		{"bad credentials on exempt url", basic("alice", "nope"), "api.github.com:443", "", true},
		{"not basic", "Bearer abc", "example.com:443", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEnabled(t)
			user, err := r.Authorize("conn", tt.header, tt.url)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
				assert.Equal(t, model.AnonymousUser, r.Username("conn"))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, user)
			assert.Equal(t, tt.want, r.Username("conn"))
		})
	}
}

func TestAuthorize_ReusesConnectionBinding(t *testing.T) {
	r := newEnabled(t)

	_, err := r.Authorize("conn", basic("alice", "pw"), "example.com:443")
	require.NoError(t, err)

	user, err := r.Authorize("conn", "", "https://example.com/inner")
	require.NoError(t, err)
	assert.Equal(t, "alice", user)

	_, err = r.Authorize("other", "", "https://example.com/inner")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestResolveAndForget(t *testing.T) {
	r := newEnabled(t)
	_, err := r.Authorize("conn", basic("alice", "pw"), "example.com:443")
	require.NoError(t, err)

	sc := r.Resolve(&model.RawFlow{ConnectionID: "conn", ClientIP: "10.0.0.1", URL: "https://example.com"})
	assert.Equal(t, model.SessionContext{
		Username:     "alice",
		ClientIP:     "10.0.0.1",
		ConnectionID: "conn",
		URL:          "https://example.com",
	}, sc)

	r.Forget("conn")
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, model.AnonymousUser, r.Resolve(&model.RawFlow{ConnectionID: "conn"}).Username)
}

func TestResolver_Concurrent(t *testing.T) {
	r := NewResolver(Options{Logger: logging.Discard()})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i)
			_, _ = r.Authorize(id, "", "x")
			_ = r.Username(id)
			r.Forget(id)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}

func TestParseBasic(t *testing.T) {
	user, pass, ok := ParseBasic(basic("bob", "a:b"))
	require.True(t, ok)
	assert.Equal(t, "bob", user)
	assert.Equal(t, "a:b", pass)

	_, _, ok = ParseBasic("Basic !!!")
	assert.False(t, ok)
	_, _, ok = ParseBasic("Basic " + base64.StdEncoding.EncodeToString([]byte("nocolon")))
	assert.False(t, ok)
}
