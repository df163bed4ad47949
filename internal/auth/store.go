// Package auth holds the proxy credential store and the login guard.
package auth

import (
	"bufio"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrReservedUser       = errors.New("reserved username")
)

// Store maps usernames to passwords loaded from a credentials file.
// A Store is immutable after loading and safe for concurrent use.
type Store struct {
	creds    map[string]string
	reserved map[string]struct{}
}

// LoadFile reads a credentials file. Each non-blank line holds
// "username:password"; "username,password" is accepted for older files.
// Lines starting with # are ignored.
func LoadFile(path string, reserved ...string) (*Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file: %w", err)
	}
	defer f.Close()

	s, err := Parse(f, reserved...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// Parse reads credentials from r in the LoadFile format.
func Parse(r io.Reader, reserved ...string) (*Store, error) {
	s := &Store{
		creds:    make(map[string]string),
		reserved: make(map[string]struct{}, len(reserved)),
	}
	for _, name := range reserved {
		s.reserved[name] = struct{}{}
	}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, pass, ok := splitCredential(line)
		if !ok || user == "" {
			return nil, fmt.Errorf("line %d: expected username:password", lineNo)
		}
		s.creds[user] = pass
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}
	return s, nil
}

func splitCredential(line string) (string, string, bool) {
	i := strings.IndexAny(line, ":,")
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+1:]), true
}

// Len returns the number of known users.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.creds)
}

// Check returns nil when the pair is valid. Passwords stored with a $2
// prefix are bcrypt hashes.
func (s *Store) Check(username, password string) error {
	if s == nil {
		return ErrInvalidCredentials
	}
	if _, ok := s.reserved[username]; ok {
		return ErrReservedUser
	}
	stored, ok := s.creds[username]
	if !ok {
		return ErrInvalidCredentials
	}
	if strings.HasPrefix(stored, "$2") {
		if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(password)); err != nil {
			return ErrInvalidCredentials
		}
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// Verify reports whether the pair is valid.
func (s *Store) Verify(username, password string) bool {
	return s.Check(username, password) == nil
}
