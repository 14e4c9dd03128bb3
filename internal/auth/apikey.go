// Package auth implements API-key authentication for the gatekeeper HTTP
// surface. Keys live in a YAML file and carry a principal id and a role;
// the role decides which endpoints a caller may hit, and the principal id
// is what approval records are attributed to.
package auth

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Roles recognized by the HTTP layer.
const (
	RoleAgent    = "agent"    // may submit actions and report results
	RoleApprover = "approver" // may submit approvals
	RoleAdmin    = "admin"    // everything, including policy reload
)

// Principal is the authenticated identity behind an API key.
type Principal struct {
	ID   string
	Role string
}

type APIKeyAuth struct {
	headerName string
	keys       map[string]Principal
}

type keyFileEntry struct {
	ID          string `yaml:"id"`
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
	Role        string `yaml:"role"` // agent|approver|admin
}

func validRole(role string) bool {
	switch role {
	case RoleAgent, RoleApprover, RoleAdmin:
		return true
	}
	return false
}

func LoadAPIKeys(keysFile string, headerName string) (*APIKeyAuth, error) {
	if strings.TrimSpace(headerName) == "" {
		headerName = "X-API-Key"
	}
	if keysFile == "" {
		return nil, fmt.Errorf("api key auth enabled but keys_file is empty")
	}
	b, err := os.ReadFile(keysFile)
	if err != nil {
		return nil, fmt.Errorf("read api keys file: %w", err)
	}
	var entries []keyFileEntry
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse api keys file: %w", err)
	}
	keys := make(map[string]Principal, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Key) == "" {
			continue
		}
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("api keys file entry %d: id is required", i)
		}
		role := strings.ToLower(strings.TrimSpace(e.Role))
		if role == "" {
			role = RoleAgent
		}
		if !validRole(role) {
			return nil, fmt.Errorf("api keys file entry %q: unknown role %q", e.ID, e.Role)
		}
		keys[e.Key] = Principal{ID: e.ID, Role: role}
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("api keys file contains no keys")
	}
	return &APIKeyAuth{headerName: headerName, keys: keys}, nil
}

func (a *APIKeyAuth) HeaderName() string { return a.headerName }

// Authenticate resolves a presented key to its principal.
func (a *APIKeyAuth) Authenticate(key string) (Principal, bool) {
	if a == nil || key == "" {
		return Principal{}, false
	}
	for k, p := range a.keys {
		if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
			return p, true
		}
	}
	return Principal{}, false
}

// Allows reports whether role is sufficient where any of want is required.
// Admin passes every check.
func Allows(role string, want ...string) bool {
	if role == RoleAdmin {
		return true
	}
	for _, w := range want {
		if role == w {
			return true
		}
	}
	return false
}
