// Package auth holds the shared-key check and workspace path validation
// used by the gateway and the session manager.
package auth

import (
	"crypto/subtle"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

// Authenticator validates client credentials against a single shared key.
type Authenticator struct {
	key string
}

// NewAuthenticator creates an authenticator for the given key. An empty
// key disables authentication; every credential is accepted.
func NewAuthenticator(key string) *Authenticator {
	return &Authenticator{key: key}
}

// IsAuthorized reports whether the presented credential matches the
// configured key. Comparison is constant time.
func (a *Authenticator) IsAuthorized(credential string) bool {
	if a.key == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(a.key), []byte(credential)) == 1
}

// Enabled reports whether a key is configured at all.
func (a *Authenticator) Enabled() bool {
	return a.key != ""
}

// ValidateWorkspacePath checks that a path handed to an adapter stays
// inside the workspace root: absolute, no .. segments, and prefixed by
// root. Higher-level sandboxing is the caller's job; this is the last
// line of defense.
func ValidateWorkspacePath(root, path string) error {
	if root == "" {
		return nil
	}

	if !filepath.IsAbs(path) {
		return fmt.Errorf("%w: path %q is not absolute", models.ErrInvalidInput, path)
	}

	for _, segment := range strings.Split(filepath.ToSlash(path), "/") {
		if segment == ".." {
			return fmt.Errorf("%w: path %q contains a parent segment", models.ErrInvalidInput, path)
		}
	}

	cleaned := filepath.Clean(path)
	cleanedRoot := filepath.Clean(root)
	if cleaned != cleanedRoot && !strings.HasPrefix(cleaned, cleanedRoot+string(filepath.Separator)) {
		return fmt.Errorf("%w: path %q escapes workspace root", models.ErrInvalidInput, path)
	}

	return nil
}
