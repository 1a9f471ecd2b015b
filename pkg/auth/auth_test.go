package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dispatch-sh/dispatch/pkg/session/models"
)

func TestIsAuthorized(t *testing.T) {
	t.Run("matching key accepted", func(t *testing.T) {
		a := NewAuthenticator("secret")
		assert.True(t, a.IsAuthorized("secret"))
		assert.True(t, a.Enabled())
	})

	t.Run("wrong key rejected", func(t *testing.T) {
		a := NewAuthenticator("secret")
		assert.False(t, a.IsAuthorized("guess"))
		assert.False(t, a.IsAuthorized(""))
		assert.False(t, a.IsAuthorized("secret "))
	})

	t.Run("empty key disables auth", func(t *testing.T) {
		a := NewAuthenticator("")
		assert.True(t, a.IsAuthorized("anything"))
		assert.False(t, a.Enabled())
	})
}

func TestValidateWorkspacePath(t *testing.T) {
	root := "/workspace"

	t.Run("inside root", func(t *testing.T) {
		assert.NoError(t, ValidateWorkspacePath(root, "/workspace/demo"))
		assert.NoError(t, ValidateWorkspacePath(root, "/workspace"))
		assert.NoError(t, ValidateWorkspacePath(root, "/workspace/a/b/c"))
	})

	t.Run("relative rejected", func(t *testing.T) {
		err := ValidateWorkspacePath(root, "demo")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("parent segments rejected", func(t *testing.T) {
		err := ValidateWorkspacePath(root, "/workspace/../etc/passwd")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("outside root rejected", func(t *testing.T) {
		err := ValidateWorkspacePath(root, "/etc/passwd")
		assert.ErrorIs(t, err, models.ErrInvalidInput)

		// Sibling with the root as a string prefix
		err = ValidateWorkspacePath(root, "/workspace-evil/x")
		assert.ErrorIs(t, err, models.ErrInvalidInput)
	})

	t.Run("empty root disables validation", func(t *testing.T) {
		assert.NoError(t, ValidateWorkspacePath("", "anything"))
	})
}
