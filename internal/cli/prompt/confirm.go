// Package prompt provides interactive terminal prompts for CLI commands.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// Confirm asks a yes/no question and reports the answer. Empty input
// takes the default, "n" answers false, and Ctrl+C returns ErrAborted.
func Confirm(label string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}

	answer, err := (&promptui.Prompt{
		Label:     fmt.Sprintf("%s [%s]", label, hint),
		IsConfirm: true,
	}).Run()

	switch {
	case err == nil:
		answer = strings.ToLower(answer)
		return answer == "y" || answer == "yes", nil
	case errors.Is(err, promptui.ErrAbort):
		// promptui signals an explicit "n" this way.
		return false, nil
	case errors.Is(err, promptui.ErrInterrupt):
		return false, ErrAborted
	case answer == "":
		return defaultYes, nil
	default:
		return false, err
	}
}

// ConfirmWithForce skips the prompt entirely when force is set.
func ConfirmWithForce(label string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	return Confirm(label, false)
}
