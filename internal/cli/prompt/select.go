package prompt

import (
	"fmt"

	"github.com/manifoldco/promptui"
)

// SelectString lets the user pick one entry from items with arrow keys.
func SelectString(label string, items []string) (string, error) {
	if len(items) == 0 {
		return "", fmt.Errorf("nothing to select for %q", label)
	}

	sel := promptui.Select{
		Label: label,
		Items: items,
		Size:  10,
	}
	_, choice, err := sel.Run()
	if err != nil {
		return "", wrapError(err)
	}
	return choice, nil
}
