// Package cli validates operator input for the runtime control tool.
package cli

import (
	"errors"
	"fmt"
	"strings"
)

// Emergency commands accepted by the controller's command-file channel.
var knownCommands = []string{
	"EMERGENCY_STOP",
	"CLOSE_ALL_POSITIONS",
	"DISABLE_TRADING",
	"ENABLE_TRADING",
}

// ValidateCommand checks an emergency command name, case-insensitively.
func ValidateCommand(command string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(command))
	for _, known := range knownCommands {
		if normalized == known {
			return normalized, nil
		}
	}
	return "", fmt.Errorf("unknown command %q (valid: %s)",
		command, strings.Join(knownCommands, ", "))
}

// ValidateInput rejects input with shell metacharacters or path traversal,
// for values that end up in file paths or subprocess arguments.
func ValidateInput(input string) error {
	if strings.ContainsAny(input, ";|&$`") {
		return errors.New("potentially malicious input detected")
	}
	if strings.Contains(input, "../") || strings.Contains(input, "..\\") {
		return errors.New("potentially malicious input detected")
	}
	return nil
}
