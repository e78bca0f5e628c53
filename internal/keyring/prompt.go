package keyring

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// PromptToken reads a token from the terminal without echo.
func PromptToken(serverURL string) (string, error) {
	fmt.Fprintf(os.Stderr, "Enter token for '%s': ", serverURL)

	// Prefer the controlling terminal so stdin can stay redirected
	fd := int(os.Stdin.Fd())
	tty, err := os.Open("/dev/tty")
	if err == nil {
		defer tty.Close()
		fd = int(tty.Fd())
	}

	tokenBytes, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("failed to read token: %w", err)
	}

	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return "", fmt.Errorf("token must not be empty")
	}
	return token, nil
}
