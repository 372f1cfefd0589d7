package sessiond

import (
	"crypto/subtle"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// EnsureToken loads the shared auth token, generating one on first run.
// The file is 0600 inside the 0700 state dir: possession of the token
// proves the caller can already read the user's files.
func EnsureToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("sessiond: read token file: %w", err)
	}
	token := uuid.NewString()
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("sessiond: write token file: %w", err)
	}
	return token, nil
}

// LoadToken reads the token without creating it.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("sessiond: read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("sessiond: token file %s is empty", path)
	}
	return token, nil
}

func tokenMatches(expected, got string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}
