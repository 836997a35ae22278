package transcribe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCredentialMissing indicates no configured source provided an API key.
var ErrCredentialMissing = errors.New("speech API credential not found")

// Credential sources, in precedence order.
const (
	// EnvAPIKey is the environment variable holding the API key.
	EnvAPIKey = "OPENAI_API_KEY"

	// credentialFileName under the user config dir, one line, the key.
	credentialFileName = "credentials"
)

// CredentialProvider yields the bearer key for the speech service.
type CredentialProvider interface {
	APIKey() (string, error)
}

// Compile-time interface compliance checks.
var (
	_ CredentialProvider = StaticCredential("")
	_ CredentialProvider = (*ChainCredential)(nil)
)

// StaticCredential is a fixed key, used by tests and flag overrides.
type StaticCredential string

// APIKey returns the fixed key.
func (s StaticCredential) APIKey() (string, error) {
	if s == "" {
		return "", ErrCredentialMissing
	}
	return string(s), nil
}

// ChainCredential tries a credential file first, then the environment.
// The file plays the role of a keyring entry on headless hosts where no
// keyring daemon runs; the environment is the fallback.
type ChainCredential struct {
	// Getenv and home are injectable for testing.
	Getenv func(string) string
	Home   func() (string, error)
}

// NewChainCredential creates the default file-then-env chain.
func NewChainCredential() *ChainCredential {
	return &ChainCredential{
		Getenv: os.Getenv,
		Home:   os.UserHomeDir,
	}
}

// APIKey resolves the key from the first available source.
func (c *ChainCredential) APIKey() (string, error) {
	if key, err := c.fromFile(); err == nil && key != "" {
		return key, nil
	}

	if key := c.Getenv(EnvAPIKey); key != "" {
		return key, nil
	}

	return "", fmt.Errorf("%w: set %s or create the credential file", ErrCredentialMissing, EnvAPIKey)
}

// fromFile reads the key from the user config dir.
// Path: $XDG_CONFIG_HOME/hearingpipe/credentials or ~/.config/hearingpipe/credentials.
func (c *ChainCredential) fromFile() (string, error) {
	dir := c.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := c.Home()
		if err != nil {
			return "", err
		}
		dir = filepath.Join(home, ".config")
	}

	path := filepath.Join(dir, "hearingpipe", credentialFileName)
	data, err := os.ReadFile(path) // #nosec G304 -- path is constructed from the config dir
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
