package broker

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Env vars consulted when config leaves credentials blank. godotenv loads
// .env into the environment before this runs.
const (
	envAPIKey      = "KITE_API_KEY"
	envAccessToken = "KITE_ACCESS_TOKEN"
)

// Credentials is an immutable snapshot. An update produces a new snapshot
// rather than mutating the old one.
type Credentials struct {
	APIKey      string
	AccessToken string
	Discovered  bool // true when pulled from the environment
}

// Valid reports whether both parts are present.
func (c Credentials) Valid() bool {
	return c.APIKey != "" && c.AccessToken != ""
}

// CredentialManager holds the active credential snapshot and lazily builds
// the upstream client handle.
type CredentialManager struct {
	baseURL string
	timeout time.Duration

	mu     sync.Mutex
	creds  Credentials
	client *Client
}

// NewCredentialManager resolves credentials with override-beats-environment
// precedence. Missing credentials are a construction error: the process
// cannot collect anything without them.
func NewCredentialManager(baseURL string, timeout time.Duration, apiKey, accessToken string) (*CredentialManager, error) {
	creds := Credentials{APIKey: apiKey, AccessToken: accessToken}
	if creds.APIKey == "" {
		creds.APIKey = os.Getenv(envAPIKey)
		creds.Discovered = creds.APIKey != ""
	}
	if creds.AccessToken == "" {
		creds.AccessToken = os.Getenv(envAccessToken)
		creds.Discovered = creds.Discovered || creds.AccessToken != ""
	}
	if !creds.Valid() {
		return nil, fmt.Errorf("broker credentials missing: set broker.api_key/access_token or %s/%s", envAPIKey, envAccessToken)
	}

	return &CredentialManager{
		baseURL: baseURL,
		timeout: timeout,
		creds:   creds,
	}, nil
}

// Credentials returns the current snapshot.
func (m *CredentialManager) Credentials() Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creds
}

// Update installs a new snapshot and drops the cached client so the next
// Client() call rebuilds it with the fresh token.
func (m *CredentialManager) Update(apiKey, accessToken string) Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds = Credentials{APIKey: apiKey, AccessToken: accessToken}
	m.client = nil
	return m.creds
}

// Client returns the upstream client handle, building it on first use.
func (m *CredentialManager) Client() *Client {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		m.client = NewClient(m.baseURL, m.timeout, m.creds)
	}
	return m.client
}
