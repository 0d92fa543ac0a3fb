// Package secrets abstracts credential lookup behind a small interface so the
// dual-credential connection pools in internal/store never read environment
// variables directly. This is the seam a future vault-backed provider plugs
// into without touching store.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider resolves a named credential to its primary and secondary values.
// Secondary is used during credential rotation: if dialing with primary fails
// with an authentication error, the caller retries once with secondary before
// giving up. Secondary may be empty, meaning rotation is not in progress.
type Provider interface {
	Resolve(ctx context.Context, credentialName string) (primary, secondary string, err error)
}

// envProvider reads "<NAME>_PASSWORD" for the primary value and
// "<NAME>_PASSWORD_SECONDARY" for the value being rotated in, both optional
// (an empty primary is valid for unauthenticated dev Redis instances).
type envProvider struct{}

// NewEnvProvider returns the default Provider used outside of tests: plain
// environment variables, matching how the rest of the ambient config layer
// is sourced.
func NewEnvProvider() Provider { return envProvider{} }

func (envProvider) Resolve(_ context.Context, credentialName string) (string, string, error) {
	name := strings.ToUpper(strings.TrimSpace(credentialName))
	if name == "" {
		return "", "", fmt.Errorf("secrets: empty credential name")
	}
	primary := os.Getenv(name + "_PASSWORD")
	secondary := os.Getenv(name + "_PASSWORD_SECONDARY")
	return primary, secondary, nil
}
