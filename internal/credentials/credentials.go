// Package credentials picks the credential for a single tool invocation.
//
// Resolution is a pure function: the chosen credential travels with the
// request as a value, never through shared process state, so concurrent
// operations carrying different caller tokens cannot observe each other's
// credentials.
package credentials

import (
	"errors"

	"github.com/opsgate/opsgate/pkg/models"
)

// ErrNoCredential is returned when a command requires a project scope but
// neither the caller nor the process configuration supplies a credential.
var ErrNoCredential = errors.New("no credential configured")

// Resolver holds the process-wide default credential, if any.
type Resolver struct {
	defaultToken string
}

// NewResolver creates a resolver with the configured default token.
// Pass "" when the deployment has no process default.
func NewResolver(defaultToken string) *Resolver {
	return &Resolver{defaultToken: defaultToken}
}

// Resolve chooses the credential for one invocation. A caller-supplied
// token always wins; otherwise the process default applies. When neither
// exists the result depends on the command: project-scoped commands fail
// with ErrNoCredential, the rest proceed unauthenticated.
func (r *Resolver) Resolve(callerToken string, requiresScope bool) (models.Credential, error) {
	if callerToken != "" {
		return models.Credential{Token: callerToken, Scope: models.ScopeCaller}, nil
	}
	if r.defaultToken != "" {
		return models.Credential{Token: r.defaultToken, Scope: models.ScopeDefault}, nil
	}
	if requiresScope {
		return models.Credential{}, ErrNoCredential
	}
	return models.Credential{Scope: models.ScopeNone}, nil
}
