package auth

import (
	"fmt"

	"github.com/cloudx-io/escrowauction/core"
)

// Grants is the set of principals that consented to a call.
type Grants map[core.Principal]struct{}

// AllowOnly grants exactly the given principals.
func AllowOnly(principals ...core.Principal) Grants {
	g := make(Grants, len(principals))
	for _, p := range principals {
		g[p] = struct{}{}
	}
	return g
}

func (g Grants) RequireAuth(p core.Principal) error {
	if _, ok := g[p]; !ok {
		return fmt.Errorf("%w: %s did not sign the request", core.ErrUnauthorized, p)
	}
	return nil
}

// AllowAll grants every principal. Use it only where the caller is already
// trusted, such as in-process embedding and tests.
type AllowAll struct{}

func (AllowAll) RequireAuth(core.Principal) error { return nil }
