// Package auth carries the calling principal through request contexts and
// enforces permission demands.
package auth

import (
	"context"
	"fmt"
	"slices"

	"github.com/starford/hiedb/internal/apperr"
)

// MDM permissions.
const (
	PermWriteMaster = "mdm.write-master"
	PermReadLocals  = "mdm.read-locals"
	PermMergeMaster = "mdm.merge-master"
	PermAdminister  = "hiedb.administer"
)

// AllPermissions lists every permission a local principal holds.
var AllPermissions = []string{PermWriteMaster, PermReadLocals, PermMergeMaster, PermAdminister}

// Principal is the identity a request acts as.
type Principal struct {
	Name        string
	Permissions []string
	System      bool
}

// Has reports whether p holds perm. The system principal holds every permission.
func (p Principal) Has(perm string) bool {
	return p.System || slices.Contains(p.Permissions, perm)
}

// Anonymous acts with no permissions.
var Anonymous = Principal{Name: "anonymous"}

// System is the elevated principal used by background work.
var System = Principal{Name: "system", System: true}

type ctxKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// FromContext returns the principal in ctx, or Anonymous.
func FromContext(ctx context.Context) Principal {
	if p, ok := ctx.Value(ctxKey{}).(Principal); ok {
		return p
	}
	return Anonymous
}

// Demand fails with apperr.ErrForbidden unless the principal in ctx holds perm.
func Demand(ctx context.Context, perm string) error {
	p := FromContext(ctx)
	if !p.Has(perm) {
		return fmt.Errorf("%s lacks %s: %w", p.Name, perm, apperr.ErrForbidden)
	}
	return nil
}
