// Package constraint enforces the formal, persistence-time invariants of
// versioned records and their associations. These checks are independent of
// business validation and run before any row reaches storage.
package constraint

import (
	"errors"
	"fmt"
)

// Kind identifies which formal constraint was breached. The set is closed.
type Kind string

const (
	// IdentityInsert: an insert supplied a key for a table whose keys the store generates.
	IdentityInsert Kind = "IdentityInsert"

	// NonIdentityUpdate: an update or obsolete did not identify its target.
	NonIdentityUpdate Kind = "NonIdentityUpdate"

	// UpdatedReadonlyObject: an update or obsolete targeted a system-owned object.
	UpdatedReadonlyObject Kind = "UpdatedReadonlyObject"

	// AssociatedEntityWithoutSourceKey: an association has no resolvable source record.
	AssociatedEntityWithoutSourceKey Kind = "AssociatedEntityWithoutSourceKey"

	// AssociatedEntityWithoutEffectiveVersion: a versioned association has no effective version.
	AssociatedEntityWithoutEffectiveVersion Kind = "AssociatedEntityWithoutEffectiveVersion"
)

var messages = map[Kind]string{
	IdentityInsert:                          "insert must not supply an identity the store generates",
	NonIdentityUpdate:                       "update requires the identity of the target object",
	UpdatedReadonlyObject:                   "object is readonly and cannot be modified",
	AssociatedEntityWithoutSourceKey:        "association does not reference an existing source record",
	AssociatedEntityWithoutEffectiveVersion: "versioned association requires an effective version",
}

// Kinds returns every violation kind in check order.
func Kinds() []Kind {
	return []Kind{
		IdentityInsert,
		NonIdentityUpdate,
		UpdatedReadonlyObject,
		AssociatedEntityWithoutSourceKey,
		AssociatedEntityWithoutEffectiveVersion,
	}
}

// Message returns the fixed message text for k.
func (k Kind) Message() string {
	if m, ok := messages[k]; ok {
		return m
	}
	return "formal constraint violated"
}

// Violation is the error returned when a formal constraint is breached.
type Violation struct {
	Kind  Kind
	Table string
	Key   string
}

func (v *Violation) Error() string {
	if v.Table != "" {
		return fmt.Sprintf("%s: %s (table=%s)", v.Kind, v.Kind.Message(), v.Table)
	}
	return fmt.Sprintf("%s: %s", v.Kind, v.Kind.Message())
}

// KindOf returns the violation kind anywhere in err's chain.
func KindOf(err error) (Kind, bool) {
	var v *Violation
	if errors.As(err, &v) {
		return v.Kind, true
	}
	return "", false
}

// Is reports whether err carries a violation of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
