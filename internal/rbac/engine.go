package rbac

import (
	"errors"
	"fmt"
)

var (
	// ErrUnauthenticated indicates no principal was supplied.
	ErrUnauthenticated = errors.New("rbac: not authenticated")
	// ErrForbidden indicates the principal lacks a permission or ownership.
	ErrForbidden = errors.New("rbac: forbidden")
)

// DenialKind classifies why a decision was a denial.
type DenialKind string

const (
	DenialNone            DenialKind = ""
	DenialUnauthenticated DenialKind = "UNAUTHENTICATED"
	DenialPermission      DenialKind = "PERMISSION"
	DenialOwnerRequired   DenialKind = "OWNER_REQUIRED"
	DenialNotOwner        DenialKind = "NOT_OWNER"
)

// Decision is the outcome of an access check.
type Decision struct {
	Allowed bool
	Kind    DenialKind
	Reason  string
}

// Allow is the single allowing decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

func deny(kind DenialKind, format string, args ...any) Decision {
	return Decision{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Err converts a denial into an error wrapping ErrUnauthenticated or ErrForbidden.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Kind == DenialUnauthenticated {
		return fmt.Errorf("%w: %s", ErrUnauthenticated, d.Reason)
	}
	return fmt.Errorf("%w: %s", ErrForbidden, d.Reason)
}

// HasPermission reports whether role holds perm.
func HasPermission(role Role, perm Permission) bool {
	_, ok := permissionTable(role)[perm]
	return ok
}

// CanAccessResource applies the ownership policy of role.
func CanAccessResource(role Role, principalID, ownerID int64) bool {
	if OwnershipPolicyFor(role) == OwnershipAny {
		return true
	}
	return principalID == ownerID
}

// Decide evaluates authentication, permission membership and ownership in
// that order. ownerID is the owning principal of the target resource, nil when
// the request is not about a single resource. OWN roles must supply an owner
// for resource scoped permissions.
func Decide(principal *Principal, perm Permission, ownerID *int64) Decision {
	if principal == nil {
		return deny(DenialUnauthenticated, "not authenticated")
	}
	if !HasPermission(principal.Role, perm) {
		return deny(DenialPermission, "role %s lacks permission %s", principal.Role, perm)
	}
	if OwnershipPolicyFor(principal.Role) == OwnershipAny {
		return Allow()
	}
	if ownerID == nil {
		if ResourceScoped(perm) {
			return deny(DenialOwnerRequired, "resource owner required for %s", perm)
		}
		return Allow()
	}
	if !CanAccessResource(principal.Role, principal.ID, *ownerID) {
		return deny(DenialNotOwner, "principal %d is not the owner of resource owned by %d", principal.ID, *ownerID)
	}
	return Allow()
}

// Owner is a convenience for passing an owner id to Decide.
func Owner(id int64) *int64 {
	return &id
}
