package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the closed set of principal roles.
type Role string

const (
	RoleAdmin     Role = "ADMIN"
	RoleInspector Role = "INSPECTOR"
	RoleVendor    Role = "VENDOR"
)

// Roles lists every role from the most to the least privileged.
func Roles() []Role {
	return []Role{RoleAdmin, RoleInspector, RoleVendor}
}

// ErrUnknownRole is returned by ParseRole for values outside the closed set.
var ErrUnknownRole = errors.New("rbac: unknown role")

// ParseRole converts untrusted input into a Role.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleAdmin, RoleInspector, RoleVendor:
		return role, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
}

// Valid reports whether r belongs to the closed set.
func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

// Permission represents an atomic capability tag.
type Permission string

// Ownership describes which resources a role may act upon.
type Ownership string

const (
	// OwnershipOwn restricts a role to resources owned by the acting principal.
	OwnershipOwn Ownership = "OWN"
	// OwnershipAny allows a role to act on any resource.
	OwnershipAny Ownership = "ANY"
)

// Principal describes the authenticated actor.
type Principal struct {
	ID   int64 `json:"id"`
	Role Role  `json:"role"`
}

func unknownRole(role Role) string {
	return fmt.Sprintf("rbac: unknown role %q", string(role))
}
