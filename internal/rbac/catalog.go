package rbac

import "sort"

// License permissions.
const (
	PermLicenseCreate  Permission = "create-license"
	PermLicenseRead    Permission = "read-license"
	PermLicenseUpdate  Permission = "update-license"
	PermLicenseApprove Permission = "approve-license"
	PermLicenseReject  Permission = "reject-license"
	PermLicenseRenew   Permission = "renew-license"
	PermLicenseRevoke  Permission = "revoke-license"
	PermLicenseSuspend Permission = "suspend-license"
)

// Vendor profile permissions.
const (
	PermVendorCreate Permission = "create-vendor"
	PermVendorRead   Permission = "read-vendor"
	PermVendorUpdate Permission = "update-vendor"
	PermVendorDelete Permission = "delete-vendor"
)

// User management permissions.
const (
	PermUserCreate Permission = "create-user"
	PermUserRead   Permission = "read-user"
	PermUserUpdate Permission = "update-user"
	PermUserDelete Permission = "delete-user"
)

// Inspection, document and notification permissions.
const (
	PermInspectionCreate Permission = "create-inspection"
	PermInspectionRead   Permission = "read-inspection"
	PermInspectionUpdate Permission = "update-inspection"

	PermDocumentUpload Permission = "upload-document"
	PermDocumentRead   Permission = "read-document"
	PermDocumentDelete Permission = "delete-document"

	PermNotificationRead Permission = "read-notification"
)

// Oversight permissions.
const (
	PermAuditView   Permission = "view-audit-log"
	PermAuditExport Permission = "export-audit-log"
	PermReportsView Permission = "view-reports"
	PermSettings    Permission = "manage-settings"
)

// AllPermissions lists the full catalog.
func AllPermissions() []Permission {
	return []Permission{
		PermLicenseCreate, PermLicenseRead, PermLicenseUpdate, PermLicenseApprove,
		PermLicenseReject, PermLicenseRenew, PermLicenseRevoke, PermLicenseSuspend,
		PermVendorCreate, PermVendorRead, PermVendorUpdate, PermVendorDelete,
		PermUserCreate, PermUserRead, PermUserUpdate, PermUserDelete,
		PermInspectionCreate, PermInspectionRead, PermInspectionUpdate,
		PermDocumentUpload, PermDocumentRead, PermDocumentDelete,
		PermNotificationRead,
		PermAuditView, PermAuditExport, PermReportsView, PermSettings,
	}
}

type permissionSet map[Permission]struct{}

func newPermissionSet(perms ...Permission) permissionSet {
	set := make(permissionSet, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return set
}

// The tables below are built once at init and only read afterwards.
var (
	adminPermissions = newPermissionSet(AllPermissions()...)

	inspectorPermissions = newPermissionSet(
		PermLicenseRead, PermLicenseApprove, PermLicenseReject, PermLicenseSuspend,
		PermVendorRead,
		PermUserRead,
		PermInspectionCreate, PermInspectionRead, PermInspectionUpdate,
		PermDocumentRead,
		PermNotificationRead,
		PermReportsView,
	)

	vendorPermissions = newPermissionSet(
		PermLicenseCreate, PermLicenseRead, PermLicenseRenew,
		PermVendorRead, PermVendorUpdate,
		PermInspectionRead,
		PermDocumentUpload, PermDocumentRead, PermDocumentDelete,
		PermNotificationRead,
	)

	// resourceScoped holds permissions that always target a single owned resource.
	resourceScoped = newPermissionSet(
		PermLicenseCreate, PermLicenseRead, PermLicenseUpdate, PermLicenseRenew,
		PermVendorRead, PermVendorUpdate,
		PermInspectionRead,
		PermDocumentUpload, PermDocumentRead, PermDocumentDelete,
		PermNotificationRead,
	)
)

func permissionTable(role Role) permissionSet {
	switch role {
	case RoleAdmin:
		return adminPermissions
	case RoleInspector:
		return inspectorPermissions
	case RoleVendor:
		return vendorPermissions
	}
	panic(unknownRole(role))
}

// PermissionsFor returns the sorted permission set granted to role.
// It panics for roles outside the closed set.
func PermissionsFor(role Role) []Permission {
	table := permissionTable(role)
	perms := make([]Permission, 0, len(table))
	for p := range table {
		perms = append(perms, p)
	}
	sort.Slice(perms, func(i, j int) bool { return perms[i] < perms[j] })
	return perms
}

// OwnershipPolicyFor returns the resource ownership policy of role.
// It panics for roles outside the closed set.
func OwnershipPolicyFor(role Role) Ownership {
	switch role {
	case RoleAdmin, RoleInspector:
		return OwnershipAny
	case RoleVendor:
		return OwnershipOwn
	}
	panic(unknownRole(role))
}

// Rank orders roles by privilege: ADMIN > INSPECTOR > VENDOR.
// It panics for roles outside the closed set.
func Rank(role Role) int {
	switch role {
	case RoleAdmin:
		return 3
	case RoleInspector:
		return 2
	case RoleVendor:
		return 1
	}
	panic(unknownRole(role))
}

// Outranks reports whether a is strictly more privileged than b.
func Outranks(a, b Role) bool {
	return Rank(a) > Rank(b)
}

// ResourceScoped reports whether perm acts on a single owned resource.
func ResourceScoped(perm Permission) bool {
	_, ok := resourceScoped[perm]
	return ok
}
