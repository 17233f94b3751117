package licensing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vendorhub/licensing/internal/platform/httpx"
)

// Status is the license lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusRejected  Status = "REJECTED"
	StatusExpired   Status = "EXPIRED"
	StatusRevoked   Status = "REVOKED"
	StatusSuspended Status = "SUSPENDED"
)

// ParseStatus converts untrusted input into a Status.
func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusApproved, StatusRejected, StatusExpired, StatusRevoked, StatusSuspended:
		return status, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
}

// License is a vendor license record. VendorID is the user id of the vendor
// account owning the license.
type License struct {
	ID                int64      `json:"id"`
	LicenseNumber     string     `json:"licenseNumber"`
	VendorID          int64      `json:"vendorId"`
	Status            Status     `json:"status"`
	ApprovedByID      *int64     `json:"approvedById"`
	ApprovedAt        *time.Time `json:"approvedAt"`
	IssuedAt          *time.Time `json:"issuedAt"`
	ExpiresAt         *time.Time `json:"expiresAt"`
	RejectionReason   *string    `json:"rejectionReason"`
	IsRenewal         bool       `json:"isRenewal"`
	PreviousLicenseID *int64     `json:"previousLicenseId"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Expired reports whether an approved license has passed its expiry at now.
func (l License) Expired(now time.Time) bool {
	return l.Status == StatusApproved && l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// EffectiveStatus returns the status observed at now: approved licenses past
// their expiry read as EXPIRED even before the sweep persists it.
func (l License) EffectiveStatus(now time.Time) Status {
	if l.Expired(now) {
		return StatusExpired
	}
	return l.Status
}

// Observe returns a copy of l with its status evaluated at now.
func (l License) Observe(now time.Time) License {
	l.Status = l.EffectiveStatus(now)
	return l
}

// NotificationType enumerates lifecycle notifications.
type NotificationType string

const (
	NotifyLicenseSubmitted  NotificationType = "LICENSE_SUBMITTED"
	NotifyLicenseApproved   NotificationType = "LICENSE_APPROVED"
	NotifyLicenseRejected   NotificationType = "LICENSE_REJECTED"
	NotifyLicenseRenewal    NotificationType = "LICENSE_RENEWAL_SUBMITTED"
	NotifyLicenseRevoked    NotificationType = "LICENSE_REVOKED"
	NotifyLicenseSuspended  NotificationType = "LICENSE_SUSPENDED"
	NotifyLicenseReinstated NotificationType = "LICENSE_REINSTATED"
)

// Notification is created by a transition and owned by its recipient.
type Notification struct {
	ID               int64            `json:"id"`
	UserID           int64            `json:"userId"`
	Type             NotificationType `json:"type"`
	Title            string           `json:"title"`
	Message          string           `json:"message"`
	RelatedLicenseID int64            `json:"relatedLicenseId"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// Page is one offset-paginated slice of licenses.
type Page struct {
	Items      []License `json:"items"`
	Page       int       `json:"page"`
	PageSize   int       `json:"pageSize"`
	Total      int       `json:"total"`
	TotalPages int       `json:"totalPages"`
}

var (
	// ErrNotFound indicates record missing.
	ErrNotFound = fmt.Errorf("licensing: %w", httpx.ErrNotFound)
	// ErrValidation indicates invalid input.
	ErrValidation = fmt.Errorf("licensing: %w", httpx.ErrValidation)
	// ErrPrecondition indicates a transition whose precondition does not hold.
	ErrPrecondition = fmt.Errorf("licensing: %w", httpx.ErrPrecondition)
	// ErrDuplicateNumber indicates a license number that is already taken.
	ErrDuplicateNumber = fmt.Errorf("licensing: license number %w", httpx.ErrDuplicate)
)

// Precondition names the rule a transition violated.
type Precondition string

const (
	PreconditionStatus         Precondition = "status"
	PreconditionUniqueNumber   Precondition = "unique_license_number"
	PreconditionVendorExists   Precondition = "vendor_exists"
	PreconditionApproverRole   Precondition = "approver_role"
	PreconditionReason         Precondition = "reason_required"
	PreconditionExpiry         Precondition = "expiry_in_future"
	PreconditionConcurrentEdit Precondition = "concurrent_update"
	PreconditionRenewalPending Precondition = "renewal_pending"
)

// PreconditionError reports a rejected transition. It matches
// ErrPrecondition with errors.Is, and ErrDuplicateNumber for number clashes.
type PreconditionError struct {
	Op           string
	Precondition Precondition
	Detail       string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("licensing: %s: %s", e.Op, e.Detail)
}

// Unwrap exposes the sentinel errors the failure matches.
func (e *PreconditionError) Unwrap() []error {
	if e.Precondition == PreconditionUniqueNumber {
		return []error{ErrPrecondition, ErrDuplicateNumber}
	}
	return []error{ErrPrecondition}
}

func precondition(op string, p Precondition, format string, args ...any) error {
	return &PreconditionError{Op: op, Precondition: p, Detail: fmt.Sprintf(format, args...)}
}

func invalidStatus(op string, current Status) error {
	return precondition(op, PreconditionStatus, "cannot %s license with status %s", op, current)
}

// PreconditionOf extracts the violated precondition from err.
func PreconditionOf(err error) (Precondition, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe.Precondition, true
	}
	return "", false
}
