package licensing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vendorhub/licensing/internal/rbac"
	"github.com/vendorhub/licensing/internal/shared"
)

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (License, error)
	ListByStatus(ctx context.Context, filter StatusFilter) ([]License, int, error)
	ListByVendor(ctx context.Context, vendorID int64) ([]License, error)
	ListExpiring(ctx context.Context, from, until time.Time) ([]License, error)
	ExpireDue(ctx context.Context, asOf time.Time) (int64, error)
}

// StatusFilter selects one page of licenses observed with a status at AsOf.
type StatusFilter struct {
	Status Status
	AsOf   time.Time
	Offset int
	Limit  int
}

// Notifier delivers notifications after their transition committed. Delivery
// is fire-and-forget.
type Notifier interface {
	Enqueue(ctx context.Context, n Notification) error
}

// TransitionObserver is told the outcome of every transition.
type TransitionObserver interface {
	ObserveTransition(transition, outcome string)
}

// ServiceConfig carries optional collaborators.
type ServiceConfig struct {
	Now      func() time.Time
	Logger   *slog.Logger
	Observer TransitionObserver
}

// Service runs the license lifecycle. Callers are expected to have passed an
// access check before invoking a transition; the service still validates every
// state precondition inside the transaction.
type Service struct {
	repo     RepositoryPort
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger
	observer TransitionObserver
}

// NewService constructs the lifecycle service.
func NewService(repo RepositoryPort, notifier Notifier, cfg ServiceConfig) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, notifier: notifier, now: now, logger: logger, observer: cfg.Observer}
}

// CreateInput describes a license application.
type CreateInput struct {
	LicenseNumber string
	VendorID      int64
}

// ApproveInput describes an approval.
type ApproveInput struct {
	LicenseID  int64
	ApproverID int64
	ExpiresAt  time.Time
}

// RejectInput describes a rejection.
type RejectInput struct {
	LicenseID int64
	ActorID   int64
	Reason    string
}

// RenewInput describes a renewal application for an existing license.
type RenewInput struct {
	LicenseID     int64
	LicenseNumber string
	ActorID       int64
}

// ActionInput describes revoke, suspend and reinstate transitions.
type ActionInput struct {
	LicenseID int64
	ActorID   int64
	Reason    string
}

// Create persists a new PENDING license.
func (s *Service) Create(ctx context.Context, input CreateInput) (License, error) {
	const op = "create"
	number := strings.TrimSpace(input.LicenseNumber)
	if number == "" {
		number = generateNumber("LIC", s.now())
	}
	if input.VendorID <= 0 {
		return License{}, s.done(op, fmt.Errorf("%w: vendor id required", ErrValidation))
	}
	now := s.now()
	var created License
	var notes []Notification
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ok, err := tx.VendorExists(ctx, input.VendorID)
		if err != nil {
			return err
		}
		if !ok {
			return precondition(op, PreconditionVendorExists, "vendor %d does not exist", input.VendorID)
		}
		if err := ensureNumberFree(ctx, tx, op, number); err != nil {
			return err
		}
		created, err = tx.InsertLicense(ctx, License{
			LicenseNumber: number,
			VendorID:      input.VendorID,
			Status:        StatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if err != nil {
			return duplicateOr(op, number, err)
		}
		note, err := tx.InsertNotification(ctx, Notification{
			UserID:           created.VendorID,
			Type:             NotifyLicenseSubmitted,
			Title:            "License application submitted",
			Message:          fmt.Sprintf("Your application for license %s is pending review.", created.LicenseNumber),
			RelatedLicenseID: created.ID,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
		notes = append(notes, note)
		return nil
	})
	if err != nil {
		return License{}, s.done(op, err)
	}
	s.dispatch(ctx, notes)
	s.logger.Info("license created", slog.Int64("license_id", created.ID), slog.String("number", created.LicenseNumber))
	return created, s.done(op, nil)
}

// Approve moves a PENDING license to APPROVED.
func (s *Service) Approve(ctx context.Context, input ApproveInput) (License, error) {
	const op = "approve"
	now := s.now()
	if !input.ExpiresAt.After(now) {
		return License{}, s.done(op, precondition(op, PreconditionExpiry, "expiry %s must be in the future", input.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	expiresAt := input.ExpiresAt.UTC()
	var approved License
	var notes []Notification
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := requireRole(ctx, tx, op, input.ApproverID, rbac.RoleAdmin, rbac.RoleInspector); err != nil {
			return err
		}
		lic, err := tx.LockLicense(ctx, input.LicenseID)
		if err != nil {
			return err
		}
		if lic.Status != StatusPending {
			return invalidStatus(op, lic.Status)
		}
		approverID := input.ApproverID
		lic.Status = StatusApproved
		lic.ApprovedByID = &approverID
		lic.ApprovedAt = &now
		lic.IssuedAt = &now
		lic.ExpiresAt = &expiresAt
		lic.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, lic, StatusPending); err != nil {
			return staleOr(op, err)
		}
		note, err := tx.InsertNotification(ctx, Notification{
			UserID:           lic.VendorID,
			Type:             NotifyLicenseApproved,
			Title:            "License approved",
			Message:          fmt.Sprintf("License %s was approved and is valid until %s.", lic.LicenseNumber, expiresAt.Format("2006-01-02")),
			RelatedLicenseID: lic.ID,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
		notes = append(notes, note)
		approved = lic
		return nil
	})
	if err != nil {
		return License{}, s.done(op, err)
	}
	s.dispatch(ctx, notes)
	s.logger.Info("license approved", slog.Int64("license_id", approved.ID), slog.Int64("approver_id", input.ApproverID))
	return approved, s.done(op, nil)
}

// Reject moves a PENDING license to REJECTED with a reason.
func (s *Service) Reject(ctx context.Context, input RejectInput) (License, error) {
	const op = "reject"
	reason := strings.TrimSpace(input.Reason)
	if reason == "" {
		return License{}, s.done(op, precondition(op, PreconditionReason, "rejection reason is required"))
	}
	now := s.now()
	var rejected License
	var notes []Notification
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := requireRole(ctx, tx, op, input.ActorID, rbac.RoleAdmin, rbac.RoleInspector); err != nil {
			return err
		}
		lic, err := tx.LockLicense(ctx, input.LicenseID)
		if err != nil {
			return err
		}
		if lic.Status != StatusPending {
			return invalidStatus(op, lic.Status)
		}
		lic.Status = StatusRejected
		lic.RejectionReason = &reason
		lic.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, lic, StatusPending); err != nil {
			return staleOr(op, err)
		}
		note, err := tx.InsertNotification(ctx, Notification{
			UserID:           lic.VendorID,
			Type:             NotifyLicenseRejected,
			Title:            "License rejected",
			Message:          fmt.Sprintf("License %s was rejected: %s", lic.LicenseNumber, reason),
			RelatedLicenseID: lic.ID,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
		notes = append(notes, note)
		rejected = lic
		return nil
	})
	if err != nil {
		return License{}, s.done(op, err)
	}
	s.dispatch(ctx, notes)
	s.logger.Info("license rejected", slog.Int64("license_id", rejected.ID), slog.Int64("actor_id", input.ActorID))
	return rejected, s.done(op, nil)
}

// Renew files a renewal for an APPROVED or EXPIRED license. The new license
// starts PENDING and an APPROVED predecessor is expired in the same unit. A
// license has at most one pending renewal at a time.
func (s *Service) Renew(ctx context.Context, input RenewInput) (License, error) {
	const op = "renew"
	now := s.now()
	number := strings.TrimSpace(input.LicenseNumber)
	if number == "" {
		number = generateNumber("LIC", now)
	}
	var renewal License
	var notes []Notification
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		old, err := tx.LockLicense(ctx, input.LicenseID)
		if err != nil {
			return err
		}
		if old.Status != StatusApproved && old.Status != StatusExpired {
			return invalidStatus(op, old.Status)
		}
		pending, err := tx.PendingRenewalExists(ctx, old.ID)
		if err != nil {
			return err
		}
		if pending {
			return precondition(op, PreconditionRenewalPending, "license %d already has a pending renewal", old.ID)
		}
		if err := ensureNumberFree(ctx, tx, op, number); err != nil {
			return err
		}
		previousID := old.ID
		renewal, err = tx.InsertLicense(ctx, License{
			LicenseNumber:     number,
			VendorID:          old.VendorID,
			Status:            StatusPending,
			IsRenewal:         true,
			PreviousLicenseID: &previousID,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
		if err != nil {
			return duplicateOr(op, number, err)
		}
		if old.Status == StatusApproved {
			old.Status = StatusExpired
			old.UpdatedAt = now
			if err := tx.UpdateLicense(ctx, old, StatusApproved); err != nil {
				return staleOr(op, err)
			}
		}
		note, err := tx.InsertNotification(ctx, Notification{
			UserID:           renewal.VendorID,
			Type:             NotifyLicenseRenewal,
			Title:            "License renewal submitted",
			Message:          fmt.Sprintf("Renewal %s for license %s is pending review.", renewal.LicenseNumber, old.LicenseNumber),
			RelatedLicenseID: renewal.ID,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
		notes = append(notes, note)
		return nil
	})
	if err != nil {
		return License{}, s.done(op, err)
	}
	s.dispatch(ctx, notes)
	s.logger.Info("license renewal filed", slog.Int64("license_id", renewal.ID), slog.Int64("previous_license_id", input.LicenseID), slog.Int64("actor_id", input.ActorID))
	return renewal, s.done(op, nil)
}

// Revoke permanently withdraws an APPROVED or SUSPENDED license. Only
// administrators may revoke.
func (s *Service) Revoke(ctx context.Context, input ActionInput) (License, error) {
	return s.administrativeTransition(ctx, "revoke", input, transitionRule{
		roles:  []rbac.Role{rbac.RoleAdmin},
		from:   []Status{StatusApproved, StatusSuspended},
		to:     StatusRevoked,
		reason: true,
		notify: NotifyLicenseRevoked,
		title:  "License revoked",
	})
}

// Suspend temporarily withdraws an APPROVED license.
func (s *Service) Suspend(ctx context.Context, input ActionInput) (License, error) {
	return s.administrativeTransition(ctx, "suspend", input, transitionRule{
		roles:  []rbac.Role{rbac.RoleAdmin, rbac.RoleInspector},
		from:   []Status{StatusApproved},
		to:     StatusSuspended,
		reason: true,
		notify: NotifyLicenseSuspended,
		title:  "License suspended",
	})
}

// Reinstate returns a SUSPENDED license that has not yet expired to APPROVED.
func (s *Service) Reinstate(ctx context.Context, input ActionInput) (License, error) {
	return s.administrativeTransition(ctx, "reinstate", input, transitionRule{
		roles:          []rbac.Role{rbac.RoleAdmin},
		from:           []Status{StatusSuspended},
		to:             StatusApproved,
		notify:         NotifyLicenseReinstated,
		title:          "License reinstated",
		requireInForce: true,
	})
}

type transitionRule struct {
	roles          []rbac.Role
	from           []Status
	to             Status
	reason         bool
	notify         NotificationType
	title          string
	requireInForce bool
}

func (s *Service) administrativeTransition(ctx context.Context, op string, input ActionInput, rule transitionRule) (License, error) {
	reason := strings.TrimSpace(input.Reason)
	if rule.reason && reason == "" {
		return License{}, s.done(op, precondition(op, PreconditionReason, "a reason is required to %s a license", op))
	}
	now := s.now()
	var updated License
	var notes []Notification
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := requireRole(ctx, tx, op, input.ActorID, rule.roles...); err != nil {
			return err
		}
		lic, err := tx.LockLicense(ctx, input.LicenseID)
		if err != nil {
			return err
		}
		current := lic.EffectiveStatus(now)
		if !statusIn(current, rule.from) {
			return invalidStatus(op, current)
		}
		if rule.requireInForce && lic.ExpiresAt != nil && lic.ExpiresAt.Before(now) {
			return precondition(op, PreconditionExpiry, "license %s expired at %s", lic.LicenseNumber, lic.ExpiresAt.UTC().Format(time.RFC3339))
		}
		previous := lic.Status
		lic.Status = rule.to
		lic.UpdatedAt = now
		if err := tx.UpdateLicense(ctx, lic, previous); err != nil {
			return staleOr(op, err)
		}
		message := fmt.Sprintf("License %s is now %s.", lic.LicenseNumber, strings.ToLower(string(rule.to)))
		if reason != "" {
			message = fmt.Sprintf("%s Reason: %s", message, reason)
		}
		note, err := tx.InsertNotification(ctx, Notification{
			UserID:           lic.VendorID,
			Type:             rule.notify,
			Title:            rule.title,
			Message:          message,
			RelatedLicenseID: lic.ID,
			CreatedAt:        now,
		})
		if err != nil {
			return err
		}
		notes = append(notes, note)
		updated = lic
		return nil
	})
	if err != nil {
		return License{}, s.done(op, err)
	}
	s.dispatch(ctx, notes)
	s.logger.Info("license "+op, slog.Int64("license_id", updated.ID), slog.Int64("actor_id", input.ActorID))
	return updated, s.done(op, nil)
}

// ExpireDue persists EXPIRED for approved licenses past their expiry. Reads
// already observe these licenses as expired; the sweep keeps storage in step.
func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	n, err := s.repo.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, s.done("expire", err)
	}
	if n > 0 {
		s.logger.Info("licenses expired", slog.Int64("count", n))
	}
	return n, s.done("expire", nil)
}

// Get returns a license observed at the current time.
func (s *Service) Get(ctx context.Context, id int64) (License, error) {
	lic, err := s.repo.Get(ctx, id)
	if err != nil {
		return License{}, err
	}
	return lic.Observe(s.now()), nil
}

// ListByStatus returns one page of licenses whose observed status matches.
func (s *Service) ListByStatus(ctx context.Context, status Status, page, pageSize int) (Page, error) {
	if _, err := ParseStatus(string(status)); err != nil {
		return Page{}, err
	}
	p := shared.NewPagination(page, pageSize, 0)
	items, total, err := s.repo.ListByStatus(ctx, StatusFilter{
		Status: status,
		AsOf:   s.now(),
		Offset: p.Offset(),
		Limit:  p.PerPage,
	})
	if err != nil {
		return Page{}, err
	}
	p = shared.NewPagination(p.Page, p.PerPage, total)
	return Page{
		Items:      s.observeAll(items),
		Page:       p.Page,
		PageSize:   p.PerPage,
		Total:      p.Total,
		TotalPages: p.TotalPages,
	}, nil
}

// ListByVendor returns every license of a vendor, newest first.
func (s *Service) ListByVendor(ctx context.Context, vendorID int64) ([]License, error) {
	items, err := s.repo.ListByVendor(ctx, vendorID)
	if err != nil {
		return nil, err
	}
	return s.observeAll(items), nil
}

// ListExpiring returns approved licenses expiring within the next days.
func (s *Service) ListExpiring(ctx context.Context, days int) ([]License, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive", ErrValidation)
	}
	now := s.now()
	items, err := s.repo.ListExpiring(ctx, now, now.AddDate(0, 0, days))
	if err != nil {
		return nil, err
	}
	return s.observeAll(items), nil
}

func (s *Service) observeAll(items []License) []License {
	now := s.now()
	out := make([]License, 0, len(items))
	for _, lic := range items {
		out = append(out, lic.Observe(now))
	}
	return out
}

// dispatch hands committed notifications to the notifier. Failures are
// logged and never reach the caller.
func (s *Service) dispatch(ctx context.Context, notes []Notification) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, n := range notes {
		if err := s.notifier.Enqueue(ctx, n); err != nil {
			s.logger.Warn("enqueue notification", slog.Int64("notification_id", n.ID), slog.Any("error", err))
		}
	}
}

func (s *Service) done(op string, err error) error {
	if s.observer != nil {
		s.observer.ObserveTransition(op, outcomeOf(err))
	}
	return err
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrPrecondition):
		return "precondition"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation):
		return "rejected"
	default:
		return "error"
	}
}

func requireRole(ctx context.Context, tx TxRepository, op string, userID int64, allowed ...rbac.Role) error {
	role, err := tx.UserRole(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return precondition(op, PreconditionApproverRole, "user %d does not exist", userID)
		}
		return err
	}
	for _, r := range allowed {
		if role == r {
			return nil
		}
	}
	return precondition(op, PreconditionApproverRole, "role %s may not %s licenses", role, op)
}

func ensureNumberFree(ctx context.Context, tx TxRepository, op, number string) error {
	taken, err := tx.LicenseNumberTaken(ctx, number)
	if err != nil {
		return err
	}
	if taken {
		return precondition(op, PreconditionUniqueNumber, "license number %s is already in use", number)
	}
	return nil
}

func duplicateOr(op, number string, err error) error {
	if errors.Is(err, ErrDuplicateNumber) {
		return precondition(op, PreconditionUniqueNumber, "license number %s is already in use", number)
	}
	return err
}

func staleOr(op string, err error) error {
	if errors.Is(err, ErrConcurrentUpdate) {
		return precondition(op, PreconditionConcurrentEdit, "license was modified concurrently")
	}
	return err
}

func statusIn(status Status, set []Status) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

func generateNumber(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, at.UnixNano())
}
