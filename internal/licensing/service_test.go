package licensing

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vendorhub/licensing/internal/rbac"
)

type memoryLicenseRepo struct {
	mu            sync.Mutex
	users         map[int64]rbac.Role
	licenses      map[int64]License
	notifications map[int64]Notification
	nextID        int64

	failNotification bool
	staleUpdates     bool
}

type memoryLicenseTx struct {
	repo *memoryLicenseRepo
}

func newMemoryLicenseRepo() *memoryLicenseRepo {
	return &memoryLicenseRepo{
		users: map[int64]rbac.Role{
			1: rbac.RoleAdmin,
			2: rbac.RoleInspector,
			5: rbac.RoleVendor,
			6: rbac.RoleVendor,
		},
		licenses:      make(map[int64]License),
		notifications: make(map[int64]Notification),
	}
}

// WithTx serializes units of work and restores the previous state when fn fails.
func (r *memoryLicenseRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	licenses := maps.Clone(r.licenses)
	notifications := maps.Clone(r.notifications)
	nextID := r.nextID
	if err := fn(ctx, &memoryLicenseTx{repo: r}); err != nil {
		r.licenses = licenses
		r.notifications = notifications
		r.nextID = nextID
		return err
	}
	return nil
}

func (r *memoryLicenseRepo) Get(ctx context.Context, id int64) (License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	lic, ok := r.licenses[id]
	if !ok {
		return License{}, ErrNotFound
	}
	return lic, nil
}

func (r *memoryLicenseRepo) sorted(match func(License) bool) []License {
	var out []License
	for _, lic := range r.licenses {
		if match(lic) {
			out = append(out, lic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out
}

func (r *memoryLicenseRepo) ListByStatus(ctx context.Context, filter StatusFilter) ([]License, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.sorted(func(l License) bool { return l.EffectiveStatus(filter.AsOf) == filter.Status })
	total := len(all)
	if filter.Offset >= total {
		return nil, total, nil
	}
	end := min(filter.Offset+filter.Limit, total)
	return all[filter.Offset:end], total, nil
}

func (r *memoryLicenseRepo) ListByVendor(ctx context.Context, vendorID int64) ([]License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(l License) bool { return l.VendorID == vendorID }), nil
}

func (r *memoryLicenseRepo) ListExpiring(ctx context.Context, from, until time.Time) ([]License, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sorted(func(l License) bool {
		return l.Status == StatusApproved && l.ExpiresAt != nil && !l.ExpiresAt.Before(from) && !l.ExpiresAt.After(until)
	}), nil
}

func (r *memoryLicenseRepo) ExpireDue(ctx context.Context, asOf time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, lic := range r.licenses {
		if lic.Expired(asOf) {
			lic.Status = StatusExpired
			lic.UpdatedAt = asOf
			r.licenses[id] = lic
			n++
		}
	}
	return n, nil
}

func (tx *memoryLicenseTx) nextID() int64 {
	tx.repo.nextID++
	return tx.repo.nextID
}

func (tx *memoryLicenseTx) VendorExists(ctx context.Context, vendorID int64) (bool, error) {
	return tx.repo.users[vendorID] == rbac.RoleVendor, nil
}

func (tx *memoryLicenseTx) UserRole(ctx context.Context, userID int64) (rbac.Role, error) {
	role, ok := tx.repo.users[userID]
	if !ok {
		return "", ErrNotFound
	}
	return role, nil
}

func (tx *memoryLicenseTx) LicenseNumberTaken(ctx context.Context, number string) (bool, error) {
	for _, lic := range tx.repo.licenses {
		if lic.LicenseNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryLicenseTx) PendingRenewalExists(ctx context.Context, previousID int64) (bool, error) {
	for _, lic := range tx.repo.licenses {
		if lic.PreviousLicenseID != nil && *lic.PreviousLicenseID == previousID && lic.Status == StatusPending {
			return true, nil
		}
	}
	return false, nil
}

func (tx *memoryLicenseTx) InsertLicense(ctx context.Context, lic License) (License, error) {
	lic.ID = tx.nextID()
	tx.repo.licenses[lic.ID] = lic
	return lic, nil
}

func (tx *memoryLicenseTx) LockLicense(ctx context.Context, id int64) (License, error) {
	lic, ok := tx.repo.licenses[id]
	if !ok {
		return License{}, ErrNotFound
	}
	return lic, nil
}

func (tx *memoryLicenseTx) UpdateLicense(ctx context.Context, lic License, expected Status) error {
	current, ok := tx.repo.licenses[lic.ID]
	if !ok || current.Status != expected || tx.repo.staleUpdates {
		return ErrConcurrentUpdate
	}
	tx.repo.licenses[lic.ID] = lic
	return nil
}

func (tx *memoryLicenseTx) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	if tx.repo.failNotification {
		return Notification{}, errors.New("notifications table unavailable")
	}
	n.ID = tx.nextID()
	tx.repo.notifications[n.ID] = n
	return n, nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (n *recordingNotifier) Enqueue(ctx context.Context, note Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return n.err
}

type countingObserver struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (o *countingObserver) ObserveTransition(transition, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.outcomes == nil {
		o.outcomes = make(map[string]int)
	}
	o.outcomes[transition+":"+outcome]++
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type serviceFixture struct {
	repo     *memoryLicenseRepo
	notifier *recordingNotifier
	observer *countingObserver
	clock    *fixedClock
	svc      *Service
}

func newFixture() serviceFixture {
	f := serviceFixture{
		repo:     newMemoryLicenseRepo(),
		notifier: &recordingNotifier{},
		observer: &countingObserver{},
		clock:    &fixedClock{now: time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)},
	}
	f.svc = NewService(f.repo, f.notifier, ServiceConfig{Now: f.clock.Now, Observer: f.observer})
	return f
}

func (f serviceFixture) approvedLicense(t *testing.T, number string, validFor time.Duration) License {
	t.Helper()
	ctx := context.Background()
	lic, err := f.svc.Create(ctx, CreateInput{LicenseNumber: number, VendorID: 5})
	require.NoError(t, err)
	lic, err = f.svc.Approve(ctx, ApproveInput{LicenseID: lic.ID, ApproverID: 2, ExpiresAt: f.clock.Now().Add(validFor)})
	require.NoError(t, err)
	return lic
}

func requirePrecondition(t *testing.T, err error, want Precondition) {
	t.Helper()
	require.ErrorIs(t, err, ErrPrecondition)
	got, ok := PreconditionOf(err)
	require.True(t, ok)
	require.Equal(t, want, got)
}

func TestLifecycleApproveThenRenew(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	lic, err := f.svc.Create(ctx, CreateInput{LicenseNumber: "L-100", VendorID: 5})
	require.NoError(t, err)
	require.Equal(t, StatusPending, lic.Status)

	expiry := f.clock.Now().AddDate(1, 0, 0)
	approved, err := f.svc.Approve(ctx, ApproveInput{LicenseID: lic.ID, ApproverID: 2, ExpiresAt: expiry})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, int64(2), *approved.ApprovedByID)
	require.Equal(t, f.clock.Now(), *approved.ApprovedAt)
	require.Equal(t, f.clock.Now(), *approved.IssuedAt)
	require.True(t, expiry.Equal(*approved.ExpiresAt))

	renewal, err := f.svc.Renew(ctx, RenewInput{LicenseID: lic.ID, LicenseNumber: "L-101", ActorID: 5})
	require.NoError(t, err)
	require.Equal(t, StatusPending, renewal.Status)
	require.True(t, renewal.IsRenewal)
	require.Equal(t, lic.ID, *renewal.PreviousLicenseID)
	require.Equal(t, int64(5), renewal.VendorID)

	old, err := f.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, old.Status)

	f.notifier.mu.Lock()
	defer f.notifier.mu.Unlock()
	require.Len(t, f.notifier.sent, 3)
	require.Equal(t, NotifyLicenseSubmitted, f.notifier.sent[0].Type)
	require.Equal(t, NotifyLicenseApproved, f.notifier.sent[1].Type)
	require.Equal(t, NotifyLicenseRenewal, f.notifier.sent[2].Type)
	for _, n := range f.notifier.sent {
		require.Equal(t, int64(5), n.UserID)
		require.NotZero(t, n.ID)
	}
}

func TestCreatePreconditions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateInput{LicenseNumber: "L-1", VendorID: 5})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, CreateInput{LicenseNumber: "L-1", VendorID: 6})
	requirePrecondition(t, err, PreconditionUniqueNumber)
	require.ErrorIs(t, err, ErrDuplicateNumber)

	_, err = f.svc.Create(ctx, CreateInput{LicenseNumber: "L-2", VendorID: 2})
	requirePrecondition(t, err, PreconditionVendorExists)

	_, err = f.svc.Create(ctx, CreateInput{LicenseNumber: "L-3", VendorID: 404})
	requirePrecondition(t, err, PreconditionVendorExists)

	_, err = f.svc.Create(ctx, CreateInput{LicenseNumber: "L-4"})
	require.ErrorIs(t, err, ErrValidation)

	generated, err := f.svc.Create(ctx, CreateInput{VendorID: 6})
	require.NoError(t, err)
	require.NotEmpty(t, generated.LicenseNumber)
	require.Len(t, f.repo.licenses, 2)
}

func TestApproveTwiceKeepsFirstApproval(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic := f.approvedLicense(t, "L-200", 90*24*time.Hour)

	f.clock.Advance(time.Hour)
	_, err := f.svc.Approve(ctx, ApproveInput{LicenseID: lic.ID, ApproverID: 1, ExpiresAt: f.clock.Now().AddDate(2, 0, 0)})
	requirePrecondition(t, err, PreconditionStatus)

	stored, err := f.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, *lic.ApprovedByID, *stored.ApprovedByID)
	require.Equal(t, *lic.ApprovedAt, *stored.ApprovedAt)
	require.Equal(t, *lic.ExpiresAt, *stored.ExpiresAt)
	require.Equal(t, 1, f.observer.outcomes["approve:precondition"])
}

func TestSecondApprovalByInspectorIsRefused(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic, err := f.svc.Create(ctx, CreateInput{LicenseNumber: "RL-TEST-01", VendorID: 5})
	require.NoError(t, err)
	require.Equal(t, StatusPending, lic.Status)

	expires := f.clock.Now().AddDate(1, 0, 0)
	approved, err := f.svc.Approve(ctx, ApproveInput{LicenseID: lic.ID, ApproverID: 1, ExpiresAt: expires})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, approved.Status)
	require.Equal(t, int64(1), *approved.ApprovedByID)

	_, err = f.svc.Approve(ctx, ApproveInput{LicenseID: lic.ID, ApproverID: 2, ExpiresAt: expires.AddDate(1, 0, 0)})
	requirePrecondition(t, err, PreconditionStatus)

	stored, err := f.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, stored.Status)
	require.Equal(t, int64(1), *stored.ApprovedByID)
	require.True(t, expires.Equal(*stored.ExpiresAt))
}

func TestApproveRequiresFutureExpiryAndPrivilegedApprover(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic, err := f.svc.Create(ctx, CreateInput{LicenseNumber: "L-300", VendorID: 5})
	require.NoError(t, err)

	_, err = f.svc.Approve(ctx, ApproveInput{LicenseID: lic.ID, ApproverID: 2, ExpiresAt: f.clock.Now()})
	requirePrecondition(t, err, PreconditionExpiry)

	_, err = f.svc.Approve(ctx, ApproveInput{LicenseID: lic.ID, ApproverID: 6, ExpiresAt: f.clock.Now().Add(time.Hour)})
	requirePrecondition(t, err, PreconditionApproverRole)

	_, err = f.svc.Approve(ctx, ApproveInput{LicenseID: 999, ApproverID: 1, ExpiresAt: f.clock.Now().Add(time.Hour)})
	require.ErrorIs(t, err, ErrNotFound)

	stored, err := f.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, stored.Status)
}

func TestRejectRequiresReason(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic, err := f.svc.Create(ctx, CreateInput{LicenseNumber: "L-400", VendorID: 5})
	require.NoError(t, err)

	_, err = f.svc.Reject(ctx, RejectInput{LicenseID: lic.ID, ActorID: 2, Reason: "   "})
	requirePrecondition(t, err, PreconditionReason)

	rejected, err := f.svc.Reject(ctx, RejectInput{LicenseID: lic.ID, ActorID: 2, Reason: " missing permit "})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, rejected.Status)
	require.Equal(t, "missing permit", *rejected.RejectionReason)

	_, err = f.svc.Reject(ctx, RejectInput{LicenseID: lic.ID, ActorID: 2, Reason: "again"})
	requirePrecondition(t, err, PreconditionStatus)

	_, err = f.svc.Renew(ctx, RenewInput{LicenseID: lic.ID, LicenseNumber: "L-401", ActorID: 5})
	requirePrecondition(t, err, PreconditionStatus)
}

func TestRenewIsAtomic(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic := f.approvedLicense(t, "L-500", 30*24*time.Hour)
	before := len(f.repo.licenses)

	f.repo.failNotification = true
	_, err := f.svc.Renew(ctx, RenewInput{LicenseID: lic.ID, LicenseNumber: "L-501", ActorID: 5})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrPrecondition)

	require.Len(t, f.repo.licenses, before)
	stored, err := f.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, StatusApproved, stored.Status)
	require.Equal(t, 1, f.observer.outcomes["renew:error"])

	f.repo.failNotification = false
	_, err = f.svc.Renew(ctx, RenewInput{LicenseID: lic.ID, LicenseNumber: "L-500", ActorID: 5})
	requirePrecondition(t, err, PreconditionUniqueNumber)
	require.Len(t, f.repo.licenses, before)
}

func TestRenewExpiredLicense(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic := f.approvedLicense(t, "L-550", time.Hour)
	f.clock.Advance(2 * time.Hour)

	n, err := f.svc.ExpireDue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	renewal, err := f.svc.Renew(ctx, RenewInput{LicenseID: lic.ID, LicenseNumber: "L-551", ActorID: 5})
	require.NoError(t, err)
	require.True(t, renewal.IsRenewal)

	before := len(f.repo.licenses)
	_, err = f.svc.Renew(ctx, RenewInput{LicenseID: lic.ID, LicenseNumber: "L-552", ActorID: 5})
	requirePrecondition(t, err, PreconditionRenewalPending)
	require.Len(t, f.repo.licenses, before)

	// A rejected renewal frees the predecessor for another attempt.
	_, err = f.svc.Reject(ctx, RejectInput{LicenseID: renewal.ID, ActorID: 2, Reason: "missing documents"})
	require.NoError(t, err)
	_, err = f.svc.Renew(ctx, RenewInput{LicenseID: lic.ID, LicenseNumber: "L-552", ActorID: 5})
	require.NoError(t, err)
}

func TestConcurrentApproveHasSingleWinner(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic, err := f.svc.Create(ctx, CreateInput{LicenseNumber: "L-600", VendorID: 5})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			approver := int64(1)
			if i%2 == 0 {
				approver = 2
			}
			_, errs[i] = f.svc.Approve(ctx, ApproveInput{LicenseID: lic.ID, ApproverID: approver, ExpiresAt: f.clock.Now().Add(time.Hour)})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		requirePrecondition(t, err, PreconditionStatus)
	}
	require.Equal(t, 1, succeeded)
}

func TestStaleWriteIsReportedAsConcurrentUpdate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic, err := f.svc.Create(ctx, CreateInput{LicenseNumber: "L-650", VendorID: 5})
	require.NoError(t, err)

	f.repo.staleUpdates = true
	_, err = f.svc.Approve(ctx, ApproveInput{LicenseID: lic.ID, ApproverID: 1, ExpiresAt: f.clock.Now().Add(time.Hour)})
	requirePrecondition(t, err, PreconditionConcurrentEdit)
	require.Len(t, f.repo.notifications, 1)
	require.Equal(t, StatusPending, f.repo.licenses[lic.ID].Status)
}

func TestExpiryIsObservedLazily(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic := f.approvedLicense(t, "L-700", 24*time.Hour)

	expiring, err := f.svc.ListExpiring(ctx, 2)
	require.NoError(t, err)
	require.Len(t, expiring, 1)

	f.clock.Advance(48 * time.Hour)

	got, err := f.svc.Get(ctx, lic.ID)
	require.NoError(t, err)
	require.Equal(t, StatusExpired, got.Status)
	require.Equal(t, StatusApproved, f.repo.licenses[lic.ID].Status)

	page, err := f.svc.ListByStatus(ctx, StatusExpired, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	require.Equal(t, StatusExpired, page.Items[0].Status)

	page, err = f.svc.ListByStatus(ctx, StatusApproved, 1, 10)
	require.NoError(t, err)
	require.Zero(t, page.Total)

	_, err = f.svc.Suspend(ctx, ActionInput{LicenseID: lic.ID, ActorID: 2, Reason: "audit"})
	requirePrecondition(t, err, PreconditionStatus)

	_, err = f.svc.ListExpiring(ctx, 0)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSuspendReinstateRevoke(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic := f.approvedLicense(t, "L-800", 30*24*time.Hour)

	_, err := f.svc.Suspend(ctx, ActionInput{LicenseID: lic.ID, ActorID: 2})
	requirePrecondition(t, err, PreconditionReason)

	suspended, err := f.svc.Suspend(ctx, ActionInput{LicenseID: lic.ID, ActorID: 2, Reason: "site inspection failed"})
	require.NoError(t, err)
	require.Equal(t, StatusSuspended, suspended.Status)

	_, err = f.svc.Reinstate(ctx, ActionInput{LicenseID: lic.ID, ActorID: 2})
	requirePrecondition(t, err, PreconditionApproverRole)

	reinstated, err := f.svc.Reinstate(ctx, ActionInput{LicenseID: lic.ID, ActorID: 1})
	require.NoError(t, err)
	require.Equal(t, StatusApproved, reinstated.Status)

	_, err = f.svc.Revoke(ctx, ActionInput{LicenseID: lic.ID, ActorID: 2, Reason: "fraud"})
	requirePrecondition(t, err, PreconditionApproverRole)

	revoked, err := f.svc.Revoke(ctx, ActionInput{LicenseID: lic.ID, ActorID: 1, Reason: "fraud"})
	require.NoError(t, err)
	require.Equal(t, StatusRevoked, revoked.Status)

	_, err = f.svc.Renew(ctx, RenewInput{LicenseID: lic.ID, LicenseNumber: "L-801", ActorID: 5})
	requirePrecondition(t, err, PreconditionStatus)
}

func TestReinstateAfterExpiryIsRefused(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	lic := f.approvedLicense(t, "L-850", time.Hour)

	_, err := f.svc.Suspend(ctx, ActionInput{LicenseID: lic.ID, ActorID: 1, Reason: "review"})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Hour)

	_, err = f.svc.Reinstate(ctx, ActionInput{LicenseID: lic.ID, ActorID: 1})
	requirePrecondition(t, err, PreconditionExpiry)
}

func TestNotifierFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture()
	f.notifier.err = errors.New("queue down")

	lic, err := f.svc.Create(context.Background(), CreateInput{LicenseNumber: "L-900", VendorID: 5})
	require.NoError(t, err)
	require.Equal(t, StatusPending, lic.Status)
	require.Len(t, f.repo.notifications, 1)
}

func TestListByVendorAndPagination(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	for _, number := range []string{"V-1", "V-2", "V-3"} {
		_, err := f.svc.Create(ctx, CreateInput{LicenseNumber: number, VendorID: 6})
		require.NoError(t, err)
	}
	_, err := f.svc.Create(ctx, CreateInput{LicenseNumber: "V-4", VendorID: 5})
	require.NoError(t, err)

	mine, err := f.svc.ListByVendor(ctx, 6)
	require.NoError(t, err)
	require.Len(t, mine, 3)
	require.Equal(t, "V-3", mine[0].LicenseNumber)

	page, err := f.svc.ListByStatus(ctx, StatusPending, 2, 3)
	require.NoError(t, err)
	require.Equal(t, 4, page.Total)
	require.Equal(t, 2, page.TotalPages)
	require.Len(t, page.Items, 1)

	_, err = f.svc.ListByStatus(ctx, Status("ARCHIVED"), 1, 10)
	require.ErrorIs(t, err, ErrValidation)
}
