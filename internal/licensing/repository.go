package licensing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vendorhub/licensing/internal/platform/db"
	"github.com/vendorhub/licensing/internal/rbac"
)

// ErrConcurrentUpdate indicates a conditional update that matched no row because
// the license left its expected status.
var ErrConcurrentUpdate = errors.New("licensing: concurrent update")

const licenseNumberConstraint = "licenses_license_number_key"

// TxRepository exposes transactional operations.
type TxRepository interface {
	VendorExists(ctx context.Context, vendorID int64) (bool, error)
	UserRole(ctx context.Context, userID int64) (rbac.Role, error)
	LicenseNumberTaken(ctx context.Context, number string) (bool, error)
	PendingRenewalExists(ctx context.Context, previousID int64) (bool, error)
	InsertLicense(ctx context.Context, lic License) (License, error)
	LockLicense(ctx context.Context, id int64) (License, error)
	UpdateLicense(ctx context.Context, lic License, expected Status) error
	InsertNotification(ctx context.Context, n Notification) (Notification, error)
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	db dbtx
}

// WithTx wraps fn in a read-committed transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, db.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{db: tx})
	})
}

const licenseColumns = `id, license_number, vendor_id, status, approved_by_id, approved_at, issued_at,
	expires_at, rejection_reason, is_renewal, previous_license_id, created_at, updated_at`

func scanLicense(row pgx.Row) (License, error) {
	var lic License
	var status string
	err := row.Scan(
		&lic.ID, &lic.LicenseNumber, &lic.VendorID, &status, &lic.ApprovedByID, &lic.ApprovedAt, &lic.IssuedAt,
		&lic.ExpiresAt, &lic.RejectionReason, &lic.IsRenewal, &lic.PreviousLicenseID, &lic.CreatedAt, &lic.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return License{}, ErrNotFound
		}
		return License{}, err
	}
	lic.Status = Status(status)
	return lic, nil
}

func collectLicenses(rows pgx.Rows) ([]License, error) {
	defer rows.Close()
	var out []License
	for rows.Next() {
		lic, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lic)
	}
	return out, rows.Err()
}

// Get returns one license as stored.
func (r *Repository) Get(ctx context.Context, id int64) (License, error) {
	return scanLicense(r.pool.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = $1`, id))
}

// statusCondition renders the predicate matching licenses observed with
// status at asOf. Approved rows past their expiry are observed as expired.
func statusCondition(status Status, asOf time.Time) (string, []any) {
	switch status {
	case StatusApproved:
		return `status = 'APPROVED' AND (expires_at IS NULL OR expires_at >= $1)`, []any{asOf}
	case StatusExpired:
		return `(status = 'EXPIRED' OR (status = 'APPROVED' AND expires_at < $1))`, []any{asOf}
	default:
		return `status = $1`, []any{string(status)}
	}
}

// ListByStatus returns one page of licenses and the total match count.
func (r *Repository) ListByStatus(ctx context.Context, filter StatusFilter) ([]License, int, error) {
	where, args := statusCondition(filter.Status, filter.AsOf)
	limitPos := len(args) + 1

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM licenses WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("licensing: count licenses: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM licenses WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`,
		licenseColumns, where, limitPos, limitPos+1)
	rows, err := r.pool.Query(ctx, query, append(args, filter.Limit, filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("licensing: list licenses: %w", err)
	}
	items, err := collectLicenses(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListByVendor returns the vendor's licenses, newest first.
func (r *Repository) ListByVendor(ctx context.Context, vendorID int64) ([]License, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE vendor_id = $1 ORDER BY created_at DESC, id DESC`, vendorID)
	if err != nil {
		return nil, fmt.Errorf("licensing: list vendor licenses: %w", err)
	}
	return collectLicenses(rows)
}

// ListExpiring returns approved licenses whose expiry falls in [from, until].
func (r *Repository) ListExpiring(ctx context.Context, from, until time.Time) ([]License, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+licenseColumns+` FROM licenses
		WHERE status = 'APPROVED' AND expires_at >= $1 AND expires_at <= $2
		ORDER BY expires_at ASC, id ASC`, from, until)
	if err != nil {
		return nil, fmt.Errorf("licensing: list expiring licenses: %w", err)
	}
	return collectLicenses(rows)
}

// ExpireDue persists EXPIRED for approved licenses past their expiry.
func (r *Repository) ExpireDue(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `UPDATE licenses SET status = 'EXPIRED', updated_at = $1
		WHERE status = 'APPROVED' AND expires_at < $1`, asOf)
	if err != nil {
		return 0, fmt.Errorf("licensing: expire licenses: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (t *txRepo) VendorExists(ctx context.Context, vendorID int64) (bool, error) {
	var exists bool
	err := t.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND role = $2)`, vendorID, string(rbac.RoleVendor)).Scan(&exists)
	return exists, err
}

func (t *txRepo) UserRole(ctx context.Context, userID int64) (rbac.Role, error) {
	var raw string
	if err := t.db.QueryRow(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return rbac.ParseRole(raw)
}

func (t *txRepo) LicenseNumberTaken(ctx context.Context, number string) (bool, error) {
	var taken bool
	err := t.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM licenses WHERE license_number = $1)`, number).Scan(&taken)
	return taken, err
}

func (t *txRepo) PendingRenewalExists(ctx context.Context, previousID int64) (bool, error) {
	var exists bool
	err := t.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM licenses WHERE previous_license_id = $1 AND status = 'PENDING')`, previousID).Scan(&exists)
	return exists, err
}

func (t *txRepo) InsertLicense(ctx context.Context, lic License) (License, error) {
	err := t.db.QueryRow(ctx, `INSERT INTO licenses
		(license_number, vendor_id, status, is_renewal, previous_license_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		lic.LicenseNumber, lic.VendorID, string(lic.Status), lic.IsRenewal, lic.PreviousLicenseID, lic.CreatedAt, lic.UpdatedAt,
	).Scan(&lic.ID)
	if err != nil {
		if db.IsUniqueViolation(err, licenseNumberConstraint) {
			return License{}, ErrDuplicateNumber
		}
		return License{}, err
	}
	return lic, nil
}

func (t *txRepo) LockLicense(ctx context.Context, id int64) (License, error) {
	return scanLicense(t.db.QueryRow(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) UpdateLicense(ctx context.Context, lic License, expected Status) error {
	tag, err := t.db.Exec(ctx, `UPDATE licenses SET status = $2, approved_by_id = $3, approved_at = $4, issued_at = $5,
		expires_at = $6, rejection_reason = $7, updated_at = $8
		WHERE id = $1 AND status = $9`,
		lic.ID, string(lic.Status), lic.ApprovedByID, lic.ApprovedAt, lic.IssuedAt,
		lic.ExpiresAt, lic.RejectionReason, lic.UpdatedAt, string(expected),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConcurrentUpdate
	}
	return nil
}

func (t *txRepo) InsertNotification(ctx context.Context, n Notification) (Notification, error) {
	err := t.db.QueryRow(ctx, `INSERT INTO notifications (user_id, type, title, message, related_license_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		n.UserID, string(n.Type), n.Title, n.Message, n.RelatedLicenseID, n.CreatedAt,
	).Scan(&n.ID)
	if err != nil {
		return Notification{}, err
	}
	return n, nil
}
