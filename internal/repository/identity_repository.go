package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/estate-auth/internal/model"
)

// IdentityRepo persists identities in the `identities` table.
type IdentityRepo struct{ DB *sql.DB }

func NewIdentityRepo(db *sql.DB) *IdentityRepo { return &IdentityRepo{DB: db} }

const identityColumns = "id,phone,email,first_name,last_name,preferred_city,password_hash,role,status,otp_code,otp_expires_at,last_login,created_at,updated_at"

// FindByID fetches an identity by primary key.
func (r *IdentityRepo) FindByID(ctx context.Context, id uint64) (model.Identity, error) {
	return r.queryOne(ctx, "SELECT "+identityColumns+" FROM identities WHERE id=? LIMIT 1", id)
}

// FindByPhone fetches an identity by phone number.
func (r *IdentityRepo) FindByPhone(ctx context.Context, phone string) (model.Identity, error) {
	return r.queryOne(ctx, "SELECT "+identityColumns+" FROM identities WHERE phone=? LIMIT 1", phone)
}

// FindByEmail fetches an identity by normalized email.
func (r *IdentityRepo) FindByEmail(ctx context.Context, email string) (model.Identity, error) {
	return r.queryOne(ctx, "SELECT "+identityColumns+" FROM identities WHERE email=? LIMIT 1", NormalizeEmail(email))
}

// FindByEmailOrPhone returns the first identity matching either value.  An
// empty email only matches by phone.
func (r *IdentityRepo) FindByEmailOrPhone(ctx context.Context, email, phone string) (model.Identity, error) {
	return r.queryOne(ctx,
		"SELECT "+identityColumns+" FROM identities WHERE (email=? AND email IS NOT NULL) OR phone=? ORDER BY id LIMIT 1",
		nullString(NormalizeEmail(email)), phone)
}

// Create inserts the identity and fills in its ID and timestamps.
func (r *IdentityRepo) Create(ctx context.Context, id *model.Identity) error {
	now := time.Now().UTC()
	if id.Role == "" {
		id.Role = model.RoleUser
	}
	if id.Status == "" {
		id.Status = model.StatusActive
	}
	id.Email = NormalizeEmail(id.Email)
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO identities (phone,email,first_name,last_name,preferred_city,password_hash,role,status,created_at,updated_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		id.Phone, nullString(id.Email), id.FirstName, id.LastName, id.PreferredCity, id.PasswordHash,
		string(id.Role), string(id.Status), now, now)
	if err != nil {
		return translate(err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return translate(err)
	}
	id.ID = uint64(newID)
	id.CreatedAt, id.UpdatedAt = now, now
	return nil
}

// Save writes back every mutable field except the OTP pair, which only
// SetOTP and ConsumeOTP touch.
func (r *IdentityRepo) Save(ctx context.Context, id model.Identity) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE identities SET email=?,first_name=?,last_name=?,preferred_city=?,password_hash=?,role=?,status=?,last_login=?,updated_at=?
		 WHERE id=?`,
		nullString(NormalizeEmail(id.Email)), id.FirstName, id.LastName, id.PreferredCity, id.PasswordHash,
		string(id.Role), string(id.Status), nullTime(id.LastLogin), time.Now().UTC(), id.ID)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res, ErrNotFound)
}

// SetOTP stores a new code, overwriting any pending one.
func (r *IdentityRepo) SetOTP(ctx context.Context, id uint64, code string, expiresAt time.Time) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE identities SET otp_code=?, otp_expires_at=? WHERE id=?",
		code, expiresAt.UTC(), id)
	if err != nil {
		return translate(err)
	}
	return requireAffected(res, ErrNotFound)
}

// ConsumeOTP clears the OTP pair in one conditional update so a code can be
// consumed at most once.  With an empty expected code the pair is cleared
// unconditionally.
func (r *IdentityRepo) ConsumeOTP(ctx context.Context, id uint64, expected string) error {
	var (
		res sql.Result
		err error
	)
	if expected == "" {
		res, err = r.DB.ExecContext(ctx,
			"UPDATE identities SET otp_code=NULL, otp_expires_at=NULL WHERE id=?", id)
	} else {
		res, err = r.DB.ExecContext(ctx,
			"UPDATE identities SET otp_code=NULL, otp_expires_at=NULL WHERE id=? AND otp_code=?", id, expected)
	}
	if err != nil {
		return translate(err)
	}
	if expected == "" {
		return nil
	}
	return requireAffected(res, ErrOTPMismatch)
}

func (r *IdentityRepo) queryOne(ctx context.Context, query string, args ...any) (model.Identity, error) {
	var (
		u         model.Identity
		email     sql.NullString
		otpCode   sql.NullString
		otpExp    sql.NullTime
		lastLogin sql.NullTime
		role      string
		status    string
	)
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(
		&u.ID, &u.Phone, &email, &u.FirstName, &u.LastName, &u.PreferredCity, &u.PasswordHash,
		&role, &status, &otpCode, &otpExp, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Identity{}, ErrNotFound
		}
		return model.Identity{}, translate(err)
	}
	u.Email = email.String
	u.OTPCode = otpCode.String
	u.Role = model.Role(role)
	u.Status = model.Status(status)
	if otpExp.Valid {
		t := otpExp.Time
		u.OTPExpiresAt = &t
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return u, nil
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func requireAffected(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return none
	}
	return nil
}

// translate maps driver errors onto the repository sentinels.
func translate(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) && myErr.Number == 1062 {
		return ErrConflict
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return err
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
