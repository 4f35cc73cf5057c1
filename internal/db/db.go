package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"

	"portal/internal/db/migrations"
	"portal/internal/models"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrDuplicateUser      = errors.New("user already exists")
	ErrStorageUnavailable = errors.New("storage unavailable")
)

const (
	defaultConnectTimeout = 5 * time.Second
	defaultQueryTimeout   = 5 * time.Second
)

type Options struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	QueryTimeout    time.Duration
}

// DB is the credential store: one users table keyed by id, unique on email.
type DB struct {
	*sql.DB
	dialect      Dialect
	queryTimeout time.Duration
	newID        func() string
	now          func() time.Time
}

// PasswordHasher is the part of security.Hasher the store needs for
// bootstrapping users.
type PasswordHasher interface {
	Hash(password string) (string, error)
}

// Open connects with bounded pool and timeouts and pings the database.
func Open(ctx context.Context, opts Options) (*DB, error) {
	dialect, err := DialectFor(opts.Driver)
	if err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen == 0 && dialect == DialectSQLite {
		// One writer at a time; also keeps ":memory:" on a single database.
		maxOpen = 1
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}

	return New(sqlDB, opts.Driver, opts.QueryTimeout)
}

// New wraps an already opened handle.
func New(sqlDB *sql.DB, driver string, queryTimeout time.Duration) (*DB, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &DB{
		DB:           sqlDB,
		dialect:      dialect,
		queryTimeout: queryTimeout,
		newID:        uuid.NewString,
		now:          time.Now,
	}, nil
}

func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Migrate applies the embedded migrations for the store's dialect.
func (db *DB) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations.FS, string(db.dialect))
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(db.dialect.gooseDialect(), db.DB, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (db *DB) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, db.queryTimeout)
}

// FindUserByEmail is an exact, case-sensitive match.
func (db *DB) FindUserByEmail(ctx context.Context, email string) (*models.User, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := db.dialect.rebind("SELECT id, email, password_hash, created_at FROM users WHERE email = ?")
	return db.scanUser(db.QueryRowContext(ctx, query, email))
}

func (db *DB) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	if !db.dialect.validID(id) {
		return nil, ErrNotFound
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := db.dialect.rebind("SELECT id, email, password_hash, created_at FROM users WHERE id = ?")
	return db.scanUser(db.QueryRowContext(ctx, query, id))
}

func (db *DB) scanUser(row *sql.Row) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return user, nil
}

// CreateUser inserts a user. The unique constraint on email is the only
// duplicate check, so concurrent creators cannot both win.
func (db *DB) CreateUser(ctx context.Context, email, passwordHash string) (*models.User, error) {
	if email == "" {
		return nil, errors.New("create user: empty email")
	}
	if passwordHash == "" {
		return nil, errors.New("create user: empty password hash")
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	user := &models.User{
		ID:           db.newID(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    db.now().UTC(),
	}

	query := db.dialect.rebind("INSERT INTO users (id, email, password_hash, created_at) VALUES (?, ?, ?, ?)")
	if _, err := db.ExecContext(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateUser
		}
		return nil, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return user, nil
}

// EnsureDefaultUser creates the user unless one with that email exists.
// Losing a concurrent creation race is not an error.
func (db *DB) EnsureDefaultUser(ctx context.Context, email, password string, hasher PasswordHasher) (bool, error) {
	_, err := db.FindUserByEmail(ctx, email)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	hash, err := hasher.Hash(password)
	if err != nil {
		return false, fmt.Errorf("hash default password: %w", err)
	}

	if _, err := db.CreateUser(ctx, email, hash); err != nil {
		if errors.Is(err, ErrDuplicateUser) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// UpdatePasswordHash rotates the stored hash of an existing user.
func (db *DB) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	if passwordHash == "" {
		return errors.New("update password: empty password hash")
	}
	if !db.dialect.validID(id) {
		return ErrNotFound
	}

	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	query := db.dialect.rebind("UPDATE users SET password_hash = ? WHERE id = ?")
	res, err := db.ExecContext(ctx, query, passwordHash, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) CountUsers(ctx context.Context) (int, error) {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return n, nil
}
