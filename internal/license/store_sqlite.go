package license

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultSQLiteReadTimeout = 2 * time.Second
	defaultSQLiteCASRetries  = 8
	defaultSQLiteMaxConns    = 4
)

// SQLiteOptions configures a SQLiteStore.
type SQLiteOptions struct {
	Path        string
	ReadTimeout time.Duration
	// CASRetries bounds how often Update re-reads a row after losing a
	// version race to another writer.
	CASRetries   int
	MaxOpenConns int
	Logger       *slog.Logger
}

// SQLiteStore persists records in a SQLite database. Updates use optimistic
// concurrency on a per-row version column, so writers of different keys never
// wait on each other in this process.
type SQLiteStore struct {
	db          *sql.DB
	readTimeout time.Duration
	casRetries  int
	logger      *slog.Logger
	conflicts   atomic.Int64
}

// OpenSQLiteStore opens (or creates) the database at opts.Path.
func OpenSQLiteStore(opts SQLiteOptions) (*SQLiteStore, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open license db: %w", err)
	}

	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = defaultSQLiteMaxConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:          db,
		readTimeout: opts.ReadTimeout,
		casRetries:  opts.CASRetries,
		logger:      opts.Logger,
	}
	if s.readTimeout <= 0 {
		s.readTimeout = defaultSQLiteReadTimeout
	}
	if s.casRetries <= 0 {
		s.casRetries = defaultSQLiteCASRetries
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "license_store"), slog.String("driver", "sqlite"))

	if err := s.initSchema(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(err, fmt.Errorf("failed to close license db after schema init failure: %w", closeErr))
		}
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS licenses (
		key TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		level TEXT NOT NULL,
		issued_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		expires_at_nsec INTEGER NOT NULL DEFAULT 0,
		bound_device_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		revoked_at INTEGER,
		revoke_reason TEXT NOT NULL DEFAULT '',
		updated_at INTEGER NOT NULL,
		version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_licenses_expires_at ON licenses(expires_at);
	CREATE INDEX IF NOT EXISTS idx_licenses_user_id ON licenses(user_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to init license schema: %w", err)
	}
	return nil
}

const selectColumns = `key, user_id, level, issued_at, expires_at, expires_at_nsec, bound_device_id, status, revoked_at, revoke_reason, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (LicenseRecord, error) {
	var (
		rec                     LicenseRecord
		level, status           string
		issuedAt, updatedAt     int64
		expiresSec, expiresNsec int64
		revokedAt               sql.NullInt64
	)
	if err := row.Scan(&rec.Key, &rec.UserID, &level, &issuedAt, &expiresSec, &expiresNsec, &rec.BoundDeviceID,
		&status, &revokedAt, &rec.RevokeReason, &updatedAt, &rec.Version); err != nil {
		return LicenseRecord{}, err
	}
	rec.Level = SubscriptionLevel(level)
	rec.Status = Status(status)
	rec.IssuedAt = fromUnixNano(issuedAt)
	rec.ExpiresAt = time.Unix(expiresSec, expiresNsec).UTC()
	rec.UpdatedAt = fromUnixNano(updatedAt)
	if revokedAt.Valid {
		t := fromUnixNano(revokedAt.Int64)
		rec.RevokedAt = &t
	}
	return rec, nil
}

// Expiry is stored as seconds plus nanoseconds; UnixNano only covers the
// years 1678 to 2262 and renewals can push past that.
func expiryColumns(t time.Time) (int64, int64) {
	return t.Unix(), int64(t.Nanosecond())
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func (s *SQLiteStore) Put(ctx context.Context, rec LicenseRecord) error {
	if rec.Version == 0 {
		rec.Version = 1
	}
	expSec, expNsec := expiryColumns(rec.ExpiresAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO licenses (`+selectColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		rec.Key, rec.UserID, string(rec.Level), rec.IssuedAt.UnixNano(), expSec, expNsec,
		rec.BoundDeviceID, string(rec.Status), nullableTime(rec.RevokedAt), rec.RevokeReason,
		rec.UpdatedAt.UnixNano(), rec.Version,
	)
	if err != nil {
		return unavailable("put", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("put", err)
	}
	if n == 0 {
		return ErrDuplicateKey
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (LicenseRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM licenses WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return LicenseRecord{}, ErrNotFound
		}
		return LicenseRecord{}, unavailable("get", err)
	}
	return rec, nil
}

func (s *SQLiteStore) Update(ctx context.Context, key string, mutate Mutation) (LicenseRecord, error) {
	for attempt := 0; attempt < s.casRetries; attempt++ {
		current, err := s.Get(ctx, key)
		if err != nil {
			return LicenseRecord{}, err
		}

		next := current.clone()
		if err := mutate(&next); err != nil {
			return LicenseRecord{}, err
		}
		next.Key = current.Key
		next.Version = current.Version + 1

		expSec, expNsec := expiryColumns(next.ExpiresAt)
		res, err := s.db.ExecContext(ctx,
			`UPDATE licenses SET
				level = ?, expires_at = ?, expires_at_nsec = ?, bound_device_id = ?, status = ?,
				revoked_at = ?, revoke_reason = ?, updated_at = ?, version = ?
			 WHERE key = ? AND version = ?`,
			string(next.Level), expSec, expNsec, next.BoundDeviceID, string(next.Status),
			nullableTime(next.RevokedAt), next.RevokeReason, next.UpdatedAt.UnixNano(), next.Version,
			key, current.Version,
		)
		if err != nil {
			return LicenseRecord{}, unavailable("update", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return LicenseRecord{}, unavailable("update", err)
		}
		if n == 1 {
			return next, nil
		}

		s.conflicts.Add(1)
		s.logger.DebugContext(ctx, "version conflict, retrying update",
			slog.Int("attempt", attempt+1),
			slog.Int64("version", current.Version),
		)
	}
	return LicenseRecord{}, unavailable("update", ErrWriteConflict)
}

func (s *SQLiteStore) ExpiringBetween(ctx context.Context, from, to time.Time) ([]LicenseRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()

	fromSec, fromNsec := expiryColumns(from)
	toSec, toNsec := expiryColumns(to)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM licenses
		 WHERE status != ?
		   AND (expires_at > ? OR (expires_at = ? AND expires_at_nsec >= ?))
		   AND (expires_at < ? OR (expires_at = ? AND expires_at_nsec < ?))
		 ORDER BY expires_at, expires_at_nsec`,
		string(StatusRevoked), fromSec, fromSec, fromNsec, toSec, toSec, toNsec,
	)
	if err != nil {
		return nil, unavailable("scan", err)
	}
	defer rows.Close()

	var out []LicenseRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, unavailable("scan", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return out, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.readTimeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Conflicts returns how many optimistic updates had to be retried.
func (s *SQLiteStore) Conflicts() int64 {
	return s.conflicts.Load()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
