package profile

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	xerrors "whizy-agent/internal/errors"
)

// MySQLStore persists risk profiles in MySQL.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to MySQL and bootstraps the schema.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN is empty")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open MySQL connection")
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "ping MySQL")
	}

	store := &MySQLStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *MySQLStore) initSchema() error {
	const schema = `CREATE TABLE IF NOT EXISTS risk_profiles (
        user_address VARCHAR(64) PRIMARY KEY,
        risk_level VARCHAR(16) NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_profile_updated (updated_at)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "bootstrap risk_profiles table")
	}
	return nil
}

// Get returns the profile for an address.
func (s *MySQLStore) Get(ctx context.Context, userAddress string) (*Profile, error) {
	key := NormalizeAddress(userAddress)
	if key == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "user address is empty")
	}

	const stmt = `SELECT user_address, risk_level, updated_at FROM risk_profiles WHERE user_address = ?`
	row := s.db.QueryRowContext(ctx, stmt, key)

	var p Profile
	var updated int64
	if err := row.Scan(&p.UserAddress, &p.RiskLevel, &updated); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query risk profile")
	}
	p.UpdatedAt = time.Unix(updated, 0)
	return &p, nil
}

// Put upserts the risk level for an address.
func (s *MySQLStore) Put(ctx context.Context, userAddress, riskLevel string) error {
	key := NormalizeAddress(userAddress)
	if key == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "user address is empty")
	}
	if !ValidRisk(riskLevel) {
		return xerrors.New(xerrors.CodeProfileFailure, "risk level must be low, medium or high")
	}

	const stmt = `INSERT INTO risk_profiles (user_address, risk_level, updated_at)
        VALUES (?, ?, ?)
        ON DUPLICATE KEY UPDATE risk_level = VALUES(risk_level), updated_at = VALUES(updated_at)`

	if _, err := s.db.ExecContext(ctx, stmt, key, riskLevel, time.Now().Unix()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "upsert risk profile")
	}
	return nil
}

// List returns every stored profile, most recently updated first.
func (s *MySQLStore) List(ctx context.Context) ([]*Profile, error) {
	const stmt = `SELECT user_address, risk_level, updated_at FROM risk_profiles ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list risk profiles")
	}
	defer rows.Close()

	var out []*Profile
	for rows.Next() {
		var p Profile
		var updated int64
		if err := rows.Scan(&p.UserAddress, &p.RiskLevel, &updated); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan risk profile")
		}
		p.UpdatedAt = time.Unix(updated, 0)
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate risk profiles")
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
