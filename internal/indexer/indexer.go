// Package indexer reads user and event data from the on-chain event indexer
// database. All queries are read-only except for the materialized view
// refresh the scheduler triggers before each run.
package indexer

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	xerrors "whizy-agent/internal/errors"
)

// ActiveUser is one row of the active_auto_rebalance_users view.
type ActiveUser struct {
	Address     string    `json:"address"`
	RiskProfile int       `json:"risk_profile"`
	EnabledAt   time.Time `json:"enabled_at"`
	IsEnabled   bool      `json:"is_enabled"`
}

// DepositEvent is one recorded deposit.
type DepositEvent struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	Amount         float64   `json:"amount"`
	BlockNumber    int64     `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	TxHash         string    `json:"tx_hash"`
}

// RebalanceEvent is one recorded rebalance executed by an operator.
type RebalanceEvent struct {
	ID             string    `json:"id"`
	Address        string    `json:"address"`
	Operator       string    `json:"operator"`
	Amount         float64   `json:"amount"`
	BlockNumber    int64     `json:"block_number"`
	BlockTimestamp time.Time `json:"block_timestamp"`
	TxHash         string    `json:"tx_hash"`
}

// DB wraps a pgx pool over the indexer database.
type DB struct {
	pool          *pgxpool.Pool
	tokenDecimals int
}

// Open connects to the indexer database.
func Open(ctx context.Context, databaseURL string, tokenDecimals int) (*DB, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "indexer database url is empty")
	}
	if tokenDecimals <= 0 {
		tokenDecimals = 6
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "create indexer pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "ping indexer database")
	}
	return &DB{pool: pool, tokenDecimals: tokenDecimals}, nil
}

// scale converts a raw token amount to its human representation.
func (db *DB) scale(raw float64) float64 {
	return raw / math.Pow10(db.tokenDecimals)
}

// ActiveAutoRebalanceUsers lists users with auto-rebalance enabled, most
// recently enabled first.
func (db *DB) ActiveAutoRebalanceUsers(ctx context.Context) ([]ActiveUser, error) {
	const query = `
		SELECT "user" AS address, risk_profile, enabled_at, is_enabled
		FROM active_auto_rebalance_users
		WHERE is_enabled = true
		ORDER BY enabled_at DESC`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "query active auto-rebalance users")
	}
	defer rows.Close()

	var users []ActiveUser
	for rows.Next() {
		var u ActiveUser
		if err := rows.Scan(&u.Address, &u.RiskProfile, &u.EnabledAt, &u.IsEnabled); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "scan active user")
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "iterate active users")
	}
	return users, nil
}

// UserBalance returns the net balance (deposits - withdrawals) for a user in
// token units. A user without a balance row has balance zero.
func (db *DB) UserBalance(ctx context.Context, userAddress string) (float64, error) {
	const query = `SELECT balance FROM user_balances WHERE "user" = $1`

	var raw float64
	err := db.pool.QueryRow(ctx, query, strings.ToLower(userAddress)).Scan(&raw)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "query user balance")
	}
	return db.scale(raw), nil
}

// UserDeposits lists a user's deposit events, newest first.
func (db *DB) UserDeposits(ctx context.Context, userAddress string) ([]DepositEvent, error) {
	const query = `
		SELECT id, "user" AS address, amount, block_number, block_timestamp, transaction_hash AS tx_hash
		FROM depositeds
		WHERE "user" = $1
		ORDER BY block_timestamp DESC`

	rows, err := db.pool.Query(ctx, query, strings.ToLower(userAddress))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "query user deposits")
	}
	defer rows.Close()

	var events []DepositEvent
	for rows.Next() {
		var e DepositEvent
		if err := rows.Scan(&e.ID, &e.Address, &e.Amount, &e.BlockNumber, &e.BlockTimestamp, &e.TxHash); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "scan deposit event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "iterate deposit events")
	}
	return events, nil
}

// RebalanceHistory lists a user's rebalance events, newest first.
func (db *DB) RebalanceHistory(ctx context.Context, userAddress string) ([]RebalanceEvent, error) {
	const query = `
		SELECT id, "user" AS address, operator, amount, block_number, block_timestamp, transaction_hash AS tx_hash
		FROM rebalanceds
		WHERE "user" = $1
		ORDER BY block_timestamp DESC`

	rows, err := db.pool.Query(ctx, query, strings.ToLower(userAddress))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "query rebalance history")
	}
	defer rows.Close()

	var events []RebalanceEvent
	for rows.Next() {
		var e RebalanceEvent
		if err := rows.Scan(&e.ID, &e.Address, &e.Operator, &e.Amount, &e.BlockNumber, &e.BlockTimestamp, &e.TxHash); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "scan rebalance event")
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "iterate rebalance events")
	}
	return events, nil
}

// AllUserAddresses returns every address that has ever deposited or
// withdrawn, sorted ascending.
func (db *DB) AllUserAddresses(ctx context.Context) ([]string, error) {
	const query = `
		SELECT DISTINCT "user" AS address
		FROM (
			SELECT "user" FROM depositeds
			UNION
			SELECT "user" FROM withdrawns
		) all_users
		ORDER BY address`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "query user addresses")
	}
	defer rows.Close()

	var addresses []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "scan user address")
		}
		addresses = append(addresses, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "iterate user addresses")
	}
	return addresses, nil
}

// UserRiskProfile returns the on-chain risk enum for a user from the active
// user view, or zero when the user is not enabled.
func (db *DB) UserRiskProfile(ctx context.Context, userAddress string) (int, error) {
	const query = `SELECT risk_profile FROM active_auto_rebalance_users WHERE "user" = $1 AND is_enabled = true`

	var riskProfile int
	err := db.pool.QueryRow(ctx, query, strings.ToLower(userAddress)).Scan(&riskProfile)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, xerrors.Wrap(xerrors.CodeIndexerFailure, err, "query user risk profile")
	}
	return riskProfile, nil
}

// RefreshActiveUsers rebuilds the active_auto_rebalance_users materialized
// view so the next scheduler run sees current enablement state.
func (db *DB) RefreshActiveUsers(ctx context.Context) error {
	if _, err := db.pool.Exec(ctx, `SELECT refresh_active_auto_rebalance_users()`); err != nil {
		return xerrors.Wrap(xerrors.CodeIndexerFailure, err, "refresh active user view")
	}
	return nil
}

// RiskLabel maps the on-chain risk profile enum to the classifier labels.
func RiskLabel(profile int) string {
	switch profile {
	case 1:
		return "low"
	case 2:
		return "medium"
	case 3:
		return "high"
	default:
		return ""
	}
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db != nil && db.pool != nil {
		db.pool.Close()
	}
}
