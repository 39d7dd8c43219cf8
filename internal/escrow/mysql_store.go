package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"

	xerrors "InheritChain/internal/errors"
)

// MySQLStore persists escrow records in MySQL. Beneficiary rows travel as a
// JSON column since they are always read and written as a unit with their
// instance.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore opens the database and makes sure the schema exists.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "MySQL DSN is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "open MySQL connection")
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.Ping(); err != nil {
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
	const schema = `CREATE TABLE IF NOT EXISTS escrows (
        id VARCHAR(64) PRIMARY KEY,
        chain_id BIGINT UNSIGNED NOT NULL,
        owner CHAR(42) NOT NULL,
        monitored_wallet CHAR(42) NOT NULL,
        custody CHAR(42) NOT NULL,
        keeper CHAR(42) NOT NULL DEFAULT '',
        swap_gateway CHAR(42) NOT NULL DEFAULT '',
        inactivity_threshold BIGINT NOT NULL,
        last_activity BIGINT NOT NULL,
        status VARCHAR(16) NOT NULL,
        beneficiaries TEXT,
        created_at BIGINT NOT NULL,
        updated_at BIGINT NOT NULL,
        INDEX idx_escrows_owner (owner),
        INDEX idx_escrows_status (status)
)`
	if _, err := s.db.Exec(schema); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "init escrows table")
	}
	return nil
}

// Create implements Store.
func (s *MySQLStore) Create(ctx context.Context, escrow *Escrow) error {
	if escrow == nil || strings.TrimSpace(escrow.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "escrow and its ID are required")
	}
	now := time.Now().Unix()
	escrow.CreatedAt = now
	escrow.UpdatedAt = now

	rows, err := json.Marshal(escrow.Beneficiaries)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode beneficiaries")
	}

	const stmt = `INSERT INTO escrows
        (id, chain_id, owner, monitored_wallet, custody, keeper, swap_gateway,
         inactivity_threshold, last_activity, status, beneficiaries, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		escrow.ID,
		escrow.ChainID,
		strings.ToLower(escrow.Owner.Hex()),
		strings.ToLower(escrow.MonitoredWallet.Hex()),
		strings.ToLower(escrow.Custody.Hex()),
		addressColumn(escrow.Keeper),
		addressColumn(escrow.SwapGateway),
		escrow.InactivityThreshold,
		escrow.LastActivity,
		escrow.Status,
		string(rows),
		escrow.CreatedAt,
		escrow.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert escrow")
	}
	return nil
}

// Get implements Store.
func (s *MySQLStore) Get(ctx context.Context, id string) (*Escrow, error) {
	const stmt = `SELECT id, chain_id, owner, monitored_wallet, custody, keeper, swap_gateway,
        inactivity_threshold, last_activity, status, beneficiaries, created_at, updated_at
        FROM escrows WHERE id = ?`
	return s.scanRow(s.db.QueryRowContext(ctx, stmt, id))
}

// Update implements Store.
func (s *MySQLStore) Update(ctx context.Context, escrow *Escrow) error {
	if escrow == nil || strings.TrimSpace(escrow.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "escrow and its ID are required")
	}
	rows, err := json.Marshal(escrow.Beneficiaries)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode beneficiaries")
	}
	escrow.UpdatedAt = time.Now().Unix()

	const stmt = `UPDATE escrows SET keeper = ?, swap_gateway = ?, inactivity_threshold = ?,
        last_activity = ?, status = ?, beneficiaries = ?, updated_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, stmt,
		addressColumn(escrow.Keeper),
		addressColumn(escrow.SwapGateway),
		escrow.InactivityThreshold,
		escrow.LastActivity,
		escrow.Status,
		string(rows),
		escrow.UpdatedAt,
		escrow.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update escrow")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "rows affected")
	}
	if affected == 0 {
		// Either unknown or a no-op write; distinguish with a lookup.
		if _, getErr := s.Get(ctx, escrow.ID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// ListByOwner implements Store.
func (s *MySQLStore) ListByOwner(ctx context.Context, owner common.Address) ([]*Escrow, error) {
	const stmt = `SELECT id, chain_id, owner, monitored_wallet, custody, keeper, swap_gateway,
        inactivity_threshold, last_activity, status, beneficiaries, created_at, updated_at
        FROM escrows WHERE owner = ? ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, stmt, strings.ToLower(owner.Hex()))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "list escrows by owner")
	}
	defer rows.Close()

	var results []*Escrow
	for rows.Next() {
		escrow, err := s.scanRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, escrow)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate escrows")
	}
	return results, nil
}

// CountByOwner implements Store.
func (s *MySQLStore) CountByOwner(ctx context.Context, owner common.Address) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM escrows WHERE owner = ?`,
		strings.ToLower(owner.Hex())).Scan(&count)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "count escrows by owner")
	}
	return count, nil
}

// Close implements Store.
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *MySQLStore) scanRow(row rowScanner) (*Escrow, error) {
	var (
		escrow        Escrow
		owner         string
		wallet        string
		custody       string
		keeper        string
		gateway       string
		beneficiaries sql.NullString
	)
	err := row.Scan(
		&escrow.ID,
		&escrow.ChainID,
		&owner,
		&wallet,
		&custody,
		&keeper,
		&gateway,
		&escrow.InactivityThreshold,
		&escrow.LastActivity,
		&escrow.Status,
		&beneficiaries,
		&escrow.CreatedAt,
		&escrow.UpdatedAt,
	)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan escrow")
	}
	escrow.Owner = common.HexToAddress(owner)
	escrow.MonitoredWallet = common.HexToAddress(wallet)
	escrow.Custody = common.HexToAddress(custody)
	escrow.Keeper = common.HexToAddress(keeper)
	escrow.SwapGateway = common.HexToAddress(gateway)
	if beneficiaries.Valid && beneficiaries.String != "" {
		if err := json.Unmarshal([]byte(beneficiaries.String), &escrow.Beneficiaries); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "decode beneficiaries")
		}
	}
	return &escrow, nil
}

// addressColumn renders optional addresses; the zero sentinel becomes an
// empty string so the column reads as "unset".
func addressColumn(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return strings.ToLower(addr.Hex())
}

var _ Store = (*MySQLStore)(nil)
