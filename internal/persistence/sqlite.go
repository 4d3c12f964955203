package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/quantfold/positron/internal/types"
	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (or creates) the database at path and migrates it.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}

	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs schema migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executor_records (
			id TEXT PRIMARY KEY,
			controller_id TEXT NOT NULL,
			connector TEXT NOT NULL,
			trading_pair TEXT NOT NULL,
			side INTEGER NOT NULL,
			amount TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			close_price TEXT NOT NULL,
			close_type INTEGER NOT NULL,
			filled_quote TEXT NOT NULL,
			fees_quote TEXT NOT NULL,
			net_pnl_quote TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			closed_at DATETIME NOT NULL,
			inserted_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_controller ON executor_records(controller_id)`,
		`CREATE INDEX IF NOT EXISTS idx_records_closed_at ON executor_records(closed_at)`,
	}

	for i, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// SaveExecutorRecord inserts (or replaces) one finished executor outcome.
func (r *SQLiteRepository) SaveExecutorRecord(ctx context.Context, record ExecutorRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO executor_records
		(id, controller_id, connector, trading_pair, side, amount, entry_price,
		 close_price, close_type, filled_quote, fees_quote, net_pnl_quote,
		 created_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.ControllerID,
		record.Connector,
		record.TradingPair,
		int(record.Side),
		record.Amount.String(),
		record.EntryPrice.String(),
		record.ClosePrice.String(),
		int(record.CloseType),
		record.FilledQuote.String(),
		record.FeesQuote.String(),
		record.NetPnLQuote.String(),
		record.CreatedAt,
		record.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save executor record: %w", err)
	}
	return nil
}

// GetExecutorRecords returns finished runs for a controller, newest first.
func (r *SQLiteRepository) GetExecutorRecords(ctx context.Context, controllerID string, limit int) ([]ExecutorRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, controller_id, connector, trading_pair, side, amount,
		       entry_price, close_price, close_type, filled_quote, fees_quote,
		       net_pnl_quote, created_at, closed_at
		FROM executor_records
		WHERE controller_id = ?
		ORDER BY closed_at DESC
		LIMIT ?`,
		controllerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query executor records: %w", err)
	}
	defer rows.Close()

	var records []ExecutorRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func scanRecord(rows *sql.Rows) (ExecutorRecord, error) {
	var (
		record                 ExecutorRecord
		side, closeType        int
		amount, entry, closePx string
		filled, fees, netPnL   string
		createdAt, closedAt    time.Time
	)
	if err := rows.Scan(
		&record.ID, &record.ControllerID, &record.Connector, &record.TradingPair,
		&side, &amount, &entry, &closePx, &closeType, &filled, &fees, &netPnL,
		&createdAt, &closedAt,
	); err != nil {
		return ExecutorRecord{}, fmt.Errorf("scan executor record: %w", err)
	}

	record.Side = types.Side(side)
	record.CloseType = types.CloseType(closeType)
	record.CreatedAt = createdAt
	record.ClosedAt = closedAt

	var err error
	if record.Amount, err = decimal.NewFromString(amount); err != nil {
		return ExecutorRecord{}, fmt.Errorf("parse amount: %w", err)
	}
	if record.EntryPrice, err = decimal.NewFromString(entry); err != nil {
		return ExecutorRecord{}, fmt.Errorf("parse entry price: %w", err)
	}
	if record.ClosePrice, err = decimal.NewFromString(closePx); err != nil {
		return ExecutorRecord{}, fmt.Errorf("parse close price: %w", err)
	}
	if record.FilledQuote, err = decimal.NewFromString(filled); err != nil {
		return ExecutorRecord{}, fmt.Errorf("parse filled quote: %w", err)
	}
	if record.FeesQuote, err = decimal.NewFromString(fees); err != nil {
		return ExecutorRecord{}, fmt.Errorf("parse fees quote: %w", err)
	}
	if record.NetPnLQuote, err = decimal.NewFromString(netPnL); err != nil {
		return ExecutorRecord{}, fmt.Errorf("parse net pnl: %w", err)
	}
	return record, nil
}

// SummarizeController aggregates finished runs for one controller.
func (r *SQLiteRepository) SummarizeController(ctx context.Context, controllerID string) (*ControllerSummary, error) {
	records, err := r.GetExecutorRecords(ctx, controllerID, 10000)
	if err != nil {
		return nil, err
	}

	summary := &ControllerSummary{ControllerID: controllerID}
	for _, record := range records {
		summary.Runs++
		summary.NetPnLQuote = summary.NetPnLQuote.Add(record.NetPnLQuote)
		summary.FeesQuote = summary.FeesQuote.Add(record.FeesQuote)
		summary.VolumeQuote = summary.VolumeQuote.Add(record.FilledQuote)
	}
	return summary, nil
}

// Close closes the database.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// Ensure SQLiteRepository implements Repository.
var _ Repository = (*SQLiteRepository)(nil)
