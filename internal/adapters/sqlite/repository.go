package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"optionsBot/internal/domain"
	"optionsBot/internal/ports"

	"github.com/mattn/go-sqlite3"
)

// Repository implements ports.TradeLedger using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/options_bot.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// WAL mode for better concurrency between the persistence worker and
	// readers.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "SQLite trade ledger initialized", map[string]interface{}{"path": dbPath})
	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		id TEXT PRIMARY KEY,
		instrument TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		expiry_date TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		spot_at_entry REAL NOT NULL,
		net_credit REAL NOT NULL,
		pnl REAL DEFAULT 0,
		system_rolls INTEGER DEFAULT 0,
		discretionary_rolls INTEGER DEFAULT 0,
		close_reason TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS legs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		option_type TEXT NOT NULL,
		strike REAL NOT NULL,
		lot_size INTEGER NOT NULL,
		entry_premium REAL NOT NULL,
		exit_premium REAL DEFAULT 0,
		status TEXT NOT NULL,
		close_reason TEXT DEFAULT NULL
	);

	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		instrument TEXT NOT NULL,
		kind TEXT NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		spot_at_entry REAL NOT NULL,
		net_credit REAL NOT NULL,
		pnl REAL NOT NULL,
		system_rolls INTEGER NOT NULL,
		discretionary_rolls INTEGER NOT NULL,
		close_reason TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS trade_legs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		option_type TEXT NOT NULL,
		strike REAL NOT NULL,
		entry_premium REAL NOT NULL,
		exit_premium REAL NOT NULL,
		pnl REAL NOT NULL,
		close_reason TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS adjustments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		position_id TEXT NOT NULL,
		at TIMESTAMP NOT NULL,
		type TEXT NOT NULL,
		option_type TEXT NOT NULL,
		old_strike REAL NOT NULL,
		new_strike REAL NOT NULL,
		credit REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_instrument_status ON positions (instrument, status);
	CREATE INDEX IF NOT EXISTS idx_trades_instrument_exit_time ON trades (instrument, exit_time);
	CREATE INDEX IF NOT EXISTS idx_legs_position ON legs (position_id);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite trade ledger")
		return r.db.Close()
	}
	return nil
}

// RecordEntry stores a freshly opened position and its legs.
func (r *Repository) RecordEntry(ctx context.Context, pos *domain.Position) error {
	const posQuery = `
	INSERT INTO positions (id, instrument, kind, status, entry_time, expiry_date, spot_at_entry, net_credit, pnl)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	if _, err := r.db.ExecContext(ctx, posQuery,
		pos.ID, pos.Instrument, string(pos.Kind), string(pos.Status),
		pos.EntryTime, pos.ExpiryDate, pos.SpotAtEntry, pos.NetCredit, pos.PNL); err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("position %s already recorded: %w", pos.ID, ports.ErrDuplicateEntry)
		}
		return fmt.Errorf("failed to insert position %s: %w", pos.ID, err)
	}

	const legQuery = `
	INSERT INTO legs (position_id, symbol, side, option_type, strike, lot_size, entry_premium, status)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	for _, l := range pos.Legs {
		if _, err := r.db.ExecContext(ctx, legQuery,
			pos.ID, l.Symbol, string(l.Side), string(l.OptionType), l.Strike, l.LotSize, l.EntryPremium, string(l.Status)); err != nil {
			return fmt.Errorf("failed to insert leg %s for position %s: %w", l.Symbol, pos.ID, err)
		}
	}
	r.logger.Debug(ctx, "Position recorded", map[string]interface{}{"positionID": pos.ID, "legs": len(pos.Legs)})
	return nil
}

// UpdatePNL refreshes the stored aggregate pnl for an open position.
func (r *Repository) UpdatePNL(ctx context.Context, positionID string, pnl float64) error {
	const query = `UPDATE positions SET pnl = ? WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query, pnl, positionID)
	if err != nil {
		return fmt.Errorf("%w: pnl for position %s: %v", ports.ErrUpdateFailed, positionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("position %s not found for pnl update: %w", positionID, ports.ErrNotFound)
	}
	return nil
}

// RecordClose archives a fully closed position as an immutable trade,
// updates the position row and stores its adjustment log.
func (r *Repository) RecordClose(ctx context.Context, pos *domain.Position, reason domain.CloseReason) error {
	const posQuery = `
	UPDATE positions SET status = ?, exit_time = ?, pnl = ?, system_rolls = ?, discretionary_rolls = ?, close_reason = ?
	WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, posQuery,
		string(domain.StatusClosed), pos.ExitTime, pos.PNL, pos.SystemRolls, pos.DiscretionaryRolls, string(reason), pos.ID); err != nil {
		return fmt.Errorf("%w: closed position %s: %v", ports.ErrUpdateFailed, pos.ID, err)
	}

	const legQuery = `
	UPDATE legs SET exit_premium = ?, status = ?, close_reason = ? WHERE position_id = ? AND symbol = ?`
	for _, l := range pos.Legs {
		if _, err := r.db.ExecContext(ctx, legQuery,
			l.ExitPremium, string(l.Status), string(l.CloseReason), pos.ID, l.Symbol); err != nil {
			return fmt.Errorf("failed to update leg %s for position %s: %w", l.Symbol, pos.ID, err)
		}
	}

	const adjQuery = `
	INSERT INTO adjustments (position_id, at, type, option_type, old_strike, new_strike, credit)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	for _, a := range pos.Adjustments {
		if _, err := r.db.ExecContext(ctx, adjQuery,
			pos.ID, a.Time, string(a.Type), string(a.OptionType), a.OldStrike, a.NewStrike, a.Credit); err != nil {
			return fmt.Errorf("failed to insert adjustment for position %s: %w", pos.ID, err)
		}
	}

	trade := domain.SnapshotTrade(pos, reason)
	const tradeQuery = `
	INSERT INTO trades (position_id, instrument, kind, entry_time, exit_time, spot_at_entry, net_credit, pnl, system_rolls, discretionary_rolls, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, tradeQuery,
		trade.PositionID, trade.Instrument, string(trade.Kind), trade.EntryTime, trade.ExitTime,
		trade.SpotAtEntry, trade.NetCredit, trade.PNL, trade.SystemRolls, trade.DiscretionaryRolls, string(trade.CloseReason))
	if err != nil {
		return fmt.Errorf("failed to insert trade for position %s: %w", pos.ID, err)
	}
	tradeID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get trade ID for position %s: %w", pos.ID, err)
	}

	const tradeLegQuery = `
	INSERT INTO trade_legs (trade_id, symbol, side, option_type, strike, entry_premium, exit_premium, pnl, close_reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for _, l := range trade.Legs {
		if _, err := r.db.ExecContext(ctx, tradeLegQuery,
			tradeID, l.Symbol, string(l.Side), string(l.OptionType), l.Strike, l.EntryPremium, l.ExitPremium, l.PNL, string(l.CloseReason)); err != nil {
			return fmt.Errorf("failed to insert trade leg %s: %w", l.Symbol, err)
		}
	}
	r.logger.Debug(ctx, "Trade archived", map[string]interface{}{"positionID": pos.ID, "tradeID": tradeID, "pnl": trade.PNL})
	return nil
}

// FindTrades retrieves archived trades for an instrument, newest first.
func (r *Repository) FindTrades(ctx context.Context, instrument string, limit int) ([]*domain.Trade, error) {
	const query = `
	SELECT id, position_id, instrument, kind, entry_time, exit_time, spot_at_entry, net_credit, pnl, system_rolls, discretionary_rolls, close_reason
	FROM trades
	WHERE instrument = ?
	ORDER BY exit_time DESC
	LIMIT ?`

	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, query, instrument, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: trades for %s: %v", ports.ErrQueryFailed, instrument, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		t := &domain.Trade{}
		var kind, reason string
		if err := rows.Scan(&t.ID, &t.PositionID, &t.Instrument, &kind, &t.EntryTime, &t.ExitTime,
			&t.SpotAtEntry, &t.NetCredit, &t.PNL, &t.SystemRolls, &t.DiscretionaryRolls, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Kind = domain.StrategyKind(kind)
		t.CloseReason = domain.CloseReason(reason)
		if t.Legs, err = r.findTradeLegs(ctx, t.ID); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

func (r *Repository) findTradeLegs(ctx context.Context, tradeID int64) ([]domain.TradeLeg, error) {
	const query = `
	SELECT symbol, side, option_type, strike, entry_premium, exit_premium, pnl, close_reason
	FROM trade_legs WHERE trade_id = ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, tradeID)
	if err != nil {
		return nil, fmt.Errorf("%w: legs for trade %d: %v", ports.ErrQueryFailed, tradeID, err)
	}
	defer rows.Close()

	legs := make([]domain.TradeLeg, 0)
	for rows.Next() {
		var l domain.TradeLeg
		var side, opt, reason string
		if err := rows.Scan(&l.Symbol, &side, &opt, &l.Strike, &l.EntryPremium, &l.ExitPremium, &l.PNL, &reason); err != nil {
			return nil, fmt.Errorf("failed to scan trade leg: %w", err)
		}
		l.Side = domain.OrderSide(side)
		l.OptionType = domain.OptionType(opt)
		l.CloseReason = domain.CloseReason(reason)
		legs = append(legs, l)
	}
	return legs, rows.Err()
}
