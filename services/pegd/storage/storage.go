package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"
	"github.com/holiman/uint256"

	"cryptofiat/native/peg"
)

// Storage wraps the pegd persistence layer.
type Storage struct {
	db *sql.DB
}

var (
	// ErrPathRequired is returned when the backing store path is missing.
	ErrPathRequired = errors.New("pegd storage path must be configured")
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrStaleNonce is returned when an admin nonce does not advance.
	ErrStaleNonce = errors.New("nonce must increase")
)

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("storage not configured")
	}
	return s.db.PingContext(ctx)
}

// CommitRecord is one engine checkpoint plus the request metadata journaled with it.
type CommitRecord struct {
	Checkpoint peg.Checkpoint
	OrderID    string
	Actor      common.Address
	At         time.Time
}

// Commit writes a checkpoint in a single transaction.
func (s *Storage) Commit(ctx context.Context, rec CommitRecord) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	cp := rec.Checkpoint
	if !cp.Currency.Valid() {
		return fmt.Errorf("checkpoint currency: %w", peg.ErrUnknownCurrency)
	}
	at := rec.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := saveReserve(ctx, tx, cp.Reserve, at); err != nil {
		return err
	}
	if err := savePricing(ctx, tx, cp.Rates, cp.NativeUnit, at); err != nil {
		return err
	}
	currency := cp.Currency.String()
	if cp.Holder != nil {
		if _, err := tx.ExecContext(ctx, `
        INSERT INTO ledger_entries(currency, holder, balance, reserved, updated_at)
        VALUES(?, ?, ?, ?, ?)
        ON CONFLICT(currency, holder) DO UPDATE SET
            balance=excluded.balance,
            reserved=excluded.reserved,
            updated_at=excluded.updated_at
    `, currency, strings.ToLower(cp.Holder.Holder.Hex()), amountText(cp.Holder.Balance), amountText(cp.Holder.Reserved), at); err != nil {
			return fmt.Errorf("save ledger entry: %w", err)
		}
	}
	if cp.Supply != nil {
		if _, err := tx.ExecContext(ctx, `
        INSERT INTO ledger_supply(currency, total_supply, updated_at)
        VALUES(?, ?, ?)
        ON CONFLICT(currency) DO UPDATE SET
            total_supply=excluded.total_supply,
            updated_at=excluded.updated_at
    `, currency, amountText(cp.Supply), at); err != nil {
			return fmt.Errorf("save ledger supply: %w", err)
		}
	}
	switch cp.Kind {
	case peg.CheckpointBuy:
		if cp.Buy == nil {
			return fmt.Errorf("buy checkpoint missing receipt")
		}
		r := cp.Buy
		err = insertOrder(ctx, tx, OrderRecord{
			ID:            rec.OrderID,
			Investor:      r.Investor,
			Currency:      r.Currency,
			Kind:          peg.OrderBuy,
			Rate:          r.Rate,
			NativeAmount:  r.NativeIn,
			TokenAmount:   r.Minted,
			BufferFee:     r.BufferFee,
			DividendFee:   r.DividendFee,
			ReservedDelta: r.Net,
			CreatedAt:     at,
		})
	case peg.CheckpointSell:
		if cp.Sell == nil {
			return fmt.Errorf("sell checkpoint missing receipt")
		}
		r := cp.Sell
		err = insertOrder(ctx, tx, OrderRecord{
			ID:            rec.OrderID,
			Investor:      r.Investor,
			Currency:      r.Currency,
			Kind:          peg.OrderSell,
			Rate:          r.Rate,
			NativeAmount:  r.Payout,
			TokenAmount:   r.Burned,
			ReservedDelta: r.Released,
			CreatedAt:     at,
		})
	case peg.CheckpointRate:
		if cp.Rate == nil {
			return fmt.Errorf("rate checkpoint missing change")
		}
		err = saveRateChange(ctx, tx, *cp.Rate, rec.Actor, at)
	default:
		err = fmt.Errorf("unknown checkpoint kind %q", cp.Kind)
	}
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

func saveReserve(ctx context.Context, tx *sql.Tx, snap peg.ReserveSnapshot, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO reserve_account(id, native_balance, dividends, updated_at)
        VALUES(1, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            native_balance=excluded.native_balance,
            dividends=excluded.dividends,
            updated_at=excluded.updated_at
    `, amountText(snap.NativeBalance), amountText(snap.Dividends), at); err != nil {
		return fmt.Errorf("save reserve: %w", err)
	}
	for _, c := range peg.Currencies {
		if _, err := tx.ExecContext(ctx, `
        INSERT INTO reserve_buffer(currency, amount, updated_at)
        VALUES(?, ?, ?)
        ON CONFLICT(currency) DO UPDATE SET
            amount=excluded.amount,
            updated_at=excluded.updated_at
    `, c.String(), amountText(snap.Buffers[c]), at); err != nil {
			return fmt.Errorf("save buffer %s: %w", c, err)
		}
	}
	return nil
}

// savePricing stores the rates and native unit a checkpoint was priced
// with. Without them a restart would fall back to configured values.
func savePricing(ctx context.Context, tx *sql.Tx, rates map[peg.Currency]int64, unit *uint256.Int, at time.Time) error {
	for _, c := range peg.Currencies {
		rate, ok := rates[c]
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
        INSERT INTO peg_rates(currency, rate, updated_at)
        VALUES(?, ?, ?)
        ON CONFLICT(currency) DO UPDATE SET
            rate=excluded.rate,
            updated_at=excluded.updated_at
    `, c.String(), rate, at); err != nil {
			return fmt.Errorf("save rate %s: %w", c, err)
		}
	}
	if unit == nil {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO engine_params(name, value, updated_at)
        VALUES('native_unit', ?, ?)
        ON CONFLICT(name) DO UPDATE SET
            value=excluded.value,
            updated_at=excluded.updated_at
    `, unit.Dec(), at); err != nil {
		return fmt.Errorf("save native unit: %w", err)
	}
	return nil
}

func saveRateChange(ctx context.Context, tx *sql.Tx, change peg.RateChange, actor common.Address, at time.Time) error {
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO peg_rates(currency, rate, updated_at)
        VALUES(?, ?, ?)
        ON CONFLICT(currency) DO UPDATE SET
            rate=excluded.rate,
            updated_at=excluded.updated_at
    `, change.Currency.String(), change.NewRate, at); err != nil {
		return fmt.Errorf("save rate: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO rate_changes(currency, old_rate, new_rate, supply, required_old, required_new, buffer_before, buffer_after, policy, actor, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, change.Currency.String(), change.OldRate, change.NewRate, amountText(change.Supply), amountText(change.RequiredOld),
		amountText(change.RequiredNew), amountText(change.BufferBefore), amountText(change.BufferAfter), change.Policy,
		strings.ToLower(actor.Hex()), at.UnixNano()); err != nil {
		return fmt.Errorf("record rate change: %w", err)
	}
	return nil
}

// LoadState rebuilds the persisted engine state. found is false on a fresh database.
func (s *Storage) LoadState(ctx context.Context) (peg.State, bool, error) {
	state := peg.State{
		Rates:   make(map[peg.Currency]int64),
		Reserve: peg.ReserveSnapshot{Buffers: make(map[peg.Currency]*uint256.Int)},
		Holders: make(map[peg.Currency][]peg.HolderState),
	}
	if s == nil {
		return state, false, fmt.Errorf("storage not configured")
	}
	found := false

	rows, err := s.db.QueryContext(ctx, `SELECT currency, rate FROM peg_rates`)
	if err != nil {
		return state, false, fmt.Errorf("query rates: %w", err)
	}
	for rows.Next() {
		var raw string
		var rate int64
		if err := rows.Scan(&raw, &rate); err != nil {
			rows.Close()
			return state, false, fmt.Errorf("scan rate: %w", err)
		}
		currency, err := peg.ParseCurrency(raw)
		if err != nil {
			rows.Close()
			return state, false, err
		}
		state.Rates[currency] = rate
		found = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return state, false, fmt.Errorf("iterate rates: %w", err)
	}

	var unit string
	err = s.db.QueryRowContext(ctx, `SELECT value FROM engine_params WHERE name = 'native_unit'`).Scan(&unit)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return state, false, fmt.Errorf("query native unit: %w", err)
	default:
		found = true
		if state.NativeUnit, err = parseAmount(unit); err != nil {
			return state, false, err
		}
	}

	var native, dividends string
	err = s.db.QueryRowContext(ctx, `SELECT native_balance, dividends FROM reserve_account WHERE id = 1`).Scan(&native, &dividends)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return state, false, fmt.Errorf("query reserve: %w", err)
	default:
		found = true
		if state.Reserve.NativeBalance, err = parseAmount(native); err != nil {
			return state, false, err
		}
		if state.Reserve.Dividends, err = parseAmount(dividends); err != nil {
			return state, false, err
		}
	}

	rows, err = s.db.QueryContext(ctx, `SELECT currency, amount FROM reserve_buffer`)
	if err != nil {
		return state, false, fmt.Errorf("query buffers: %w", err)
	}
	for rows.Next() {
		var raw, amount string
		if err := rows.Scan(&raw, &amount); err != nil {
			rows.Close()
			return state, false, fmt.Errorf("scan buffer: %w", err)
		}
		currency, err := peg.ParseCurrency(raw)
		if err != nil {
			rows.Close()
			return state, false, err
		}
		if state.Reserve.Buffers[currency], err = parseAmount(amount); err != nil {
			rows.Close()
			return state, false, err
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return state, false, fmt.Errorf("iterate buffers: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `SELECT currency, holder, balance, reserved FROM ledger_entries ORDER BY currency, holder`)
	if err != nil {
		return state, false, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var raw, holder, balance, reserved string
		if err := rows.Scan(&raw, &holder, &balance, &reserved); err != nil {
			return state, false, fmt.Errorf("scan ledger entry: %w", err)
		}
		currency, err := peg.ParseCurrency(raw)
		if err != nil {
			return state, false, err
		}
		entry := peg.HolderState{Holder: common.HexToAddress(holder)}
		if entry.Balance, err = parseAmount(balance); err != nil {
			return state, false, err
		}
		if entry.Reserved, err = parseAmount(reserved); err != nil {
			return state, false, err
		}
		state.Holders[currency] = append(state.Holders[currency], entry)
	}
	if err := rows.Err(); err != nil {
		return state, false, fmt.Errorf("iterate ledger entries: %w", err)
	}
	return state, found, nil
}

// StoredSupply returns the persisted supply for currency, used to cross-check
// ledger entries on startup.
func (s *Storage) StoredSupply(ctx context.Context, currency peg.Currency) (*uint256.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT total_supply FROM ledger_supply WHERE currency = ?`, currency.String()).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("query supply: %w", err)
	}
	return parseAmount(raw)
}

// OrderRecord is the journaled form of an executed buy or sell.
type OrderRecord struct {
	ID            string
	Investor      common.Address
	Currency      peg.Currency
	Kind          peg.OrderKind
	Rate          int64
	NativeAmount  *uint256.Int
	TokenAmount   *uint256.Int
	BufferFee     *uint256.Int
	DividendFee   *uint256.Int
	ReservedDelta *uint256.Int
	CreatedAt     time.Time
}

func insertOrder(ctx context.Context, tx *sql.Tx, rec OrderRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("order id required")
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO orders(id, investor, currency, kind, rate, native_amount, token_amount, buffer_fee, dividend_fee, reserved_delta, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
    `, rec.ID, strings.ToLower(rec.Investor.Hex()), rec.Currency.String(), string(rec.Kind), rec.Rate,
		amountText(rec.NativeAmount), amountText(rec.TokenAmount), amountText(rec.BufferFee),
		amountText(rec.DividendFee), amountText(rec.ReservedDelta), rec.CreatedAt.UnixNano()); err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// ListOrders returns the investor's most recent orders, newest first.
func (s *Storage) ListOrders(ctx context.Context, investor common.Address, limit int) ([]OrderRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, investor, currency, kind, rate, native_amount, token_amount, buffer_fee, dividend_fee, reserved_delta, created_at
        FROM orders
        WHERE investor = ?
        ORDER BY seq DESC
        LIMIT ?
    `, strings.ToLower(investor.Hex()), limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()
	out := make([]OrderRecord, 0)
	for rows.Next() {
		var (
			rec                                          OrderRecord
			investorHex, currency, kind                  string
			native, token, bufferFee, dividendFee, delta string
			created                                      int64
		)
		if err := rows.Scan(&rec.ID, &investorHex, &currency, &kind, &rec.Rate, &native, &token, &bufferFee, &dividendFee, &delta, &created); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		rec.Investor = common.HexToAddress(investorHex)
		if rec.Currency, err = peg.ParseCurrency(currency); err != nil {
			return nil, err
		}
		rec.Kind = peg.OrderKind(kind)
		for _, field := range []struct {
			dst **uint256.Int
			raw string
		}{
			{&rec.NativeAmount, native},
			{&rec.TokenAmount, token},
			{&rec.BufferFee, bufferFee},
			{&rec.DividendFee, dividendFee},
			{&rec.ReservedDelta, delta},
		} {
			if *field.dst, err = parseAmount(field.raw); err != nil {
				return nil, err
			}
		}
		rec.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return out, nil
}

// RateChangeRecord is the journaled form of a committed rate update.
type RateChangeRecord struct {
	peg.RateChange
	Actor     common.Address
	CreatedAt time.Time
}

// ListRateChanges returns the most recent rate updates for currency, newest first.
func (s *Storage) ListRateChanges(ctx context.Context, currency peg.Currency, limit int) ([]RateChangeRecord, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT old_rate, new_rate, supply, required_old, required_new, buffer_before, buffer_after, policy, actor, created_at
        FROM rate_changes
        WHERE currency = ?
        ORDER BY id DESC
        LIMIT ?
    `, currency.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("query rate changes: %w", err)
	}
	defer rows.Close()
	out := make([]RateChangeRecord, 0)
	for rows.Next() {
		var (
			rec                                                RateChangeRecord
			supply, requiredOld, requiredNew, before, after, a string
			created                                            int64
		)
		if err := rows.Scan(&rec.OldRate, &rec.NewRate, &supply, &requiredOld, &requiredNew, &before, &after, &rec.Policy, &a, &created); err != nil {
			return nil, fmt.Errorf("scan rate change: %w", err)
		}
		rec.Currency = currency
		rec.Actor = common.HexToAddress(a)
		rec.CreatedAt = time.Unix(0, created).UTC()
		for _, field := range []struct {
			dst **uint256.Int
			raw string
		}{
			{&rec.Supply, supply},
			{&rec.RequiredOld, requiredOld},
			{&rec.RequiredNew, requiredNew},
			{&rec.BufferBefore, before},
			{&rec.BufferAfter, after},
		} {
			if *field.dst, err = parseAmount(field.raw); err != nil {
				return nil, err
			}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rate changes: %w", err)
	}
	return out, nil
}

// ClaimNonce records nonce for signer, failing with ErrStaleNonce unless it is
// strictly greater than the last claimed value.
func (s *Storage) ClaimNonce(ctx context.Context, signer common.Address, nonce uint64) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if nonce > math.MaxInt64 {
		return fmt.Errorf("%w: nonce out of range", ErrStaleNonce)
	}
	result, err := s.db.ExecContext(ctx, `
        INSERT INTO admin_nonces(signer, nonce, updated_at)
        VALUES(?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(signer) DO UPDATE SET
            nonce=excluded.nonce,
            updated_at=CURRENT_TIMESTAMP
        WHERE excluded.nonce > admin_nonces.nonce
    `, strings.ToLower(signer.Hex()), int64(nonce))
	if err != nil {
		return fmt.Errorf("claim nonce: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrStaleNonce
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS peg_rates (
    currency TEXT PRIMARY KEY,
    rate INTEGER NOT NULL CHECK (rate > 0),
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS engine_params (
    name TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS reserve_account (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    native_balance TEXT NOT NULL,
    dividends TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS reserve_buffer (
    currency TEXT PRIMARY KEY,
    amount TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    currency TEXT NOT NULL,
    holder TEXT NOT NULL,
    balance TEXT NOT NULL,
    reserved TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (currency, holder)
);

CREATE TABLE IF NOT EXISTS ledger_supply (
    currency TEXT PRIMARY KEY,
    total_supply TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    investor TEXT NOT NULL,
    currency TEXT NOT NULL,
    kind TEXT NOT NULL,
    rate INTEGER NOT NULL,
    native_amount TEXT NOT NULL,
    token_amount TEXT NOT NULL,
    buffer_fee TEXT NOT NULL,
    dividend_fee TEXT NOT NULL,
    reserved_delta TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_investor ON orders(investor, seq);

CREATE TABLE IF NOT EXISTS rate_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    currency TEXT NOT NULL,
    old_rate INTEGER NOT NULL,
    new_rate INTEGER NOT NULL,
    supply TEXT NOT NULL,
    required_old TEXT NOT NULL,
    required_new TEXT NOT NULL,
    buffer_before TEXT NOT NULL,
    buffer_after TEXT NOT NULL,
    policy TEXT NOT NULL,
    actor TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_changes_currency ON rate_changes(currency, id);

CREATE TABLE IF NOT EXISTS admin_nonces (
    signer TEXT PRIMARY KEY,
    nonce INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS throttle_policy (
    id TEXT PRIMARY KEY,
    buy_limit TEXT NOT NULL,
    sell_limit TEXT NOT NULL,
    window_seconds INTEGER NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS throttle_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    policy_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    action TEXT NOT NULL,
    amount TEXT NOT NULL,
    occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_throttle_events ON throttle_events(policy_id, subject, action, occurred_at);
`

func amountText(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", raw, err)
	}
	return v, nil
}
