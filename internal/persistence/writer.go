package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// HistoryWriter records executed trades and liquidations in Postgres with
// multi-row INSERTs. Writes are idempotent on the event id so a replayed
// batch is harmless.
type HistoryWriter struct {
	db *sql.DB
}

// TradeRow is one row in perp_history.trades. Numeric columns are stored
// as NUMERIC via their decimal string rendering; 1e18/1e6 scaling is
// preserved as-is.
type TradeRow struct {
	EventID    string
	MarketID   string
	TokenID    int64
	Owner      string
	Long       bool
	Opening    bool
	QuoteIn    string
	BaseOut    string
	ExecPrice  string
	FeeBps     int64
	Fee        string
	ExecutedAt time.Time
}

// LiquidationRow is one row in perp_history.liquidations.
type LiquidationRow struct {
	EventID       string
	MarketID      string
	TokenID       int64
	Owner         string
	Liquidator    string
	Price         string
	Size          string
	Margin        string
	PnL           string
	LiquidatorFee string
	InsuranceFee  string
	BadDebt       string
	ExecutedAt    time.Time
}

func NewHistoryWriter(db *sql.DB) *HistoryWriter {
	return &HistoryWriter{db: db}
}

// WriteTrades inserts a batch of trade rows.
func (w *HistoryWriter) WriteTrades(ctx context.Context, rows []TradeRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO perp_history.trades
		(event_id, market_id, token_id, owner_id, is_long, is_opening, quote_in, base_out, exec_price, fee_bps, fee, executed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*12)
	for i, r := range rows {
		base := i * 12
		values = append(values, placeholders(base, 12))
		args = append(args,
			r.EventID, r.MarketID, r.TokenID, r.Owner, r.Long, r.Opening,
			r.QuoteIn, r.BaseOut, r.ExecPrice, r.FeeBps, r.Fee, r.ExecutedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

// WriteLiquidations inserts a batch of liquidation rows.
func (w *HistoryWriter) WriteLiquidations(ctx context.Context, rows []LiquidationRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO perp_history.liquidations
		(event_id, market_id, token_id, owner_id, liquidator_id, price, size, margin, pnl, liquidator_fee, insurance_fee, bad_debt, executed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*13)
	for i, r := range rows {
		base := i * 13
		values = append(values, placeholders(base, 13))
		args = append(args,
			r.EventID, r.MarketID, r.TokenID, r.Owner, r.Liquidator,
			r.Price, r.Size, r.Margin, r.PnL, r.LiquidatorFee, r.InsuranceFee,
			r.BadDebt, r.ExecutedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (event_id) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}

func placeholders(base, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = fmt.Sprintf("$%d", base+i+1)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
