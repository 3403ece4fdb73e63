package event

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// Type names the outbound event kinds. They double as subject tokens, so
// keep them lowercase and dot-free.
type Type string

const (
	TypeMarketInitialized  Type = "market_initialized"
	TypeMarketDeactivated  Type = "market_deactivated"
	TypeTradeExecuted      Type = "trade_executed"
	TypeFundingUpdated     Type = "funding_updated"
	TypePositionOpened     Type = "position_opened"
	TypePositionClosed     Type = "position_closed"
	TypePositionLiquidated Type = "position_liquidated"
)

// Envelope wraps every published event with identity and timing. Payload
// is the marshaled type-specific body.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Type      Type            `json:"type"`
	MarketID  string          `json:"market_id"`
	EmittedAt time.Time       `json:"emitted_at"`
	Payload   json.RawMessage `json:"payload"`
}

// New builds an envelope around a payload. Marshal failures are returned,
// not swallowed; a payload that cannot serialize is a programming error.
func New(t Type, marketID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event: marshal %s payload: %w", t, err)
	}
	return &Envelope{
		ID:        uuid.New(),
		Type:      t,
		MarketID:  marketID,
		EmittedAt: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// Big renders a big integer for JSON transport; nil becomes "0".
func Big(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type MarketInitialized struct {
	MarketID     string `json:"market_id"`
	BaseReserve  string `json:"base_reserve"`
	QuoteReserve string `json:"quote_reserve"`
	InitialPrice string `json:"initial_price"`
}

type TradeExecuted struct {
	MarketID  string `json:"market_id"`
	TokenID   uint64 `json:"token_id,omitempty"`
	Owner     string `json:"owner"`
	Long      bool   `json:"long"`
	Opening   bool   `json:"opening"`
	QuoteIn   string `json:"quote_in"`
	BaseOut   string `json:"base_out"`
	ExecPrice string `json:"exec_price"`
	FeeBps    int64  `json:"fee_bps"`
	Fee       string `json:"fee"`
}

type FundingUpdated struct {
	MarketID string `json:"market_id"`
	Rate     string `json:"rate"`
	Premium  string `json:"premium"`
	Mark     string `json:"mark"`
	Spot     string `json:"spot"`
	NewIndex string `json:"new_index"`
}

type PositionOpened struct {
	MarketID   string `json:"market_id"`
	TokenID    uint64 `json:"token_id"`
	Owner      string `json:"owner"`
	Size       string `json:"size"`
	EntryPrice string `json:"entry_price"`
	Margin     string `json:"margin"`
}

type PositionClosed struct {
	MarketID  string `json:"market_id"`
	TokenID   uint64 `json:"token_id"`
	Owner     string `json:"owner"`
	ExitPrice string `json:"exit_price"`
	PnL       string `json:"pnl"`
	BadDebt   string `json:"bad_debt"`
}

type PositionLiquidated struct {
	MarketID      string `json:"market_id"`
	TokenID       uint64 `json:"token_id"`
	Owner         string `json:"owner"`
	Liquidator    string `json:"liquidator"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Margin        string `json:"margin"`
	PnL           string `json:"pnl"`
	LiquidatorFee string `json:"liquidator_fee"`
	InsuranceFee  string `json:"insurance_fee"`
	BadDebt       string `json:"bad_debt"`
}
