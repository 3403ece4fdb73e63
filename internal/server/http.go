package server

import (
	"PerpVamm/internal/engine"
	"PerpVamm/internal/ledger"
	"PerpVamm/internal/lifecycle"
	"PerpVamm/internal/liquidation"
	"PerpVamm/internal/observability"
	"PerpVamm/internal/oracle"
	"PerpVamm/internal/state"
	"PerpVamm/internal/vamm"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
)

// gatewayAPI adapts the engine facade to HTTP/JSON. All fixed-point
// amounts travel as decimal strings so no precision is lost in JSON
// number parsing.
type gatewayAPI struct {
	eng *engine.Engine
	log zerolog.Logger
}

// newGatewayHandler builds the full HTTP surface: the JSON trading API
// on a gateway mux, plus the health probes on the outer mux. Metrics
// are served on their own listener by main.
func newGatewayHandler(eng *engine.Engine, hc *observability.HealthChecker, log zerolog.Logger) (http.Handler, error) {
	api := &gatewayAPI{eng: eng, log: log}
	mux := runtime.NewServeMux()

	routes := []struct {
		method  string
		path    string
		handler runtime.HandlerFunc
	}{
		{http.MethodPost, "/v1/markets", api.initMarket},
		{http.MethodGet, "/v1/markets", api.listMarkets},
		{http.MethodGet, "/v1/markets/{market_id}", api.getMarket},
		{http.MethodPost, "/v1/markets/{market_id}/deactivate", api.deactivateMarket},
		{http.MethodPost, "/v1/markets/{market_id}/liquidity", api.scaleLiquidity},
		{http.MethodPut, "/v1/markets/{market_id}/liquidation-config", api.setLiquidationConfig},
		{http.MethodGet, "/v1/markets/{market_id}/price", api.getPrices},
		{http.MethodPost, "/v1/markets/{market_id}/funding", api.updateFunding},
		{http.MethodPost, "/v1/markets/{market_id}/sources/{source_id}/active", api.setSourceActive},
		{http.MethodPost, "/v1/markets/{market_id}/sources/{source_id}/updates", api.submitPriceUpdate},

		{http.MethodPost, "/v1/deposits", api.deposit},
		{http.MethodGet, "/v1/balances/{user_id}", api.getBalances},
		{http.MethodGet, "/v1/insurance", api.getInsurance},
		{http.MethodPost, "/v1/approvals", api.approve},
		{http.MethodPost, "/v1/approvals/revoke", api.revoke},

		{http.MethodPost, "/v1/positions", api.openPosition},
		{http.MethodGet, "/v1/positions", api.listPositions},
		{http.MethodGet, "/v1/positions/{token_id}", api.getPosition},
		{http.MethodGet, "/v1/positions/{token_id}/health", api.getHealth},
		{http.MethodPost, "/v1/positions/{token_id}/close", api.closePosition},
		{http.MethodPost, "/v1/positions/{token_id}/margin/add", api.addMargin},
		{http.MethodPost, "/v1/positions/{token_id}/margin/remove", api.removeMargin},

		{http.MethodPost, "/v1/liquidations", api.liquidate},
		{http.MethodPost, "/v1/liquidations/batch", api.liquidateBatch},
		{http.MethodGet, "/v1/liquidations", api.listLiquidations},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.path, r.handler); err != nil {
			return nil, fmt.Errorf("register %s %s: %w", r.method, r.path, err)
		}
	}

	outer := http.NewServeMux()
	outer.HandleFunc("/healthz", hc.LivenessHandler)
	outer.HandleFunc("/readyz", hc.ReadinessHandler)
	outer.Handle("/", mux)
	return outer, nil
}

// ----------------------------------------------------------------------------
// Markets
// ----------------------------------------------------------------------------

type liquidationConfigBody struct {
	MaintenanceRatioBps int64 `json:"maintenance_ratio_bps"`
	LiquidatorFeeBps    int64 `json:"liquidator_fee_bps"`
	InsuranceFeeBps     int64 `json:"insurance_fee_bps"`
	Active              bool  `json:"active"`
}

type initMarketBody struct {
	MarketID           string `json:"market_id"`
	InitialPrice       string `json:"initial_price"`
	QuoteDepth         string `json:"quote_depth"`
	FundingIntervalSec int64  `json:"funding_interval_sec"`
	MaxFundingRate     string `json:"max_funding_rate"`
	FundingSensitivity string `json:"funding_sensitivity"`
	OICap              string `json:"oi_cap"`
	BaseFeeBps         int64  `json:"base_fee_bps"`
	MaxFeeBps          int64  `json:"max_fee_bps"`
	MaxDeviationBps    int64  `json:"max_deviation_bps"`

	Liquidation *liquidationConfigBody `json:"liquidation,omitempty"`
}

func (a *gatewayAPI) initMarket(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body initMarketBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.MarketID == "" {
		writeError(w, http.StatusBadRequest, errors.New("market_id is required"))
		return
	}

	mcfg := vamm.MarketConfig{
		FundingInterval: body.FundingIntervalSec,
		BaseFeeBps:      body.BaseFeeBps,
		MaxFeeBps:       body.MaxFeeBps,
		MaxDeviationBps: body.MaxDeviationBps,
	}
	var err error
	if mcfg.InitialPrice, err = parseBig(body.InitialPrice, "initial_price"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if mcfg.QuoteDepth, err = parseBig(body.QuoteDepth, "quote_depth"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if mcfg.MaxFundingRate, err = parseBig(body.MaxFundingRate, "max_funding_rate"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if mcfg.FundingSensitivity, err = parseBig(body.FundingSensitivity, "funding_sensitivity"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if mcfg.OICap, err = parseBig(body.OICap, "oi_cap"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var lcfg *state.LiquidationConfig
	if body.Liquidation != nil {
		lcfg = &state.LiquidationConfig{
			MarketID:            body.MarketID,
			MaintenanceRatioBps: body.Liquidation.MaintenanceRatioBps,
			LiquidatorFeeBps:    body.Liquidation.LiquidatorFeeBps,
			InsuranceFeeBps:     body.Liquidation.InsuranceFeeBps,
			Active:              body.Liquidation.Active,
		}
	}

	m, err := a.eng.InitMarket(body.MarketID, mcfg, lcfg)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, marketView(m))
}

func (a *gatewayAPI) listMarkets(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	markets := a.eng.Markets()
	views := make([]map[string]interface{}, 0, len(markets))
	for _, m := range markets {
		views = append(views, marketView(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"markets": views})
}

func (a *gatewayAPI) getMarket(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	m, ok := a.eng.GetMarket(pathParams["market_id"])
	if !ok {
		writeError(w, http.StatusNotFound, vamm.ErrMarketNotFound)
		return
	}
	writeJSON(w, http.StatusOK, marketView(m))
}

func (a *gatewayAPI) deactivateMarket(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	if err := a.eng.DeactivateMarket(pathParams["market_id"]); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deactivated"})
}

func (a *gatewayAPI) scaleLiquidity(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var body struct {
		ScaleBps int64 `json:"scale_bps"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.eng.ScaleVirtualLiquidity(pathParams["market_id"], body.ScaleBps); err != nil {
		writeEngineError(w, err)
		return
	}
	m, _ := a.eng.GetMarket(pathParams["market_id"])
	writeJSON(w, http.StatusOK, marketView(m))
}

func (a *gatewayAPI) setLiquidationConfig(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var body liquidationConfigBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := &state.LiquidationConfig{
		MarketID:            pathParams["market_id"],
		MaintenanceRatioBps: body.MaintenanceRatioBps,
		LiquidatorFeeBps:    body.LiquidatorFeeBps,
		InsuranceFeeBps:     body.InsuranceFeeBps,
		Active:              body.Active,
	}
	if err := a.eng.SetLiquidationConfig(cfg); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *gatewayAPI) getPrices(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	marketID := pathParams["market_id"]
	mark, err := a.eng.MarkPrice(marketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	spot, err := a.eng.SpotPrice(marketID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"market_id": marketID,
		"mark":      mark.String(),
		"spot":      spot.String(),
	})
}

func (a *gatewayAPI) updateFunding(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	upd, err := a.eng.UpdateFunding(pathParams["market_id"])
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"market_id": upd.MarketID,
		"applied":   upd.Applied,
		"rate":      upd.Rate.String(),
		"premium":   upd.Premium.String(),
		"mark":      upd.Mark.String(),
		"spot":      upd.Spot.String(),
		"new_index": upd.NewIndex.String(),
	})
}

func (a *gatewayAPI) setSourceActive(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var body struct {
		Active bool `json:"active"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.eng.SetSourceActive(pathParams["market_id"], pathParams["source_id"], body.Active); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *gatewayAPI) submitPriceUpdate(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	var body struct {
		PayerID    string   `json:"payer_id"`
		Payment    string   `json:"payment"`
		UpdateData [][]byte `json:"update_data"` // base64 per JSON convention
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payer, err := uuid.Parse(body.PayerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid payer_id: %w", err))
		return
	}
	payment, err := parseBig(body.Payment, "payment")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.eng.SubmitPriceUpdate(payer, pathParams["market_id"], pathParams["source_id"], body.UpdateData, payment); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// ----------------------------------------------------------------------------
// Accounts
// ----------------------------------------------------------------------------

func (a *gatewayAPI) deposit(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body struct {
		UserID string `json:"user_id"`
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	user, err := uuid.Parse(body.UserID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	amount, err := parseBig(body.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.eng.Deposit(user, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	free, locked := a.eng.Balances(user)
	writeJSON(w, http.StatusOK, balanceView(body.UserID, free, locked))
}

func (a *gatewayAPI) getBalances(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	user, err := uuid.Parse(pathParams["user_id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid user_id: %w", err))
		return
	}
	free, locked := a.eng.Balances(user)
	writeJSON(w, http.StatusOK, balanceView(pathParams["user_id"], free, locked))
}

func (a *gatewayAPI) getInsurance(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	writeJSON(w, http.StatusOK, map[string]string{"balance": a.eng.InsuranceBalance().String()})
}

type approvalBody struct {
	OwnerID    string `json:"owner_id"`
	DelegateID string `json:"delegate_id"`
}

func (a *gatewayAPI) approve(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	owner, delegate, err := parseApproval(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.eng.Approve(owner, delegate)
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (a *gatewayAPI) revoke(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	owner, delegate, err := parseApproval(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.eng.Revoke(owner, delegate)
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

func parseApproval(r *http.Request) (owner, delegate uuid.UUID, err error) {
	var body approvalBody
	if err = decodeBody(r, &body); err != nil {
		return
	}
	if owner, err = uuid.Parse(body.OwnerID); err != nil {
		err = fmt.Errorf("invalid owner_id: %w", err)
		return
	}
	if delegate, err = uuid.Parse(body.DelegateID); err != nil {
		err = fmt.Errorf("invalid delegate_id: %w", err)
	}
	return
}

// ----------------------------------------------------------------------------
// Positions
// ----------------------------------------------------------------------------

func (a *gatewayAPI) openPosition(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body struct {
		OwnerID        string `json:"owner_id"`
		MarketID       string `json:"market_id"`
		Long           bool   `json:"long"`
		QuoteAmount    string `json:"quote_amount"`
		Margin         string `json:"margin"`
		MaxSlippageBps int64  `json:"max_slippage_bps"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	owner, err := uuid.Parse(body.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid owner_id: %w", err))
		return
	}
	quote, err := parseBig(body.QuoteAmount, "quote_amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	margin, err := parseBig(body.Margin, "margin")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pos, err := a.eng.OpenPosition(owner, body.MarketID, body.Long, quote, margin, body.MaxSlippageBps)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, positionView(pos))
}

func (a *gatewayAPI) listPositions(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var positions []*state.Position
	switch {
	case r.URL.Query().Get("owner") != "":
		owner, err := uuid.Parse(r.URL.Query().Get("owner"))
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid owner: %w", err))
			return
		}
		positions = a.eng.PositionsByOwner(owner)
	case r.URL.Query().Get("market") != "":
		positions = a.eng.PositionsByMarket(r.URL.Query().Get("market"))
	default:
		writeError(w, http.StatusBadRequest, errors.New("owner or market query parameter is required"))
		return
	}

	views := make([]map[string]interface{}, 0, len(positions))
	for _, p := range positions {
		views = append(views, positionView(p))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"positions": views})
}

func (a *gatewayAPI) getPosition(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	tokenID, err := parseTokenID(pathParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	pos, ok := a.eng.GetPosition(tokenID)
	if !ok {
		writeError(w, http.StatusNotFound, lifecycle.ErrPositionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, positionView(pos))
}

func (a *gatewayAPI) getHealth(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	tokenID, err := parseTokenID(pathParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	liquidatable, err := a.eng.IsLiquidatable(tokenID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	hf, err := a.eng.HealthFactor(tokenID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token_id":      tokenID,
		"liquidatable":  liquidatable,
		"health_factor": hf.String(),
	})
}

func (a *gatewayAPI) closePosition(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	tokenID, err := parseTokenID(pathParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		CallerID       string `json:"caller_id"`
		MaxSlippageBps int64  `json:"max_slippage_bps"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := uuid.Parse(body.CallerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid caller_id: %w", err))
		return
	}

	res, err := a.eng.ClosePosition(caller, tokenID, body.MaxSlippageBps)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, closeView(res))
}

func (a *gatewayAPI) addMargin(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	a.marginOp(w, r, pathParams, a.eng.AddMargin)
}

func (a *gatewayAPI) removeMargin(w http.ResponseWriter, r *http.Request, pathParams map[string]string) {
	a.marginOp(w, r, pathParams, a.eng.RemoveMargin)
}

func (a *gatewayAPI) marginOp(w http.ResponseWriter, r *http.Request, pathParams map[string]string, op func(uuid.UUID, uint64, *big.Int) error) {
	tokenID, err := parseTokenID(pathParams)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		CallerID string `json:"caller_id"`
		Amount   string `json:"amount"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	caller, err := uuid.Parse(body.CallerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid caller_id: %w", err))
		return
	}
	amount, err := parseBig(body.Amount, "amount")
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := op(caller, tokenID, amount); err != nil {
		writeEngineError(w, err)
		return
	}
	pos, _ := a.eng.GetPosition(tokenID)
	writeJSON(w, http.StatusOK, positionView(pos))
}

// ----------------------------------------------------------------------------
// Liquidations
// ----------------------------------------------------------------------------

func (a *gatewayAPI) liquidate(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body struct {
		LiquidatorID string `json:"liquidator_id"`
		TokenID      uint64 `json:"token_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	liquidator, err := uuid.Parse(body.LiquidatorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid liquidator_id: %w", err))
		return
	}
	rec, err := a.eng.Liquidate(liquidator, body.TokenID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordView(rec))
}

func (a *gatewayAPI) liquidateBatch(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var body struct {
		LiquidatorID string   `json:"liquidator_id"`
		TokenIDs     []uint64 `json:"token_ids"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	liquidator, err := uuid.Parse(body.LiquidatorID)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid liquidator_id: %w", err))
		return
	}
	report, err := a.eng.LiquidateBatch(liquidator, body.TokenIDs)
	if err != nil && !errors.Is(err, liquidation.ErrBatchAllFailed) {
		writeEngineError(w, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(report.Items))
	for _, item := range report.Items {
		v := map[string]interface{}{"token_id": item.TokenID}
		if item.Err != nil {
			v["error"] = item.Err.Error()
		} else {
			v["record"] = recordView(item.Record)
		}
		items = append(items, v)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"succeeded": report.Succeeded,
		"items":     items,
	})
}

func (a *gatewayAPI) listLiquidations(w http.ResponseWriter, r *http.Request, _ map[string]string) {
	var records []*liquidation.Record
	if market := r.URL.Query().Get("market"); market != "" {
		records = a.eng.LiquidationHistoryByMarket(market)
	} else {
		records = a.eng.LiquidationHistory()
	}
	views := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView(rec))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"liquidations": views})
}

// ----------------------------------------------------------------------------
// Views and helpers
// ----------------------------------------------------------------------------

func marketView(m *state.Market) map[string]interface{} {
	return map[string]interface{}{
		"market_id":         m.ID,
		"status":            m.Status.String(),
		"base_reserve":      m.BaseReserve.String(),
		"quote_reserve":     m.QuoteReserve.String(),
		"vamm_price":        m.VammPrice().String(),
		"cum_funding_index": m.CumFundingIndex.String(),
		"last_funding_rate": m.LastFundingRate.String(),
		"last_funding_at":   m.LastFundingAt,
		"long_oi":           m.LongOI.String(),
		"short_oi":          m.ShortOI.String(),
		"oi_cap":            m.OICap.String(),
	}
}

func positionView(p *state.Position) map[string]interface{} {
	return map[string]interface{}{
		"token_id":           p.TokenID,
		"owner":              p.Owner.String(),
		"market_id":          p.MarketID,
		"long":               p.IsLong(),
		"size":               p.Size.String(),
		"margin":             p.Margin.String(),
		"entry_price":        p.EntryPrice.String(),
		"funding_paid":       p.FundingPaid.String(),
		"last_funding_index": p.LastFundingIndex.String(),
		"opened_at":          p.OpenedAt,
	}
}

func closeView(res *lifecycle.CloseResult) map[string]interface{} {
	return map[string]interface{}{
		"token_id":     res.TokenID,
		"owner":        res.Owner.String(),
		"market_id":    res.MarketID,
		"long":         res.Long,
		"size":         res.Size.String(),
		"exit_price":   res.ExitPrice.String(),
		"pnl":          res.PnL.String(),
		"funding_paid": res.FundingPaid.String(),
		"bad_debt":     res.BadDebt.String(),
	}
}

func recordView(rec *liquidation.Record) map[string]interface{} {
	return map[string]interface{}{
		"seq":            rec.Seq,
		"token_id":       rec.TokenID,
		"market_id":      rec.MarketID,
		"owner":          rec.Owner.String(),
		"liquidator":     rec.Liquidator.String(),
		"price":          rec.Price.String(),
		"size":           rec.Size.String(),
		"pnl":            rec.PnL.String(),
		"liquidator_fee": rec.LiquidatorFee.String(),
		"insurance_fee":  rec.InsuranceFee.String(),
		"bad_debt":       rec.BadDebt.String(),
		"timestamp":      rec.Timestamp,
	}
}

func balanceView(userID string, free, locked *big.Int) map[string]string {
	return map[string]string{
		"user_id": userID,
		"free":    free.String(),
		"locked":  locked.String(),
	}
}

func parseBig(s, field string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%s is not a decimal integer: %q", field, s)
	}
	return v, nil
}

func parseTokenID(pathParams map[string]string) (uint64, error) {
	var tokenID uint64
	if _, err := fmt.Sscanf(pathParams["token_id"], "%d", &tokenID); err != nil {
		return 0, fmt.Errorf("invalid token_id: %q", pathParams["token_id"])
	}
	return tokenID, nil
}

func decodeBody(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// writeEngineError maps engine sentinels onto HTTP status codes so
// callers can distinguish bad requests from transient failures.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, vamm.ErrMarketNotFound),
		errors.Is(err, lifecycle.ErrMarketNotFound),
		errors.Is(err, lifecycle.ErrPositionNotFound),
		errors.Is(err, liquidation.ErrPositionNotFound),
		errors.Is(err, oracle.ErrUnknownMarket),
		errors.Is(err, oracle.ErrUnknownSource),
		errors.Is(err, liquidation.ErrConfigMissing):
		writeError(w, http.StatusNotFound, err)

	case errors.Is(err, lifecycle.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, err)

	case errors.Is(err, oracle.ErrNoValidSources):
		writeError(w, http.StatusServiceUnavailable, err)

	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, oracle.ErrInsufficientFee):
		writeError(w, http.StatusPaymentRequired, err)

	case errors.Is(err, vamm.ErrMarketExists),
		errors.Is(err, oracle.ErrDuplicateSource),
		errors.Is(err, liquidation.ErrNotLiquidatable),
		errors.Is(err, liquidation.ErrConfigInactive),
		errors.Is(err, vamm.ErrMarketInactive):
		writeError(w, http.StatusConflict, err)

	case errors.Is(err, vamm.ErrBadAmount),
		errors.Is(err, vamm.ErrBadConfig),
		errors.Is(err, vamm.ErrPriceDeviation),
		errors.Is(err, vamm.ErrSlippageExceeded),
		errors.Is(err, vamm.ErrOICapExceeded),
		errors.Is(err, vamm.ErrLiquidityBounds),
		errors.Is(err, vamm.ErrReserveDepleted),
		errors.Is(err, lifecycle.ErrZeroSize),
		errors.Is(err, lifecycle.ErrZeroPrice),
		errors.Is(err, lifecycle.ErrMarginBelowFloor),
		errors.Is(err, lifecycle.ErrLeverageExceeded),
		errors.Is(err, lifecycle.ErrBadDelta),
		errors.Is(err, ledger.ErrNonPositiveAmount),
		errors.Is(err, ledger.ErrInsufficientLocked),
		errors.Is(err, oracle.ErrNotPushSource),
		errors.Is(err, oracle.ErrBadSourceConfig),
		errors.Is(err, liquidation.ErrDustPosition):
		writeError(w, http.StatusBadRequest, err)

	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}
