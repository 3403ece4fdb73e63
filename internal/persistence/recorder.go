package persistence

import (
	"PerpVamm/internal/event"
	"PerpVamm/internal/observability"
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Recorder drains the engine's event feed into the history tables. Rows
// are buffered and flushed either when the batch fills or on a timer, so
// a quiet market still reaches disk promptly. Write failures drop the
// batch after logging; the trading path never blocks on Postgres.
type Recorder struct {
	writer     *HistoryWriter
	input      <-chan *event.Envelope
	batchSize  int
	flushEvery time.Duration
	metrics    *observability.Metrics
	log        zerolog.Logger

	trades []TradeRow
	liqs   []LiquidationRow
}

func NewRecorder(writer *HistoryWriter, input <-chan *event.Envelope, batchSize int, flushEvery time.Duration, metrics *observability.Metrics, log zerolog.Logger) *Recorder {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	return &Recorder{
		writer:     writer,
		input:      input,
		batchSize:  batchSize,
		flushEvery: flushEvery,
		metrics:    metrics,
		log:        log,
	}
}

// Run consumes events until the context is canceled or the input channel
// closes, then flushes whatever is buffered.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flush(context.Background())
			return ctx.Err()

		case <-ticker.C:
			r.flush(ctx)

		case env, ok := <-r.input:
			if !ok {
				r.flush(context.Background())
				return nil
			}
			r.buffer(env)
			if len(r.trades)+len(r.liqs) >= r.batchSize {
				r.flush(ctx)
			}
		}
	}
}

func (r *Recorder) buffer(env *event.Envelope) {
	switch env.Type {
	case event.TypeTradeExecuted:
		var p event.TradeExecuted
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.log.Warn().Err(err).Str("event_id", env.ID.String()).Msg("skip malformed trade payload")
			return
		}
		r.trades = append(r.trades, TradeRow{
			EventID:    env.ID.String(),
			MarketID:   p.MarketID,
			TokenID:    int64(p.TokenID),
			Owner:      p.Owner,
			Long:       p.Long,
			Opening:    p.Opening,
			QuoteIn:    p.QuoteIn,
			BaseOut:    p.BaseOut,
			ExecPrice:  p.ExecPrice,
			FeeBps:     p.FeeBps,
			Fee:        p.Fee,
			ExecutedAt: env.EmittedAt,
		})

	case event.TypePositionLiquidated:
		var p event.PositionLiquidated
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			r.log.Warn().Err(err).Str("event_id", env.ID.String()).Msg("skip malformed liquidation payload")
			return
		}
		r.liqs = append(r.liqs, LiquidationRow{
			EventID:       env.ID.String(),
			MarketID:      p.MarketID,
			TokenID:       int64(p.TokenID),
			Owner:         p.Owner,
			Liquidator:    p.Liquidator,
			Price:         p.Price,
			Size:          p.Size,
			Margin:        p.Margin,
			PnL:           p.PnL,
			LiquidatorFee: p.LiquidatorFee,
			InsuranceFee:  p.InsuranceFee,
			BadDebt:       p.BadDebt,
			ExecutedAt:    env.EmittedAt,
		})
	}
}

func (r *Recorder) flush(ctx context.Context) {
	if len(r.trades) > 0 {
		if err := r.writer.WriteTrades(ctx, r.trades); err != nil {
			r.log.Error().Err(err).Int("rows", len(r.trades)).Msg("trade history write failed")
			r.metrics.HistoryErrors.WithLabelValues("trades").Inc()
		} else {
			r.metrics.HistoryWrites.WithLabelValues("trades").Add(float64(len(r.trades)))
		}
		r.trades = r.trades[:0]
	}

	if len(r.liqs) > 0 {
		if err := r.writer.WriteLiquidations(ctx, r.liqs); err != nil {
			r.log.Error().Err(err).Int("rows", len(r.liqs)).Msg("liquidation history write failed")
			r.metrics.HistoryErrors.WithLabelValues("liquidations").Inc()
		} else {
			r.metrics.HistoryWrites.WithLabelValues("liquidations").Add(float64(len(r.liqs)))
		}
		r.liqs = r.liqs[:0]
	}
}
