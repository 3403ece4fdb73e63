package state

import "fmt"

// LiquidationConfig holds the per-market liquidation parameters, all in
// basis points. Set by governance, read on every liquidation check.
type LiquidationConfig struct {
	MarketID            string
	MaintenanceRatioBps int64 // maintenance margin as fraction of notional
	LiquidatorFeeBps    int64 // paid to the caller of liquidate
	InsuranceFeeBps     int64 // paid to the insurance reserve
	Active              bool
}

// ValidateLiquidationConfig checks parameter sanity before a config is
// accepted: maintenance ratio in (0, 10000), fee rates non-negative and
// jointly below the maintenance ratio so liquidation cannot be a net loss
// for a position exactly at the threshold.
func ValidateLiquidationConfig(cfg *LiquidationConfig) error {
	if cfg.MaintenanceRatioBps <= 0 || cfg.MaintenanceRatioBps >= 10_000 {
		return fmt.Errorf("maintenance ratio must be in (0, 10000) bps, got %d", cfg.MaintenanceRatioBps)
	}
	if cfg.LiquidatorFeeBps < 0 || cfg.InsuranceFeeBps < 0 {
		return fmt.Errorf("fee rates must be non-negative, got liquidator=%d insurance=%d",
			cfg.LiquidatorFeeBps, cfg.InsuranceFeeBps)
	}
	if cfg.LiquidatorFeeBps+cfg.InsuranceFeeBps >= cfg.MaintenanceRatioBps {
		return fmt.Errorf("fee rates (%d bps) must stay below maintenance ratio (%d bps)",
			cfg.LiquidatorFeeBps+cfg.InsuranceFeeBps, cfg.MaintenanceRatioBps)
	}
	return nil
}

// LiquidationConfigStore keeps per-market liquidation parameters.
type LiquidationConfigStore struct {
	configs map[string]*LiquidationConfig
}

func NewLiquidationConfigStore() *LiquidationConfigStore {
	return &LiquidationConfigStore{configs: make(map[string]*LiquidationConfig)}
}

func (s *LiquidationConfigStore) Get(marketID string) (*LiquidationConfig, bool) {
	cfg, ok := s.configs[marketID]
	return cfg, ok
}

func (s *LiquidationConfigStore) Set(cfg *LiquidationConfig) error {
	if err := ValidateLiquidationConfig(cfg); err != nil {
		return fmt.Errorf("invalid liquidation config for %s: %w", cfg.MarketID, err)
	}
	s.configs[cfg.MarketID] = cfg
	return nil
}
