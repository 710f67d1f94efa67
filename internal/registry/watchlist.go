package registry

import (
	"errors"
	"fmt"
	"strings"

	"dex-sonar/internal/domain"
)

// PoolConfig is one watched pool as configured under `registry.pools`.
type PoolConfig struct {
	ID            string `mapstructure:"id"`
	Network       string `mapstructure:"network"`
	DEX           string `mapstructure:"dex"`
	TokenAddress  string `mapstructure:"token_address"`
	TokenSymbol   string `mapstructure:"token_symbol"`
	TokenDecimals int32  `mapstructure:"token_decimals"`
	PairAddress   string `mapstructure:"pair_address"`
	PairSymbol    string `mapstructure:"pair_symbol"`
	PairDecimals  int32  `mapstructure:"pair_decimals"`
	BaseIsToken0  bool   `mapstructure:"base_is_token0"`
}

// BuildWatchlist validates pool configs. Invalid or duplicate entries are skipped and reported.
func BuildWatchlist(defaultNetwork string, configs []PoolConfig) ([]domain.Pool, []error) {
	var (
		pools []domain.Pool
		errs  []error
	)
	seen := make(map[string]struct{}, len(configs))

	for i, c := range configs {
		network := strings.ToLower(strings.TrimSpace(c.Network))
		if network == "" {
			network = defaultNetwork
		}
		if err := ValidateAddress(network, c.ID); err != nil {
			errs = append(errs, fmt.Errorf("pool #%d: %w", i, err))
			continue
		}
		if c.TokenAddress != "" {
			if err := ValidateAddress(network, c.TokenAddress); err != nil {
				errs = append(errs, fmt.Errorf("pool %s token: %w", c.ID, err))
				continue
			}
		}
		if c.TokenDecimals < 0 || c.TokenDecimals > 36 || c.PairDecimals < 0 || c.PairDecimals > 36 {
			errs = append(errs, fmt.Errorf("pool %s: decimals out of range", c.ID))
			continue
		}

		id := NormalizeAddress(network, c.ID)
		key := strings.ToLower(id)
		if _, dup := seen[key]; dup {
			errs = append(errs, fmt.Errorf("pool %s: %w", id, errors.New("duplicate pool id")))
			continue
		}
		seen[key] = struct{}{}

		pools = append(pools, domain.Pool{
			ID:            id,
			Network:       network,
			DEX:           c.DEX,
			TokenAddress:  NormalizeAddress(network, c.TokenAddress),
			TokenSymbol:   c.TokenSymbol,
			TokenDecimals: c.TokenDecimals,
			PairAddress:   NormalizeAddress(network, c.PairAddress),
			PairSymbol:    c.PairSymbol,
			PairDecimals:  c.PairDecimals,
			BaseIsToken0:  c.BaseIsToken0,
		})
	}
	return pools, errs
}
