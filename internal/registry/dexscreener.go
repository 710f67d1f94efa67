package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"dex-sonar/internal/domain"
)

const (
	screenerSchemaVersion = "1.0.0"
	maxPairsPerRequest    = 30
)

// ErrUnsupportedSchema is returned when DEX Screener answers with an unknown schema version.
var ErrUnsupportedSchema = errors.New("dexscreener: unsupported schema version")

// ScreenerOptions parameterise the DEX Screener client.
type ScreenerOptions struct {
	BaseURL           string
	Timeout           time.Duration
	RequestsPerMinute int
	BatchSize         int
	UserAgent         string
}

// TokenInfo is what the screener and the chain know about a token.
type TokenInfo struct {
	Address     string
	Symbol      string
	Decimals    int32
	TotalSupply decimal.Decimal
}

// PairInfo is one pool as reported by DEX Screener.
type PairInfo struct {
	ChainID     string
	PairAddress string
	DexID       string
	BaseToken   TokenInfo
	QuoteToken  TokenInfo
	Metrics     domain.PoolMetrics
}

// PairSource fetches pool metrics in bulk.
type PairSource interface {
	FetchPairs(ctx context.Context, network string, addresses []string) ([]PairInfo, error)
}

// DexScreener queries the public pairs endpoint, batching addresses and pacing requests.
type DexScreener struct {
	opts    ScreenerOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
	now     func() time.Time
}

// NewDexScreener constructs a client. Defaults follow the public API limits.
func NewDexScreener(opts ScreenerOptions, logger zerolog.Logger) *DexScreener {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.RequestsPerMinute <= 0 {
		opts.RequestsPerMinute = 300
	}
	if opts.BatchSize <= 0 || opts.BatchSize > maxPairsPerRequest {
		opts.BatchSize = maxPairsPerRequest
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.dexscreener.com/latest/dex"
	}

	every := time.Minute / time.Duration(opts.RequestsPerMinute)
	return &DexScreener{
		opts:    opts,
		logger:  logger.With().Str("component", "dexscreener").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Every(every), 5),
		baseURL: baseURL,
		now:     time.Now,
	}
}

// FetchPairs returns every pair DEX Screener knows among addresses. Unknown addresses are
// simply absent from the result.
func (s *DexScreener) FetchPairs(ctx context.Context, network string, addresses []string) ([]PairInfo, error) {
	if network == "" {
		return nil, errors.New("network required")
	}
	var out []PairInfo
	for start := 0; start < len(addresses); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(addresses) {
			end = len(addresses)
		}
		pairs, err := s.fetchBatch(ctx, network, addresses[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, pairs...)
	}
	return out, nil
}

func (s *DexScreener) fetchBatch(ctx context.Context, network string, batch []string) ([]PairInfo, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/pairs/%s/%s", s.baseURL, network, strings.Join(batch, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "dexsonar/1.0")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}

	var res pairsResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode pairs: %w", err)
	}
	if res.SchemaVersion != "" && res.SchemaVersion != screenerSchemaVersion {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedSchema, res.SchemaVersion)
	}

	now := s.now()
	out := make([]PairInfo, 0, len(res.Pairs))
	for _, p := range res.Pairs {
		out = append(out, p.toInfo(now))
	}
	s.logger.Debug().Str("network", network).Int("requested", len(batch)).Int("returned", len(out)).Msg("pairs fetched")
	return out, nil
}

type pairsResponse struct {
	SchemaVersion string     `json:"schemaVersion"`
	Pairs         []pairJSON `json:"pairs"`
}

type tokenJSON struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
}

type pairJSON struct {
	ChainID     string          `json:"chainId"`
	DexID       string          `json:"dexId"`
	PairAddress string          `json:"pairAddress"`
	BaseToken   tokenJSON       `json:"baseToken"`
	QuoteToken  tokenJSON       `json:"quoteToken"`
	PriceNative decimal.Decimal `json:"priceNative"`
	PriceUSD    decimal.Decimal `json:"priceUsd"`
	FDV         decimal.Decimal `json:"fdv"`
	Volume      struct {
		H24 decimal.Decimal `json:"h24"`
	} `json:"volume"`
	Liquidity struct {
		USD decimal.Decimal `json:"usd"`
	} `json:"liquidity"`
	PairCreatedAt int64 `json:"pairCreatedAt"`
}

func (p pairJSON) toInfo(now time.Time) PairInfo {
	var created time.Time
	if p.PairCreatedAt > 0 {
		created = time.UnixMilli(p.PairCreatedAt).UTC()
	}
	return PairInfo{
		ChainID:     p.ChainID,
		PairAddress: p.PairAddress,
		DexID:       p.DexID,
		BaseToken:   TokenInfo{Address: p.BaseToken.Address, Symbol: p.BaseToken.Symbol},
		QuoteToken:  TokenInfo{Address: p.QuoteToken.Address, Symbol: p.QuoteToken.Symbol},
		Metrics: domain.PoolMetrics{
			PriceUSD:    p.PriceUSD,
			PriceNative: p.PriceNative,
			Liquidity:   p.Liquidity.USD,
			FDV:         p.FDV,
			Volume24h:   p.Volume.H24,
			CreatedAt:   created,
			UpdatedAt:   now,
		},
	}
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("dexscreener api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("dexscreener api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("dexscreener api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("dexscreener api error (%d)", status)
}

var _ PairSource = (*DexScreener)(nil)
