package feed

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"dex-sonar/internal/domain"
)

const swapEventABIJSON = `[{"anonymous":false,"inputs":[
{"indexed":true,"internalType":"address","name":"sender","type":"address"},
{"indexed":false,"internalType":"uint256","name":"amount0In","type":"uint256"},
{"indexed":false,"internalType":"uint256","name":"amount1In","type":"uint256"},
{"indexed":false,"internalType":"uint256","name":"amount0Out","type":"uint256"},
{"indexed":false,"internalType":"uint256","name":"amount1Out","type":"uint256"},
{"indexed":true,"internalType":"address","name":"to","type":"address"}],
"name":"Swap","type":"event"}]`

// sequence = block * seqPerBlock + log index
const seqPerBlock = 1_000_000

var (
	swapABI   abi.ABI
	swapTopic common.Hash
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(swapEventABIJSON))
	if err != nil {
		panic("failed to parse Swap ABI: " + err.Error())
	}
	swapABI = parsed
	swapTopic = parsed.Events["Swap"].ID
}

// EVMClient is the subset of ethclient.Client the EVM source needs.
type EVMClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// EVMOptions parameterise the Uniswap-V2 swap log poller.
type EVMOptions struct {
	RPCURL        string
	PollInterval  time.Duration
	BlockBatch    uint64
	Confirmations uint64
	// Lookback is how many blocks before the head the first poll starts at.
	Lookback uint64
	Timeout  time.Duration
}

// EVMSource polls Swap logs of Uniswap-V2 style pairs and converts them to trades priced
// in the pair token.
type EVMSource struct {
	opts   EVMOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	client    EVMClient
}

// NewEVMSource builds a source. client may be nil, in which case RPCURL is dialled lazily.
func NewEVMSource(opts EVMOptions, client EVMClient, logger zerolog.Logger) *EVMSource {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.BlockBatch == 0 {
		opts.BlockBatch = 500
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	return &EVMSource{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "evm_feed").Logger(),
	}
}

func (s *EVMSource) Stream(ctx context.Context, pool domain.Pool, out chan<- domain.TradeEvent) error {
	if !common.IsHexAddress(pool.ID) {
		return fmt.Errorf("evm feed: pool id %q is not an address", pool.ID)
	}
	client, err := s.getClient(ctx)
	if err != nil {
		return err
	}
	log := s.logger.With().Str("pool", pool.ID).Logger()
	addr := common.HexToAddress(pool.ID)

	head, err := s.head(ctx, client)
	if err != nil {
		return err
	}
	from := uint64(0)
	if head > s.opts.Lookback {
		from = head - s.opts.Lookback
	}
	log.Info().Uint64("from_block", from).Msg("swap log polling started")

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		head, err = s.head(ctx, client)
		if err != nil {
			return nilOnCancel(err)
		}
		for from <= head {
			to := from + s.opts.BlockBatch - 1
			if to > head {
				to = head
			}
			if err := s.pollRange(ctx, client, pool, addr, from, to, out); err != nil {
				return nilOnCancel(err)
			}
			from = to + 1
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *EVMSource) head(ctx context.Context, client EVMClient) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	n, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("evm feed: block number: %w", err)
	}
	if n < s.opts.Confirmations {
		return 0, nil
	}
	return n - s.opts.Confirmations, nil
}

func (s *EVMSource) pollRange(ctx context.Context, client EVMClient, pool domain.Pool, addr common.Address, from, to uint64, out chan<- domain.TradeEvent) error {
	qctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	logs, err := client.FilterLogs(qctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{addr},
		Topics:    [][]common.Hash{{swapTopic}},
	})
	cancel()
	if err != nil {
		return fmt.Errorf("evm feed: filter logs %d-%d: %w", from, to, err)
	}

	sort.Slice(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})

	times := make(map[uint64]time.Time)
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ts, ok := times[lg.BlockNumber]
		if !ok {
			ts, err = s.blockTime(ctx, client, lg.BlockNumber)
			if err != nil {
				return err
			}
			times[lg.BlockNumber] = ts
		}
		event, err := DecodeSwap(pool, lg, ts)
		if err != nil {
			s.logger.Warn().Err(err).Str("pool", pool.ID).Str("tx", lg.TxHash.Hex()).Msg("swap log skipped")
			continue
		}
		if err := send(ctx, out, event); err != nil {
			return err
		}
	}
	return nil
}

func (s *EVMSource) blockTime(ctx context.Context, client EVMClient, number uint64) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()
	header, err := client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return time.Time{}, fmt.Errorf("evm feed: header %d: %w", number, err)
	}
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

// DecodeSwap converts a Uniswap-V2 Swap log into a trade of the pool's base token, priced in
// the pair token. Volume is the pair-token notional.
func DecodeSwap(pool domain.Pool, lg types.Log, ts time.Time) (domain.TradeEvent, error) {
	if len(lg.Topics) == 0 || lg.Topics[0] != swapTopic {
		return domain.TradeEvent{}, fmt.Errorf("%w: not a swap log", ErrMalformed)
	}
	values, err := swapABI.Unpack("Swap", lg.Data)
	if err != nil {
		return domain.TradeEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(values) != 4 {
		return domain.TradeEvent{}, fmt.Errorf("%w: expected 4 amounts, got %d", ErrMalformed, len(values))
	}
	amounts := make([]*big.Int, 4)
	for i, v := range values {
		n, ok := v.(*big.Int)
		if !ok {
			return domain.TradeEvent{}, fmt.Errorf("%w: amount %d has type %T", ErrMalformed, i, v)
		}
		amounts[i] = n
	}

	in0, in1, out0, out1 := amounts[0], amounts[1], amounts[2], amounts[3]
	baseIn, quoteIn, baseOut, quoteOut := in0, in1, out0, out1
	baseDec, quoteDec := pool.TokenDecimals, pool.PairDecimals
	if !pool.BaseIsToken0 {
		baseIn, quoteIn, baseOut, quoteOut = in1, in0, out1, out0
	}

	var (
		side        domain.Side
		base, quote decimal.Decimal
	)
	switch {
	case baseIn.Sign() > 0 && quoteOut.Sign() > 0:
		side = domain.Sell
		base = decimal.NewFromBigInt(baseIn, -baseDec)
		quote = decimal.NewFromBigInt(quoteOut, -quoteDec)
	case baseOut.Sign() > 0 && quoteIn.Sign() > 0:
		side = domain.Buy
		base = decimal.NewFromBigInt(baseOut, -baseDec)
		quote = decimal.NewFromBigInt(quoteIn, -quoteDec)
	default:
		return domain.TradeEvent{}, fmt.Errorf("%w: swap without a base/quote leg", ErrMalformed)
	}
	if base.IsZero() {
		return domain.TradeEvent{}, fmt.Errorf("%w: zero base amount", ErrMalformed)
	}

	maker := ""
	if len(lg.Topics) > 2 {
		maker = common.BytesToAddress(lg.Topics[2].Bytes()).Hex()
	}
	return domain.TradeEvent{
		PoolID:    pool.ID,
		Timestamp: ts,
		Sequence:  lg.BlockNumber*seqPerBlock + uint64(lg.Index),
		Price:     quote.Div(base),
		Volume:    quote,
		Side:      side,
		Maker:     maker,
	}, nil
}

func (s *EVMSource) getClient(ctx context.Context) (EVMClient, error) {
	s.clientMux.Lock()
	defer s.clientMux.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	if s.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, s.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	s.client = client
	return client, nil
}

var _ Source = (*EVMSource)(nil)
