package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const erc20ABIJSON = `[
{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"totalSupply","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
{"inputs":[],"name":"symbol","outputs":[{"internalType":"string","name":"","type":"string"}],"stateMutability":"view","type":"function"}
]`

var erc20ABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		panic("failed to parse ERC-20 ABI: " + err.Error())
	}
	erc20ABI = parsed
}

// TokenSource reads static token facts needed for FDV.
type TokenSource interface {
	TokenInfo(ctx context.Context, address string) (TokenInfo, error)
}

// ChainOptions parameterise the on-chain token reader.
type ChainOptions struct {
	RPCURL    string
	Timeout   time.Duration
	SupplyTTL time.Duration
}

// ChainReader reads ERC-20 metadata over JSON-RPC, caching results for SupplyTTL.
type ChainReader struct {
	opts      ChainOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex

	cacheMu sync.Mutex
	cache   map[string]cachedToken
}

type cachedToken struct {
	info    TokenInfo
	fetched time.Time
}

// NewChainReader builds a reader; the RPC connection is opened lazily.
func NewChainReader(opts ChainOptions, logger zerolog.Logger) *ChainReader {
	if opts.SupplyTTL <= 0 {
		opts.SupplyTTL = time.Hour
	}
	return &ChainReader{
		opts:   opts,
		logger: logger.With().Str("component", "chain_reader").Logger(),
		cache:  make(map[string]cachedToken),
	}
}

// TokenInfo returns decimals, symbol and decimal-adjusted total supply of an ERC-20 token.
func (c *ChainReader) TokenInfo(ctx context.Context, address string) (TokenInfo, error) {
	if c.opts.RPCURL == "" {
		return TokenInfo{}, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(address) {
		return TokenInfo{}, fmt.Errorf("%w: %s", ErrInvalidAddress, address)
	}
	key := strings.ToLower(address)

	c.cacheMu.Lock()
	if hit, ok := c.cache[key]; ok && time.Since(hit.fetched) < c.opts.SupplyTTL {
		c.cacheMu.Unlock()
		return hit.info, nil
	}
	c.cacheMu.Unlock()

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return TokenInfo{}, err
	}

	addr := common.HexToAddress(address)
	out, err := c.call(ctx, client, addr, "decimals")
	if err != nil {
		return TokenInfo{}, err
	}
	decimals, ok := out.(uint8)
	if !ok {
		return TokenInfo{}, errors.New("failed to decode decimals output")
	}

	out, err = c.call(ctx, client, addr, "totalSupply")
	if err != nil {
		return TokenInfo{}, err
	}
	supply, ok := out.(*big.Int)
	if !ok {
		return TokenInfo{}, errors.New("failed to decode totalSupply output")
	}

	info := TokenInfo{
		Address:     addr.Hex(),
		Decimals:    int32(decimals),
		TotalSupply: decimal.NewFromBigInt(supply, -int32(decimals)),
	}
	// symbol is optional: some tokens return bytes32 or revert
	if out, err := c.call(ctx, client, addr, "symbol"); err == nil {
		if sym, ok := out.(string); ok {
			info.Symbol = sym
		}
	}

	c.cacheMu.Lock()
	c.cache[key] = cachedToken{info: info, fetched: time.Now()}
	c.cacheMu.Unlock()
	return info, nil
}

func (c *ChainReader) call(ctx context.Context, client *ethclient.Client, addr common.Address, method string) (any, error) {
	payload, err := erc20ABI.Pack(method)
	if err != nil {
		return nil, err
	}
	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s on %s: %w", method, addr.Hex(), err)
	}
	outputs, err := erc20ABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) != 1 {
		return nil, fmt.Errorf("unexpected %s response", method)
	}
	return outputs[0], nil
}

func (c *ChainReader) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Close releases the RPC connection.
func (c *ChainReader) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

var _ TokenSource = (*ChainReader)(nil)
