package registry

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"
)

// ErrInvalidAddress is returned for pool or token addresses that do not fit their network.
var ErrInvalidAddress = errors.New("registry: invalid address")

var tonRaw = regexp.MustCompile(`^-?\d+:[0-9a-fA-F]{64}$`)

// AddressFormat is the encoding family used by a network.
type AddressFormat int

const (
	FormatEVM AddressFormat = iota
	FormatBase58
	FormatTON
)

// FormatFor maps a DEX Screener chain id to its address format. Unknown chains are EVM.
func FormatFor(network string) AddressFormat {
	switch strings.ToLower(network) {
	case "solana":
		return FormatBase58
	case "ton":
		return FormatTON
	default:
		return FormatEVM
	}
}

// ValidateAddress checks that addr is well formed for network.
func ValidateAddress(network, addr string) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	switch FormatFor(network) {
	case FormatBase58:
		raw, err := base58.Decode(addr)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidAddress, addr, err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("%w: %s decodes to %d bytes", ErrInvalidAddress, addr, len(raw))
		}
	case FormatTON:
		if tonRaw.MatchString(addr) {
			return nil
		}
		raw, err := base64.URLEncoding.DecodeString(strings.NewReplacer("+", "-", "/", "_").Replace(addr))
		if err != nil || len(raw) != 36 {
			return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
		}
	default:
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("%w: %s", ErrInvalidAddress, addr)
		}
	}
	return nil
}

// NormalizeAddress returns the canonical form used as a pool id: checksummed hex for EVM
// chains, unchanged otherwise.
func NormalizeAddress(network, addr string) string {
	addr = strings.TrimSpace(addr)
	if FormatFor(network) == FormatEVM && common.IsHexAddress(addr) {
		return common.HexToAddress(addr).Hex()
	}
	return addr
}
