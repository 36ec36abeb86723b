// Package address canonicalizes per-chain wallet addresses so that the rest
// of the service can compare them without knowing each chain's encoding.
//
// Canonical forms:
//   - hex chains (ethereum, bsc, polygon, ...): lower-case 0x-prefixed hex
//   - tron: base58check re-derived from the 0x41-prefixed payload bytes
//   - bitcoin: base58check re-derived from payload bytes; bech32 lower-cased
//   - polkadot: SS58 string as-is (case-preserving)
//   - stellar: upper-case base32 G-address as-is
//   - cosmos: lower-case bech32 as-is
//   - solana: base58 string as-is
package address

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	ethcommon "github.com/ethereum/go-ethereum/common"
)

// ErrUndecodableAddress is returned when an address does not decode to the
// expected prefix and payload length for its chain.
var ErrUndecodableAddress = errors.New("undecodable address")

// ErrUnknownChain is returned for chains this codec has no scheme for.
var ErrUnknownChain = errors.New("unknown chain")

// Chain identifiers used throughout the service. The codec is the single
// source of truth for which encoding scheme each chain uses.
const (
	ChainEthereum = "ethereum"
	ChainBitcoin  = "bitcoin"
	ChainCosmos   = "cosmos"
	ChainPolkadot = "polkadot"
	ChainStellar  = "stellar"
	ChainTron     = "tron"
	ChainSolana   = "solana"
)

const (
	// tronAddressPrefix is the version byte Tron mainnet addresses carry in
	// front of the 20-byte public key hash.
	tronAddressPrefix = 0x41

	addressPayloadLen = 20
)

var (
	stellarAddressRe = regexp.MustCompile(`^G[A-Z2-7]{55}$`)
	cosmosAddressRe  = regexp.MustCompile(`^[a-z][a-z0-9]{1,20}1[02-9ac-hj-np-z]{38,80}$`)
	base58Re         = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
	bech32BTCRe      = regexp.MustCompile(`^bc1[02-9ac-hj-np-z]{8,87}$`)
)

// Canonicalize returns the canonical form of rawAddress on the given chain,
// or ErrUndecodableAddress if it does not match the chain's encoding.
func Canonicalize(chain, rawAddress string) (string, error) {
	raw := strings.TrimSpace(rawAddress)
	if raw == "" {
		return "", fmt.Errorf("%w: empty address", ErrUndecodableAddress)
	}

	switch chain {
	case ChainEthereum:
		return canonicalizeHex(raw)
	case ChainTron:
		return canonicalizeTron(raw)
	case ChainBitcoin:
		return canonicalizeBitcoin(raw)
	case ChainStellar:
		if !stellarAddressRe.MatchString(raw) {
			return "", fmt.Errorf("%w: %q is not a stellar account address", ErrUndecodableAddress, raw)
		}
		return raw, nil
	case ChainCosmos:
		lower := strings.ToLower(raw)
		if lower != raw && strings.ToUpper(raw) != raw {
			// bech32 forbids mixed case
			return "", fmt.Errorf("%w: mixed-case bech32 address", ErrUndecodableAddress)
		}
		if !cosmosAddressRe.MatchString(lower) {
			return "", fmt.Errorf("%w: %q is not a bech32 address", ErrUndecodableAddress, raw)
		}
		return lower, nil
	case ChainPolkadot:
		// SS58 is case-significant base58; pass through after charset and
		// decode validation.
		if !base58Re.MatchString(raw) || len(base58.Decode(raw)) == 0 {
			return "", fmt.Errorf("%w: %q is not an SS58 address", ErrUndecodableAddress, raw)
		}
		return raw, nil
	case ChainSolana:
		decoded := base58.Decode(raw)
		if !base58Re.MatchString(raw) || len(decoded) != 32 {
			return "", fmt.Errorf("%w: %q is not a solana public key", ErrUndecodableAddress, raw)
		}
		return raw, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownChain, chain)
	}
}

// Equal reports whether two raw addresses refer to the same destination on
// the given chain. Addresses that fail to canonicalize are never equal.
func Equal(chain, a, b string) bool {
	ca, err := Canonicalize(chain, a)
	if err != nil {
		return false
	}
	cb, err := Canonicalize(chain, b)
	if err != nil {
		return false
	}
	return ca == cb
}

func canonicalizeHex(raw string) (string, error) {
	if !ethcommon.IsHexAddress(raw) {
		return "", fmt.Errorf("%w: %q is not a hex address", ErrUndecodableAddress, raw)
	}
	return strings.ToLower(ethcommon.HexToAddress(raw).Hex()), nil
}

// canonicalizeTron accepts either a base58check T-address or a 41-prefixed
// hex form and re-derives the checksummed string from the payload bytes.
func canonicalizeTron(raw string) (string, error) {
	// Hex form: "41" + 40 hex chars, optionally 0x-prefixed.
	hexish := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if len(hexish) == 2*(addressPayloadLen+1) {
		b, err := hex.DecodeString(hexish)
		if err == nil {
			if b[0] != tronAddressPrefix {
				return "", fmt.Errorf("%w: tron hex address has prefix 0x%02x, want 0x41", ErrUndecodableAddress, b[0])
			}
			return base58.CheckEncode(b[1:], tronAddressPrefix), nil
		}
	}

	payload, version, err := base58.CheckDecode(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUndecodableAddress, raw, err)
	}
	if version != tronAddressPrefix || len(payload) != addressPayloadLen {
		return "", fmt.Errorf("%w: %q is not a tron mainnet address", ErrUndecodableAddress, raw)
	}
	return base58.CheckEncode(payload, tronAddressPrefix), nil
}

func canonicalizeBitcoin(raw string) (string, error) {
	lower := strings.ToLower(raw)
	if bech32BTCRe.MatchString(lower) {
		return lower, nil
	}

	payload, version, err := base58.CheckDecode(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrUndecodableAddress, raw, err)
	}
	// Mainnet P2PKH (0x00) and P2SH (0x05) only.
	if version != 0x00 && version != 0x05 {
		return "", fmt.Errorf("%w: unsupported bitcoin address version 0x%02x", ErrUndecodableAddress, version)
	}
	if len(payload) != addressPayloadLen {
		return "", fmt.Errorf("%w: bitcoin address payload is %d bytes, want %d", ErrUndecodableAddress, len(payload), addressPayloadLen)
	}
	return base58.CheckEncode(payload, version), nil
}

// KnownChains lists every chain this codec understands, in a stable order.
func KnownChains() []string {
	return []string{
		ChainEthereum,
		ChainBitcoin,
		ChainCosmos,
		ChainPolkadot,
		ChainStellar,
		ChainTron,
		ChainSolana,
	}
}

// IsKnownChain reports whether the codec has an encoding scheme for chain.
func IsKnownChain(chain string) bool {
	for _, c := range KnownChains() {
		if c == chain {
			return true
		}
	}
	return false
}
