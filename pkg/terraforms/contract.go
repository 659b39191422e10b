// Package terraforms reads the Terraforms collection from its ERC-721
// contract and exposes it as a source.Source.
package terraforms

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Sternrassler/terraforms-extractor/pkg/source"
)

// DefaultAddress is the mainnet Terraforms contract.
const DefaultAddress = "0x4E1f41613c9084FdB9E34E11fAE9412427480e56"

const dataURIPrefix = "data:application/json;base64,"

// Caller executes read-only contract calls. *rpc.Client satisfies it.
type Caller interface {
	// EthCall may answer from a cache.
	EthCall(ctx context.Context, to string, data []byte) ([]byte, error)
	// EthCallUncached always asks the node.
	EthCallUncached(ctx context.Context, to string, data []byte) ([]byte, error)
}

// Config holds the adapter configuration.
type Config struct {
	// Address of the contract (hex, 0x-prefixed)
	Address string

	// FetchSVG adds tokenSVG to the render data
	FetchSVG bool
}

// DefaultConfig returns the mainnet configuration.
func DefaultConfig() Config {
	return Config{
		Address:  DefaultAddress,
		FetchSVG: true,
	}
}

// Contract implements source.Source on top of eth_call. Enumeration is
// 0-based (tokenByIndex).
type Contract struct {
	caller   Caller
	address  common.Address
	abi      abi.ABI
	fetchSVG bool
	logger   zerolog.Logger
}

var _ source.Source = (*Contract)(nil)

// New creates a contract adapter.
func New(caller Caller, cfg Config) (*Contract, error) {
	if caller == nil {
		return nil, fmt.Errorf("caller is required")
	}
	if !common.IsHexAddress(cfg.Address) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Address)
	}

	parsed, err := abi.JSON(strings.NewReader(contractABI))
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	return &Contract{
		caller:   caller,
		address:  common.HexToAddress(cfg.Address),
		abi:      parsed,
		fetchSVG: cfg.FetchSVG,
		logger:   log.With().Str("component", "terraforms").Logger(),
	}, nil
}

// Address returns the checksummed contract address.
func (c *Contract) Address() string {
	return c.address.Hex()
}

// IndexBase implements source.Source.
func (c *Contract) IndexBase() int {
	return 0
}

// TotalCount returns totalSupply().
func (c *Contract) TotalCount(ctx context.Context) (int, error) {
	n, err := c.callUint(ctx, "totalSupply")
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, fmt.Errorf("totalSupply out of range: %s", n)
	}
	return int(n.Int64()), nil
}

// FetchRaw resolves the token at index and reads every payload the record
// needs. Supplemental data is read first so absent entries cost two calls.
func (c *Contract) FetchRaw(ctx context.Context, index int) (*source.RawBundle, error) {
	idBig, err := c.callUint(ctx, "tokenByIndex", big.NewInt(int64(index)))
	if err != nil {
		return nil, fmt.Errorf("index %d: %w", index, err)
	}
	if !idBig.IsUint64() {
		return nil, fmt.Errorf("index %d: token id out of range: %s", index, idBig)
	}
	tokenID := idBig.Uint64()

	supp, err := c.SupplementalData(ctx, tokenID)
	if err != nil {
		return nil, fmt.Errorf("token %d: %w", tokenID, err)
	}

	html, err := c.callString(ctx, "tokenHTML", idBig)
	if err != nil {
		return nil, fmt.Errorf("token %d: %w", tokenID, err)
	}
	seed, err := ExtractSeed(html)
	if err != nil {
		return nil, fmt.Errorf("token %d: %w", tokenID, err)
	}

	uri, err := c.callString(ctx, "tokenURI", idBig)
	if err != nil {
		return nil, fmt.Errorf("token %d: %w", tokenID, err)
	}
	metadata, err := DecodeTokenURI(uri)
	if err != nil {
		return nil, fmt.Errorf("token %d: %w", tokenID, err)
	}

	var svg string
	if c.fetchSVG {
		if svg, err = c.callString(ctx, "tokenSVG", idBig); err != nil {
			return nil, fmt.Errorf("token %d: %w", tokenID, err)
		}
	}

	c.logger.Debug().Int("index", index).Uint64("record_id", tokenID).Msg("Fetched token")

	return &source.RawBundle{
		Index:        index,
		RecordID:     tokenID,
		MetadataJSON: metadata,
		HTML:         html,
		SVG:          svg,
		Seed:         seed,
		Supplemental: supp,
	}, nil
}

// supplementalData mirrors the tuple returned by tokenSupplementalData.
// Field names and order must match the ABI components.
type supplementalData struct {
	TokenId         *big.Int
	Level           *big.Int
	XCoordinate     *big.Int
	YCoordinate     *big.Int
	Elevation       *big.Int
	StructureSpaceX *big.Int
	StructureSpaceY *big.Int
	StructureSpaceZ *big.Int
	ZoneName        string
	ZoneColors      [10]string
	CharacterSet    [9]string
}

// SupplementalData reads tokenSupplementalData(tokenID). Empty return data
// yields source.ErrNoSupplemental.
func (c *Contract) SupplementalData(ctx context.Context, tokenID uint64) (*source.Supplemental, error) {
	out, err := c.call(ctx, "tokenSupplementalData", new(big.Int).SetUint64(tokenID))
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, source.ErrNoSupplemental
	}

	raw, err := decodeSupplemental(out[0])
	if err != nil {
		return nil, err
	}

	return &source.Supplemental{
		Level:           bigString(raw.Level),
		XCoordinate:     bigString(raw.XCoordinate),
		YCoordinate:     bigString(raw.YCoordinate),
		Elevation:       bigString(raw.Elevation),
		StructureSpaceX: bigString(raw.StructureSpaceX),
		StructureSpaceY: bigString(raw.StructureSpaceY),
		StructureSpaceZ: bigString(raw.StructureSpaceZ),
		ZoneName:        raw.ZoneName,
		ZoneColors:      append([]string(nil), raw.ZoneColors[:]...),
		CharacterSet:    append([]string(nil), raw.CharacterSet[:]...),
	}, nil
}

// decodeSupplemental converts the unpacked anonymous tuple into
// supplementalData. abi.ConvertType panics when the shapes differ.
func decodeSupplemental(v any) (raw supplementalData, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decode supplemental data: %v", r)
		}
	}()
	converted, ok := abi.ConvertType(v, new(supplementalData)).(*supplementalData)
	if !ok || converted == nil {
		return supplementalData{}, fmt.Errorf("decode supplemental data: unexpected type %T", v)
	}
	return *converted, nil
}

// DecodeTokenURI returns the metadata JSON embedded in a tokenURI value.
// Plain JSON is passed through unchanged.
func DecodeTokenURI(uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, dataURIPrefix) {
		if strings.HasPrefix(strings.TrimSpace(uri), "{") {
			return []byte(uri), nil
		}
		return nil, fmt.Errorf("unsupported token uri %q", truncate(uri, 40))
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(uri, dataURIPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode token uri: %w", err)
	}
	return data, nil
}

// volatileMethods change as tokens are minted and are never served from the
// call cache. Reads keyed by token id are.
var volatileMethods = map[string]bool{
	"totalSupply":  true,
	"tokenByIndex": true,
}

// call packs and executes method, returning the unpacked outputs. Empty
// return data is passed through as an empty result.
func (c *Contract) call(ctx context.Context, method string, args ...any) ([]any, error) {
	input, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	ethCall := c.caller.EthCall
	if volatileMethods[method] {
		ethCall = c.caller.EthCallUncached
	}
	data, err := ethCall(ctx, c.address.Hex(), input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	out, err := c.abi.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func (c *Contract) callUint(ctx context.Context, method string, args ...any) (*big.Int, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: %w", method, errEmptyResult)
	}
	n, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return n, nil
}

func (c *Contract) callString(ctx context.Context, method string, args ...any) (string, error) {
	out, err := c.call(ctx, method, args...)
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", fmt.Errorf("%s: %w", method, errEmptyResult)
	}
	s, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("%s: unexpected result type %T", method, out[0])
	}
	return s, nil
}

var errEmptyResult = errors.New("empty result")

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
