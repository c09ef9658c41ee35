package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Header is the subset of a block header chainrpc relies on.
type Header struct {
	Number     hexutil.Uint64 `json:"number"`
	Hash       common.Hash    `json:"hash"`
	ParentHash common.Hash    `json:"parentHash"`
	Timestamp  hexutil.Uint64 `json:"timestamp"`
}

// Receipt is the subset of a transaction receipt chainrpc relies on.
type Receipt struct {
	TxHash          common.Hash     `json:"transactionHash"`
	BlockHash       common.Hash     `json:"blockHash"`
	BlockNumber     hexutil.Uint64  `json:"blockNumber"`
	Status          hexutil.Uint64  `json:"status"`
	GasUsed         hexutil.Uint64  `json:"gasUsed"`
	ContractAddress *common.Address `json:"contractAddress"`
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}

// EthRegistry returns the registry of standard eth_ methods.
func EthRegistry() *Registry {
	r, err := NewRegistry(
		Method{
			Name:            "blockNumber",
			Call:            "eth_blockNumber",
			OutputFormatter: outputUint64,
		},
		Method{
			Name:            "chainId",
			Call:            "eth_chainId",
			OutputFormatter: outputBig,
		},
		Method{
			Name:            "getBalance",
			Call:            "eth_getBalance",
			Params:          2,
			InputFormatter:  inputAccountAndBlock,
			OutputFormatter: outputBig,
		},
		Method{
			Name:           "getBlockByNumber",
			Call:           "eth_getBlockByNumber",
			Params:         2,
			InputFormatter: inputBlockAndFullTx,
			OutputFormatter: func(raw json.RawMessage) (any, error) {
				return decodeNullable[Header](raw)
			},
		},
		Method{
			Name:           "getTransactionReceipt",
			Call:           "eth_getTransactionReceipt",
			Params:         1,
			InputFormatter: inputHash,
			OutputFormatter: func(raw json.RawMessage) (any, error) {
				return decodeNullable[Receipt](raw)
			},
		},
		Method{
			Name:           "sendRawTransaction",
			Call:           "eth_sendRawTransaction",
			Params:         1,
			InputFormatter: inputRawTx,
			OutputFormatter: func(raw json.RawMessage) (any, error) {
				var h common.Hash
				err := json.Unmarshal(raw, &h)
				return h, err
			},
		},
	)
	if err != nil {
		panic(fmt.Sprintf("invalid eth registry: %v", err))
	}
	return r
}

// BlockNumber returns the latest block number.
func (rm *RequestManager) BlockNumber(ctx context.Context) (uint64, error) {
	v, err := rm.Invoke(ctx, "blockNumber")
	if err != nil {
		return 0, err
	}
	return asType[uint64](v)
}

// ChainID returns the chain id of the node.
func (rm *RequestManager) ChainID(ctx context.Context) (*big.Int, error) {
	v, err := rm.Invoke(ctx, "chainId")
	if err != nil {
		return nil, err
	}
	return asType[*big.Int](v)
}

// BalanceAt returns the balance of account at block. An empty block uses
// Config.DefaultBlock.
func (rm *RequestManager) BalanceAt(ctx context.Context, account common.Address, block string) (*big.Int, error) {
	args := []any{account}
	if block != "" {
		args = append(args, block)
	}
	v, err := rm.Invoke(ctx, "getBalance", args...)
	if err != nil {
		return nil, err
	}
	return asType[*big.Int](v)
}

// HeaderByNumber returns the header of block number, or nil when the node
// does not know the block.
func (rm *RequestManager) HeaderByNumber(ctx context.Context, number uint64) (*Header, error) {
	v, err := rm.Invoke(ctx, "getBlockByNumber", number)
	if err != nil {
		return nil, err
	}
	return asType[*Header](v)
}

// TransactionReceipt returns the receipt of txHash, or nil while the
// transaction is not mined.
func (rm *RequestManager) TransactionReceipt(ctx context.Context, txHash common.Hash) (*Receipt, error) {
	v, err := rm.Invoke(ctx, "getTransactionReceipt", txHash)
	if err != nil {
		return nil, err
	}
	return asType[*Receipt](v)
}

// SendRawTransaction submits a signed transaction and returns its hash.
func (rm *RequestManager) SendRawTransaction(ctx context.Context, signed []byte) (common.Hash, error) {
	v, err := rm.Invoke(ctx, "sendRawTransaction", signed)
	if err != nil {
		return common.Hash{}, err
	}
	return asType[common.Hash](v)
}

func asType[T any](v any) (T, error) {
	out, ok := v.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected result type %T", v)
	}
	return out, nil
}

func decodeNullable[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, err
	}
	return v, nil
}

func outputUint64(raw json.RawMessage) (any, error) {
	var n hexutil.Uint64
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return uint64(n), nil
}

func outputBig(raw json.RawMessage) (any, error) {
	var n hexutil.Big
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, err
	}
	return n.ToInt(), nil
}

func inputAccountAndBlock(cfg Config, args []any) ([]any, error) {
	if len(args) == 0 {
		if cfg.DefaultAccount == (common.Address{}) {
			return nil, errors.New("no account given and no default account configured")
		}
		args = []any{cfg.DefaultAccount}
	}

	switch a := args[0].(type) {
	case common.Address:
	case string:
		if !common.IsHexAddress(a) {
			return nil, fmt.Errorf("invalid address %q", a)
		}
		args[0] = common.HexToAddress(a)
	default:
		return nil, fmt.Errorf("unsupported account type %T", a)
	}

	if len(args) == 1 {
		args = append(args, cfg.DefaultBlock)
	}
	block, err := formatBlock(args[1])
	if err != nil {
		return nil, err
	}
	args[1] = block
	return args, nil
}

func inputBlockAndFullTx(cfg Config, args []any) ([]any, error) {
	if len(args) == 0 {
		args = []any{cfg.DefaultBlock}
	}
	block, err := formatBlock(args[0])
	if err != nil {
		return nil, err
	}
	args[0] = block
	if len(args) == 1 {
		args = append(args, false)
	}
	return args, nil
}

func inputHash(_ Config, args []any) ([]any, error) {
	if len(args) != 1 {
		return args, nil
	}
	switch h := args[0].(type) {
	case common.Hash:
	case string:
		b, err := hexutil.Decode(h)
		if err != nil || len(b) != common.HashLength {
			return nil, fmt.Errorf("invalid hash %q", h)
		}
		args[0] = common.BytesToHash(b)
	default:
		return nil, fmt.Errorf("unsupported hash type %T", h)
	}
	return args, nil
}

func inputRawTx(_ Config, args []any) ([]any, error) {
	if len(args) != 1 {
		return args, nil
	}
	switch tx := args[0].(type) {
	case []byte:
		args[0] = hexutil.Bytes(tx)
	case hexutil.Bytes:
	case string:
		b, err := hexutil.Decode(tx)
		if err != nil {
			return nil, fmt.Errorf("invalid raw transaction: %w", err)
		}
		args[0] = hexutil.Bytes(b)
	default:
		return nil, fmt.Errorf("unsupported raw transaction type %T", tx)
	}
	return args, nil
}

// formatBlock accepts a block tag or a number.
func formatBlock(v any) (string, error) {
	switch b := v.(type) {
	case string:
		switch b {
		case "latest", "earliest", "pending", "safe", "finalized":
			return b, nil
		}
		if _, err := hexutil.DecodeUint64(b); err != nil {
			return "", fmt.Errorf("invalid block %q", b)
		}
		return b, nil
	case uint64:
		return hexutil.EncodeUint64(b), nil
	case int:
		if b < 0 {
			return "", fmt.Errorf("negative block %d", b)
		}
		return hexutil.EncodeUint64(uint64(b)), nil
	case *big.Int:
		return hexutil.EncodeBig(b), nil
	default:
		return "", fmt.Errorf("unsupported block type %T", v)
	}
}
