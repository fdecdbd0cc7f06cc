package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	x402 "github.com/x402-foundation/x402-commerce"
)

// ChainReader is the subset of ethclient.Client the verifier needs
type ChainReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (tx *types.Transaction, isPending bool, err error)
}

// TransferVerifier confirms settlements by reading receipts from an EVM node
type TransferVerifier struct {
	client ChainReader
}

// NewTransferVerifier creates a verifier over an existing chain reader
func NewTransferVerifier(client ChainReader) *TransferVerifier {
	return &TransferVerifier{client: client}
}

// DialTransferVerifier connects to an RPC endpoint. The returned close
// function releases the connection.
func DialTransferVerifier(ctx context.Context, rpcURL string) (*TransferVerifier, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	return NewTransferVerifier(client), client.Close, nil
}

// VerifyTransfer implements x402.OnchainVerifier.
//
// For ERC-20 assets the receipt's Transfer logs emitted by the asset contract
// are summed per recipient. For the native asset the transaction value and
// destination are checked.
func (v *TransferVerifier) VerifyTransfer(ctx context.Context, expected x402.TransferExpectation) error {
	if len(common.FromHex(expected.TxHash)) != common.HashLength {
		return mismatch(expected, "malformed transaction hash")
	}
	if !common.IsHexAddress(expected.PayTo) {
		return mismatch(expected, "malformed payee address")
	}
	hash := common.HexToHash(expected.TxHash)
	payTo := common.HexToAddress(expected.PayTo)

	receipt, err := v.client.TransactionReceipt(ctx, hash)
	if err != nil {
		// An unknown receipt usually means the node lags the facilitator
		if errors.Is(err, ethereum.NotFound) {
			return x402.NewTransportError("receipt", 0, fmt.Errorf("transaction %s not found yet", expected.TxHash))
		}
		return x402.NewTransportError("receipt", 0, err)
	}
	if receipt.Status != TxStatusSuccess {
		return mismatch(expected, "transaction reverted")
	}

	var transferred *big.Int
	if IsNativeAsset(expected.Asset) {
		tx, _, err := v.client.TransactionByHash(ctx, hash)
		if err != nil {
			return x402.NewTransportError("transaction", 0, err)
		}
		if tx.To() == nil || *tx.To() != payTo {
			return mismatch(expected, "native transfer has a different recipient")
		}
		transferred = tx.Value()
	} else {
		if !common.IsHexAddress(expected.Asset) {
			return mismatch(expected, "malformed asset address")
		}
		transferred = SumTransfers(receipt.Logs, common.HexToAddress(expected.Asset), payTo)
	}

	min := expected.MinAmount
	if min == nil {
		min = new(big.Int)
	}
	if transferred.Cmp(min) < 0 {
		return mismatch(expected, fmt.Sprintf("transferred %s, expected at least %s", transferred, min))
	}
	return nil
}

// SumTransfers adds up ERC-20 Transfer events from token to recipient
func SumTransfers(logs []*types.Log, token, recipient common.Address) *big.Int {
	total := new(big.Int)
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) != 3 {
			continue
		}
		if l.Topics[0] != TransferEventTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != recipient {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total
}

func mismatch(expected x402.TransferExpectation, msg string) error {
	return x402.NewPaymentError(x402.ErrCodeOnchainMismatch, msg, map[string]interface{}{
		"network": string(expected.Network),
		"tx_hash": expected.TxHash,
	})
}
