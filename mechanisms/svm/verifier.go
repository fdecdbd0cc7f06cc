package svm

import (
	"context"
	"fmt"
	"math/big"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	x402 "github.com/x402-foundation/x402-commerce"
)

// TransactionReader is the subset of rpc.Client the verifier needs
type TransactionReader interface {
	GetTransaction(ctx context.Context, txSig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// TransferVerifier confirms SPL token settlements from transaction metadata
type TransferVerifier struct {
	client     TransactionReader
	commitment rpc.CommitmentType
}

// NewTransferVerifier creates a verifier over an existing RPC client
func NewTransferVerifier(client TransactionReader) *TransferVerifier {
	return &TransferVerifier{client: client, commitment: rpc.CommitmentConfirmed}
}

// NewRPCTransferVerifier creates a verifier talking to an RPC endpoint
func NewRPCTransferVerifier(rpcURL string) *TransferVerifier {
	return NewTransferVerifier(rpc.New(rpcURL))
}

// VerifyTransfer implements x402.OnchainVerifier. The payee's token balance
// change for the asset mint, summed over all of its token accounts touched by
// the transaction, must cover the expected amount.
func (v *TransferVerifier) VerifyTransfer(ctx context.Context, expected x402.TransferExpectation) error {
	sig, err := solana.SignatureFromBase58(expected.TxHash)
	if err != nil {
		return mismatch(expected, "malformed transaction signature")
	}
	payTo, err := solana.PublicKeyFromBase58(expected.PayTo)
	if err != nil {
		return mismatch(expected, "malformed payee address")
	}
	mint, err := solana.PublicKeyFromBase58(expected.Asset)
	if err != nil {
		return mismatch(expected, "malformed mint address")
	}

	maxVersion := uint64(0)
	result, err := v.client.GetTransaction(ctx, sig, &rpc.GetTransactionOpts{
		Commitment:                     v.commitment,
		MaxSupportedTransactionVersion: &maxVersion,
	})
	if err != nil {
		return x402.NewTransportError("getTransaction", 0, err)
	}
	if result == nil || result.Meta == nil {
		return x402.NewTransportError("getTransaction", 0, fmt.Errorf("transaction %s has no metadata yet", expected.TxHash))
	}
	if result.Meta.Err != nil {
		return mismatch(expected, fmt.Sprintf("transaction failed: %v", result.Meta.Err))
	}

	received := BalanceDelta(result.Meta.PreTokenBalances, result.Meta.PostTokenBalances, payTo, mint)

	min := expected.MinAmount
	if min == nil {
		min = new(big.Int)
	}
	if received.Cmp(min) < 0 {
		return mismatch(expected, fmt.Sprintf("received %s, expected at least %s", received, min))
	}
	return nil
}

// BalanceDelta returns post minus pre token balance of owner for mint, summed
// over every owned account. Accounts closed by the transaction appear only in
// pre and count as dropping to zero.
func BalanceDelta(pre, post []rpc.TokenBalance, owner, mint solana.PublicKey) *big.Int {
	delta := new(big.Int)
	for _, b := range post {
		if ownsMint(b, owner, mint) {
			delta.Add(delta, uiAmount(b))
		}
	}
	for _, b := range pre {
		if ownsMint(b, owner, mint) {
			delta.Sub(delta, uiAmount(b))
		}
	}
	return delta
}

func ownsMint(b rpc.TokenBalance, owner, mint solana.PublicKey) bool {
	return b.Owner != nil && b.Owner.Equals(owner) && b.Mint.Equals(mint)
}

func uiAmount(b rpc.TokenBalance) *big.Int {
	if b.UiTokenAmount == nil {
		return new(big.Int)
	}
	amount, ok := new(big.Int).SetString(b.UiTokenAmount.Amount, 10)
	if !ok {
		return new(big.Int)
	}
	return amount
}

func mismatch(expected x402.TransferExpectation, msg string) error {
	return x402.NewPaymentError(x402.ErrCodeOnchainMismatch, msg, map[string]interface{}{
		"network": string(expected.Network),
		"tx_hash": expected.TxHash,
	})
}
