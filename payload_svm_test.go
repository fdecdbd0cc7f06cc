package x402

import (
	"encoding/base64"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

const devnetUSDC = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"

type transferParams struct {
	payer       solana.PublicKey
	mint        solana.PublicKey
	destination solana.PublicKey
	amount      uint64
	transfers   int
}

// buildSolanaPayload builds an unsigned exact payload carrying the given
// number of TransferChecked instructions. With none, a lamport transfer
// stands in so the transaction is not empty.
func buildSolanaPayload(t *testing.T, network Network, params transferParams) PaymentPayload {
	t.Helper()

	source, err := AssociatedTokenAddress(params.payer, params.mint, solana.TokenProgramID)
	if err != nil {
		t.Fatalf("Failed to derive source account: %v", err)
	}

	builder := solana.NewTransactionBuilder().
		SetRecentBlockHash(solana.Hash{}).
		SetFeePayer(params.payer)
	for i := 0; i < params.transfers; i++ {
		ix, err := token.NewTransferCheckedInstructionBuilder().
			SetAmount(params.amount).
			SetDecimals(6).
			SetSourceAccount(source).
			SetMintAccount(params.mint).
			SetDestinationAccount(params.destination).
			SetOwnerAccount(params.payer).
			ValidateAndBuild()
		if err != nil {
			t.Fatalf("Failed to build transfer: %v", err)
		}
		builder.AddInstruction(ix)
	}
	if params.transfers == 0 {
		builder.AddInstruction(system.NewTransferInstruction(1000, params.payer, params.destination).Build())
	}
	tx, err := builder.Build()
	if err != nil {
		t.Fatalf("Failed to build transaction: %v", err)
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("Failed to encode transaction: %v", err)
	}
	return PaymentPayload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     network,
		Payload:     map[string]interface{}{"transaction": base64.StdEncoding.EncodeToString(raw)},
	}
}

func TestMatchRequirementsSolana(t *testing.T) {
	network := Network("solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1")
	payer := solana.NewWallet().PublicKey()
	payTo := solana.NewWallet().PublicKey()
	mint := solana.MustPublicKeyFromBase58(devnetUSDC)

	payToATA, err := AssociatedTokenAddress(payTo, mint, solana.TokenProgramID)
	if err != nil {
		t.Fatalf("Failed to derive destination: %v", err)
	}

	requirements := PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           network,
		MaxAmountRequired: "1000000",
		PayTo:             payTo.String(),
		Asset:             devnetUSDC,
		MaxTimeoutSeconds: 60,
	}
	valid := transferParams{payer: payer, mint: mint, destination: payToATA, amount: 1000000, transfers: 1}

	tests := []struct {
		name   string
		mutate func(s *transferParams)
		code   string
	}{
		{"matching", func(s *transferParams) {}, ""},
		{"overpaying", func(s *transferParams) { s.amount = 2000000 }, ""},
		{"underpaying", func(s *transferParams) { s.amount = 999999 }, ErrCodeAmountMismatch},
		{"wrong destination", func(s *transferParams) { s.destination = solana.NewWallet().PublicKey() }, ErrCodeRecipientMismatch},
		{"wrong mint", func(s *transferParams) { s.mint = solana.NewWallet().PublicKey() }, ErrCodeInvalidPayment},
		{"no transfer", func(s *transferParams) { s.transfers = 0 }, ErrCodeInvalidPayment},
		{"two transfers", func(s *transferParams) { s.transfers = 2 }, ErrCodeInvalidPayment},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := valid
			tt.mutate(&params)
			assertRejection(t, MatchRequirements(buildSolanaPayload(t, network, params), requirements), tt.code)
		})
	}
}

func TestMatchRequirementsSolanaMalformed(t *testing.T) {
	requirements := PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           "solana",
		MaxAmountRequired: "1000000",
		PayTo:             solana.NewWallet().PublicKey().String(),
		Asset:             devnetUSDC,
	}

	payloads := map[string]map[string]interface{}{
		"truncated transaction": {"transaction": "AQID"},
		"not base64":            {"transaction": "!!!"},
		"missing transaction":   {"signature": "0xsig"},
	}
	for name, body := range payloads {
		t.Run(name, func(t *testing.T) {
			p := PaymentPayload{X402Version: X402Version, Scheme: SchemeExact, Network: "solana", Payload: body}
			assertRejection(t, MatchRequirements(p, requirements), ErrCodeInvalidPayment)
		})
	}
}

func assertRejection(t *testing.T, err error, code string) {
	t.Helper()
	if code == "" {
		if err != nil {
			t.Errorf("Expected match, got %v", err)
		}
		return
	}
	reason, _ := RejectionReason(err)
	if reason != code {
		t.Errorf("Expected %s, got %v", code, err)
	}
}
