package x402

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// isSolanaNetwork covers CAIP-2 solana ids and legacy names like "solana-devnet"
func isSolanaNetwork(n Network) bool {
	return strings.HasPrefix(string(n), "solana")
}

// DecodeSolanaTransaction decodes the base64 wire transaction carried in an
// exact payload under "transaction"
func DecodeSolanaTransaction(p PaymentPayload) (*solana.Transaction, error) {
	encoded, _ := p.Payload["transaction"].(string)
	if encoded == "" {
		return nil, fmt.Errorf("payload transaction is missing")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("payload transaction is not base64: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// SolanaTransfer is the single SPL TransferChecked found in a payment transaction
type SolanaTransfer struct {
	Program     solana.PublicKey
	Mint        solana.PublicKey
	Destination solana.PublicKey
	Owner       solana.PublicKey
	Amount      uint64
}

// FindSolanaTransfer returns the transaction's only TransferChecked under the
// token or token-2022 program. Zero or several transfers is an error.
func FindSolanaTransfer(tx *solana.Transaction) (*SolanaTransfer, error) {
	keys := tx.Message.AccountKeys
	var found *SolanaTransfer
	for _, ix := range tx.Message.Instructions {
		if int(ix.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("instruction program index %d out of range", ix.ProgramIDIndex)
		}
		program := keys[ix.ProgramIDIndex]
		if !program.Equals(solana.TokenProgramID) && !program.Equals(solana.Token2022ProgramID) {
			continue
		}
		if len(ix.Data) == 0 || ix.Data[0] != token.Instruction_TransferChecked {
			continue
		}
		if len(ix.Accounts) < 4 {
			return nil, fmt.Errorf("token transfer has %d accounts, need 4", len(ix.Accounts))
		}

		accounts := make([]*solana.AccountMeta, 0, len(ix.Accounts))
		for _, idx := range ix.Accounts {
			if int(idx) >= len(keys) {
				return nil, fmt.Errorf("instruction account index %d out of range", idx)
			}
			accounts = append(accounts, solana.Meta(keys[idx]))
		}
		decoded, err := token.DecodeInstruction(accounts, ix.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode token instruction: %w", err)
		}
		transfer, ok := decoded.Impl.(*token.TransferChecked)
		if !ok {
			return nil, fmt.Errorf("unexpected token instruction %T", decoded.Impl)
		}
		if found != nil {
			return nil, fmt.Errorf("transaction carries more than one token transfer")
		}
		if transfer.Amount == nil {
			return nil, fmt.Errorf("token transfer has no amount")
		}
		found = &SolanaTransfer{
			Program:     program,
			Mint:        transfer.GetMintAccount().PublicKey,
			Destination: transfer.GetDestinationAccount().PublicKey,
			Owner:       transfer.GetOwnerAccount().PublicKey,
			Amount:      *transfer.Amount,
		}
	}
	if found == nil {
		return nil, fmt.Errorf("transaction carries no token transfer")
	}
	return found, nil
}

// AssociatedTokenAddress derives the associated token account of owner for
// mint under the given token program
func AssociatedTokenAddress(owner, mint, program solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], program[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

// matchSolanaTransfer checks the signed transaction itself: mint must be the
// asset, the destination must be payTo's associated token account and the
// amount must cover what is required.
func matchSolanaTransfer(p PaymentPayload, r PaymentRequirements, required *big.Int) error {
	tx, err := DecodeSolanaTransaction(p)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidPayment, err.Error(), nil)
	}
	transfer, err := FindSolanaTransfer(tx)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidPayment, err.Error(), nil)
	}

	mint, err := solana.PublicKeyFromBase58(r.Asset)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidPayment, fmt.Sprintf("asset %q is not a mint address", r.Asset), nil)
	}
	if !transfer.Mint.Equals(mint) {
		return NewPaymentError(ErrCodeInvalidPayment,
			fmt.Sprintf("transfer mint %s is not asset %s", transfer.Mint, mint), nil)
	}

	payTo, err := solana.PublicKeyFromBase58(r.PayTo)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidPayment, fmt.Sprintf("payTo %q is not an address", r.PayTo), nil)
	}
	destination, err := AssociatedTokenAddress(payTo, mint, transfer.Program)
	if err != nil {
		return NewPaymentError(ErrCodeInvalidPayment, err.Error(), nil)
	}
	if !transfer.Destination.Equals(destination) {
		return NewPaymentError(ErrCodeRecipientMismatch,
			fmt.Sprintf("transfer destination %s is not the token account of %s", transfer.Destination, payTo), nil)
	}

	signed := new(big.Int).SetUint64(transfer.Amount)
	if signed.Cmp(required) < 0 {
		return NewPaymentError(ErrCodeAmountMismatch,
			fmt.Sprintf("transfer of %s is less than required %s", signed, required),
			map[string]interface{}{"authorized": signed.String(), "required": required.String()})
	}
	return nil
}
