// Package solana assembles and signs swap transactions and keeps the chain
// state they depend on (recent blockhash, address lookup tables) warm.
package solana

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	solanago "github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// MaxTransactionSize is the packet limit for a serialized transaction.
const MaxTransactionSize = 1232

// KeySource is the signing side of crypto.Signer.
type KeySource interface {
	PublicKey() solanago.PublicKey
	KeyFor(pub solanago.PublicKey) *solanago.PrivateKey
}

// Assembler compiles an opportunity's leg instructions into one signed
// versioned transaction.
type Assembler struct {
	keys KeySource
}

// NewAssembler returns an Assembler signing with keys.
func NewAssembler(keys KeySource) *Assembler {
	return &Assembler{keys: keys}
}

// Assemble builds, signs and serializes the transaction for params.
func (a *Assembler) Assemble(_ context.Context, opp domain.ExecutionOpportunity, params domain.VariantParams) ([]byte, string, error) {
	tx, err := a.build(opp, params)
	if err != nil {
		return nil, "", err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, "", fmt.Errorf("solana: serialize transaction: %w", err)
	}
	if len(raw) > MaxTransactionSize {
		return nil, "", fmt.Errorf("solana: transaction is %d bytes, limit %d", len(raw), MaxTransactionSize)
	}
	return raw, tx.Signatures[0].String(), nil
}

func (a *Assembler) build(opp domain.ExecutionOpportunity, params domain.VariantParams) (*solanago.Transaction, error) {
	payer := a.keys.PublicKey()
	blockhash, err := solanago.HashFromBase58(params.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("solana: blockhash %q: %w", params.Blockhash, err)
	}

	ixs := []solanago.Instruction{
		computebudget.NewSetComputeUnitLimitInstruction(params.ComputeUnitLimit).Build(),
		computebudget.NewSetComputeUnitPriceInstruction(params.ComputeUnitPrice).Build(),
	}
	seenSetup := make(map[string]struct{})
	for li, leg := range opp.Candidate.Legs {
		for _, ix := range leg.SetupInstructions {
			key := instructionKey(ix)
			if _, dup := seenSetup[key]; dup {
				continue
			}
			seenSetup[key] = struct{}{}
			conv, err := convertInstruction(ix)
			if err != nil {
				return nil, fmt.Errorf("solana: leg %d setup: %w", li, err)
			}
			ixs = append(ixs, conv)
		}
		for _, group := range [][]domain.Instruction{leg.Instructions, leg.CleanupInstructions} {
			for _, ix := range group {
				conv, err := convertInstruction(ix)
				if err != nil {
					return nil, fmt.Errorf("solana: leg %d: %w", li, err)
				}
				ixs = append(ixs, conv)
			}
		}
	}

	if params.TipLamports > 0 && params.TipAccount != "" {
		tipTo, err := solanago.PublicKeyFromBase58(params.TipAccount)
		if err != nil {
			return nil, fmt.Errorf("solana: tip account %q: %w", params.TipAccount, err)
		}
		ixs = append(ixs, system.NewTransferInstruction(params.TipLamports, payer, tipTo).Build())
	}

	tables, err := addressTables(opp.Candidate.ResolvedTables)
	if err != nil {
		return nil, err
	}
	opts := []solanago.TransactionOption{solanago.TransactionPayer(payer)}
	if len(tables) > 0 {
		opts = append(opts, solanago.TransactionAddressTables(tables))
	}

	tx, err := solanago.NewTransaction(ixs, blockhash, opts...)
	if err != nil {
		return nil, fmt.Errorf("solana: compile transaction: %w", err)
	}
	if _, err := tx.Sign(a.keys.KeyFor); err != nil {
		return nil, fmt.Errorf("solana: %w: %v", domain.ErrSigningFailed, err)
	}
	return tx, nil
}

func convertInstruction(ix domain.Instruction) (solanago.Instruction, error) {
	program, err := solanago.PublicKeyFromBase58(ix.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program id %q: %w", ix.ProgramID, err)
	}
	metas := make(solanago.AccountMetaSlice, 0, len(ix.Accounts))
	for _, acc := range ix.Accounts {
		pk, err := solanago.PublicKeyFromBase58(acc.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("account %q: %w", acc.Pubkey, err)
		}
		metas = append(metas, solanago.NewAccountMeta(pk, acc.IsWritable, acc.IsSigner))
	}
	return solanago.NewInstruction(program, metas, ix.Data), nil
}

func addressTables(resolved map[string][]string) (map[solanago.PublicKey]solanago.PublicKeySlice, error) {
	if len(resolved) == 0 {
		return nil, nil
	}
	out := make(map[solanago.PublicKey]solanago.PublicKeySlice, len(resolved))
	for table, addrs := range resolved {
		tk, err := solanago.PublicKeyFromBase58(table)
		if err != nil {
			return nil, fmt.Errorf("solana: lookup table %q: %w", table, err)
		}
		keys := make(solanago.PublicKeySlice, 0, len(addrs))
		for _, a := range addrs {
			pk, err := solanago.PublicKeyFromBase58(a)
			if err != nil {
				return nil, fmt.Errorf("solana: lookup table %s entry %q: %w", table, a, err)
			}
			keys = append(keys, pk)
		}
		out[tk] = keys
	}
	return out, nil
}

func instructionKey(ix domain.Instruction) string {
	var b strings.Builder
	b.WriteString(ix.ProgramID)
	b.WriteByte('|')
	b.WriteString(hex.EncodeToString(ix.Data))
	for _, a := range ix.Accounts {
		b.WriteByte('|')
		b.WriteString(a.Pubkey)
	}
	return b.String()
}
