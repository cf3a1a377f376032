package jupiter

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/alanyoungcy/solarb/internal/domain"
)

// QuoteResponse is the subset of the /quote payload the engine reads. The
// raw body is kept alongside it and echoed back on /swap-instructions.
type QuoteResponse struct {
	InputMint            string  `json:"inputMint"`
	InAmount             string  `json:"inAmount"`
	OutputMint           string  `json:"outputMint"`
	OutAmount            string  `json:"outAmount"`
	OtherAmountThreshold string  `json:"otherAmountThreshold"`
	SwapMode             string  `json:"swapMode"`
	SlippageBps          uint16  `json:"slippageBps"`
	PriceImpactPct       string  `json:"priceImpactPct"`
	ContextSlot          uint64  `json:"contextSlot"`
	TimeTaken            float64 `json:"timeTaken"`
	RequestID            string  `json:"requestId,omitempty"`
}

// APIInstruction is an instruction as the aggregator encodes it.
type APIInstruction struct {
	ProgramID string       `json:"programId"`
	Accounts  []APIAccount `json:"accounts"`
	Data      string       `json:"data"`
}

// APIAccount is one account meta.
type APIAccount struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

// SwapInstructionsRequest is the /swap-instructions body.
type SwapInstructionsRequest struct {
	QuoteResponse                 jsonRaw `json:"quoteResponse"`
	UserPublicKey                 string  `json:"userPublicKey"`
	WrapAndUnwrapSol              bool    `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool    `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports uint64  `json:"computeUnitPriceMicroLamports,omitempty"`
}

// SwapInstructionsResponse is the /swap-instructions payload.
type SwapInstructionsResponse struct {
	ComputeBudgetInstructions   []APIInstruction `json:"computeBudgetInstructions"`
	SetupInstructions           []APIInstruction `json:"setupInstructions"`
	SwapInstruction             *APIInstruction  `json:"swapInstruction"`
	CleanupInstruction          *APIInstruction  `json:"cleanupInstruction"`
	OtherInstructions           []APIInstruction `json:"otherInstructions"`
	AddressLookupTableAddresses []string         `json:"addressLookupTableAddresses"`
	PrioritizationFeeLamports   uint64           `json:"prioritizationFeeLamports"`
	ComputeUnitLimit            uint32           `json:"computeUnitLimit"`
	Error                       string           `json:"error,omitempty"`
}

// ToDomain converts an API instruction.
func (ix APIInstruction) ToDomain() (domain.Instruction, error) {
	data, err := base64.StdEncoding.DecodeString(ix.Data)
	if err != nil {
		return domain.Instruction{}, fmt.Errorf("decode instruction data: %w", err)
	}
	accounts := make([]domain.AccountMeta, len(ix.Accounts))
	for i, a := range ix.Accounts {
		accounts[i] = domain.AccountMeta{Pubkey: a.Pubkey, IsSigner: a.IsSigner, IsWritable: a.IsWritable}
	}
	return domain.Instruction{ProgramID: ix.ProgramID, Accounts: accounts, Data: data}, nil
}

func convertAll(in []APIInstruction) ([]domain.Instruction, error) {
	out := make([]domain.Instruction, 0, len(in))
	for _, ix := range in {
		d, err := ix.ToDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func parseAmount(field, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, s, err)
	}
	return v, nil
}
