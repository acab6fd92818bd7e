package solana

import (
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// NativeMint is the mint under which native SOL balance changes are reported.
// Lamport deltas and wrapped SOL token deltas are merged under this key.
var NativeMint = solana.SolMint.String()

// NativeDecimals is the number of decimals of SOL (lamports per SOL = 1e9).
const NativeDecimals uint8 = 9

// Stablecoin mints.
const (
	USDCMint  = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDTMint  = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"
	PYUSDMint = "2b1kV6DkPAnxd5ixfnxCpjxmKwqjjaYmCZfHsFu24GXo"
)

// Block is a decoded Solana block.
// This is our domain model, independent of the RPC response format.
// Transactions are in execution order within the slot.
type Block struct {
	Slot         uint64        `json:"slot"`
	ParentSlot   uint64        `json:"parent_slot"`
	Blockhash    string        `json:"blockhash"`
	Timestamp    int64         `json:"timestamp"` // unix seconds, 0 if the node did not report a block time
	Transactions []Transaction `json:"-"`
	Counts       Counts        `json:"counts"`
	ComputeUnits uint64        `json:"total_compute_units"`
}

// Counts summarizes the transactions in a block.
type Counts struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	NonVote    int `json:"non_vote"`
}

// Transaction is a decoded transaction with signer balance deltas.
type Transaction struct {
	Signature    string        `json:"signature"`
	Index        int           `json:"index"`
	Signer       string        `json:"signer"`
	Success      bool          `json:"success"`
	Vote         bool          `json:"vote"`
	ComputeUnits uint64        `json:"compute_units"`
	Fee          uint64        `json:"fee"`
	JitoTip      uint64        `json:"jito_tip,omitempty"` // lamports paid to Jito tip accounts
	Instructions []Instruction `json:"instructions"`

	// Deltas maps mint to the signer's net balance change for that mint.
	// Computed once while decoding; downstream stages only read it.
	Deltas map[string]BalanceDelta `json:"deltas"`
}

// Swaps returns the swap instructions of the transaction in execution order.
func (t *Transaction) Swaps() []Swap {
	var swaps []Swap
	for _, ix := range t.Instructions {
		if ix.Kind == KindSwap && ix.Swap != nil {
			swaps = append(swaps, *ix.Swap)
		}
	}
	return swaps
}

// HasSwapOrTransfer reports whether any instruction decoded to a swap or a transfer.
func (t *Transaction) HasSwapOrTransfer() bool {
	for _, ix := range t.Instructions {
		if ix.Kind == KindSwap || ix.Kind == KindTransfer {
			return true
		}
	}
	return false
}

// TradedMints returns the amount moved per mint across the transaction's
// swap and transfer instructions, in whole token units.
func (t *Transaction) TradedMints() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	add := func(mint string, amount uint64, decimals uint8) {
		if mint == "" {
			return
		}
		out[mint] = out[mint].Add(UIAmount(amount, decimals))
	}
	for _, ix := range t.Instructions {
		switch {
		case ix.Kind == KindSwap && ix.Swap != nil:
			add(ix.Swap.InputMint, ix.Swap.InputAmount, ix.Swap.InputDecimals)
			add(ix.Swap.OutputMint, ix.Swap.OutputAmount, ix.Swap.OutputDecimals)
		case ix.Kind == KindTransfer && ix.Transfer != nil:
			// Transfers already accounted for by a parent swap are skipped.
			if ix.Transfer.InSwap {
				continue
			}
			add(ix.Transfer.Mint, ix.Transfer.Amount, ix.Transfer.Decimals)
		}
	}
	return out
}

// InstructionKind is the closed set of decoded instruction variants.
type InstructionKind string

const (
	KindOpaque   InstructionKind = "opaque"
	KindSwap     InstructionKind = "swap"
	KindTransfer InstructionKind = "transfer"
)

// Instruction is a decoded instruction. Exactly one of Swap or Transfer is set
// for the matching kind; opaque instructions carry neither.
type Instruction struct {
	ProgramID string          `json:"program_id"`
	Depth     int             `json:"depth"` // 1 for top level instructions
	Kind      InstructionKind `json:"kind"`
	Swap      *Swap           `json:"swap,omitempty"`
	Transfer  *Transfer       `json:"transfer,omitempty"`
}

// Swap is an exchange of one token for another through a DEX pool.
type Swap struct {
	Program        string `json:"program"`
	Pool           string `json:"pool"`
	InputMint      string `json:"input_mint"`
	InputAmount    uint64 `json:"input_amount"`
	InputDecimals  uint8  `json:"input_decimals"`
	OutputMint     string `json:"output_mint"`
	OutputAmount   uint64 `json:"output_amount"`
	OutputDecimals uint8  `json:"output_decimals"`
}

// Transfer is a movement of a single token between two parties.
// From and To are owner wallets when the token account owner is known,
// otherwise the raw accounts.
type Transfer struct {
	Mint      string `json:"mint"`
	Amount    uint64 `json:"amount"`
	Decimals  uint8  `json:"decimals"`
	From      string `json:"from"`
	To        string `json:"to"`
	Authority string `json:"authority,omitempty"`

	// InSwap marks a transfer that is one leg of a decoded parent swap.
	InSwap bool `json:"in_swap,omitempty"`
}

// BalanceDelta is a signed raw balance change for one mint.
type BalanceDelta struct {
	Mint     string          `json:"mint"`
	Raw      decimal.Decimal `json:"raw"`
	Decimals uint8           `json:"decimals"`
}

// UI returns the delta in whole token units.
func (d BalanceDelta) UI() decimal.Decimal {
	return d.Raw.Shift(-int32(d.Decimals))
}

// UIAmount converts a raw token amount into whole token units.
func UIAmount(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -int32(decimals))
}
