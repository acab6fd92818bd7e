package solana

import (
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// RawInstruction is an instruction with its account indices resolved against
// the transaction's full account key list.
type RawInstruction struct {
	ProgramID solana.PublicKey
	Accounts  []solana.PublicKey
	Data      []byte
	Depth     int
}

// Account returns the i-th account of the instruction, or false if absent.
func (ix RawInstruction) Account(i int) (solana.PublicKey, bool) {
	if i < 0 || i >= len(ix.Accounts) {
		return solana.PublicKey{}, false
	}
	return ix.Accounts[i], true
}

// TokenAccount describes an SPL token account touched by a transaction,
// as reported by the node's pre/post token balances.
type TokenAccount struct {
	Mint     solana.PublicKey
	Owner    solana.PublicKey
	Decimals uint8
}

// TxContext is the per-transaction state a decoder may consult.
type TxContext struct {
	Signer        solana.PublicKey
	TokenAccounts map[solana.PublicKey]TokenAccount
}

// owner returns the owner of a token account, or the account itself if unknown.
func (c *TxContext) owner(account solana.PublicKey) solana.PublicKey {
	if c != nil {
		if ta, ok := c.TokenAccounts[account]; ok && !ta.Owner.IsZero() {
			return ta.Owner
		}
	}
	return account
}

// DecodeFunc decodes one instruction. Children are the already decoded
// instructions invoked by ix (its inner instructions, in execution order).
// A DecodeFunc returns the kind-specific payload; the registry fills in the
// program id and depth.
type DecodeFunc func(ix RawInstruction, tx *TxContext, children []Instruction) Instruction

// Registry maps program ids to decode routines.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[solana.PublicKey]DecodeFunc
}

// NewRegistry creates an empty registry. Every instruction decodes to opaque
// until decoders are registered.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[solana.PublicKey]DecodeFunc)}
}

// DefaultRegistry creates a registry with the built-in transfer and swap
// decoders registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	registerBuiltins(r)
	return r
}

// Register installs a decoder for a program id, replacing any existing one.
func (r *Registry) Register(programID solana.PublicKey, fn DecodeFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[programID] = fn
}

// Programs returns the registered program ids in lexical order.
func (r *Registry) Programs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for id := range r.decoders {
		out = append(out, id.String())
	}
	sort.Strings(out)
	return out
}

// Decode decodes a single instruction. It never fails: unknown programs,
// decoder panics and malformed payloads all yield an opaque instruction.
func (r *Registry) Decode(ix RawInstruction, tx *TxContext, children []Instruction) (out Instruction) {
	opaque := Instruction{ProgramID: ix.ProgramID.String(), Depth: ix.Depth, Kind: KindOpaque}

	r.mu.RLock()
	fn, ok := r.decoders[ix.ProgramID]
	r.mu.RUnlock()
	if !ok {
		return opaque
	}

	defer func() {
		if recover() != nil {
			out = opaque
		}
	}()

	decoded := fn(ix, tx, children)
	switch {
	case decoded.Kind == KindSwap && decoded.Swap != nil:
		decoded.Transfer = nil
	case decoded.Kind == KindTransfer && decoded.Transfer != nil:
		decoded.Swap = nil
	default:
		return opaque
	}
	decoded.ProgramID = opaque.ProgramID
	decoded.Depth = opaque.Depth
	return decoded
}
