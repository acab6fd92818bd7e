package solana

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/shopspring/decimal"
)

// jitoTipAccounts receive Jito bundle tips.
var jitoTipAccounts = map[solana.PublicKey]struct{}{
	solana.MustPublicKeyFromBase58("96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5"): {},
	solana.MustPublicKeyFromBase58("HFqU5x63VTqvQss8hp11i4wVV8bD44PvwucfZ2bU7gRe"): {},
	solana.MustPublicKeyFromBase58("Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY"): {},
	solana.MustPublicKeyFromBase58("ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49"): {},
	solana.MustPublicKeyFromBase58("DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh"): {},
	solana.MustPublicKeyFromBase58("ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt"): {},
	solana.MustPublicKeyFromBase58("DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL"): {},
	solana.MustPublicKeyFromBase58("3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT"): {},
}

// DecodeBlock converts a getBlock result into a Block.
// A transaction that cannot be deserialized makes the whole block
// undecodable (ErrMalformed); individual instructions that cannot be decoded
// degrade to opaque instructions instead.
func DecodeBlock(slot uint64, raw *rpc.GetBlockResult, reg *Registry) (*Block, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: empty block result for slot %d", ErrMalformed, slot)
	}
	if reg == nil {
		reg = DefaultRegistry()
	}

	block := &Block{
		Slot:         slot,
		ParentSlot:   raw.ParentSlot,
		Blockhash:    raw.Blockhash.String(),
		Transactions: make([]Transaction, 0, len(raw.Transactions)),
	}
	if raw.BlockTime != nil {
		block.Timestamp = int64(*raw.BlockTime)
	}

	for i, twm := range raw.Transactions {
		if twm.Transaction == nil {
			return nil, fmt.Errorf("%w: slot %d transaction %d has no payload", ErrMalformed, slot, i)
		}
		tx, err := twm.GetTransaction()
		if err != nil {
			return nil, fmt.Errorf("%w: slot %d transaction %d: %v", ErrMalformed, slot, i, err)
		}

		decoded, err := DecodeTransaction(i, tx, twm.Meta, reg)
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", slot, err)
		}

		block.Counts.Total++
		if decoded.Success {
			block.Counts.Successful++
		}
		if !decoded.Vote {
			block.Counts.NonVote++
		}
		block.ComputeUnits += decoded.ComputeUnits
		block.Transactions = append(block.Transactions, decoded)
	}

	return block, nil
}

// DecodeTransaction decodes one transaction at the given index within its block.
func DecodeTransaction(index int, tx *solana.Transaction, meta *rpc.TransactionMeta, reg *Registry) (Transaction, error) {
	if tx == nil || len(tx.Signatures) == 0 || len(tx.Message.AccountKeys) == 0 {
		return Transaction{}, fmt.Errorf("%w: transaction %d has no signatures or account keys", ErrMalformed, index)
	}

	if reg == nil {
		reg = DefaultRegistry()
	}

	keys := accountKeys(tx, meta)
	signer := keys[0]

	out := Transaction{
		Signature: tx.Signatures[0].String(),
		Index:     index,
		Signer:    signer.String(),
		Deltas:    make(map[string]BalanceDelta),
	}

	for _, ci := range tx.Message.Instructions {
		if int(ci.ProgramIDIndex) < len(keys) && keys[ci.ProgramIDIndex].Equals(solana.VoteProgramID) {
			out.Vote = true
			break
		}
	}

	ctx := &TxContext{Signer: signer, TokenAccounts: make(map[solana.PublicKey]TokenAccount)}

	if meta != nil {
		out.Success = meta.Err == nil
		out.Fee = meta.Fee
		if meta.ComputeUnitsConsumed != nil {
			out.ComputeUnits = *meta.ComputeUnitsConsumed
		}
		for _, balances := range [][]rpc.TokenBalance{meta.PreTokenBalances, meta.PostTokenBalances} {
			for _, tb := range balances {
				if int(tb.AccountIndex) >= len(keys) {
					continue
				}
				ta := TokenAccount{Mint: tb.Mint}
				if tb.Owner != nil {
					ta.Owner = *tb.Owner
				}
				if tb.UiTokenAmount != nil {
					ta.Decimals = tb.UiTokenAmount.Decimals
				}
				ctx.TokenAccounts[keys[tb.AccountIndex]] = ta
			}
		}
		out.JitoTip = jitoTip(keys, meta)
	}

	out.Instructions = decodeInstructions(tx, meta, keys, ctx, reg)

	deltas, err := signerDeltas(signer, meta)
	if err != nil {
		return Transaction{}, fmt.Errorf("%w: transaction %s: %v", ErrMalformed, out.Signature, err)
	}
	out.Deltas = deltas

	return out, nil
}

// accountKeys returns the static keys followed by the writable then
// read-only keys loaded from address lookup tables.
func accountKeys(tx *solana.Transaction, meta *rpc.TransactionMeta) []solana.PublicKey {
	keys := make([]solana.PublicKey, 0, len(tx.Message.AccountKeys))
	keys = append(keys, tx.Message.AccountKeys...)
	if meta != nil {
		keys = append(keys, meta.LoadedAddresses.Writable...)
		keys = append(keys, meta.LoadedAddresses.ReadOnly...)
	}
	return keys
}

type rawEntry struct {
	ix        RawInstruction
	malformed bool
}

// decodeInstructions flattens top level and inner instructions into execution
// order and decodes them. Instructions are decoded from last to first within
// each top level group so that every decoder sees its decoded children.
func decodeInstructions(tx *solana.Transaction, meta *rpc.TransactionMeta, keys []solana.PublicKey, ctx *TxContext, reg *Registry) []Instruction {
	inner := make(map[uint16][]rpc.CompiledInstruction)
	if meta != nil {
		for _, set := range meta.InnerInstructions {
			inner[set.Index] = append(inner[set.Index], set.Instructions...)
		}
	}

	var out []Instruction
	for i, outer := range tx.Message.Instructions {
		group := []rawEntry{resolveInstruction(outer.ProgramIDIndex, outer.Accounts, outer.Data, 1, keys)}
		for _, ci := range inner[uint16(i)] {
			depth := int(ci.StackHeight)
			if depth < 2 {
				depth = 2
			}
			group = append(group, resolveInstruction(ci.ProgramIDIndex, ci.Accounts, ci.Data, depth, keys))
		}
		out = append(out, decodeGroup(group, ctx, reg)...)
	}
	return out
}

func resolveInstruction(programIndex uint16, accounts []uint16, data []byte, depth int, keys []solana.PublicKey) rawEntry {
	entry := rawEntry{ix: RawInstruction{Data: data, Depth: depth}}
	if int(programIndex) >= len(keys) {
		entry.malformed = true
		return entry
	}
	entry.ix.ProgramID = keys[programIndex]
	entry.ix.Accounts = make([]solana.PublicKey, 0, len(accounts))
	for _, idx := range accounts {
		if int(idx) >= len(keys) {
			entry.malformed = true
			return entry
		}
		entry.ix.Accounts = append(entry.ix.Accounts, keys[idx])
	}
	return entry
}

func decodeGroup(group []rawEntry, ctx *TxContext, reg *Registry) []Instruction {
	n := len(group)
	out := make([]Instruction, n)
	for p := n - 1; p >= 0; p-- {
		end := p + 1
		for end < n && group[end].ix.Depth > group[p].ix.Depth {
			end++
		}

		if group[p].malformed {
			out[p] = Instruction{ProgramID: group[p].ix.ProgramID.String(), Depth: group[p].ix.Depth, Kind: KindOpaque}
			continue
		}
		out[p] = reg.Decode(group[p].ix, ctx, out[p+1:end])

		if out[p].Kind == KindSwap {
			for q := p + 1; q < end; q++ {
				if out[q].Kind == KindTransfer && out[q].Transfer != nil && !out[q].Transfer.InSwap {
					leg := *out[q].Transfer
					leg.InSwap = true
					out[q].Transfer = &leg
				}
			}
		}
	}
	return out
}

// signerDeltas computes the signer's net balance change per mint from the
// node's pre/post balances. The native SOL change excludes the transaction
// fee and is merged with wrapped SOL under NativeMint.
func signerDeltas(signer solana.PublicKey, meta *rpc.TransactionMeta) (map[string]BalanceDelta, error) {
	deltas := make(map[string]BalanceDelta)
	if meta == nil {
		return deltas, nil
	}

	add := func(mint string, raw decimal.Decimal, decimals uint8) {
		d := deltas[mint]
		d.Mint = mint
		d.Decimals = decimals
		d.Raw = d.Raw.Add(raw)
		deltas[mint] = d
	}

	for sign, balances := range map[int64][]rpc.TokenBalance{-1: meta.PreTokenBalances, 1: meta.PostTokenBalances} {
		for _, tb := range balances {
			if tb.Owner == nil || !tb.Owner.Equals(signer) || tb.UiTokenAmount == nil {
				continue
			}
			amount, err := decimal.NewFromString(tb.UiTokenAmount.Amount)
			if err != nil {
				return nil, fmt.Errorf("token balance for mint %s: %w", tb.Mint, err)
			}
			add(tb.Mint.String(), amount.Mul(decimal.NewFromInt(sign)), tb.UiTokenAmount.Decimals)
		}
	}

	if len(meta.PreBalances) > 0 && len(meta.PostBalances) > 0 {
		pre := lamports(meta.PreBalances[0])
		post := lamports(meta.PostBalances[0])
		add(NativeMint, post.Sub(pre).Add(lamports(meta.Fee)), NativeDecimals)
	}

	for mint, d := range deltas {
		if d.Raw.IsZero() {
			delete(deltas, mint)
		}
	}
	return deltas, nil
}

func lamports(v uint64) decimal.Decimal {
	return UIAmount(v, 0)
}

// jitoTip returns the lamports the transaction paid to Jito tip accounts.
func jitoTip(keys []solana.PublicKey, meta *rpc.TransactionMeta) uint64 {
	var tip uint64
	for i, key := range keys {
		if _, ok := jitoTipAccounts[key]; !ok {
			continue
		}
		if i < len(meta.PreBalances) && i < len(meta.PostBalances) && meta.PostBalances[i] > meta.PreBalances[i] {
			tip += meta.PostBalances[i] - meta.PreBalances[i]
		}
	}
	return tip
}
