package solana

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Well-known DEX program IDs with a swap decoder.
var (
	RaydiumAMMProgramID    = solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8")
	RaydiumCPMMProgramID   = solana.MustPublicKeyFromBase58("CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C")
	RaydiumCLMMProgramID   = solana.MustPublicKeyFromBase58("CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK")
	OrcaWhirlpoolProgramID = solana.MustPublicKeyFromBase58("whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc")
	OrcaV2ProgramID        = solana.MustPublicKeyFromBase58("9W959DqEETiGZocYWCQPaJ6sBmUzgfxXfqGeTEdp3aQP")
	MeteoraDLMMProgramID   = solana.MustPublicKeyFromBase58("LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo")
	MeteoraPoolsProgramID  = solana.MustPublicKeyFromBase58("Eo7WjKq67rjJQSZxS6z3YkapzY3eMj6Xy8X5EQVn5UaB")
	PumpAMMProgramID       = solana.MustPublicKeyFromBase58("pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA")
	PumpFunProgramID       = solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P")
	PhoenixProgramID       = solana.MustPublicKeyFromBase58("PhoeNiXZ8ByJGLkxNfZRnkUfjvmuYqLR89jjFHGqdXY")
	SaberProgramID         = solana.MustPublicKeyFromBase58("SSwpkEEcbUqx4vtoEByFjSkhKdCT862DNVb52nZg1UZ")

	// JupiterProgramID routes through the DEX programs above; its own
	// instruction stays opaque so routed swaps are not counted twice.
	JupiterProgramID = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

// Token Program instruction types
const (
	TokenProgramTransferInstruction        = uint8(3)
	TokenProgramTransferCheckedInstruction = uint8(12)
)

// Raydium AMM v4 instruction types
const (
	raydiumSwapBaseIn  = uint8(9)
	raydiumSwapBaseOut = uint8(11)
)

// dexProgram describes a swap venue. PoolIndex is the position of the pool
// account in the swap instruction's account list.
type dexProgram struct {
	ID        solana.PublicKey
	PoolIndex int
	Accept    func(data []byte) bool
}

var dexPrograms = []dexProgram{
	{ID: RaydiumAMMProgramID, PoolIndex: 1, Accept: func(data []byte) bool {
		return len(data) > 0 && (data[0] == raydiumSwapBaseIn || data[0] == raydiumSwapBaseOut)
	}},
	{ID: RaydiumCPMMProgramID, PoolIndex: 3},
	{ID: RaydiumCLMMProgramID, PoolIndex: 2},
	{ID: OrcaWhirlpoolProgramID, PoolIndex: 2},
	{ID: OrcaV2ProgramID, PoolIndex: 0},
	{ID: MeteoraDLMMProgramID, PoolIndex: 0},
	{ID: MeteoraPoolsProgramID, PoolIndex: 0},
	{ID: PumpAMMProgramID, PoolIndex: 0},
	{ID: PumpFunProgramID, PoolIndex: 3},
	{ID: PhoenixProgramID, PoolIndex: 2},
	{ID: SaberProgramID, PoolIndex: 0},
}

func registerBuiltins(r *Registry) {
	r.Register(solana.SystemProgramID, decodeSystemTransfer)
	r.Register(solana.TokenProgramID, decodeTokenTransfer)
	r.Register(solana.Token2022ProgramID, decodeTokenTransfer)
	for _, dex := range dexPrograms {
		r.Register(dex.ID, SwapDecoder(dex.PoolIndex, dex.Accept))
	}
}

var opaqueInstruction = Instruction{Kind: KindOpaque}

// decodeSystemTransfer decodes a System Program Transfer instruction.
func decodeSystemTransfer(ix RawInstruction, _ *TxContext, _ []Instruction) Instruction {
	// System Transfer instruction format:
	// [0..4]  = instruction type (u32, should be 2 for Transfer)
	// [4..12] = lamports (u64)
	if len(ix.Data) < 12 || len(ix.Accounts) < 2 {
		return opaqueInstruction
	}
	if binary.LittleEndian.Uint32(ix.Data[0:4]) != SystemProgramTransferInstruction {
		return opaqueInstruction
	}

	from, to := ix.Accounts[0], ix.Accounts[1]
	return Instruction{
		Kind: KindTransfer,
		Transfer: &Transfer{
			Mint:      NativeMint,
			Amount:    binary.LittleEndian.Uint64(ix.Data[4:12]),
			Decimals:  NativeDecimals,
			From:      from.String(),
			To:        to.String(),
			Authority: from.String(),
		},
	}
}

// decodeTokenTransfer decodes SPL Token (and Token-2022) Transfer and
// TransferChecked instructions. The mint of a plain Transfer is resolved from
// the transaction's token balances; if it cannot be resolved the instruction
// stays opaque.
func decodeTokenTransfer(ix RawInstruction, tx *TxContext, _ []Instruction) Instruction {
	if len(ix.Data) == 0 {
		return opaqueInstruction
	}

	var (
		source, destination, authority solana.PublicKey
		mint                           solana.PublicKey
		decimals                       uint8
		amount                         uint64
	)

	switch ix.Data[0] {
	case TokenProgramTransferInstruction:
		// [0]    = instruction type (u8, 3 = Transfer)
		// [1..9] = amount (u64)
		// accounts: [source, destination, authority]
		if len(ix.Data) < 9 || len(ix.Accounts) < 3 {
			return opaqueInstruction
		}
		amount = binary.LittleEndian.Uint64(ix.Data[1:9])
		source, destination, authority = ix.Accounts[0], ix.Accounts[1], ix.Accounts[2]

		ta, ok := lookupTokenAccount(tx, source, destination)
		if !ok {
			return opaqueInstruction
		}
		mint, decimals = ta.Mint, ta.Decimals

	case TokenProgramTransferCheckedInstruction:
		// [0]    = instruction type (u8, 12 = TransferChecked)
		// [1..9] = amount (u64)
		// [9]    = decimals (u8)
		// accounts: [source, mint, destination, authority]
		if len(ix.Data) < 10 || len(ix.Accounts) < 4 {
			return opaqueInstruction
		}
		amount = binary.LittleEndian.Uint64(ix.Data[1:9])
		decimals = ix.Data[9]
		source, mint, destination, authority = ix.Accounts[0], ix.Accounts[1], ix.Accounts[2], ix.Accounts[3]

	default:
		return opaqueInstruction
	}

	from := authority
	if tx != nil {
		if ta, ok := tx.TokenAccounts[source]; ok && !ta.Owner.IsZero() {
			from = ta.Owner
		}
	}

	return Instruction{
		Kind: KindTransfer,
		Transfer: &Transfer{
			Mint:      mint.String(),
			Amount:    amount,
			Decimals:  decimals,
			From:      from.String(),
			To:        tx.owner(destination).String(),
			Authority: authority.String(),
		},
	}
}

func lookupTokenAccount(tx *TxContext, accounts ...solana.PublicKey) (TokenAccount, bool) {
	if tx == nil {
		return TokenAccount{}, false
	}
	for _, acct := range accounts {
		if ta, ok := tx.TokenAccounts[acct]; ok {
			return ta, true
		}
	}
	return TokenAccount{}, false
}

// SwapDecoder returns a decoder that reconstructs a swap from the token
// transfers a DEX instruction performs. The input leg is a transfer sent by
// the swapping party and the output leg is the nearest transfer of a
// different mint received by the same party. The transaction signer is tried
// first as the swapping party, then every sender in order, so swaps routed
// through a program-owned account are still recognized.
// If accept is non-nil it filters instructions by their data (e.g. to skip
// liquidity operations that share the program id).
func SwapDecoder(poolIndex int, accept func(data []byte) bool) DecodeFunc {
	return func(ix RawInstruction, tx *TxContext, children []Instruction) Instruction {
		if accept != nil && !accept(ix.Data) {
			return opaqueInstruction
		}

		transfers := make([]*Transfer, 0, len(children))
		for _, child := range children {
			if child.Kind == KindTransfer && child.Transfer != nil && child.Transfer.Amount > 0 {
				transfers = append(transfers, child.Transfer)
			}
		}

		signer := ""
		if tx != nil {
			signer = tx.Signer.String()
		}
		in, out, ok := pairTransfers(transfers, signer)
		if !ok {
			return opaqueInstruction
		}

		pool := ""
		if acct, ok := ix.Account(poolIndex); ok {
			pool = acct.String()
		}

		return Instruction{
			Kind: KindSwap,
			Swap: &Swap{
				Program:        ix.ProgramID.String(),
				Pool:           pool,
				InputMint:      in.Mint,
				InputAmount:    in.Amount,
				InputDecimals:  in.Decimals,
				OutputMint:     out.Mint,
				OutputAmount:   out.Amount,
				OutputDecimals: out.Decimals,
			},
		}
	}
}

func pairTransfers(transfers []*Transfer, signer string) (in, out *Transfer, ok bool) {
	parties := make([]string, 0, len(transfers)+1)
	if signer != "" {
		parties = append(parties, signer)
	}
	for _, t := range transfers {
		parties = append(parties, t.From)
	}

	for _, party := range parties {
		for i, sent := range transfers {
			if sent.From != party {
				continue
			}
			best := -1
			for j, recv := range transfers {
				if j == i || recv.To != party || recv.Mint == sent.Mint {
					continue
				}
				if best == -1 || absInt(j-i) < absInt(best-i) {
					best = j
				}
			}
			if best >= 0 {
				return sent, transfers[best], true
			}
		}
	}
	return nil, nil, false
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
