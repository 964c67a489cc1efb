// Package credits encapsulates every interaction with the on-chain
// credits program: balance reads, topup intent building, spender-signed
// consume_credit submission, and topup confirmation.
//
// The program stores one UserCredit PDA per wallet. Credits are bought
// by transferring the stablecoin into a config-owned vault (pay_usdc)
// and debited by the service-held spender key (consume_credit). The
// chain is the only ledger; nothing here persists balances.
package credits

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/Lexiie/KangKlip/internal/apperr"
)

// CreditUnit is the stablecoin base-unit price of one credit. With six
// mint decimals one credit costs 0.1 USDC.
const CreditUnit uint64 = 100_000

// UserCredit account layout: 8-byte discriminator, 32-byte owner
// pubkey, little-endian u64 credits, bump.
const userCreditMinLen = 8 + 32 + 8

func accountDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("account:" + name))
	return sum[:8]
}

func instructionDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

var (
	userCreditDiscriminator    = accountDiscriminator("UserCredit")
	payUsdcDiscriminator       = instructionDiscriminator("pay_usdc")
	consumeCreditDiscriminator = instructionDiscriminator("consume_credit")
)

// ConfigPDA derives the program config account from the authority key.
func ConfigPDA(programID, authority solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("config"), authority.Bytes()},
		programID,
	)
	return addr, err
}

// UserCreditPDA derives the per-wallet credit account.
func UserCreditPDA(programID, wallet solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{[]byte("credit"), wallet.Bytes()},
		programID,
	)
	return addr, err
}

// DecodeUserCredit reads the credit balance from raw UserCredit account
// bytes. An account whose stored owner differs from the queried wallet
// reports zero.
func DecodeUserCredit(data []byte, wallet solana.PublicKey) (uint64, error) {
	if len(data) < userCreditMinLen {
		return 0, fmt.Errorf("user credit account too short: %d bytes", len(data))
	}
	if !bytes.Equal(data[:8], userCreditDiscriminator) {
		return 0, fmt.Errorf("user credit account discriminator mismatch")
	}
	owner := solana.PublicKeyFromBytes(data[8:40])
	if !owner.Equals(wallet) {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(data[40:48]), nil
}

func u64LE(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

// PayUsdcInstructionData encodes the pay_usdc argument block:
// discriminator followed by the little-endian amount.
func PayUsdcInstructionData(amountBaseUnits uint64) []byte {
	return append(append([]byte{}, payUsdcDiscriminator...), u64LE(amountBaseUnits)...)
}

// ConsumeCreditInstructionData encodes the consume_credit argument
// block.
func ConsumeCreditInstructionData(amount uint64) []byte {
	return append(append([]byte{}, consumeCreditDiscriminator...), u64LE(amount)...)
}

// NewConsumeCreditInstruction builds the spender-signed debit. Account
// order follows the program: spender (writable signer), config,
// user wallet, user credit PDA (writable).
func NewConsumeCreditInstruction(programID, spender, config, wallet, userCredit solana.PublicKey, amount uint64) solana.Instruction {
	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(spender, true, true),
		solana.NewAccountMeta(config, false, false),
		solana.NewAccountMeta(wallet, false, false),
		solana.NewAccountMeta(userCredit, true, false),
	}
	return solana.NewInstruction(programID, accounts, ConsumeCreditInstructionData(amount))
}

// MemoText keeps notes of 64 bytes or fewer verbatim and replaces
// longer ones with the hex SHA-256 of the original.
func MemoText(note string) string {
	if len(note) <= 64 {
		return note
	}
	sum := sha256.Sum256([]byte(note))
	return hex.EncodeToString(sum[:])
}

// NewMemoInstruction tags a transaction with a client-visible note.
func NewMemoInstruction(note string) solana.Instruction {
	return solana.NewInstruction(solana.MemoProgramID, solana.AccountMetaSlice{}, []byte(MemoText(note)))
}

// TopupIntent enumerates everything a wallet needs to assemble and sign
// a pay_usdc transaction client-side.
type TopupIntent struct {
	ProgramID          string `json:"program_id"`
	ConfigPDA          string `json:"config_pda"`
	UserCreditPDA      string `json:"user_credit_pda"`
	VaultATA           string `json:"vault_ata"`
	UserATA            string `json:"user_ata"`
	USDCMint           string `json:"usdc_mint"`
	InstructionDataB64 string `json:"instruction_data_base64"`
	AmountBaseUnits    uint64 `json:"amount_base_units"`
	CreditUnit         uint64 `json:"credit_unit"`
	CreditsToBuy       uint64 `json:"credits_to_buy"`
}

// BuildTopupIntent derives the account set for a pay_usdc purchase of
// creditsToBuy credits. The vault ATA is owned by the config PDA.
func BuildTopupIntent(programID, authority, mint, wallet solana.PublicKey, creditsToBuy uint64) (*TopupIntent, error) {
	if creditsToBuy == 0 {
		return nil, apperr.New(apperr.Validation, "credits_to_buy must be positive")
	}
	amount := creditsToBuy * CreditUnit

	configPDA, err := ConfigPDA(programID, authority)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "derive config account", err)
	}
	userCreditPDA, err := UserCreditPDA(programID, wallet)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "derive credit account", err)
	}
	vaultATA, _, err := solana.FindAssociatedTokenAddress(configPDA, mint)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "derive vault token account", err)
	}
	userATA, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "derive user token account", err)
	}

	return &TopupIntent{
		ProgramID:          programID.String(),
		ConfigPDA:          configPDA.String(),
		UserCreditPDA:      userCreditPDA.String(),
		VaultATA:           vaultATA.String(),
		UserATA:            userATA.String(),
		USDCMint:           mint.String(),
		InstructionDataB64: base64.StdEncoding.EncodeToString(PayUsdcInstructionData(amount)),
		AmountBaseUnits:    amount,
		CreditUnit:         CreditUnit,
		CreditsToBuy:       creditsToBuy,
	}, nil
}
