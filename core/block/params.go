package block

import (
	"crypto/ed25519"
	"crypto/sha256"
)

const AddressLen = 20
const PubkeyLen = ed25519.PublicKeySize
const PrivkeyLen = ed25519.PrivateKeySize
const SigLen = ed25519.SignatureSize
const HashLen = sha256.Size

type AddressType [AddressLen]byte
type PubkeyType [PubkeyLen]byte
type PrivkeyType [PrivkeyLen]byte
type SigType [SigLen]byte
type HashType [HashLen]byte

// CoinUnit is one MVM in base units.
const CoinUnit = 100_000_000

// Gas schedule. Costs are base units with gas_price fixed at 1.
const (
	GasBaseTx         = 21_000
	GasCreateToken    = 79_000
	GasTransferToken  = 29_000
	GasDeployContract = 179_000
	GasCallContract   = 29_000

	GasOpSet      = 5_000
	GasOpArith    = 5_000
	GasOpMapSet   = 10_000
	GasOpMapArith = 10_000
	GasOpRequire  = 1_000
	GasOpTransfer = 20_000
	GasOpReturn   = 100
	GasOpIf       = 500

	// GasExecLimit is the per-call opcode budget: a maximal body of 20
	// ops at the costliest op price. Admission requires the balance to
	// cover this worst case; execution debits actual usage.
	GasExecLimit = 20 * GasOpTransfer

	// GasDeployOpsLimit bounds the stored-code charge of a deploy: at
	// most 10 functions, each priced within GasExecLimit.
	GasDeployOpsLimit = 10 * GasExecLimit
)

// WorstCaseGas bounds what a transaction can consume, for admission
// and block budgeting.
func (tx *Transaction) WorstCaseGas() uint64 {
	g := tx.BaseGas()
	switch tx.Kind {
	case TxDeployContract:
		g += GasDeployOpsLimit
	case TxCallContract:
		g += GasExecLimit
	}
	return g
}
