package block

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ripemd160"
)

type TxKind byte

const (
	TxTransfer TxKind = iota + 1
	TxCreateToken
	TxTransferToken
	TxDeployContract
	TxCallContract
)

func (k TxKind) String() string {
	switch k {
	case TxTransfer:
		return "transfer"
	case TxCreateToken:
		return "create_token"
	case TxTransferToken:
		return "transfer_token"
	case TxDeployContract:
		return "deploy_contract"
	case TxCallContract:
		return "call_contract"
	}
	return fmt.Sprintf("unknown(%d)", byte(k))
}

func ParseTxKind(s string) (TxKind, error) {
	switch s {
	case "transfer":
		return TxTransfer, nil
	case "create_token":
		return TxCreateToken, nil
	case "transfer_token":
		return TxTransferToken, nil
	case "deploy_contract":
		return TxDeployContract, nil
	case "call_contract":
		return TxCallContract, nil
	}
	return 0, fmt.Errorf("unknown tx kind %q", s)
}

var (
	ErrBadAddress     = errors.New("invalid_signature: bad address")
	ErrBadSignature   = errors.New("invalid_signature: verify failed")
	ErrSignerMismatch = errors.New("invalid_signature: signer mismatch")
)

// Transaction is the canonical signed form. Data carries the
// kind-specific JSON payload; Hash covers every field except the
// signature and public key.
type Transaction struct {
	Kind      TxKind       `json:"kind"`
	From      AddressType  `json:"from"`
	Nonce     uint64       `json:"nonce"`
	To        *AddressType `json:"to,omitempty"` // Transfer only
	Value     Amount       `json:"value"`
	Data      []byte       `json:"data,omitempty"`
	Signature SigType      `json:"signature"`
	PublicKey PubkeyType   `json:"public_key"`
}

// Kind-specific payloads. Addresses inside payloads are in the
// checksummed text form.
type CreateTokenData struct {
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	TotalSupply Amount `json:"total_supply"`
}

type TransferTokenData struct {
	Token  string `json:"contract"`
	To     string `json:"to"`
	Amount Amount `json:"amount"`
}

type CallContractData struct {
	Contract string   `json:"contract"`
	Method   string   `json:"method"`
	Args     []string `json:"args"`
	Amount   *Amount  `json:"amount,omitempty"`
}

func GenKeyPair(r io.Reader) (a PubkeyType, b PrivkeyType) {
	pubk, prik, err := ed25519.GenerateKey(r)
	if err != nil {
		panic(err)
	}
	copy(a[:], pubk)
	copy(b[:], prik)
	return
}

// DeriveAddress is ripemd160(sha256(pub)).
func DeriveAddress(pk PubkeyType) AddressType {
	sh := sha256.Sum256(pk[:])
	rh := ripemd160.New()
	rh.Write(sh[:])
	var a AddressType
	copy(a[:], rh.Sum(nil))
	return a
}

// Digest serializes all semantic fields in a fixed order with
// length-prefixed variable fields and hashes the result.
func (tx *Transaction) Digest() HashType {
	buf := make([]byte, 0, 2+AddressLen*2+8+32+8+len(tx.Data))
	buf = append(buf, byte(tx.Kind))
	buf = append(buf, tx.From[:]...)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], tx.Nonce)
	buf = append(buf, u64[:]...)
	if tx.To != nil {
		buf = append(buf, 1)
		buf = append(buf, tx.To[:]...)
	} else {
		buf = append(buf, 0)
	}
	v := tx.Value.Bytes32()
	buf = append(buf, v[:]...)
	binary.BigEndian.PutUint64(u64[:], uint64(len(tx.Data)))
	buf = append(buf, u64[:]...)
	buf = append(buf, tx.Data...)
	return sha256.Sum256(buf)
}

func (tx *Transaction) Hash() HashType {
	return tx.Digest()
}

func (tx *Transaction) Sign(privKey PrivkeyType) {
	copy(tx.PublicKey[:], privKey[32:])
	tx.From = DeriveAddress(tx.PublicKey)
	d := tx.Digest()
	copy(tx.Signature[:], ed25519.Sign(privKey[:], d[:]))
}

// Verify checks the signer address and the signature over the digest.
func (tx *Transaction) Verify() error {
	if DeriveAddress(tx.PublicKey) != tx.From {
		return ErrSignerMismatch
	}
	d := tx.Digest()
	if !ed25519.Verify(tx.PublicKey[:], d[:], tx.Signature[:]) {
		return ErrBadSignature
	}
	return nil
}

// BaseGas is the kind-dependent flat charge, before opcode gas.
func (tx *Transaction) BaseGas() uint64 {
	g := uint64(GasBaseTx)
	switch tx.Kind {
	case TxCreateToken:
		g += GasCreateToken
	case TxTransferToken:
		g += GasTransferToken
	case TxDeployContract:
		g += GasDeployContract
	case TxCallContract:
		g += GasCallContract
	}
	return g
}

func (tx *Transaction) DecodeCreateToken() (*CreateTokenData, error) {
	var d CreateTokenData
	if err := json.Unmarshal(tx.Data, &d); err != nil {
		return nil, fmt.Errorf("create_token payload: %w", err)
	}
	return &d, nil
}

func (tx *Transaction) DecodeTransferToken() (*TransferTokenData, error) {
	var d TransferTokenData
	if err := json.Unmarshal(tx.Data, &d); err != nil {
		return nil, fmt.Errorf("transfer_token payload: %w", err)
	}
	return &d, nil
}

func (tx *Transaction) DecodeCallContract() (*CallContractData, error) {
	var d CallContractData
	if err := json.Unmarshal(tx.Data, &d); err != nil {
		return nil, fmt.Errorf("call_contract payload: %w", err)
	}
	return &d, nil
}
