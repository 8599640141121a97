package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/core/state"
	"github.com/moshvm/mvm/utils/address"
)

// WireTx is the JSON form of a signed transaction. Data passes
// through byte-exact: the digest covers it as submitted.
type WireTx struct {
	Kind      string          `json:"kind"`
	From      string          `json:"from"`
	Nonce     uint64          `json:"nonce"`
	To        string          `json:"to,omitempty"`
	Value     string          `json:"value,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Signature string          `json:"signature"`
	PublicKey string          `json:"public_key"`
}

func (w *WireTx) toTx() (*block.Transaction, error) {
	kind, err := block.ParseTxKind(w.Kind)
	if err != nil {
		return nil, err
	}
	from, err := address.Parse(w.From)
	if err != nil {
		return nil, err
	}
	tx := &block.Transaction{Kind: kind, From: from, Nonce: w.Nonce}
	if w.To != "" {
		to, err := address.Parse(w.To)
		if err != nil {
			return nil, err
		}
		tx.To = &to
	}
	if w.Value != "" {
		v, err := block.ParseAmount(w.Value)
		if err != nil {
			return nil, err
		}
		tx.Value = v
	}
	if len(w.Data) > 0 {
		tx.Data = []byte(w.Data)
	}
	sig, err := hex.DecodeString(w.Signature)
	if err != nil || len(sig) != block.SigLen {
		return nil, block.ErrBadSignature
	}
	copy(tx.Signature[:], sig)
	pub, err := hex.DecodeString(w.PublicKey)
	if err != nil || len(pub) != block.PubkeyLen {
		return nil, block.ErrBadSignature
	}
	copy(tx.PublicKey[:], pub)
	return tx, nil
}

func wireFromTx(tx *block.Transaction) *WireTx {
	w := &WireTx{
		Kind:      tx.Kind.String(),
		From:      address.Encode(tx.From),
		Nonce:     tx.Nonce,
		Value:     tx.Value.String(),
		Data:      json.RawMessage(tx.Data),
		Signature: hex.EncodeToString(tx.Signature[:]),
		PublicKey: hex.EncodeToString(tx.PublicKey[:]),
	}
	if tx.To != nil {
		w.To = address.Encode(*tx.To)
	}
	return w
}

type wireStoredTx struct {
	*WireTx
	Hash    string `json:"hash"`
	Status  string `json:"status"`
	GasUsed uint64 `json:"gas_used"`
	Error   string `json:"error,omitempty"`
	Height  uint64 `json:"height"`
	Index   int    `json:"index"`
}

func wireStored(tx *state.StoredTx) *wireStoredTx {
	return &wireStoredTx{
		WireTx:  wireFromTx(&tx.Tx),
		Hash:    tx.Tx.Hash().String(),
		Status:  tx.Status.String(),
		GasUsed: tx.GasUsed,
		Error:   tx.Error,
		Height:  tx.Height,
		Index:   tx.Index,
	}
}

type wireBlock struct {
	Height      uint64       `json:"height"`
	Hash        string       `json:"hash"`
	PrevHash    string       `json:"prev_hash"`
	TimestampMs uint64       `json:"timestamp_ms"`
	Producer    string       `json:"producer"`
	TxHashes    []string     `json:"tx_hashes"`
	Rewards     []wirePayout `json:"rewards"`
}

type wirePayout struct {
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

func wireFromBlock(b *block.Block) *wireBlock {
	w := &wireBlock{
		Height:      b.Height,
		Hash:        b.Hash.String(),
		PrevHash:    b.PrevHash.String(),
		TimestampMs: b.TimestampMs,
		Producer:    address.Encode(b.Producer),
		TxHashes:    []string{},
		Rewards:     []wirePayout{},
	}
	for _, h := range b.TxHashes {
		w.TxHashes = append(w.TxHashes, h.String())
	}
	for _, p := range b.Rewards {
		w.Rewards = append(w.Rewards, wirePayout{Address: address.Encode(p.Address), Amount: p.Amount.String()})
	}
	return w
}

type wireToken struct {
	Address     string `json:"address"`
	Creator     string `json:"creator"`
	Name        string `json:"name"`
	Symbol      string `json:"symbol"`
	TotalSupply string `json:"total_supply"`
	Decimals    uint8  `json:"decimals"`
	CreatedAt   uint64 `json:"created_at_block"`
}

func wireFromToken(t *state.Token) *wireToken {
	return &wireToken{
		Address:     address.Encode(t.Address),
		Creator:     address.Encode(t.Creator),
		Name:        t.Name,
		Symbol:      t.Symbol,
		TotalSupply: t.TotalSupply.String(),
		Decimals:    t.Decimals,
		CreatedAt:   t.CreatedAt,
	}
}

// errCode maps an error to the stable wire code carried in the
// response envelope.
func errCode(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, state.ErrNoRecord) {
		return "not_found"
	}
	s := err.Error()
	if i := strings.IndexByte(s, ':'); i > 0 {
		return s[:i]
	}
	return s
}
