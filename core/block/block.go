package block

import (
	"crypto/sha256"
	"encoding/binary"
)

type RewardPayout struct {
	Address AddressType `json:"address"`
	Amount  Amount      `json:"amount"`
}

// Block references transactions by hash; full records live in the
// state store.
type Block struct {
	Height      uint64         `json:"height"`
	Hash        HashType       `json:"hash"`
	PrevHash    HashType       `json:"prev_hash"`
	TimestampMs uint64         `json:"timestamp_ms"`
	Producer    AddressType    `json:"producer"`
	TxHashes    []HashType     `json:"tx_hashes"`
	Rewards     []RewardPayout `json:"rewards"`
}

// ComputeHash covers height, prev_hash, timestamp, producer and the
// ordered tx hashes. Reward payouts are derived data and excluded.
func (b *Block) ComputeHash() HashType {
	buf := make([]byte, 0, 8+HashLen+8+AddressLen+len(b.TxHashes)*HashLen)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], b.Height)
	buf = append(buf, u64[:]...)
	buf = append(buf, b.PrevHash[:]...)
	binary.BigEndian.PutUint64(u64[:], b.TimestampMs)
	buf = append(buf, u64[:]...)
	buf = append(buf, b.Producer[:]...)
	for _, h := range b.TxHashes {
		buf = append(buf, h[:]...)
	}
	return sha256.Sum256(buf)
}

func (b *Block) FillHash() {
	b.Hash = b.ComputeHash()
}

// TxStatus is the recorded outcome of a confirmed transaction.
type TxStatus byte

const (
	TxSuccess TxStatus = iota + 1
	TxFailed
)

func (s TxStatus) String() string {
	if s == TxSuccess {
		return "success"
	}
	return "failed"
}
