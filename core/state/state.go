// Package state lays typed key-spaces over the ordered key-value
// engine. Every record value starts with a version byte so schema
// changes are detectable.
package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/mvm"
	"github.com/moshvm/mvm/storage"
	"github.com/moshvm/mvm/utils/address"

	lru "github.com/hashicorp/golang-lru/v2"
)

const recVersion = 1

// Key-space tags.
const (
	tagAccount     = 0x01
	tagBlock       = 0x02
	tagBlockHash   = 0x03
	tagTx          = 0x04
	tagTxByAddr    = 0x05
	tagToken       = 0x06
	tagTokenBal    = 0x07
	tagContract    = 0x08
	tagCVar        = 0x09
	tagCMap        = 0x0a
	tagEvent       = 0x0b
	tagActivity    = 0x0c
	tagFaucet      = 0x0d
	tagMeta        = 0x0e
	tagTxAddrCount = 0x10
	tagEventCount  = 0x11
)

var (
	keyMetaHeight  = []byte{tagMeta, 'h'}
	keyMetaChainID = []byte{tagMeta, 'c'}
	keyMetaProd    = []byte{tagMeta, 'p'}
	keyMetaKeypair = []byte{tagMeta, 'k'}
	keyMetaGenesis = []byte{tagMeta, 'g'}
)

var ErrNoRecord = errors.New("record not found")

type Account struct {
	Balance block.Amount
	Nonce   uint64
}

type StoredTx struct {
	Tx      block.Transaction `json:"tx"`
	Status  block.TxStatus    `json:"status"`
	GasUsed uint64            `json:"gas_used"`
	Error   string            `json:"error,omitempty"`
	Height  uint64            `json:"height"`
	Index   int               `json:"index"`
}

type Token struct {
	Address     block.AddressType `json:"address"`
	Creator     block.AddressType `json:"creator"`
	Name        string            `json:"name"`
	Symbol      string            `json:"symbol"`
	TotalSupply block.Amount      `json:"total_supply"`
	Decimals    uint8             `json:"decimals"`
	CreatedAt   uint64            `json:"created_at_block"`
}

type Event struct {
	Contract    block.AddressType `json:"contract"`
	BlockHeight uint64            `json:"block_height"`
	TxHash      block.HashType    `json:"tx_hash"`
	Name        string            `json:"event_name"`
	Args        []string          `json:"args"`
	LogIndex    uint64            `json:"log_index"`
}

// DB owns the database handle and a decoded-contract cache.
type DB struct {
	kv        *storage.Database
	contracts *lru.Cache[block.AddressType, *mvm.Contract]
}

func NewDB(kv *storage.Database) (*DB, error) {
	cache, err := lru.New[block.AddressType, *mvm.Contract](256)
	if err != nil {
		return nil, err
	}
	return &DB{kv: kv, contracts: cache}, nil
}

func (db *DB) KV() *storage.Database {
	return db.kv
}

// Reader serves live reads over the committed database.
func (db *DB) Reader() *Reader {
	return &Reader{kv: db.kv, db: db}
}

// SnapshotReader pins a consistent view; callers must release it.
func (db *DB) SnapshotReader() (*Reader, func(), error) {
	s, err := db.kv.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	return &Reader{kv: s, db: db}, s.Release, nil
}

// Mutator stages writes in an overlay for the current block.
func (db *DB) Mutator() *Mutator {
	return &Mutator{db: db, o: storage.NewOverlay(db.kv)}
}

func (db *DB) InvalidateContract(addr block.AddressType) {
	db.contracts.Remove(addr)
}

// --- key builders ---

func accountKey(a block.AddressType) []byte {
	return append([]byte{tagAccount}, a[:]...)
}

func blockKey(height uint64) []byte {
	k := make([]byte, 9)
	k[0] = tagBlock
	binary.BigEndian.PutUint64(k[1:], height)
	return k
}

func blockHashKey(h block.HashType) []byte {
	return append([]byte{tagBlockHash}, h[:]...)
}

func txKey(h block.HashType) []byte {
	return append([]byte{tagTx}, h[:]...)
}

func txByAddrKey(a block.AddressType, seq uint64) []byte {
	k := make([]byte, 1+block.AddressLen+8)
	k[0] = tagTxByAddr
	copy(k[1:], a[:])
	binary.BigEndian.PutUint64(k[1+block.AddressLen:], seq)
	return k
}

func txAddrCountKey(a block.AddressType) []byte {
	return append([]byte{tagTxAddrCount}, a[:]...)
}

func tokenKey(a block.AddressType) []byte {
	return append([]byte{tagToken}, a[:]...)
}

func tokenBalKey(token, holder block.AddressType) []byte {
	k := make([]byte, 1+2*block.AddressLen)
	k[0] = tagTokenBal
	copy(k[1:], token[:])
	copy(k[1+block.AddressLen:], holder[:])
	return k
}

func contractKey(a block.AddressType) []byte {
	return append([]byte{tagContract}, a[:]...)
}

func cvarKey(c block.AddressType, name string) []byte {
	k := append([]byte{tagCVar}, c[:]...)
	return append(k, name...)
}

func cmapKey(c block.AddressType, name, key string) []byte {
	k := append([]byte{tagCMap}, c[:]...)
	k = append(k, byte(len(name)))
	k = append(k, name...)
	return append(k, key...)
}

func cmapPrefix(c block.AddressType, name string) []byte {
	k := append([]byte{tagCMap}, c[:]...)
	k = append(k, byte(len(name)))
	return append(k, name...)
}

func eventKey(c block.AddressType, seq uint64) []byte {
	k := make([]byte, 1+block.AddressLen+8)
	k[0] = tagEvent
	copy(k[1:], c[:])
	binary.BigEndian.PutUint64(k[1+block.AddressLen:], seq)
	return k
}

func eventCountKey(c block.AddressType) []byte {
	return append([]byte{tagEventCount}, c[:]...)
}

func activityKey(a block.AddressType) []byte {
	return append([]byte{tagActivity}, a[:]...)
}

func faucetKey(a block.AddressType) []byte {
	return append([]byte{tagFaucet}, a[:]...)
}

// --- record codecs ---

func encodeAccount(a Account) []byte {
	out := make([]byte, 1+32+8)
	out[0] = recVersion
	bal := a.Balance.Bytes32()
	copy(out[1:33], bal[:])
	binary.BigEndian.PutUint64(out[33:], a.Nonce)
	return out
}

func decodeAccount(raw []byte) (Account, error) {
	if len(raw) != 41 || raw[0] != recVersion {
		return Account{}, fmt.Errorf("account record: bad shape")
	}
	var bal [32]byte
	copy(bal[:], raw[1:33])
	return Account{
		Balance: block.AmountFromBytes32(bal),
		Nonce:   binary.BigEndian.Uint64(raw[33:]),
	}, nil
}

func encodeJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append([]byte{recVersion}, raw...), nil
}

func decodeJSON(raw []byte, v any) error {
	if len(raw) == 0 || raw[0] != recVersion {
		return fmt.Errorf("record: bad version")
	}
	return json.Unmarshal(raw[1:], v)
}

func encodeU64(x uint64) []byte {
	out := make([]byte, 9)
	out[0] = recVersion
	binary.BigEndian.PutUint64(out[1:], x)
	return out
}

func decodeU64(raw []byte) (uint64, error) {
	if len(raw) != 9 || raw[0] != recVersion {
		return 0, fmt.Errorf("u64 record: bad shape")
	}
	return binary.BigEndian.Uint64(raw[1:]), nil
}

func encodeAmount(a block.Amount) []byte {
	out := make([]byte, 33)
	out[0] = recVersion
	b := a.Bytes32()
	copy(out[1:], b[:])
	return out
}

func decodeAmount(raw []byte) (block.Amount, error) {
	if len(raw) != 33 || raw[0] != recVersion {
		return block.Amount{}, fmt.Errorf("amount record: bad shape")
	}
	var b [32]byte
	copy(b[:], raw[1:])
	return block.AmountFromBytes32(b), nil
}

func encodeString(s string) []byte {
	return append([]byte{recVersion}, s...)
}

func decodeString(raw []byte) (string, error) {
	if len(raw) == 0 || raw[0] != recVersion {
		return "", fmt.Errorf("string record: bad shape")
	}
	return string(raw[1:]), nil
}

func parseAddrText(s string) (block.AddressType, error) {
	return address.Parse(s)
}
