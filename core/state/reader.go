package state

import (
	"bytes"
	"errors"
	"sort"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/mvm"
	"github.com/moshvm/mvm/storage"
)

// Reader serves the read surface over a committed view (live database
// or snapshot). Reads never block the producer.
type Reader struct {
	kv storage.Finder
	db *DB
}

func notFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

func (r *Reader) get(key []byte) ([]byte, bool, error) {
	raw, err := r.kv.Get(key)
	if err != nil {
		if notFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

// GetAccount returns the zero account for unknown addresses; accounts
// exist from their first credit.
func (r *Reader) GetAccount(a block.AddressType) (Account, error) {
	raw, ok, err := r.get(accountKey(a))
	if err != nil || !ok {
		return Account{}, err
	}
	return decodeAccount(raw)
}

func (r *Reader) Height() (uint64, bool, error) {
	raw, ok, err := r.get(keyMetaHeight)
	if err != nil || !ok {
		return 0, false, err
	}
	h, err := decodeU64(raw)
	return h, err == nil, err
}

func (r *Reader) ChainID() (string, error) {
	raw, ok, err := r.get(keyMetaChainID)
	if err != nil || !ok {
		return "", err
	}
	return decodeString(raw)
}

func (r *Reader) Producer() (block.AddressType, bool, error) {
	var a block.AddressType
	raw, ok, err := r.get(keyMetaProd)
	if err != nil || !ok {
		return a, false, err
	}
	if len(raw) != 1+block.AddressLen || raw[0] != recVersion {
		return a, false, errors.New("producer record: bad shape")
	}
	copy(a[:], raw[1:])
	return a, true, nil
}

func (r *Reader) GenesisTimeMs() (uint64, error) {
	raw, ok, err := r.get(keyMetaGenesis)
	if err != nil || !ok {
		return 0, err
	}
	return decodeU64(raw)
}

func (r *Reader) GetBlock(height uint64) (*block.Block, error) {
	raw, ok, err := r.get(blockKey(height))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRecord
	}
	var b block.Block
	if err := decodeJSON(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r *Reader) GetBlockByHash(h block.HashType) (*block.Block, error) {
	raw, ok, err := r.get(blockHashKey(h))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRecord
	}
	height, err := decodeU64(raw)
	if err != nil {
		return nil, err
	}
	return r.GetBlock(height)
}

func (r *Reader) GetTx(h block.HashType) (*StoredTx, error) {
	raw, ok, err := r.get(txKey(h))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRecord
	}
	var tx StoredTx
	if err := decodeJSON(raw, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// TxsByAddress returns the most recent transactions touching an
// address, newest first.
func (r *Reader) TxsByAddress(a block.AddressType, limit int) ([]*StoredTx, error) {
	var hashes []block.HashType
	it := r.kv.Find(append([]byte{tagTxByAddr}, a[:]...))
	for it.Next() {
		var h block.HashType
		raw := it.Value()
		if len(raw) == 1+block.HashLen && raw[0] == recVersion {
			copy(h[:], raw[1:])
			hashes = append(hashes, h)
		}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return nil, err
	}
	var out []*StoredTx
	for i := len(hashes) - 1; i >= 0 && len(out) < limit; i-- {
		tx, err := r.GetTx(hashes[i])
		if err != nil {
			if errors.Is(err, ErrNoRecord) {
				continue
			}
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

func (r *Reader) GetToken(a block.AddressType) (*Token, error) {
	raw, ok, err := r.get(tokenKey(a))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRecord
	}
	var t Token
	if err := decodeJSON(raw, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *Reader) Tokens() ([]*Token, error) {
	var out []*Token
	it := r.kv.Find([]byte{tagToken})
	defer it.Release()
	for it.Next() {
		var t Token
		if err := decodeJSON(it.Value(), &t); err != nil {
			return nil, err
		}
		cp := t
		out = append(out, &cp)
	}
	return out, it.Error()
}

func (r *Reader) TokensByCreator(creator block.AddressType) ([]*Token, error) {
	all, err := r.Tokens()
	if err != nil {
		return nil, err
	}
	var out []*Token
	for _, t := range all {
		if t.Creator == creator {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r *Reader) TokenBalance(token, holder block.AddressType) (block.Amount, error) {
	raw, ok, err := r.get(tokenBalKey(token, holder))
	if err != nil || !ok {
		return block.Amount{}, err
	}
	return decodeAmount(raw)
}

type TokenHolder struct {
	Address block.AddressType `json:"address"`
	Balance block.Amount      `json:"balance"`
}

// TokenHolders scans the balance table for one token, largest first.
func (r *Reader) TokenHolders(token block.AddressType) ([]TokenHolder, error) {
	var out []TokenHolder
	it := r.kv.Find(append([]byte{tagTokenBal}, token[:]...))
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != 1+2*block.AddressLen {
			continue
		}
		bal, err := decodeAmount(it.Value())
		if err != nil {
			return nil, err
		}
		if bal.IsZero() {
			continue
		}
		var h block.AddressType
		copy(h[:], key[1+block.AddressLen:])
		out = append(out, TokenHolder{Address: h, Balance: bal})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Balance.Cmp(out[j].Balance) > 0
	})
	return out, nil
}

type TokenHolding struct {
	Token   *Token       `json:"token"`
	Balance block.Amount `json:"balance"`
}

// TokensByHolder walks the full balance table; acceptable on the read
// path where token counts are small.
func (r *Reader) TokensByHolder(holder block.AddressType) ([]TokenHolding, error) {
	var out []TokenHolding
	it := r.kv.Find([]byte{tagTokenBal})
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != 1+2*block.AddressLen {
			continue
		}
		if !bytes.Equal(key[1+block.AddressLen:], holder[:]) {
			continue
		}
		bal, err := decodeAmount(it.Value())
		if err != nil {
			return nil, err
		}
		if bal.IsZero() {
			continue
		}
		var tok block.AddressType
		copy(tok[:], key[1:1+block.AddressLen])
		t, err := r.GetToken(tok)
		if err != nil {
			if errors.Is(err, ErrNoRecord) {
				continue
			}
			return nil, err
		}
		out = append(out, TokenHolding{Token: t, Balance: bal})
	}
	return out, it.Error()
}

// GetContract returns the decoded runtime header, via the LRU cache.
func (r *Reader) GetContract(a block.AddressType) (*mvm.Contract, error) {
	if c, ok := r.db.contracts.Get(a); ok {
		return c, nil
	}
	raw, ok, err := r.get(contractKey(a))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoRecord
	}
	var c mvm.Contract
	if err := decodeJSON(raw, &c); err != nil {
		return nil, err
	}
	r.db.contracts.Add(a, &c)
	return &c, nil
}

func (r *Reader) Contracts() ([]*mvm.Contract, error) {
	var out []*mvm.Contract
	it := r.kv.Find([]byte{tagContract})
	defer it.Release()
	for it.Next() {
		var c mvm.Contract
		if err := decodeJSON(it.Value(), &c); err != nil {
			return nil, err
		}
		cp := c
		out = append(out, &cp)
	}
	return out, it.Error()
}

func (r *Reader) GetVar(contract block.AddressType, name string) (string, bool, error) {
	raw, ok, err := r.get(cvarKey(contract, name))
	if err != nil || !ok {
		return "", false, err
	}
	s, err := decodeString(raw)
	return s, err == nil, err
}

func (r *Reader) GetMap(contract block.AddressType, mapName, key string) (string, bool, error) {
	raw, ok, err := r.get(cmapKey(contract, mapName, key))
	if err != nil || !ok {
		return "", false, err
	}
	s, err := decodeString(raw)
	return s, err == nil, err
}

type MapEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MapEntries enumerates one mapping in sorted key order.
func (r *Reader) MapEntries(contract block.AddressType, mapName string) ([]MapEntry, error) {
	prefix := cmapPrefix(contract, mapName)
	var out []MapEntry
	it := r.kv.Find(prefix)
	defer it.Release()
	for it.Next() {
		v, err := decodeString(it.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, MapEntry{Key: string(it.Key()[len(prefix):]), Value: v})
	}
	return out, it.Error()
}

// Events returns a contract's event log in append order.
func (r *Reader) Events(contract block.AddressType) ([]Event, error) {
	var out []Event
	it := r.kv.Find(append([]byte{tagEvent}, contract[:]...))
	defer it.Release()
	for it.Next() {
		var e Event
		if err := decodeJSON(it.Value(), &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, it.Error()
}

type ActivityEntry struct {
	Address block.AddressType `json:"address"`
	Count   uint64            `json:"count"`
}

// TopActivity ranks addresses by confirmed-transaction count,
// tie-broken by ascending address bytes for deterministic payouts.
func (r *Reader) TopActivity(n int) ([]ActivityEntry, error) {
	var all []ActivityEntry
	it := r.kv.Find([]byte{tagActivity})
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != 1+block.AddressLen {
			continue
		}
		cnt, err := decodeU64(it.Value())
		if err != nil {
			return nil, err
		}
		if cnt == 0 {
			continue
		}
		var a block.AddressType
		copy(a[:], key[1:])
		all = append(all, ActivityEntry{Address: a, Count: cnt})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return bytes.Compare(all[i].Address[:], all[j].Address[:]) < 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}

func (r *Reader) FaucetClaim(a block.AddressType) (uint64, bool, error) {
	raw, ok, err := r.get(faucetKey(a))
	if err != nil || !ok {
		return 0, false, err
	}
	t, err := decodeU64(raw)
	return t, err == nil, err
}

type Balance struct {
	Address block.AddressType `json:"address"`
	Balance block.Amount      `json:"balance"`
}

// TopBalances feeds the leaderboard.
func (r *Reader) TopBalances(n int) ([]Balance, error) {
	var all []Balance
	it := r.kv.Find([]byte{tagAccount})
	defer it.Release()
	for it.Next() {
		key := it.Key()
		if len(key) != 1+block.AddressLen {
			continue
		}
		acc, err := decodeAccount(it.Value())
		if err != nil {
			return nil, err
		}
		if acc.Balance.IsZero() {
			continue
		}
		var a block.AddressType
		copy(a[:], key[1:])
		all = append(all, Balance{Address: a, Balance: acc.Balance})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Balance.Cmp(all[j].Balance) > 0
	})
	if len(all) > n {
		all = all[:n]
	}
	return all, nil
}
