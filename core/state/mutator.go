package state

import (
	"errors"
	"fmt"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/mvm"
	"github.com/moshvm/mvm/storage"
)

// Mutator stages all writes of one block in an overlay. Each
// transaction executes on a fork that merges on success and is
// dropped on failure, so a failed transaction leaves no trace beyond
// its receipt.
type Mutator struct {
	db      *DB
	o       *storage.Overlay
	touched map[block.AddressType]bool
}

func (m *Mutator) Fork() *Mutator {
	return &Mutator{db: m.db, o: m.o.Fork(), touched: m.touchedSet()}
}

func (m *Mutator) Merge() {
	m.o.Merge()
}

func (m *Mutator) touchedSet() map[block.AddressType]bool {
	if m.touched == nil {
		m.touched = make(map[block.AddressType]bool)
	}
	return m.touched
}

// Flush stages every write into b and reports which contracts need
// cache invalidation after commit.
func (m *Mutator) Flush(b *storage.Batch) []block.AddressType {
	m.o.Flush(b)
	var out []block.AddressType
	for a := range m.touched {
		out = append(out, a)
	}
	return out
}

func (m *Mutator) get(key []byte) ([]byte, bool, error) {
	raw, err := m.o.Get(key)
	if err != nil {
		if notFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return raw, true, nil
}

// --- accounts ---

func (m *Mutator) AccountOf(a block.AddressType) (Account, error) {
	raw, ok, err := m.get(accountKey(a))
	if err != nil || !ok {
		return Account{}, err
	}
	return decodeAccount(raw)
}

func (m *Mutator) PutAccount(a block.AddressType, acc Account) {
	m.o.Put(accountKey(a), encodeAccount(acc))
}

// Credit creates the account on first credit.
func (m *Mutator) Credit(a block.AddressType, v block.Amount) error {
	acc, err := m.AccountOf(a)
	if err != nil {
		return err
	}
	bal, err := acc.Balance.Add(v)
	if err != nil {
		return err
	}
	acc.Balance = bal
	m.PutAccount(a, acc)
	return nil
}

func (m *Mutator) BumpActivity(a block.AddressType) error {
	raw, ok, err := m.get(activityKey(a))
	if err != nil {
		return err
	}
	var cnt uint64
	if ok {
		if cnt, err = decodeU64(raw); err != nil {
			return err
		}
	}
	m.o.Put(activityKey(a), encodeU64(cnt+1))
	return nil
}

// --- blocks, txs, meta ---

func (m *Mutator) PutBlock(b *block.Block) error {
	raw, err := encodeJSON(b)
	if err != nil {
		return err
	}
	m.o.Put(blockKey(b.Height), raw)
	m.o.Put(blockHashKey(b.Hash), encodeU64(b.Height))
	m.o.Put(keyMetaHeight, encodeU64(b.Height))
	return nil
}

func (m *Mutator) PutStoredTx(tx *StoredTx) error {
	raw, err := encodeJSON(tx)
	if err != nil {
		return err
	}
	m.o.Put(txKey(tx.Tx.Hash()), raw)
	return nil
}

// IndexTxForAddress appends a tx hash to an address's history.
func (m *Mutator) IndexTxForAddress(a block.AddressType, h block.HashType) error {
	raw, ok, err := m.get(txAddrCountKey(a))
	if err != nil {
		return err
	}
	var seq uint64
	if ok {
		if seq, err = decodeU64(raw); err != nil {
			return err
		}
	}
	m.o.Put(txByAddrKey(a, seq), append([]byte{recVersion}, h[:]...))
	m.o.Put(txAddrCountKey(a), encodeU64(seq+1))
	return nil
}

func (m *Mutator) SetChainID(id string) {
	m.o.Put(keyMetaChainID, encodeString(id))
}

func (m *Mutator) SetProducer(a block.AddressType) {
	m.o.Put(keyMetaProd, append([]byte{recVersion}, a[:]...))
}

func (m *Mutator) SetGenesisTimeMs(t uint64) {
	m.o.Put(keyMetaGenesis, encodeU64(t))
}

// AuthorityKey accessors live on DB: the keypair is loaded before the
// first mutator exists.
func (db *DB) AuthorityKey() (block.PrivkeyType, bool, error) {
	var priv block.PrivkeyType
	raw, err := db.kv.Get(keyMetaKeypair)
	if err != nil {
		if notFound(err) {
			return priv, false, nil
		}
		return priv, false, err
	}
	if len(raw) != 1+block.PrivkeyLen || raw[0] != recVersion {
		return priv, false, errors.New("keypair record: bad shape")
	}
	copy(priv[:], raw[1:])
	return priv, true, nil
}

func (db *DB) SetAuthorityKey(priv block.PrivkeyType) error {
	return db.kv.Put(keyMetaKeypair, append([]byte{recVersion}, priv[:]...))
}

// --- tokens ---

func (m *Mutator) PutToken(t *Token) error {
	raw, err := encodeJSON(t)
	if err != nil {
		return err
	}
	m.o.Put(tokenKey(t.Address), raw)
	return nil
}

func (m *Mutator) TokenOf(a block.AddressType) (*Token, error) {
	raw, ok, err := m.get(tokenKey(a))
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

func (m *Mutator) TokenBalanceOf(token, holder block.AddressType) (block.Amount, error) {
	raw, ok, err := m.get(tokenBalKey(token, holder))
	if err != nil || !ok {
		return block.Amount{}, err
	}
	return decodeAmount(raw)
}

func (m *Mutator) SetTokenBalanceOf(token, holder block.AddressType, v block.Amount) {
	m.o.Put(tokenBalKey(token, holder), encodeAmount(v))
}

// --- contracts ---

func (m *Mutator) PutContract(c *mvm.Contract) error {
	addr, err := parseAddrText(c.Address)
	if err != nil {
		return fmt.Errorf("contract address: %w", err)
	}
	raw, err := encodeJSON(c)
	if err != nil {
		return err
	}
	m.o.Put(contractKey(addr), raw)
	m.touchedSet()[addr] = true
	return nil
}

func (m *Mutator) ContractOf(a block.AddressType) (*mvm.Contract, error) {
	raw, ok, err := m.get(contractKey(a))
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
	return &c, nil
}

// --- events ---

func (m *Mutator) AppendEvent(e *Event) error {
	raw, ok, err := m.get(eventCountKey(e.Contract))
	if err != nil {
		return err
	}
	var seq uint64
	if ok {
		if seq, err = decodeU64(raw); err != nil {
			return err
		}
	}
	rec, err := encodeJSON(e)
	if err != nil {
		return err
	}
	m.o.Put(eventKey(e.Contract, seq), rec)
	m.o.Put(eventCountKey(e.Contract), encodeU64(seq+1))
	return nil
}

// --- faucet ---

func (m *Mutator) SetFaucetClaim(a block.AddressType, unixMs uint64) {
	m.o.Put(faucetKey(a), encodeU64(unixMs))
}

// --- mvm.StateWriter: the VM speaks text addresses ---

var _ mvm.StateWriter = (*Mutator)(nil)

func (m *Mutator) GetVar(contract, name string) (string, bool, error) {
	addr, err := parseAddrText(contract)
	if err != nil {
		return "", false, err
	}
	raw, ok, err := m.get(cvarKey(addr, name))
	if err != nil || !ok {
		return "", false, err
	}
	s, err := decodeString(raw)
	return s, err == nil, err
}

func (m *Mutator) SetVar(contract, name, value string) error {
	addr, err := parseAddrText(contract)
	if err != nil {
		return err
	}
	m.o.Put(cvarKey(addr, name), encodeString(value))
	return nil
}

func (m *Mutator) GetMap(contract, mapName, key string) (string, bool, error) {
	addr, err := parseAddrText(contract)
	if err != nil {
		return "", false, err
	}
	raw, ok, err := m.get(cmapKey(addr, mapName, key))
	if err != nil || !ok {
		return "", false, err
	}
	s, err := decodeString(raw)
	return s, err == nil, err
}

func (m *Mutator) SetMap(contract, mapName, key, value string) error {
	addr, err := parseAddrText(contract)
	if err != nil {
		return err
	}
	m.o.Put(cmapKey(addr, mapName, key), encodeString(value))
	return nil
}

func (m *Mutator) TokenBalance(token, holder string) (block.Amount, error) {
	t, err := parseAddrText(token)
	if err != nil {
		return block.Amount{}, err
	}
	h, err := parseAddrText(holder)
	if err != nil {
		return block.Amount{}, err
	}
	return m.TokenBalanceOf(t, h)
}

func (m *Mutator) SetTokenBalance(token, holder string, v block.Amount) error {
	t, err := parseAddrText(token)
	if err != nil {
		return err
	}
	h, err := parseAddrText(holder)
	if err != nil {
		return err
	}
	m.SetTokenBalanceOf(t, h, v)
	return nil
}

func (m *Mutator) SetContractOwner(contract, owner string) error {
	addr, err := parseAddrText(contract)
	if err != nil {
		return err
	}
	c, err := m.ContractOf(addr)
	if err != nil {
		return err
	}
	c.Owner = owner
	return m.PutContract(c)
}
