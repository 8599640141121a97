package state

import (
	"math/rand"
	"testing"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/mvm"
	"github.com/moshvm/mvm/storage"
	"github.com/moshvm/mvm/utils/address"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	kv, err := storage.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	db, err := NewDB(kv)
	require.NoError(t, err)
	return db
}

func commit(t *testing.T, db *DB, m *Mutator) {
	t.Helper()
	b := db.KV().NewBatch()
	for _, a := range m.Flush(b) {
		db.InvalidateContract(a)
	}
	require.NoError(t, b.Write())
}

func randAddr(rnd *rand.Rand) block.AddressType {
	var a block.AddressType
	rnd.Read(a[:])
	return a
}

func TestAccountRoundTrip(t *testing.T) {
	db := testDB(t)
	rnd := rand.New(rand.NewSource(1))
	a := randAddr(rnd)

	m := db.Mutator()
	m.PutAccount(a, Account{Balance: block.NewAmount(12345), Nonce: 7})
	commit(t, db, m)

	acc, err := db.Reader().GetAccount(a)
	require.NoError(t, err)
	require.Equal(t, "12345", acc.Balance.String())
	require.Equal(t, uint64(7), acc.Nonce)

	// Unknown accounts read as zero.
	acc, err = db.Reader().GetAccount(randAddr(rnd))
	require.NoError(t, err)
	require.True(t, acc.Balance.IsZero())
	require.Zero(t, acc.Nonce)
}

func TestBlockAndHashIndex(t *testing.T) {
	db := testDB(t)
	b := &block.Block{Height: 3, TimestampMs: 999, TxHashes: []block.HashType{{1}}}
	b.FillHash()

	m := db.Mutator()
	require.NoError(t, m.PutBlock(b))
	commit(t, db, m)

	r := db.Reader()
	got, err := r.GetBlock(3)
	require.NoError(t, err)
	require.Equal(t, b.Hash, got.Hash)

	byHash, err := r.GetBlockByHash(b.Hash)
	require.NoError(t, err)
	require.Equal(t, uint64(3), byHash.Height)

	h, ok, err := r.Height()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(3), h)

	_, err = r.GetBlock(4)
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestTxIndexPerAddress(t *testing.T) {
	db := testDB(t)
	rnd := rand.New(rand.NewSource(2))
	pub, priv := block.GenKeyPair(rnd)
	from := block.DeriveAddress(pub)
	to := randAddr(rnd)

	m := db.Mutator()
	for i := uint64(0); i < 3; i++ {
		toCopy := to
		tx := &block.Transaction{Kind: block.TxTransfer, Nonce: i, To: &toCopy, Value: block.NewAmount(i + 1)}
		tx.Sign(priv)
		require.NoError(t, m.PutStoredTx(&StoredTx{Tx: *tx, Status: block.TxSuccess, Height: 1, Index: int(i)}))
		require.NoError(t, m.IndexTxForAddress(from, tx.Hash()))
		require.NoError(t, m.IndexTxForAddress(to, tx.Hash()))
	}
	commit(t, db, m)

	r := db.Reader()
	txs, err := r.TxsByAddress(from, 10)
	require.NoError(t, err)
	require.Len(t, txs, 3)
	// Newest first.
	require.Equal(t, uint64(2), txs[0].Tx.Nonce)
	require.Equal(t, uint64(0), txs[2].Tx.Nonce)

	txs, err = r.TxsByAddress(to, 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
}

func TestTokenSupplyMatchesHolderSum(t *testing.T) {
	db := testDB(t)
	rnd := rand.New(rand.NewSource(3))
	tok := randAddr(rnd)
	creator := randAddr(rnd)

	m := db.Mutator()
	require.NoError(t, m.PutToken(&Token{
		Address: tok, Creator: creator, Name: "Test", Symbol: "TST",
		TotalSupply: block.NewAmount(1_000_000), Decimals: 8,
	}))
	m.SetTokenBalanceOf(tok, creator, block.NewAmount(750_000))
	m.SetTokenBalanceOf(tok, randAddr(rnd), block.NewAmount(250_000))
	commit(t, db, m)

	r := db.Reader()
	tk, err := r.GetToken(tok)
	require.NoError(t, err)
	holders, err := r.TokenHolders(tok)
	require.NoError(t, err)
	require.Len(t, holders, 2)

	sum := block.Amount{}
	for _, h := range holders {
		sum, err = sum.Add(h.Balance)
		require.NoError(t, err)
	}
	require.Zero(t, sum.Cmp(tk.TotalSupply))
	// Sorted largest first.
	require.Equal(t, creator, holders[0].Address)
}

func TestContractVarsAndMaps(t *testing.T) {
	db := testDB(t)
	rnd := rand.New(rand.NewSource(4))
	caddr := randAddr(rnd)
	ctext := address.Encode(caddr)

	m := db.Mutator()
	c := &mvm.Contract{
		Address: ctext,
		Creator: ctext,
		Owner:   ctext,
		Spec: mvm.Spec{
			Name:      "Counter",
			Variables: []mvm.VarDef{{Name: "count", Type: mvm.TypeU64}},
			Mappings:  []mvm.MappingDef{{Name: "scores", KeyType: mvm.TypeString, ValueType: mvm.TypeU64}},
		},
	}
	require.NoError(t, m.PutContract(c))
	require.NoError(t, m.SetVar(ctext, "count", "42"))
	require.NoError(t, m.SetMap(ctext, "scores", "bob", "2"))
	require.NoError(t, m.SetMap(ctext, "scores", "alice", "1"))
	commit(t, db, m)

	r := db.Reader()
	got, err := r.GetContract(caddr)
	require.NoError(t, err)
	require.Equal(t, "Counter", got.Spec.Name)

	v, ok, err := r.GetVar(caddr, "count")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "42", v)

	// Enumeration comes back in sorted key order.
	entries, err := r.MapEntries(caddr, "scores")
	require.NoError(t, err)
	require.Equal(t, []MapEntry{{Key: "alice", Value: "1"}, {Key: "bob", Value: "2"}}, entries)

	// Journal reads see staged writes before commit.
	m2 := db.Mutator()
	require.NoError(t, m2.SetVar(ctext, "count", "43"))
	v2, ok, err := m2.GetVar(ctext, "count")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "43", v2)
	// Committed view still has the old value.
	v, _, _ = r.GetVar(caddr, "count")
	require.Equal(t, "42", v)
}

func TestContractCacheInvalidation(t *testing.T) {
	db := testDB(t)
	rnd := rand.New(rand.NewSource(5))
	caddr := randAddr(rnd)
	ctext := address.Encode(caddr)

	m := db.Mutator()
	require.NoError(t, m.PutContract(&mvm.Contract{Address: ctext, Creator: ctext, Owner: "old", Spec: mvm.Spec{Name: "C"}}))
	commit(t, db, m)

	got, err := db.Reader().GetContract(caddr)
	require.NoError(t, err)
	require.Equal(t, "old", got.Owner)

	m = db.Mutator()
	require.NoError(t, m.SetContractOwner(ctext, "new"))
	commit(t, db, m)

	got, err = db.Reader().GetContract(caddr)
	require.NoError(t, err)
	require.Equal(t, "new", got.Owner)
}

func TestEventsAppendInOrder(t *testing.T) {
	db := testDB(t)
	rnd := rand.New(rand.NewSource(6))
	caddr := randAddr(rnd)

	m := db.Mutator()
	for i := uint64(0); i < 3; i++ {
		require.NoError(t, m.AppendEvent(&Event{
			Contract: caddr, BlockHeight: 1, Name: "Ping", Args: []string{"x"}, LogIndex: i,
		}))
	}
	commit(t, db, m)

	evs, err := db.Reader().Events(caddr)
	require.NoError(t, err)
	require.Len(t, evs, 3)
	for i, e := range evs {
		require.Equal(t, uint64(i), e.LogIndex)
	}
}

func TestTopActivityTieBreak(t *testing.T) {
	db := testDB(t)
	a1 := block.AddressType{0x01}
	a2 := block.AddressType{0x02}
	a3 := block.AddressType{0x03}

	m := db.Mutator()
	require.NoError(t, m.BumpActivity(a3))
	require.NoError(t, m.BumpActivity(a3))
	require.NoError(t, m.BumpActivity(a2))
	require.NoError(t, m.BumpActivity(a1))
	commit(t, db, m)

	top, err := db.Reader().TopActivity(3)
	require.NoError(t, err)
	require.Len(t, top, 3)
	require.Equal(t, a3, top[0].Address)
	// Equal counts break by ascending address bytes.
	require.Equal(t, a1, top[1].Address)
	require.Equal(t, a2, top[2].Address)
}

func TestSnapshotReaderIsStable(t *testing.T) {
	db := testDB(t)
	a := block.AddressType{0xaa}

	m := db.Mutator()
	m.PutAccount(a, Account{Balance: block.NewAmount(1), Nonce: 0})
	commit(t, db, m)

	snap, release, err := db.SnapshotReader()
	require.NoError(t, err)
	defer release()

	m = db.Mutator()
	m.PutAccount(a, Account{Balance: block.NewAmount(2), Nonce: 1})
	commit(t, db, m)

	acc, err := snap.GetAccount(a)
	require.NoError(t, err)
	require.Equal(t, "1", acc.Balance.String())

	acc, err = db.Reader().GetAccount(a)
	require.NoError(t, err)
	require.Equal(t, "2", acc.Balance.String())
}

func TestAuthorityKeyPersistence(t *testing.T) {
	db := testDB(t)
	_, ok, err := db.AuthorityKey()
	require.NoError(t, err)
	require.False(t, ok)

	rnd := rand.New(rand.NewSource(7))
	_, priv := block.GenKeyPair(rnd)
	require.NoError(t, db.SetAuthorityKey(priv))

	got, ok, err := db.AuthorityKey()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, priv, got)
}
