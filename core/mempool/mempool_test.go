package mempool

import (
	"math/rand"
	"testing"

	"github.com/moshvm/mvm/core/block"

	"github.com/stretchr/testify/require"
)

type fakeAccounts struct {
	balances map[block.AddressType]block.Amount
	nonces   map[block.AddressType]uint64
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{
		balances: map[block.AddressType]block.Amount{},
		nonces:   map[block.AddressType]uint64{},
	}
}

func (f *fakeAccounts) AccountState(a block.AddressType) (block.Amount, uint64, error) {
	return f.balances[a], f.nonces[a], nil
}

func testWallet(t *testing.T, id int64) (block.AddressType, block.PrivkeyType) {
	t.Helper()
	rnd := rand.New(rand.NewSource(114514 + id))
	pub, priv := block.GenKeyPair(rnd)
	return block.DeriveAddress(pub), priv
}

func signedTransfer(priv block.PrivkeyType, nonce uint64, value uint64) *block.Transaction {
	to := block.AddressType{0xee}
	tx := &block.Transaction{
		Kind:  block.TxTransfer,
		Nonce: nonce,
		To:    &to,
		Value: block.NewAmount(value),
	}
	tx.Sign(priv)
	return tx
}

func TestAdmitNonceDiscipline(t *testing.T) {
	addr, priv := testWallet(t, 0)
	acc := newFakeAccounts()
	acc.balances[addr] = block.NewAmount(10 * block.CoinUnit)
	acc.nonces[addr] = 5
	mp := New(100, 10_000_000)

	// Below confirmed.
	require.ErrorIs(t, mp.Admit(signedTransfer(priv, 4, 1), acc), ErrInvalidNonce)
	// Gap above next.
	require.ErrorIs(t, mp.Admit(signedTransfer(priv, 7, 1), acc), ErrNonceGap)
	// Exactly next.
	require.NoError(t, mp.Admit(signedTransfer(priv, 5, 1), acc))
	// Contiguous run extends.
	require.NoError(t, mp.Admit(signedTransfer(priv, 6, 1), acc))
	// Resubmitting a pending nonce.
	require.ErrorIs(t, mp.Admit(signedTransfer(priv, 6, 2), acc), ErrNonceAlreadyPending)
	// Exact duplicate hash.
	tx := signedTransfer(priv, 7, 1)
	require.NoError(t, mp.Admit(tx, acc))
	require.ErrorIs(t, mp.Admit(tx, acc), ErrDuplicate)
}

func TestAdmitRejectsBadSignature(t *testing.T) {
	addr, priv := testWallet(t, 1)
	acc := newFakeAccounts()
	acc.balances[addr] = block.NewAmount(block.CoinUnit)
	mp := New(10, 10_000_000)

	tx := signedTransfer(priv, 0, 1)
	tx.Value = block.NewAmount(2)
	require.ErrorIs(t, mp.Admit(tx, acc), block.ErrBadSignature)
}

func TestAdmitAggregateBalance(t *testing.T) {
	addr, priv := testWallet(t, 2)
	acc := newFakeAccounts()
	// Covers two worst-case transfers, not three.
	perTx := uint64(block.GasBaseTx + 1000)
	acc.balances[addr] = block.NewAmount(2 * perTx)
	mp := New(10, 10_000_000)

	require.NoError(t, mp.Admit(signedTransfer(priv, 0, 1000), acc))
	require.NoError(t, mp.Admit(signedTransfer(priv, 1, 1000), acc))
	require.ErrorIs(t, mp.Admit(signedTransfer(priv, 2, 1000), acc), ErrInsufficientFunds)
}

func TestMempoolFull(t *testing.T) {
	addr, priv := testWallet(t, 3)
	acc := newFakeAccounts()
	acc.balances[addr] = block.NewAmount(100 * block.CoinUnit)
	mp := New(2, 10_000_000)

	require.NoError(t, mp.Admit(signedTransfer(priv, 0, 1), acc))
	require.NoError(t, mp.Admit(signedTransfer(priv, 1, 1), acc))
	require.ErrorIs(t, mp.Admit(signedTransfer(priv, 2, 1), acc), ErrMempoolFull)
}

func TestOversizedRejected(t *testing.T) {
	addr, priv := testWallet(t, 4)
	acc := newFakeAccounts()
	acc.balances[addr] = block.NewAmount(100 * block.CoinUnit)
	mp := New(10, 30_000) // below a transfer's worst case? no: transfer worst = 21000. Use call.
	callData := []byte(`{"contract":"x","method":"m"}`)
	tx := &block.Transaction{Kind: block.TxCallContract, Nonce: 0, Data: callData}
	tx.Sign(priv)
	require.ErrorIs(t, mp.Admit(tx, acc), ErrOversized)
	_ = addr
}

func TestSelectOrdersBySenderThenNonce(t *testing.T) {
	addrA, privA := testWallet(t, 5)
	addrB, privB := testWallet(t, 6)
	acc := newFakeAccounts()
	acc.balances[addrA] = block.NewAmount(100 * block.CoinUnit)
	acc.balances[addrB] = block.NewAmount(100 * block.CoinUnit)
	mp := New(100, 10_000_000)

	// B admitted first; A's txs arrive in reverse nonce order and are
	// rejected until contiguous.
	require.NoError(t, mp.Admit(signedTransfer(privB, 0, 1), acc))
	require.ErrorIs(t, mp.Admit(signedTransfer(privA, 2, 1), acc), ErrNonceGap)
	require.ErrorIs(t, mp.Admit(signedTransfer(privA, 1, 1), acc), ErrNonceGap)
	require.NoError(t, mp.Admit(signedTransfer(privA, 0, 1), acc))
	require.NoError(t, mp.Admit(signedTransfer(privA, 1, 1), acc))
	require.NoError(t, mp.Admit(signedTransfer(privA, 2, 1), acc))

	sel := mp.Select(10)
	require.Len(t, sel, 4)
	require.Equal(t, addrB, sel[0].From)
	require.Equal(t, addrA, sel[1].From)
	require.Equal(t, uint64(0), sel[1].Nonce)
	require.Equal(t, uint64(1), sel[2].Nonce)
	require.Equal(t, uint64(2), sel[3].Nonce)
}

func TestSelectHonorsMaxTxs(t *testing.T) {
	addr, priv := testWallet(t, 7)
	acc := newFakeAccounts()
	acc.balances[addr] = block.NewAmount(100 * block.CoinUnit)
	mp := New(100, 10_000_000)
	for i := uint64(0); i < 5; i++ {
		require.NoError(t, mp.Admit(signedTransfer(priv, i, 1), acc))
	}
	require.Len(t, mp.Select(3), 3)
}

func TestFinalizeRemovesConfirmed(t *testing.T) {
	addr, priv := testWallet(t, 8)
	acc := newFakeAccounts()
	acc.balances[addr] = block.NewAmount(100 * block.CoinUnit)
	mp := New(100, 10_000_000)
	tx0 := signedTransfer(priv, 0, 1)
	tx1 := signedTransfer(priv, 1, 1)
	require.NoError(t, mp.Admit(tx0, acc))
	require.NoError(t, mp.Admit(tx1, acc))
	require.Equal(t, 2, mp.Len())

	mp.Finalize([]*block.Transaction{tx0})
	require.Equal(t, 1, mp.Len())
	require.Equal(t, uint64(2), mp.PendingNonce(addr, 1))

	// Nonce 1 is still pending, so resubmitting it is rejected.
	acc.nonces[addr] = 1
	require.ErrorIs(t, mp.Admit(signedTransfer(priv, 1, 2), acc), ErrNonceAlreadyPending)
}

func TestPendingNonce(t *testing.T) {
	addr, priv := testWallet(t, 9)
	acc := newFakeAccounts()
	acc.balances[addr] = block.NewAmount(100 * block.CoinUnit)
	mp := New(100, 10_000_000)

	require.Equal(t, uint64(3), mp.PendingNonce(addr, 3))
	acc.nonces[addr] = 3
	require.NoError(t, mp.Admit(signedTransfer(priv, 3, 1), acc))
	require.NoError(t, mp.Admit(signedTransfer(priv, 4, 1), acc))
	require.Equal(t, uint64(5), mp.PendingNonce(addr, 3))
}
