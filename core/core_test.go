package core

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/core/mempool"
	"github.com/moshvm/mvm/core/state"
	"github.com/moshvm/mvm/mvm"
	"github.com/moshvm/mvm/storage"
	"github.com/moshvm/mvm/utils/address"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Faucet.Amount = 1000 * block.CoinUnit
	cfg.Faucet.CooldownMs = 0
	return cfg
}

func startTestNode(t *testing.T) (*ChainNode, clockwork.FakeClock) {
	t.Helper()
	kv, err := storage.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	cn, err := NewChainNode(testConfig(), kv, zap.NewNop(), clock)
	require.NoError(t, err)
	return cn, clock
}

func testWallet(t *testing.T, id int64) (block.AddressType, block.PrivkeyType) {
	t.Helper()
	rnd := rand.New(rand.NewSource(114514 + id))
	pub, priv := block.GenKeyPair(rnd)
	return block.DeriveAddress(pub), priv
}

// fund pushes faucet coins to addr and confirms them.
func fund(t *testing.T, cn *ChainNode, clock clockwork.FakeClock, addr block.AddressType) {
	t.Helper()
	_, err := cn.Faucet(addr)
	require.NoError(t, err)
	produce(t, cn, clock)
}

func produce(t *testing.T, cn *ChainNode, clock clockwork.FakeClock) *block.Block {
	t.Helper()
	clock.Advance(time.Duration(cn.cfg.BlockTimeMs) * time.Millisecond)
	b, err := cn.ProduceBlock()
	require.NoError(t, err)
	return b
}

func submitTransfer(t *testing.T, cn *ChainNode, priv block.PrivkeyType, nonce uint64, to block.AddressType, value uint64) *block.Transaction {
	t.Helper()
	toCopy := to
	tx := &block.Transaction{Kind: block.TxTransfer, Nonce: nonce, To: &toCopy, Value: block.NewAmount(value)}
	tx.Sign(priv)
	_, err := cn.SubmitTx(tx)
	require.NoError(t, err)
	return tx
}

func TestGenesisAndResume(t *testing.T) {
	kv, err := storage.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer kv.Close()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))

	cn, err := NewChainNode(testConfig(), kv, zap.NewNop(), clock)
	require.NoError(t, err)

	g, err := cn.GetBlock(0)
	require.NoError(t, err)
	require.Equal(t, block.HashType{}, g.PrevHash)
	require.Empty(t, g.TxHashes)
	require.Equal(t, cn.Authority(), g.Producer)

	acc, err := cn.GetAccount(cn.Authority())
	require.NoError(t, err)
	require.Equal(t, testConfig().GenesisBalance, acc.Balance.String())

	b1, err := cn.ProduceBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(1), b1.Height)

	// A second node over the same store resumes at height+1 with the
	// same authority and does not re-run genesis.
	cn2, err := NewChainNode(testConfig(), kv, zap.NewNop(), clock)
	require.NoError(t, err)
	require.Equal(t, cn.Authority(), cn2.Authority())
	b2, err := cn2.ProduceBlock()
	require.NoError(t, err)
	require.Equal(t, uint64(2), b2.Height)
	require.Equal(t, b1.Hash, b2.PrevHash)
}

func TestAuthorityMismatchOnResume(t *testing.T) {
	kv, err := storage.Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	defer kv.Close()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))

	_, err = NewChainNode(testConfig(), kv, zap.NewNop(), clock)
	require.NoError(t, err)

	// Swap the stored keypair under the same chain data.
	db, err := state.NewDB(kv)
	require.NoError(t, err)
	rnd := rand.New(rand.NewSource(99))
	_, otherPriv := block.GenKeyPair(rnd)
	require.NoError(t, db.SetAuthorityKey(otherPriv))

	_, err = NewChainNode(testConfig(), kv, zap.NewNop(), clock)
	require.ErrorIs(t, err, ErrAuthorityMismatch)
}

// Scenario: a simple confirmed transfer.
func TestTransferEndToEnd(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 1)
	addrB, _ := testWallet(t, 2)
	fund(t, cn, clock, addrA)

	before, err := cn.GetAccount(addrA)
	require.NoError(t, err)

	tx := submitTransfer(t, cn, privA, 0, addrB, 100)
	b := produce(t, cn, clock)
	require.Len(t, b.TxHashes, 1)
	require.Equal(t, tx.Hash(), b.TxHashes[0])

	accA, err := cn.GetAccount(addrA)
	require.NoError(t, err)
	spent := block.NewAmount(100 + block.GasBaseTx)
	wantA, err := before.Balance.Sub(spent)
	require.NoError(t, err)
	require.Zero(t, accA.Balance.Cmp(wantA))
	require.Equal(t, uint64(1), accA.Nonce)

	accB, err := cn.GetAccount(addrB)
	require.NoError(t, err)
	require.Equal(t, "100", accB.Balance.String())

	rec, err := cn.GetTx(tx.Hash())
	require.NoError(t, err)
	require.Equal(t, block.TxSuccess, rec.Status)
	require.Equal(t, uint64(block.GasBaseTx), rec.GasUsed)
}

// Scenario: replaying a confirmed payload is rejected at admission.
func TestReplayProtection(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 3)
	addrB, _ := testWallet(t, 4)
	fund(t, cn, clock, addrA)

	tx := submitTransfer(t, cn, privA, 0, addrB, 100)
	produce(t, cn, clock)

	_, err := cn.SubmitTx(tx)
	require.ErrorIs(t, err, mempool.ErrInvalidNonce)
}

// Scenario: token mint and move.
func TestTokenMintAndMove(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 5)
	addrB, _ := testWallet(t, 6)
	fund(t, cn, clock, addrA)

	data, err := json.Marshal(block.CreateTokenData{
		Name: "Test", Symbol: "TST", TotalSupply: block.NewAmount(1_000_000),
	})
	require.NoError(t, err)
	tx := &block.Transaction{Kind: block.TxCreateToken, Nonce: 0, Data: data}
	tx.Sign(privA)
	_, err = cn.SubmitTx(tx)
	require.NoError(t, err)
	produce(t, cn, clock)

	tokenAddr := DeriveTokenAddress(addrA, 0)
	tok, err := cn.GetToken(tokenAddr)
	require.NoError(t, err)
	require.Equal(t, "TST", tok.Symbol)

	bal, err := cn.TokenBalance(tokenAddr, addrA)
	require.NoError(t, err)
	require.Equal(t, "1000000", bal.String())

	moveData, err := json.Marshal(block.TransferTokenData{
		Token:  address.Encode(tokenAddr),
		To:     address.Encode(addrB),
		Amount: block.NewAmount(250),
	})
	require.NoError(t, err)
	tx2 := &block.Transaction{Kind: block.TxTransferToken, Nonce: 1, Data: moveData}
	tx2.Sign(privA)
	_, err = cn.SubmitTx(tx2)
	require.NoError(t, err)
	produce(t, cn, clock)

	balA, _ := cn.TokenBalance(tokenAddr, addrA)
	balB, _ := cn.TokenBalance(tokenAddr, addrB)
	require.Equal(t, "999750", balA.String())
	require.Equal(t, "250", balB.String())

	// Supply equals the holder sum.
	holders, err := cn.TokenHolders(tokenAddr)
	require.NoError(t, err)
	sum := block.Amount{}
	for _, h := range holders {
		sum, err = sum.Add(h.Balance)
		require.NoError(t, err)
	}
	require.Zero(t, sum.Cmp(tok.TotalSupply))
}

// Scenario: token moves over an uncovered balance fail but still
// advance the nonce.
func TestTokenTransferInsufficient(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 7)
	addrB, _ := testWallet(t, 8)
	fund(t, cn, clock, addrA)

	data, _ := json.Marshal(block.CreateTokenData{Name: "T", Symbol: "T", TotalSupply: block.NewAmount(10)})
	tx := &block.Transaction{Kind: block.TxCreateToken, Nonce: 0, Data: data}
	tx.Sign(privA)
	_, err := cn.SubmitTx(tx)
	require.NoError(t, err)
	produce(t, cn, clock)

	tokenAddr := DeriveTokenAddress(addrA, 0)
	moveData, _ := json.Marshal(block.TransferTokenData{
		Token: address.Encode(tokenAddr), To: address.Encode(addrB), Amount: block.NewAmount(11),
	})
	tx2 := &block.Transaction{Kind: block.TxTransferToken, Nonce: 1, Data: moveData}
	tx2.Sign(privA)
	_, err = cn.SubmitTx(tx2)
	require.NoError(t, err)
	produce(t, cn, clock)

	rec, err := cn.GetTx(tx2.Hash())
	require.NoError(t, err)
	require.Equal(t, block.TxFailed, rec.Status)
	require.Equal(t, "insufficient_token_balance", rec.Error)

	acc, err := cn.GetAccount(addrA)
	require.NoError(t, err)
	require.Equal(t, uint64(2), acc.Nonce)

	bal, _ := cn.TokenBalance(tokenAddr, addrA)
	require.Equal(t, "10", bal.String())
}

// Scenario: contract deploy, free reads, owner-gated setter.
func TestContractDeployAndAutoMethods(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 9)
	addrB, privB := testWallet(t, 10)
	fund(t, cn, clock, addrA)
	fund(t, cn, clock, addrB)

	spec := []byte(`{"name":"Counter","variables":[{"name":"count","type":"u64","default":"0"}]}`)
	tx := &block.Transaction{Kind: block.TxDeployContract, Nonce: 0, Data: spec}
	tx.Sign(privA)
	_, err := cn.SubmitTx(tx)
	require.NoError(t, err)
	produce(t, cn, clock)

	caddr := DeriveContractAddress(addrA, 0)
	c, err := cn.GetContract(caddr)
	require.NoError(t, err)
	require.Equal(t, address.Encode(addrA), c.Owner)

	// Free read returns the default.
	v, err := cn.ViewCall(caddr, "get_count", nil, "")
	require.NoError(t, err)
	require.Equal(t, "0", v.Canon())

	// Creator sets the value through the auto setter.
	callData, _ := json.Marshal(block.CallContractData{
		Contract: address.Encode(caddr), Method: "set_count", Args: []string{"42"},
	})
	tx2 := &block.Transaction{Kind: block.TxCallContract, Nonce: 1, Data: callData}
	tx2.Sign(privA)
	_, err = cn.SubmitTx(tx2)
	require.NoError(t, err)
	produce(t, cn, clock)

	v, err = cn.ViewCall(caddr, "get_count", nil, "")
	require.NoError(t, err)
	require.Equal(t, "42", v.Canon())

	// A different wallet's write is recorded as failed; state holds.
	callData2, _ := json.Marshal(block.CallContractData{
		Contract: address.Encode(caddr), Method: "set_count", Args: []string{"9"},
	})
	tx3 := &block.Transaction{Kind: block.TxCallContract, Nonce: 0, Data: callData2}
	tx3.Sign(privB)
	_, err = cn.SubmitTx(tx3)
	require.NoError(t, err)
	produce(t, cn, clock)

	rec, err := cn.GetTx(tx3.Hash())
	require.NoError(t, err)
	require.Equal(t, block.TxFailed, rec.Status)
	require.Equal(t, "only_owner", rec.Error)

	v, err = cn.ViewCall(caddr, "get_count", nil, "")
	require.NoError(t, err)
	require.Equal(t, "42", v.Canon())

	// A 21-op body is rejected before it can enter a block.
	longOps := make([]map[string]any, 21)
	for i := range longOps {
		longOps[i] = map[string]any{"op": "set", "var": "count", "value": "1"}
	}
	badSpec, _ := json.Marshal(map[string]any{
		"name":      "TooBig",
		"variables": []map[string]any{{"name": "count", "type": "u64"}},
		"functions": []map[string]any{{"name": "f", "body": longOps}},
	})
	tx4 := &block.Transaction{Kind: block.TxDeployContract, Nonce: 2, Data: badSpec}
	tx4.Sign(privA)
	_, err = cn.SubmitTx(tx4)
	var se *mvm.Error
	require.ErrorAs(t, err, &se)
	require.Equal(t, "spec_limit_exceeded", se.Code)
}

// Scenario: guarded payable vault over a linked token.
func TestVaultStakeUnstake(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 11)
	fund(t, cn, clock, addrA)

	data, _ := json.Marshal(block.CreateTokenData{Name: "Vault Token", Symbol: "VLT", TotalSupply: block.NewAmount(1_000_000)})
	tx := &block.Transaction{Kind: block.TxCreateToken, Nonce: 0, Data: data}
	tx.Sign(privA)
	_, err := cn.SubmitTx(tx)
	require.NoError(t, err)
	produce(t, cn, clock)
	tokenAddr := DeriveTokenAddress(addrA, 0)

	vaultSpec, _ := json.Marshal(map[string]any{
		"name":  "Vault",
		"token": address.Encode(tokenAddr),
		"variables": []map[string]any{
			{"name": "total_staked", "type": "u256", "default": "0"},
		},
		"mappings": []map[string]any{
			{"name": "balances", "key_type": "address", "value_type": "u256"},
		},
		"functions": []map[string]any{
			{
				"name":      "stake",
				"modifiers": []string{"payable"},
				"body": []map[string]any{
					{"op": "map_add", "map": "balances", "key": "msg.sender", "value": "msg.amount"},
					{"op": "add", "var": "total_staked", "value": "msg.amount"},
				},
			},
			{
				"name":      "unstake",
				"modifiers": []string{"write"},
				"args":      []map[string]any{{"name": "amount", "type": "u256"}},
				"body": []map[string]any{
					{"op": "require", "left": "balances[msg.sender]", "cmp": ">=", "right": "amount", "msg": "Insufficient"},
					{"op": "map_sub", "map": "balances", "key": "msg.sender", "value": "amount"},
					{"op": "sub", "var": "total_staked", "value": "amount"},
					{"op": "transfer", "to": "msg.sender", "amount": "amount"},
				},
			},
		},
	})
	tx2 := &block.Transaction{Kind: block.TxDeployContract, Nonce: 1, Data: vaultSpec}
	tx2.Sign(privA)
	_, err = cn.SubmitTx(tx2)
	require.NoError(t, err)
	produce(t, cn, clock)
	vaultAddr := DeriveContractAddress(addrA, 1)
	vaultText := address.Encode(vaultAddr)

	// Stake 10,000 with the amount carried in the tx value.
	stakeData, _ := json.Marshal(block.CallContractData{Contract: vaultText, Method: "stake"})
	tx3 := &block.Transaction{Kind: block.TxCallContract, Nonce: 2, Value: block.NewAmount(10_000), Data: stakeData}
	tx3.Sign(privA)
	_, err = cn.SubmitTx(tx3)
	require.NoError(t, err)
	produce(t, cn, clock)

	vaultBal, _ := cn.TokenBalance(tokenAddr, vaultAddr)
	require.Equal(t, "10000", vaultBal.String())
	v, err := cn.ViewCall(vaultAddr, "get_balances", []string{address.Encode(addrA)}, "")
	require.NoError(t, err)
	require.Equal(t, "10000", v.Canon())
	v, err = cn.ViewCall(vaultAddr, "get_total_staked", nil, "")
	require.NoError(t, err)
	require.Equal(t, "10000", v.Canon())

	// Over-withdrawal fails the guard and rolls back.
	unstakeData, _ := json.Marshal(block.CallContractData{Contract: vaultText, Method: "unstake", Args: []string{"15000"}})
	tx4 := &block.Transaction{Kind: block.TxCallContract, Nonce: 3, Data: unstakeData}
	tx4.Sign(privA)
	_, err = cn.SubmitTx(tx4)
	require.NoError(t, err)
	produce(t, cn, clock)
	rec, err := cn.GetTx(tx4.Hash())
	require.NoError(t, err)
	require.Equal(t, block.TxFailed, rec.Status)
	require.Equal(t, "guard_failed", rec.Error)
	v, _ = cn.ViewCall(vaultAddr, "get_total_staked", nil, "")
	require.Equal(t, "10000", v.Canon())

	// Partial unstake pays back from the vault.
	beforeA, _ := cn.TokenBalance(tokenAddr, addrA)
	unstakeData2, _ := json.Marshal(block.CallContractData{Contract: vaultText, Method: "unstake", Args: []string{"4000"}})
	tx5 := &block.Transaction{Kind: block.TxCallContract, Nonce: 4, Data: unstakeData2}
	tx5.Sign(privA)
	_, err = cn.SubmitTx(tx5)
	require.NoError(t, err)
	produce(t, cn, clock)

	v, _ = cn.ViewCall(vaultAddr, "get_balances", []string{address.Encode(addrA)}, "")
	require.Equal(t, "6000", v.Canon())
	afterA, _ := cn.TokenBalance(tokenAddr, addrA)
	diff, err := afterA.Sub(beforeA)
	require.NoError(t, err)
	require.Equal(t, "4000", diff.String())
}

// Scenario: a sender's burst confirms in nonce order.
func TestMempoolOrderingInBlock(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 12)
	addrB, _ := testWallet(t, 13)
	fund(t, cn, clock, addrA)

	for i := uint64(0); i < 3; i++ {
		submitTransfer(t, cn, privA, i, addrB, 10+i)
	}
	b := produce(t, cn, clock)
	require.Len(t, b.TxHashes, 3)
	for i, h := range b.TxHashes {
		rec, err := cn.GetTx(h)
		require.NoError(t, err)
		require.Equal(t, uint64(i), rec.Tx.Nonce)
		require.Equal(t, i, rec.Index)
	}
	acc, err := cn.GetAccount(addrA)
	require.NoError(t, err)
	require.Equal(t, uint64(3), acc.Nonce)
}

func TestRewardPayoutSplit(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 14)
	addrB, _ := testWallet(t, 15)
	fund(t, cn, clock, addrA)

	// A earns activity; the next block ranks it as a service node.
	submitTransfer(t, cn, privA, 0, addrB, 1)
	produce(t, cn, clock)

	beforeAuth, _ := cn.GetAccount(cn.Authority())
	beforeA, _ := cn.GetAccount(addrA)
	b := produce(t, cn, clock)

	total := block.Amount{}
	var err error
	for _, p := range b.Rewards {
		total, err = total.Add(p.Amount)
		require.NoError(t, err)
	}
	require.Equal(t, block.NewAmount(cn.cfg.BlockReward).String(), total.String())

	// Producer share plus unfilled ranks; rank 1 goes to A.
	pool := cn.cfg.BlockReward * (100 - cn.cfg.ProducerPercent) / 100
	rank1 := pool * cn.cfg.RankPercents[0] / 100
	afterA, _ := cn.GetAccount(addrA)
	gotA, err := afterA.Balance.Sub(beforeA.Balance)
	require.NoError(t, err)
	require.Equal(t, block.NewAmount(rank1).String(), gotA.String())

	afterAuth, _ := cn.GetAccount(cn.Authority())
	gotAuth, err := afterAuth.Balance.Sub(beforeAuth.Balance)
	require.NoError(t, err)
	require.Equal(t, block.NewAmount(cn.cfg.BlockReward-rank1).String(), gotAuth.String())
}

func TestBlockChainLinks(t *testing.T) {
	cn, clock := startTestNode(t)
	var prev *block.Block
	for i := 0; i < 5; i++ {
		b := produce(t, cn, clock)
		if prev != nil {
			require.Equal(t, prev.Hash, b.PrevHash)
			require.Equal(t, prev.Height+1, b.Height)
			require.GreaterOrEqual(t, b.TimestampMs, prev.TimestampMs)
		}
		require.Equal(t, b.Hash, b.ComputeHash())
		prev = b
	}
	blocks, err := cn.RecentBlocks(3)
	require.NoError(t, err)
	require.Len(t, blocks, 3)
	require.Equal(t, prev.Hash, blocks[0].Hash)
}

func TestDeterministicDerivedAddresses(t *testing.T) {
	addrA, _ := testWallet(t, 16)
	require.Equal(t, DeriveTokenAddress(addrA, 0), DeriveTokenAddress(addrA, 0))
	require.NotEqual(t, DeriveTokenAddress(addrA, 0), DeriveTokenAddress(addrA, 1))
	require.NotEqual(t, DeriveTokenAddress(addrA, 0), DeriveContractAddress(addrA, 0))
}

func TestContractEventsPersisted(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 17)
	fund(t, cn, clock, addrA)

	spec, _ := json.Marshal(map[string]any{
		"name":      "Pinger",
		"variables": []map[string]any{{"name": "n", "type": "u64"}},
		"functions": []map[string]any{{
			"name":      "ping",
			"modifiers": []string{"write"},
			"body": []map[string]any{
				{"op": "add", "var": "n", "value": "1"},
				{"op": "emit", "event_name": "Ping", "event_args": []any{"msg.sender", "n"}},
			},
		}},
	})
	tx := &block.Transaction{Kind: block.TxDeployContract, Nonce: 0, Data: spec}
	tx.Sign(privA)
	_, err := cn.SubmitTx(tx)
	require.NoError(t, err)
	produce(t, cn, clock)
	caddr := DeriveContractAddress(addrA, 0)

	callData, _ := json.Marshal(block.CallContractData{Contract: address.Encode(caddr), Method: "ping"})
	tx2 := &block.Transaction{Kind: block.TxCallContract, Nonce: 1, Data: callData}
	tx2.Sign(privA)
	_, err = cn.SubmitTx(tx2)
	require.NoError(t, err)
	produce(t, cn, clock)

	evs, err := cn.ContractEvents(caddr)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	require.Equal(t, "Ping", evs[0].Name)
	require.Equal(t, tx2.Hash(), evs[0].TxHash)
	require.Equal(t, []string{address.Encode(addrA), "1"}, evs[0].Args)
}

func TestSubscribersNotified(t *testing.T) {
	cn, clock := startTestNode(t)
	blocks := cn.SubscribeBlocks()
	txs := cn.SubscribeTxs()

	addrA, _ := testWallet(t, 18)
	h, err := cn.Faucet(addrA)
	require.NoError(t, err)
	select {
	case got := <-txs:
		require.Equal(t, h, got)
	default:
		t.Fatal("no tx notification")
	}

	b := produce(t, cn, clock)
	select {
	case got := <-blocks:
		require.Equal(t, b.Hash, got.Hash)
	default:
		t.Fatal("no block notification")
	}
}

func TestPendingNonceQuery(t *testing.T) {
	cn, clock := startTestNode(t)
	addrA, privA := testWallet(t, 19)
	addrB, _ := testWallet(t, 20)
	fund(t, cn, clock, addrA)

	n, err := cn.PendingNonce(addrA)
	require.NoError(t, err)
	require.Zero(t, n)

	submitTransfer(t, cn, privA, 0, addrB, 1)
	submitTransfer(t, cn, privA, 1, addrB, 1)
	n, err = cn.PendingNonce(addrA)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)

	produce(t, cn, clock)
	n, err = cn.Nonce(addrA)
	require.NoError(t, err)
	require.Equal(t, uint64(2), n)
}
