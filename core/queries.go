package core

import (
	"errors"
	"fmt"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/core/state"
	"github.com/moshvm/mvm/mvm"
	"github.com/moshvm/mvm/utils/address"

	"github.com/patrickmn/go-cache"
)

var ErrNotFound = state.ErrNoRecord

type Status struct {
	ChainID   string            `json:"chain_id"`
	Height    uint64            `json:"height"`
	LatestTs  uint64            `json:"latest_timestamp_ms"`
	Authority block.AddressType `json:"authority"`
	Pending   int               `json:"pending_txs"`
}

// reader pins a snapshot for one request; the caller must release.
func (cn *ChainNode) reader() (*state.Reader, func(), error) {
	return cn.db.SnapshotReader()
}

func (cn *ChainNode) Status() (*Status, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	height, _, err := r.Height()
	if err != nil {
		return nil, err
	}
	b, err := r.GetBlock(height)
	if err != nil {
		return nil, err
	}
	id, err := r.ChainID()
	if err != nil {
		return nil, err
	}
	return &Status{
		ChainID:   id,
		Height:    height,
		LatestTs:  b.TimestampMs,
		Authority: cn.authority,
		Pending:   cn.mp.Len(),
	}, nil
}

func (cn *ChainNode) GetBlock(height uint64) (*block.Block, error) {
	return cn.db.Reader().GetBlock(height)
}

func (cn *ChainNode) GetBlockByHash(h block.HashType) (*block.Block, error) {
	if v, ok := cn.blockCache.Get(h.String()); ok {
		return v.(*block.Block), nil
	}
	b, err := cn.db.Reader().GetBlockByHash(h)
	if err != nil {
		return nil, err
	}
	cn.blockCache.Set(h.String(), b, cache.DefaultExpiration)
	return b, nil
}

func (cn *ChainNode) LatestBlock() (*block.Block, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	height, _, err := r.Height()
	if err != nil {
		return nil, err
	}
	return r.GetBlock(height)
}

// RecentBlocks returns up to n blocks ending at the head, newest
// first.
func (cn *ChainNode) RecentBlocks(n int) ([]*block.Block, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	height, _, err := r.Height()
	if err != nil {
		return nil, err
	}
	var out []*block.Block
	for i := 0; i < n; i++ {
		h := height - uint64(i)
		b, err := r.GetBlock(h)
		if err != nil {
			if errors.Is(err, state.ErrNoRecord) {
				break
			}
			return nil, err
		}
		out = append(out, b)
		if h == 0 {
			break
		}
	}
	return out, nil
}

func (cn *ChainNode) GetTx(h block.HashType) (*state.StoredTx, error) {
	if v, ok := cn.txCache.Get(h.String()); ok {
		return v.(*state.StoredTx), nil
	}
	tx, err := cn.db.Reader().GetTx(h)
	if err != nil {
		return nil, err
	}
	cn.txCache.Set(h.String(), tx, cache.DefaultExpiration)
	return tx, nil
}

func (cn *ChainNode) TxsByAddress(a block.AddressType, limit int) ([]*state.StoredTx, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return r.TxsByAddress(a, limit)
}

func (cn *ChainNode) GetAccount(a block.AddressType) (state.Account, error) {
	return cn.db.Reader().GetAccount(a)
}

func (cn *ChainNode) Nonce(a block.AddressType) (uint64, error) {
	acc, err := cn.GetAccount(a)
	return acc.Nonce, err
}

func (cn *ChainNode) PendingNonce(a block.AddressType) (uint64, error) {
	acc, err := cn.GetAccount(a)
	if err != nil {
		return 0, err
	}
	return cn.mp.PendingNonce(a, acc.Nonce), nil
}

func (cn *ChainNode) MempoolSnapshot() []*block.Transaction {
	return cn.mp.Snapshot()
}

// --- tokens ---

func (cn *ChainNode) Tokens() ([]*state.Token, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return r.Tokens()
}

func (cn *ChainNode) GetToken(a block.AddressType) (*state.Token, error) {
	return cn.db.Reader().GetToken(a)
}

func (cn *ChainNode) TokenBalance(token, holder block.AddressType) (block.Amount, error) {
	return cn.db.Reader().TokenBalance(token, holder)
}

func (cn *ChainNode) TokenHolders(token block.AddressType) ([]state.TokenHolder, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return r.TokenHolders(token)
}

func (cn *ChainNode) TokensByCreator(creator block.AddressType) ([]*state.Token, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return r.TokensByCreator(creator)
}

func (cn *ChainNode) TokensByHolder(holder block.AddressType) ([]state.TokenHolding, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return r.TokensByHolder(holder)
}

// --- contracts ---

func (cn *ChainNode) Contracts() ([]*mvm.Contract, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return r.Contracts()
}

func (cn *ChainNode) GetContract(a block.AddressType) (*mvm.Contract, error) {
	return cn.db.Reader().GetContract(a)
}

func (cn *ChainNode) ContractMBI(a block.AddressType) (*mvm.MBI, error) {
	c, err := cn.GetContract(a)
	if err != nil {
		return nil, err
	}
	return mvm.BuildMBI(c), nil
}

func (cn *ChainNode) ContractVar(a block.AddressType, name string) (string, bool, error) {
	return cn.db.Reader().GetVar(a, name)
}

func (cn *ChainNode) ContractMapEntry(a block.AddressType, mapName, key string) (string, bool, error) {
	return cn.db.Reader().GetMap(a, mapName, key)
}

func (cn *ChainNode) ContractMapEntries(a block.AddressType, mapName string) ([]state.MapEntry, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return r.MapEntries(a, mapName)
}

func (cn *ChainNode) ContractEvents(a block.AddressType) ([]state.Event, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	return r.Events(a)
}

// ViewCall runs a View function against a pinned snapshot with zero
// gas; no transaction, no nonce, no fee.
func (cn *ChainNode) ViewCall(a block.AddressType, method string, args []string, caller string) (*mvm.Value, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	c, err := r.GetContract(a)
	if err != nil {
		return nil, err
	}
	height, _, err := r.Height()
	if err != nil {
		return nil, err
	}
	b, err := r.GetBlock(height)
	if err != nil {
		return nil, err
	}
	env := mvm.Env{
		Caller:           caller,
		BlockHeight:      height,
		BlockTimestampMs: b.TimestampMs,
	}
	return cn.vm.View(r.VM(), c, method, args, env)
}

// --- leaderboard ---

type Leaderboard struct {
	TopBalances []state.Balance       `json:"top_balances"`
	TopActivity []state.ActivityEntry `json:"top_activity"`
}

func (cn *ChainNode) Leaderboard() (*Leaderboard, error) {
	r, release, err := cn.reader()
	if err != nil {
		return nil, err
	}
	defer release()
	balances, err := r.TopBalances(10)
	if err != nil {
		return nil, err
	}
	activity, err := r.TopActivity(10)
	if err != nil {
		return nil, err
	}
	return &Leaderboard{TopBalances: balances, TopActivity: activity}, nil
}

// --- faucet ---

var (
	ErrFaucetDisabled = errors.New("faucet_disabled")
	ErrFaucetCooldown = errors.New("faucet_cooldown")
)

// Faucet funds an address from the authority account through the
// normal mempool path, so the single-writer rule holds. The cooldown
// stamp commits with the transfer's block.
func (cn *ChainNode) Faucet(to block.AddressType) (block.HashType, error) {
	if !cn.cfg.Faucet.Enabled {
		return block.HashType{}, ErrFaucetDisabled
	}
	nowMs := uint64(cn.clock.Now().UnixMilli())
	r := cn.db.Reader()
	last, ok, err := r.FaucetClaim(to)
	if err != nil {
		return block.HashType{}, err
	}
	if ok && nowMs < last+cn.cfg.Faucet.CooldownMs {
		return block.HashType{}, ErrFaucetCooldown
	}
	nonce, err := cn.PendingNonce(cn.authority)
	if err != nil {
		return block.HashType{}, err
	}
	toCopy := to
	tx := &block.Transaction{
		Kind:  block.TxTransfer,
		Nonce: nonce,
		To:    &toCopy,
		Value: block.NewAmount(cn.cfg.Faucet.Amount),
		Data:  []byte(fmt.Sprintf(`{"faucet":true,"ts":%d}`, nowMs)),
	}
	tx.Sign(cn.authorityPriv)
	h, err := cn.SubmitTx(tx)
	if err != nil {
		return block.HashType{}, err
	}
	cn.pendingFaucetClaim(to, nowMs)
	return h, nil
}

// pendingFaucetClaim records the claim stamp. The producer commits it
// with the next block's outer batch.
func (cn *ChainNode) pendingFaucetClaim(to block.AddressType, nowMs uint64) {
	cn.faucetMu.Lock()
	cn.faucetClaims[to] = nowMs
	cn.faucetMu.Unlock()
}

// EncodeAddress is a convenience for callers rendering payouts.
func EncodeAddress(a block.AddressType) string {
	return address.Encode(a)
}
