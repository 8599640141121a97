// Package core drives the single-authority chain: mempool admission,
// the block production loop, state transition and the read surface.
package core

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/core/mempool"
	"github.com/moshvm/mvm/core/state"
	"github.com/moshvm/mvm/mvm"
	"github.com/moshvm/mvm/storage"
	"github.com/moshvm/mvm/utils/address"

	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

var ErrAuthorityMismatch = errors.New("authority mismatch")

type ChainNode struct {
	cfg   Config
	log   *zap.Logger
	db    *state.DB
	mp    *mempool.Mempool
	vm    *mvm.VM
	clock clockwork.Clock

	authority     block.AddressType
	authorityPriv block.PrivkeyType

	// Read-path caches over hot lookups; state stays authoritative.
	blockCache *cache.Cache
	txCache    *cache.Cache

	subMu     sync.Mutex
	blockSubs []chan *block.Block
	txSubs    []chan block.HashType

	// Faucet cooldown stamps waiting for the next block commit.
	faucetMu     sync.Mutex
	faucetClaims map[block.AddressType]uint64

	producing sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

func NewChainNode(cfg Config, kv *storage.Database, log *zap.Logger, clock clockwork.Clock) (*ChainNode, error) {
	db, err := state.NewDB(kv)
	if err != nil {
		return nil, err
	}
	cn := &ChainNode{
		cfg:          cfg,
		log:          log,
		db:           db,
		mp:           mempool.New(cfg.MaxPending, cfg.GasLimit),
		vm:           mvm.New(),
		clock:        clock,
		blockCache:   cache.New(time.Minute*5, time.Minute*10),
		txCache:      cache.New(time.Minute*5, time.Minute*10),
		faucetClaims: make(map[block.AddressType]uint64),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if err := cn.loadAuthority(); err != nil {
		return nil, err
	}
	if err := cn.ensureGenesis(uint64(clock.Now().UnixMilli())); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	if err := cn.checkResume(); err != nil {
		return nil, err
	}
	return cn, nil
}

// loadAuthority loads or creates the producer keypair persisted next
// to the chain data.
func (cn *ChainNode) loadAuthority() error {
	priv, ok, err := cn.db.AuthorityKey()
	if err != nil {
		return err
	}
	if !ok {
		_, priv = block.GenKeyPair(rand.Reader)
		if err := cn.db.SetAuthorityKey(priv); err != nil {
			return err
		}
	}
	cn.authorityPriv = priv
	var pub block.PubkeyType
	copy(pub[:], priv[32:])
	cn.authority = block.DeriveAddress(pub)
	return nil
}

// checkResume verifies an existing store belongs to this authority.
// meta/height is authoritative; the outer batch makes partial blocks
// impossible, so nothing else needs repair.
func (cn *ChainNode) checkResume() error {
	r := cn.db.Reader()
	prod, ok, err := r.Producer()
	if err != nil {
		return err
	}
	if ok && prod != cn.authority {
		return fmt.Errorf("%w: store produced by %s", ErrAuthorityMismatch, address.Encode(prod))
	}
	height, ok, err := r.Height()
	if err != nil || !ok {
		return err
	}
	b, err := r.GetBlock(height)
	if err != nil {
		return err
	}
	if b.Producer != cn.authority {
		return fmt.Errorf("%w: block %d produced by %s", ErrAuthorityMismatch, height, address.Encode(b.Producer))
	}
	cn.log.Info("resuming chain", zap.Uint64("height", height), zapAddr("authority", cn.authority))
	return nil
}

func (cn *ChainNode) Authority() block.AddressType {
	return cn.authority
}

func (cn *ChainNode) Config() Config {
	return cn.cfg
}

// Run produces blocks until Stop. A tick that fires while the
// previous block is still executing is skipped.
func (cn *ChainNode) Run() {
	defer close(cn.done)
	ticker := cn.clock.NewTicker(time.Duration(cn.cfg.BlockTimeMs) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			if !cn.producing.TryLock() {
				cn.log.Warn("skipping tick, previous block still executing")
				continue
			}
			b, err := cn.produceBlock()
			cn.producing.Unlock()
			if err != nil {
				cn.log.Error("block production failed", zap.Error(err))
				return
			}
			cn.log.Info("block produced",
				zap.Uint64("height", b.Height),
				zap.Int("txs", len(b.TxHashes)),
				zap.String("hash", b.Hash.String()[:16]))
		case <-cn.stop:
			return
		}
	}
}

func (cn *ChainNode) Stop() {
	close(cn.stop)
	<-cn.done
}

// ProduceBlock assembles and commits one block immediately. Exposed
// for tests and tools; Run calls it on every tick.
func (cn *ChainNode) ProduceBlock() (*block.Block, error) {
	cn.producing.Lock()
	defer cn.producing.Unlock()
	return cn.produceBlock()
}

func (cn *ChainNode) produceBlock() (*block.Block, error) {
	r := cn.db.Reader()
	height, _, err := r.Height()
	if err != nil {
		return nil, err
	}
	prev, err := r.GetBlock(height)
	if err != nil {
		return nil, err
	}

	tsMs := uint64(cn.clock.Now().UnixMilli())
	if tsMs < prev.TimestampMs {
		tsMs = prev.TimestampMs
	}
	newHeight := height + 1

	selected := cn.mp.Select(cn.cfg.MaxTxsPerBlock)
	m := cn.db.Mutator()

	var included []*block.Transaction
	var hashes []block.HashType
	var logIdx uint64
	for _, tx := range selected {
		rec, err := cn.applyTx(m, tx, newHeight, tsMs, len(included), &logIdx)
		if err != nil {
			return nil, fmt.Errorf("apply tx %s: %w", tx.Hash(), err)
		}
		if rec == nil {
			cn.log.Debug("dropping stale tx", zap.String("hash", tx.Hash().String()))
			continue
		}
		included = append(included, tx)
		hashes = append(hashes, tx.Hash())
	}

	cn.faucetMu.Lock()
	for a, ts := range cn.faucetClaims {
		m.SetFaucetClaim(a, ts)
		delete(cn.faucetClaims, a)
	}
	cn.faucetMu.Unlock()

	payouts, err := cn.computeRewards(r, cn.authority)
	if err != nil {
		return nil, err
	}
	if err := cn.creditRewards(m, payouts); err != nil {
		return nil, err
	}

	b := &block.Block{
		Height:      newHeight,
		PrevHash:    prev.Hash,
		TimestampMs: tsMs,
		Producer:    cn.authority,
		TxHashes:    hashes,
		Rewards:     payouts,
	}
	b.FillHash()
	if err := m.PutBlock(b); err != nil {
		return nil, err
	}

	// One outer atomic batch: the block lands fully or not at all.
	batch := cn.db.KV().NewBatch()
	touched := m.Flush(batch)
	if err := batch.Write(); err != nil {
		return nil, err
	}
	for _, a := range touched {
		cn.db.InvalidateContract(a)
	}

	cn.mp.Finalize(selected)
	cn.blockCache.Set(b.Hash.String(), b, cache.DefaultExpiration)
	cn.notifyBlock(b)
	return b, nil
}

var ErrMissingRecipient = errors.New("invalid_signature: transfer needs a recipient")

// SubmitTx admits a signed transaction into the mempool. Deploy specs
// are validated here so a malformed contract never enters a block.
func (cn *ChainNode) SubmitTx(tx *block.Transaction) (block.HashType, error) {
	if tx.Kind == block.TxTransfer && tx.To == nil {
		return block.HashType{}, ErrMissingRecipient
	}
	if tx.Kind == block.TxDeployContract {
		if _, err := mvm.ParseSpec(tx.Data); err != nil {
			return block.HashType{}, err
		}
	}
	if tx.Kind == block.TxCallContract {
		d, err := tx.DecodeCallContract()
		if err != nil {
			return block.HashType{}, &mvm.Error{Code: "spec_limit_exceeded", Msg: err.Error()}
		}
		if d.Amount != nil && !tx.Value.IsZero() && tx.Value.Cmp(*d.Amount) != 0 {
			return block.HashType{}, &mvm.Error{Code: "spec_limit_exceeded", Msg: "value/amount mismatch"}
		}
	}
	if err := cn.mp.Admit(tx, cn); err != nil {
		return block.HashType{}, err
	}
	h := tx.Hash()
	cn.notifyTx(h)
	return h, nil
}

// AccountState implements mempool.AccountSource over committed state.
func (cn *ChainNode) AccountState(a block.AddressType) (block.Amount, uint64, error) {
	acc, err := cn.db.Reader().GetAccount(a)
	if err != nil {
		return block.Amount{}, 0, err
	}
	return acc.Balance, acc.Nonce, nil
}

// --- subscriptions ---

func (cn *ChainNode) SubscribeBlocks() chan *block.Block {
	ch := make(chan *block.Block, 16)
	cn.subMu.Lock()
	cn.blockSubs = append(cn.blockSubs, ch)
	cn.subMu.Unlock()
	return ch
}

func (cn *ChainNode) SubscribeTxs() chan block.HashType {
	ch := make(chan block.HashType, 64)
	cn.subMu.Lock()
	cn.txSubs = append(cn.txSubs, ch)
	cn.subMu.Unlock()
	return ch
}

func (cn *ChainNode) notifyBlock(b *block.Block) {
	cn.subMu.Lock()
	defer cn.subMu.Unlock()
	for _, ch := range cn.blockSubs {
		select {
		case ch <- b:
		default:
		}
	}
}

func (cn *ChainNode) notifyTx(h block.HashType) {
	cn.subMu.Lock()
	defer cn.subMu.Unlock()
	for _, ch := range cn.txSubs {
		select {
		case ch <- h:
		default:
		}
	}
}

// --- zap field helpers ---

func zapAddr(key string, a block.AddressType) zap.Field {
	return zap.String(key, address.Encode(a))
}

func zapAmount(key string, a block.Amount) zap.Field {
	return zap.String(key, a.String())
}
