// Package mempool holds pending transactions with per-sender nonce
// discipline until the producer drains them.
package mempool

import (
	"errors"
	"sync"

	"github.com/moshvm/mvm/core/block"
)

var (
	ErrInvalidNonce        = errors.New("invalid_nonce")
	ErrNonceGap            = errors.New("nonce_gap")
	ErrNonceAlreadyPending = errors.New("nonce_already_pending")
	ErrInsufficientFunds   = errors.New("insufficient_balance")
	ErrMempoolFull         = errors.New("mempool_full")
	ErrOversized           = errors.New("oversized")
	ErrDuplicate           = errors.New("nonce_already_pending: duplicate hash")
)

// AccountSource reads confirmed balance and nonce at admission time.
type AccountSource interface {
	AccountState(a block.AddressType) (balance block.Amount, nonce uint64, err error)
}

// senderQueue is a contiguous nonce run starting at startNonce.
type senderQueue struct {
	startNonce uint64
	txs        []*block.Transaction
	admitted   uint64 // sequence of first admission, for drain order
}

type Mempool struct {
	mu         sync.Mutex
	bySender   map[block.AddressType]*senderQueue
	byHash     map[block.HashType]bool
	maxPending int
	gasLimit   uint64
	size       int
	admitSeq   uint64
}

func New(maxPending int, gasLimit uint64) *Mempool {
	return &Mempool{
		bySender:   make(map[block.AddressType]*senderQueue),
		byHash:     make(map[block.HashType]bool),
		maxPending: maxPending,
		gasLimit:   gasLimit,
	}
}

// Admit validates and enqueues a signed transaction. The mutex is
// never held across I/O; the account read happens first.
func (mp *Mempool) Admit(tx *block.Transaction, acc AccountSource) error {
	if err := tx.Verify(); err != nil {
		return err
	}
	if tx.WorstCaseGas() > mp.gasLimit {
		return ErrOversized
	}
	balance, confirmed, err := acc.AccountState(tx.From)
	if err != nil {
		return err
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.size >= mp.maxPending {
		return ErrMempoolFull
	}
	if mp.byHash[tx.Hash()] {
		return ErrDuplicate
	}

	q := mp.bySender[tx.From]
	next := confirmed
	if q != nil && len(q.txs) > 0 {
		next = q.startNonce + uint64(len(q.txs))
	}
	switch {
	case tx.Nonce < confirmed:
		return ErrInvalidNonce
	case tx.Nonce < next:
		return ErrNonceAlreadyPending
	case tx.Nonce > next:
		return ErrNonceGap
	}

	// The balance must cover the worst case of everything pending from
	// this sender plus the new transaction.
	need := block.NewAmount(tx.WorstCaseGas())
	need, err = need.Add(tx.Value)
	if err != nil {
		return ErrInsufficientFunds
	}
	if q != nil {
		for _, p := range q.txs {
			need, err = need.Add(block.NewAmount(p.WorstCaseGas()))
			if err != nil {
				return ErrInsufficientFunds
			}
			need, err = need.Add(p.Value)
			if err != nil {
				return ErrInsufficientFunds
			}
		}
	}
	if balance.Cmp(need) < 0 {
		return ErrInsufficientFunds
	}

	if q == nil {
		mp.admitSeq++
		q = &senderQueue{startNonce: tx.Nonce, admitted: mp.admitSeq}
		mp.bySender[tx.From] = q
	}
	q.txs = append(q.txs, tx)
	mp.byHash[tx.Hash()] = true
	mp.size++
	return nil
}

// Select drains up to maxTxs transactions for a block: senders in
// earliest-admission order, each sender's run in nonce order, capped
// by the block gas limit. The pool itself is not modified; Finalize
// removes confirmed entries.
func (mp *Mempool) Select(maxTxs int) []*block.Transaction {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	type entry struct {
		q *senderQueue
	}
	var order []entry
	for _, q := range mp.bySender {
		order = append(order, entry{q: q})
	}
	// Earliest admission first; the sequence is unique.
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && order[j].q.admitted < order[j-1].q.admitted; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}

	var out []*block.Transaction
	var gasUsed uint64
	for _, e := range order {
		for _, tx := range e.q.txs {
			if len(out) >= maxTxs {
				return out
			}
			if gasUsed+tx.WorstCaseGas() > mp.gasLimit {
				return out
			}
			gasUsed += tx.WorstCaseGas()
			out = append(out, tx)
		}
	}
	return out
}

// Finalize removes confirmed transactions after a block commits.
func (mp *Mempool) Finalize(confirmed []*block.Transaction) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	for _, tx := range confirmed {
		h := tx.Hash()
		if !mp.byHash[h] {
			continue
		}
		delete(mp.byHash, h)
		mp.size--
		q := mp.bySender[tx.From]
		if q == nil {
			continue
		}
		for i, p := range q.txs {
			if p.Hash() == h {
				q.txs = append(q.txs[:i], q.txs[i+1:]...)
				if i == 0 {
					q.startNonce = tx.Nonce + 1
				}
				break
			}
		}
		if len(q.txs) == 0 {
			delete(mp.bySender, tx.From)
		}
	}
}

// PendingNonce is the confirmed nonce plus this sender's pending run.
func (mp *Mempool) PendingNonce(a block.AddressType, confirmed uint64) uint64 {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if q := mp.bySender[a]; q != nil {
		return confirmed + uint64(len(q.txs))
	}
	return confirmed
}

// Snapshot lists all pending transactions, senders in admission
// order, without the block gas cap.
func (mp *Mempool) Snapshot() []*block.Transaction {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	var qs []*senderQueue
	for _, q := range mp.bySender {
		qs = append(qs, q)
	}
	for i := 1; i < len(qs); i++ {
		for j := i; j > 0 && qs[j].admitted < qs[j-1].admitted; j-- {
			qs[j], qs[j-1] = qs[j-1], qs[j]
		}
	}
	var out []*block.Transaction
	for _, q := range qs {
		out = append(out, q.txs...)
	}
	return out
}

func (mp *Mempool) Len() int {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	return mp.size
}
