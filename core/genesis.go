package core

import (
	"fmt"

	"github.com/moshvm/mvm/core/block"
)

// ensureGenesis creates block 0 and the authority account on first
// boot. An existing store is left untouched.
func (cn *ChainNode) ensureGenesis(nowMs uint64) error {
	if _, ok, err := cn.db.Reader().Height(); err != nil {
		return err
	} else if ok {
		return nil
	}

	bal, err := cn.cfg.genesisBalance()
	if err != nil {
		return fmt.Errorf("genesis balance: %w", err)
	}

	m := cn.db.Mutator()
	if err := m.Credit(cn.authority, bal); err != nil {
		return err
	}
	g := &block.Block{
		Height:      0,
		PrevHash:    block.HashType{},
		TimestampMs: nowMs,
		Producer:    cn.authority,
		TxHashes:    []block.HashType{},
	}
	g.FillHash()
	if err := m.PutBlock(g); err != nil {
		return err
	}
	m.SetChainID(cn.cfg.ChainID)
	m.SetProducer(cn.authority)
	m.SetGenesisTimeMs(nowMs)

	b := cn.db.KV().NewBatch()
	m.Flush(b)
	if err := b.Write(); err != nil {
		return err
	}
	cn.log.Info("genesis block created",
		zapAddr("authority", cn.authority),
		zapAmount("balance", bal))
	return nil
}
