package core

import (
	"github.com/moshvm/mvm/core/block"
	"github.com/moshvm/mvm/core/state"
)

// computeRewards splits the fixed block reward: ProducerPercent to
// the producer, the rest across the top three service addresses at
// RankPercents. Shares without a candidate fall back to the producer.
// Ranking reads the pre-block committed state, so payouts never
// depend on this block's own transactions.
func (cn *ChainNode) computeRewards(r *state.Reader, producer block.AddressType) ([]block.RewardPayout, error) {
	total := cn.cfg.BlockReward
	producerShare := total * cn.cfg.ProducerPercent / 100
	servicePool := total - producerShare

	// One extra candidate so the ranks stay filled when the authority
	// is among the most active.
	top, err := r.TopActivity(len(cn.cfg.RankPercents) + 1)
	if err != nil {
		return nil, err
	}
	// The authority's own activity does not earn a service slot.
	filtered := top[:0]
	for _, e := range top {
		if e.Address != producer {
			filtered = append(filtered, e)
		}
	}
	top = filtered

	var used uint64
	var payouts []block.RewardPayout
	for i, pct := range cn.cfg.RankPercents {
		if i >= len(top) {
			break
		}
		share := servicePool * pct / 100
		if share == 0 {
			continue
		}
		used += share
		payouts = append(payouts, block.RewardPayout{
			Address: top[i].Address,
			Amount:  block.NewAmount(share),
		})
	}
	// Rounding remainder and unfilled ranks go to the producer.
	payouts = append([]block.RewardPayout{{
		Address: producer,
		Amount:  block.NewAmount(producerShare + (servicePool - used)),
	}}, payouts...)
	return payouts, nil
}

func (cn *ChainNode) creditRewards(m *state.Mutator, payouts []block.RewardPayout) error {
	for _, p := range payouts {
		if err := m.Credit(p.Address, p.Amount); err != nil {
			return err
		}
	}
	return nil
}
