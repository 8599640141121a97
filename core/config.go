package core

import "github.com/moshvm/mvm/core/block"

type FaucetConfig struct {
	Enabled    bool   `mapstructure:"enabled" json:"enabled"`
	Amount     uint64 `mapstructure:"amount" json:"amount"`
	CooldownMs uint64 `mapstructure:"cooldown_ms" json:"cooldown_ms"`
}

type Config struct {
	ChainID        string `mapstructure:"chain_id" json:"chain_id"`
	DataDir        string `mapstructure:"data_dir" json:"data_dir"`
	BlockTimeMs    uint64 `mapstructure:"block_time_ms" json:"block_time_ms"`
	GasLimit       uint64 `mapstructure:"gas_limit" json:"gas_limit"`
	MaxTxsPerBlock int    `mapstructure:"max_txs_per_block" json:"max_txs_per_block"`
	MaxPending     int    `mapstructure:"max_pending" json:"max_pending"`

	// Reward split: producer gets ProducerPercent of BlockReward, the
	// rest goes to the top three service addresses at RankPercents.
	BlockReward     uint64    `mapstructure:"block_reward" json:"block_reward"`
	ProducerPercent uint64    `mapstructure:"producer_percent" json:"producer_percent"`
	RankPercents    [3]uint64 `mapstructure:"rank_percents" json:"rank_percents"`

	// GenesisBalance is credited to the authority at first boot, in
	// base units.
	GenesisBalance string `mapstructure:"genesis_balance" json:"genesis_balance"`

	Faucet FaucetConfig `mapstructure:"faucet" json:"faucet"`
}

func DefaultConfig() Config {
	return Config{
		ChainID:         "mvm-local",
		DataDir:         "data",
		BlockTimeMs:     3000,
		GasLimit:        10_000_000,
		MaxTxsPerBlock:  200,
		MaxPending:      10_000,
		BlockReward:     10 * block.CoinUnit,
		ProducerPercent: 70,
		RankPercents:    [3]uint64{50, 33, 17},
		GenesisBalance:  "100000000000000", // 1M MVM
		Faucet: FaucetConfig{
			Enabled:    true,
			Amount:     100 * block.CoinUnit,
			CooldownMs: 3_600_000,
		},
	}
}

func (c *Config) genesisBalance() (block.Amount, error) {
	return block.ParseAmount(c.GenesisBalance)
}
