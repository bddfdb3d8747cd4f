// Package genesis loads the network's starting conditions: the
// initial account balances, difficulty, epoch duration, and network
// identity every node and miner must agree on before block 0.
package genesis

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Genesis is the complete set of parameters that seed a new chain.
// NetworkID feeds the genesis challenge (challenge.Genesis); Balances
// seeds the account set before any transaction is ever applied.
type Genesis struct {
	NetworkID      string            `json:"network_id"`
	Date           time.Time         `json:"date"`
	InitDifficulty uint64            `json:"init_difficulty"`
	EpochDuration  time.Duration     `json:"epoch_duration"`
	PlotDirectory  string            `json:"plot_directory"`
	Balances       map[string]uint64 `json:"balances"`
}

// Load reads and parses a genesis file from path.
func Load(path string) (Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, fmt.Errorf("reading genesis file: %w", err)
	}

	var genesis Genesis
	if err := json.Unmarshal(data, &genesis); err != nil {
		return Genesis{}, fmt.Errorf("decoding genesis file: %w", err)
	}

	if genesis.NetworkID == "" {
		return Genesis{}, fmt.Errorf("genesis: network_id is required")
	}
	if genesis.InitDifficulty == 0 {
		return Genesis{}, fmt.Errorf("genesis: init_difficulty must be > 0")
	}
	if genesis.EpochDuration <= 0 {
		return Genesis{}, fmt.Errorf("genesis: epoch_duration must be > 0")
	}

	return genesis, nil
}
