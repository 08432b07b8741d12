package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"lendmarket/native/lending"
)

// LoadGenesis reads and validates the genesis document at path. Unknown keys
// are rejected so a misspelt parameter cannot silently fall back to zero.
func LoadGenesis(path string) (*Genesis, *Plan, error) {
	g := &Genesis{}
	meta, err := toml.DecodeFile(path, g)
	if err != nil {
		return nil, nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return nil, nil, fmt.Errorf("genesis %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	plan, err := Validate(g)
	if err != nil {
		return nil, nil, err
	}
	return g, plan, nil
}

// LoadMarkets returns the validated market listings of the genesis at path.
func LoadMarkets(path string) ([]lending.MarketParams, error) {
	_, plan, err := LoadGenesis(path)
	if err != nil {
		return nil, err
	}
	return plan.Markets, nil
}

// Save writes g to path, creating parent directories.
func Save(path string, g *Genesis) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(g)
}
