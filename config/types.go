package config

import (
	"github.com/holiman/uint256"

	"lendmarket/crypto"
	"lendmarket/native/lending"
)

// Genesis is the TOML document describing the initial state of a lending
// deployment.
type Genesis struct {
	// Admins receive the lending admin role. The first entry lists the
	// markets and sets the protocol parameters.
	Admins []string `toml:"Admins"`
	// Emergency members may only toggle market pauses.
	Emergency []string               `toml:"Emergency"`
	Protocol  lending.ProtocolConfig `toml:"protocol"`
	Markets   []lending.MarketConfig `toml:"markets"`
	Prices    []Price                `toml:"prices"`
	Balances  []Balance              `toml:"balances"`
}

// Price seeds the static price feed with a USD quote such as "2000.5".
type Price struct {
	Asset string `toml:"Asset"`
	USD   string `toml:"USD"`
}

// Balance credits underlying to an account at genesis. Amount is in the
// asset's smallest unit.
type Balance struct {
	Account string `toml:"Account"`
	Asset   string `toml:"Asset"`
	Amount  string `toml:"Amount"`
}

// Plan is a validated Genesis with every value decoded.
type Plan struct {
	Admins    []crypto.Address
	Emergency []crypto.Address
	Protocol  lending.ProtocolParams
	Markets   []lending.MarketParams
	Prices    []PriceSeed
	Balances  []BalanceSeed
}

// PriceSeed is a decoded Price; USD is scaled by 1e18.
type PriceSeed struct {
	Asset string
	USD   *uint256.Int
}

// BalanceSeed is a decoded Balance.
type BalanceSeed struct {
	Account crypto.Address
	Asset   string
	Amount  *uint256.Int
}

// Reference keys the seed in the bank so a restart does not credit it twice.
func (b BalanceSeed) Reference() string {
	return "genesis:" + b.Asset + ":" + b.Account.String()
}
