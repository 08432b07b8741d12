package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"lendmarket/crypto"
	"lendmarket/native/lending"
)

// RoleStore grants lending roles.
type RoleStore interface {
	HasRole(role string, addr []byte) bool
	GrantRole(role string, addr []byte) error
}

// MarketAdmin is the part of the engine genesis needs.
type MarketAdmin interface {
	ListMarket(caller crypto.Address, params lending.MarketParams) error
	SetProtocolParams(caller crypto.Address, params lending.ProtocolParams) error
}

// Depositor credits genesis balances once per reference.
type Depositor interface {
	Deposit(reference, asset string, to crypto.Address, amount *uint256.Int) (bool, error)
}

// PriceSetter receives the seeded prices.
type PriceSetter interface {
	Set(asset string, price *uint256.Int, ts time.Time) error
}

// Apply grants roles, stores protocol parameters, lists markets, credits
// balances and seeds prices. Markets that already exist and balances already
// credited are left untouched so Apply can run on every start. funds may be
// nil when the plan has no balances; prices may be nil.
func Apply(plan *Plan, roles RoleStore, engine MarketAdmin, funds Depositor, prices PriceSetter, now time.Time) error {
	if plan == nil || len(plan.Admins) == 0 {
		return fmt.Errorf("genesis: plan has no admin")
	}
	for _, admin := range plan.Admins {
		if err := grant(roles, lending.RoleAdmin, admin); err != nil {
			return err
		}
	}
	for _, member := range plan.Emergency {
		if err := grant(roles, lending.RoleEmergency, member); err != nil {
			return err
		}
	}

	lead := plan.Admins[0]
	if err := engine.SetProtocolParams(lead, plan.Protocol); err != nil {
		return fmt.Errorf("genesis: protocol: %w", err)
	}
	for _, params := range plan.Markets {
		err := engine.ListMarket(lead, params)
		if errors.Is(err, lending.ErrMarketListed) {
			continue
		}
		if err != nil {
			return fmt.Errorf("genesis: list %s: %w", params.ID, err)
		}
	}

	if len(plan.Balances) > 0 && funds == nil {
		return fmt.Errorf("genesis: balances need a depositor")
	}
	for _, seed := range plan.Balances {
		if _, err := funds.Deposit(seed.Reference(), seed.Asset, seed.Account, seed.Amount); err != nil {
			return fmt.Errorf("genesis: balance %s for %s: %w", seed.Asset, seed.Account, err)
		}
	}

	if prices == nil {
		return nil
	}
	for _, seed := range plan.Prices {
		if err := prices.Set(seed.Asset, seed.USD, now); err != nil {
			return fmt.Errorf("genesis: price %s: %w", seed.Asset, err)
		}
	}
	return nil
}

func grant(roles RoleStore, role string, addr crypto.Address) error {
	if roles.HasRole(role, addr.Bytes()) {
		return nil
	}
	if err := roles.GrantRole(role, addr.Bytes()); err != nil {
		return fmt.Errorf("genesis: grant %s to %s: %w", role, addr, err)
	}
	return nil
}
