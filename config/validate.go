package config

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"lendmarket/crypto"
	"lendmarket/native/lending"
)

// Validate decodes every address, market and price in g. Errors name the
// offending field.
func Validate(g *Genesis) (*Plan, error) {
	if g == nil {
		return nil, fmt.Errorf("genesis: document required")
	}
	admins, err := decodeAddresses("Admins", g.Admins)
	if err != nil {
		return nil, err
	}
	if len(admins) == 0 {
		return nil, fmt.Errorf("genesis: Admins: at least one admin required")
	}
	emergency, err := decodeAddresses("Emergency", g.Emergency)
	if err != nil {
		return nil, err
	}
	protocol, err := g.Protocol.Params()
	if err != nil {
		return nil, fmt.Errorf("genesis: protocol: %w", err)
	}
	plan := &Plan{Admins: admins, Emergency: emergency, Protocol: protocol}

	seen := make(map[string]struct{}, len(g.Markets))
	for i, mc := range g.Markets {
		params, err := mc.Params()
		if err != nil {
			return nil, fmt.Errorf("genesis: markets[%d]: %w", i, err)
		}
		if _, dup := seen[params.ID]; dup {
			return nil, fmt.Errorf("genesis: markets[%d]: duplicate market %s", i, params.ID)
		}
		seen[params.ID] = struct{}{}
		plan.Markets = append(plan.Markets, params)
	}

	for i, p := range g.Prices {
		asset := strings.ToUpper(strings.TrimSpace(p.Asset))
		if _, listed := seen[asset]; !listed {
			return nil, fmt.Errorf("genesis: prices[%d]: asset %q is not a listed market", i, p.Asset)
		}
		usd, err := lending.ParseWad(p.USD)
		if err != nil {
			return nil, fmt.Errorf("genesis: prices[%d].USD: %w", i, err)
		}
		if usd.IsZero() {
			return nil, fmt.Errorf("genesis: prices[%d].USD: price must be positive", i)
		}
		plan.Prices = append(plan.Prices, PriceSeed{Asset: asset, USD: usd.Raw()})
	}

	funded := make(map[string]struct{}, len(g.Balances))
	for i, b := range g.Balances {
		asset := strings.ToUpper(strings.TrimSpace(b.Asset))
		if _, listed := seen[asset]; !listed {
			return nil, fmt.Errorf("genesis: balances[%d]: asset %q is not a listed market", i, b.Asset)
		}
		account, err := crypto.DecodeAddress(strings.TrimSpace(b.Account))
		if err != nil {
			return nil, fmt.Errorf("genesis: balances[%d].Account: %w", i, err)
		}
		amount, err := uint256.FromDecimal(strings.TrimSpace(b.Amount))
		if err != nil || amount.IsZero() {
			return nil, fmt.Errorf("genesis: balances[%d].Amount: must be a positive integer", i)
		}
		seed := BalanceSeed{Account: account, Asset: asset, Amount: amount}
		if _, dup := funded[seed.Reference()]; dup {
			return nil, fmt.Errorf("genesis: balances[%d]: duplicate balance for %s %s", i, asset, account)
		}
		funded[seed.Reference()] = struct{}{}
		plan.Balances = append(plan.Balances, seed)
	}
	return plan, nil
}

func decodeAddresses(field string, values []string) ([]crypto.Address, error) {
	out := make([]crypto.Address, 0, len(values))
	for i, raw := range values {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("genesis: %s[%d]: %w", field, i, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
