package lending

import (
	"fmt"

	"lendmarket/crypto"
)

// kvStore is satisfied by both the state manager and its transactions.
type kvStore interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
	HasRole(role string, addr []byte) bool
}

var (
	marketPrefix         = []byte("lending/market/")
	interestPrefix       = []byte("lending/irm/")
	positionPrefix       = []byte("lending/position/")
	accountMarketsPrefix = []byte("lending/account-markets/")
	marketsIndexKey      = []byte("lending/markets")
	protocolKey          = []byte("lending/protocol")
)

func joinKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for i, p := range parts {
		if i > 0 {
			buf = append(buf, '/')
		}
		buf = append(buf, p...)
	}
	return buf
}

func marketKey(id string) []byte   { return joinKey(marketPrefix, []byte(id)) }
func interestKey(id string) []byte { return joinKey(interestPrefix, []byte(id)) }

func positionKey(id string, addr crypto.Address) []byte {
	return joinKey(positionPrefix, []byte(id), addr.Bytes())
}

func accountMarketsKey(addr crypto.Address) []byte {
	return joinKey(accountMarketsPrefix, addr.Bytes())
}

// store maps engine records onto the RLP key/value layer.
type store struct {
	kv kvStore
}

func (s store) market(id string) (*Market, error) {
	m := new(Market)
	ok, err := s.kv.KVGet(marketKey(id), m)
	if err != nil {
		return nil, fmt.Errorf("lending: load market %s: %w", id, err)
	}
	if !ok || !m.Listed {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, id)
	}
	m.ensureDefaults()
	return m, nil
}

func (s store) marketExists(id string) (bool, error) {
	var m Market
	ok, err := s.kv.KVGet(marketKey(id), &m)
	if err != nil {
		return false, err
	}
	return ok && m.Listed, nil
}

func (s store) putMarket(m *Market) error {
	return s.kv.KVPut(marketKey(m.ID), m)
}

func (s store) indexMarket(id string) error {
	return s.kv.KVAppend(marketsIndexKey, []byte(id))
}

func (s store) marketIDs() ([]string, error) {
	var raw [][]byte
	if err := s.kv.KVGetList(marketsIndexKey, &raw); err != nil {
		return nil, err
	}
	ids := make([]string, len(raw))
	for i, r := range raw {
		ids[i] = string(r)
	}
	return ids, nil
}

func (s store) interestState(id string) (*InterestRateState, error) {
	st := new(InterestRateState)
	ok, err := s.kv.KVGet(interestKey(id), st)
	if err != nil {
		return nil, fmt.Errorf("lending: load interest state %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotListed, id)
	}
	return st, nil
}

func (s store) putInterestState(id string, st *InterestRateState) error {
	return s.kv.KVPut(interestKey(id), st)
}

// position returns the account's record, zero-valued when absent.
func (s store) position(id string, addr crypto.Address) (*AccountPosition, error) {
	p := new(AccountPosition)
	if _, err := s.kv.KVGet(positionKey(id, addr), p); err != nil {
		return nil, fmt.Errorf("lending: load position %s: %w", id, err)
	}
	p.ensureDefaults()
	return p, nil
}

func (s store) putPosition(id string, addr crypto.Address, p *AccountPosition) error {
	if err := s.kv.KVPut(positionKey(id, addr), p); err != nil {
		return err
	}
	return s.kv.KVAppend(accountMarketsKey(addr), []byte(id))
}

func (s store) accountMarkets(addr crypto.Address) ([]string, error) {
	var raw [][]byte
	if err := s.kv.KVGetList(accountMarketsKey(addr), &raw); err != nil {
		return nil, err
	}
	ids := make([]string, len(raw))
	for i, r := range raw {
		ids[i] = string(r)
	}
	return ids, nil
}

func (s store) protocol() (ProtocolParams, error) {
	var p ProtocolParams
	ok, err := s.kv.KVGet(protocolKey, &p)
	if err != nil {
		return ProtocolParams{}, fmt.Errorf("lending: load protocol params: %w", err)
	}
	if !ok {
		return DefaultProtocolParams(), nil
	}
	return p, nil
}

func (s store) putProtocol(p ProtocolParams) error {
	return s.kv.KVPut(protocolKey, p)
}
