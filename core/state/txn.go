package state

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// ErrTxnClosed is returned when a committed or discarded transaction is used.
var ErrTxnClosed = errors.New("state: transaction closed")

// Txn buffers encoded writes on top of a Manager. Reads observe pending writes
// first. Commit flushes every pending write through a single storage batch so
// either all of them land or none do.
type Txn struct {
	manager *Manager
	pending map[string][]byte
	closed  bool
}

func (t *Txn) get(hashed []byte) ([]byte, error) {
	if t.closed {
		return nil, ErrTxnClosed
	}
	if data, ok := t.pending[string(hashed)]; ok {
		return data, nil
	}
	return t.manager.rawGet(hashed)
}

// KVGet decodes the value under key, preferring writes buffered in the
// transaction.
func (t *Txn) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := t.get(kvKey(key))
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVPut buffers the RLP encoding of value under key.
func (t *Txn) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	if t.closed {
		return ErrTxnClosed
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	t.pending[string(kvKey(key))] = encoded
	return nil
}

// KVAppend appends value to the byte slice list under key, ignoring
// duplicates.
func (t *Txn) KVAppend(key []byte, value []byte) error {
	return kvAppend(t, key, value)
}

// KVGetList decodes the list under key or yields an empty slice.
func (t *Txn) KVGetList(key []byte, out interface{}) error {
	return kvGetList(t, key, out)
}

// HasRole checks role membership against the transaction view.
func (t *Txn) HasRole(role string, addr []byte) bool {
	if len(addr) == 0 {
		return false
	}
	data, err := t.get(roleKey(role))
	if err != nil || len(data) == 0 {
		return false
	}
	var members [][]byte
	if err := rlp.DecodeBytes(data, &members); err != nil {
		return false
	}
	for _, member := range members {
		if bytes.Equal(member, addr) {
			return true
		}
	}
	return false
}

// Pending reports the number of buffered writes.
func (t *Txn) Pending() int {
	return len(t.pending)
}

// Commit writes every buffered value in one batch and closes the transaction.
func (t *Txn) Commit() error {
	if t.closed {
		return ErrTxnClosed
	}
	t.closed = true
	if len(t.pending) == 0 {
		return nil
	}
	keys := make([]string, 0, len(t.pending))
	for k := range t.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := t.manager.db.NewBatch()
	for _, k := range keys {
		batch.Put([]byte(k), t.pending[k])
	}
	t.pending = nil
	return batch.Write()
}

// Discard drops every buffered write. It is safe to call after Commit.
func (t *Txn) Discard() {
	t.closed = true
	t.pending = nil
}
