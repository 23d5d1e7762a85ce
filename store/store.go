// Package store holds the node-local derived state (quality scores,
// longevity records) that survives restarts. Values are XDR encoded.
package store

import (
	"bytes"
	"fmt"

	xdr "github.com/nullstyle/go-xdr/xdr3"
	"go.uber.org/zap"

	"github.com/archivechain/poa/config"
	"github.com/archivechain/poa/shared"
)

// Op is one write of an atomic batch. A nil Value deletes Key.
type Op struct {
	Key   []byte
	Value []byte
}

// Store is an ordered key/value store.
type Store interface {
	// Get returns shared.ErrNotFound for missing keys.
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
	// Write applies all ops atomically.
	Write(ops ...Op) error
	// Iterate calls fn for every key with prefix, in key order. Returning an
	// error from fn stops the iteration.
	Iterate(prefix []byte, fn func(key, value []byte) error) error
	Close() error
}

// Open returns the store backend selected by cfg.
func Open(cfg *config.Config, logger *zap.Logger) (Store, error) {
	switch cfg.Store.Backend {
	case config.StoreMemory, "":
		return NewMemory(), nil
	case config.StorePebble:
		return OpenPebble(cfg.StorePath(), logger)
	default:
		return nil, fmt.Errorf("invalid `Store.Backend`; expected: %q or %q, given: %q",
			config.StoreMemory, config.StorePebble, cfg.Store.Backend)
	}
}

// Key joins a namespace prefix and the key parts.
func Key(prefix string, parts ...[]byte) []byte {
	k := make([]byte, 0, len(prefix)+1+32*len(parts))
	k = append(k, prefix...)
	k = append(k, '/')
	for _, p := range parts {
		k = append(k, p...)
	}
	return k
}

// Encode serializes v with XDR.
func Encode(v any) ([]byte, error) {
	var w bytes.Buffer
	if _, err := xdr.Marshal(&w, v); err != nil {
		return nil, fmt.Errorf("serialization failure: %v", err)
	}
	return w.Bytes(), nil
}

// Decode deserializes XDR data into v.
func Decode(data []byte, v any) error {
	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrMalformed, err)
	}
	return nil
}

// Load reads key into v.
func Load(s Store, key []byte, v any) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := Decode(data, v); err != nil {
		return fmt.Errorf("key %x: %w", key, err)
	}
	return nil
}

// Save writes v under key.
func Save(s Store, key []byte, v any) error {
	data, err := Encode(v)
	if err != nil {
		return err
	}
	return s.Set(key, data)
}
