package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	log "github.com/inconshreveable/log15"
)

const pebbleJanitorInterval = 30 * time.Second

// Pebble is a persistent single-node Store. Pebble itself has no TTL, so
// expiry deadlines travel inside the stored value and expired keys are
// elided on read and purged by a background janitor.
type Pebble struct {
	mu   sync.Mutex // serializes SetNX read-modify-write
	db   *pebble.DB
	stop chan struct{}
	done chan struct{}
}

type pebbleValue struct {
	Value     []byte `json:"v"`
	ExpiresAt int64  `json:"exp,omitempty"` // epoch ms, 0 = no expiry
}

// OpenPebble opens (or creates) a pebble store at dir.
func OpenPebble(dir string) (*Pebble, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("kv: open pebble at %s: %w", dir, err)
	}
	p := &Pebble{
		db:   db,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.janitor()
	return p, nil
}

// Close stops the janitor and closes the database.
func (p *Pebble) Close() error {
	close(p.stop)
	<-p.done
	return p.db.Close()
}

func (p *Pebble) janitor() {
	defer close(p.done)
	ticker := time.NewTicker(pebbleJanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if err := p.purgeExpired(); err != nil {
				log.Warn("pebble expiry sweep failed", "err", err)
			}
		}
	}
}

func (p *Pebble) purgeExpired() error {
	iter, err := p.db.NewIter(nil)
	if err != nil {
		return err
	}
	defer iter.Close()

	now := time.Now().UnixMilli()
	var stale [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		var pv pebbleValue
		if err := json.Unmarshal(iter.Value(), &pv); err != nil {
			continue
		}
		if pv.ExpiresAt != 0 && now >= pv.ExpiresAt {
			k := make([]byte, len(iter.Key()))
			copy(k, iter.Key())
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		if err := p.db.Delete(k, pebble.Sync); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pebble) read(key string) (*pebbleValue, error) {
	raw, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var pv pebbleValue
	if err := json.Unmarshal(raw, &pv); err != nil {
		return nil, fmt.Errorf("kv: decode pebble value %s: %w", key, err)
	}
	if pv.ExpiresAt != 0 && time.Now().UnixMilli() >= pv.ExpiresAt {
		return nil, nil
	}
	return &pv, nil
}

func (p *Pebble) write(key string, value []byte, ttl time.Duration) error {
	pv := pebbleValue{Value: value}
	if ttl > 0 {
		pv.ExpiresAt = time.Now().Add(ttl).UnixMilli()
	}
	raw, err := json.Marshal(pv)
	if err != nil {
		return err
	}
	return p.db.Set([]byte(key), raw, pebble.Sync)
}

func (p *Pebble) Get(_ context.Context, key string) ([]byte, bool, error) {
	pv, err := p.read(key)
	if err != nil || pv == nil {
		return nil, false, err
	}
	return pv.Value, true, nil
}

func (p *Pebble) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return p.write(key, value, ttl)
}

func (p *Pebble) Del(_ context.Context, key string) error {
	return p.db.Delete([]byte(key), pebble.Sync)
}

func (p *Pebble) Exists(_ context.Context, key string) (bool, error) {
	pv, err := p.read(key)
	return pv != nil, err
}

func (p *Pebble) ListKeys(_ context.Context, prefix string) ([]string, error) {
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = prefixUpperBound([]byte(prefix))
	}
	iter, err := p.db.NewIter(opts)
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	now := time.Now().UnixMilli()
	keys := make([]string, 0)
	for iter.First(); iter.Valid(); iter.Next() {
		var pv pebbleValue
		if err := json.Unmarshal(iter.Value(), &pv); err != nil {
			continue
		}
		if pv.ExpiresAt != 0 && now >= pv.ExpiresAt {
			continue
		}
		keys = append(keys, string(iter.Key()))
	}
	return keys, iter.Error()
}

func (p *Pebble) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pv, err := p.read(key)
	if err != nil {
		return false, err
	}
	if pv != nil {
		return false, nil
	}
	return true, p.write(key, value, ttl)
}

func (p *Pebble) Ping(context.Context) error { return nil }

// Kind identifies the backend in diagnostics.
func (p *Pebble) Kind() string { return "pebble" }

// prefixUpperBound returns the smallest key greater than every key with
// the given prefix.
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil // prefix is all 0xff, no upper bound
}
