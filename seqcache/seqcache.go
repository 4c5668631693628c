// Package seqcache caches the next expected sequence number per channel
// account. After a confirmed submission the ledger-entries RPC can lag
// behind and still report the pre-increment sequence; serving the
// committed value while it is fresh avoids tx_bad_seq on the next use of
// the channel.
package seqcache

import (
	"context"
	"net/http"
	"strconv"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/stellar/go/xdr"

	"github.com/channelgate/channelgate/chain"
	"github.com/channelgate/channelgate/errs"
	"github.com/channelgate/channelgate/kv"
)

// Cache reads sequences through the KV cache with a chain fallback.
type Cache struct {
	kv      kv.Store
	network string
	rpc     chain.Client
	maxAge  time.Duration
}

type entry struct {
	Sequence string `json:"sequence"` // decimal
	StoredAt int64  `json:"storedAt"` // epoch ms
}

// New builds a cache. maxAge bounds how long a committed sequence is
// trusted without consulting the chain.
func New(store kv.Store, network string, rpc chain.Client, maxAge time.Duration) *Cache {
	return &Cache{kv: store, network: network, rpc: rpc, maxAge: maxAge}
}

func (c *Cache) key(address string) string {
	return c.network + ":channel:seq:" + address
}

// Sequence returns the next sequence number address should sign with:
// the cached value while fresh, otherwise the chain's current sequence
// plus one. A fresh read does not rewrite the cache.
func (c *Cache) Sequence(ctx context.Context, address string) (int64, error) {
	e, err := kv.GetJSON[entry](ctx, c.kv, c.key(address))
	if err != nil {
		log.Warn("sequence cache read failed", "address", address, "err", err)
	} else if e != nil && time.Since(time.UnixMilli(e.StoredAt)) < c.maxAge {
		if seq, perr := strconv.ParseInt(e.Sequence, 10, 64); perr == nil {
			hitMeter.Mark(1)
			return seq, nil
		}
		log.Warn("sequence cache entry malformed", "address", address, "sequence", e.Sequence)
	}

	missMeter.Mark(1)
	return c.fetchFromChain(ctx, address)
}

// Commit records that address just consumed `used`, making used+1 the
// next expected sequence. KV errors are swallowed; a lost commit only
// costs a chain read later.
func (c *Cache) Commit(ctx context.Context, address string, used int64) {
	e := entry{
		Sequence: strconv.FormatInt(used+1, 10),
		StoredAt: time.Now().UnixMilli(),
	}
	if err := kv.SetJSON(ctx, c.kv, c.key(address), e, 0); err != nil {
		log.Warn("sequence commit failed", "address", address, "err", err)
		return
	}
	log.Debug("sequence committed", "address", address, "next", e.Sequence)
}

// Clear drops the cached sequence for address. Errors are swallowed.
func (c *Cache) Clear(ctx context.Context, address string) {
	if err := c.kv.Del(ctx, c.key(address)); err != nil {
		log.Warn("sequence clear failed", "address", address, "err", err)
	}
}

func (c *Cache) fetchFromChain(ctx context.Context, address string) (int64, error) {
	accountID, err := xdr.AddressToAccountId(address)
	if err != nil {
		return 0, errs.Newf(errs.CodeFailedToGetSeq, http.StatusBadGateway, "invalid account address %q: %v", address, err)
	}
	ledgerKey := xdr.LedgerKey{
		Type:    xdr.LedgerEntryTypeAccount,
		Account: &xdr.LedgerKeyAccount{AccountId: accountID},
	}
	keyB64, err := xdr.MarshalBase64(ledgerKey)
	if err != nil {
		return 0, errs.Newf(errs.CodeFailedToGetSeq, http.StatusBadGateway, "failed to encode account ledger key: %v", err)
	}

	resp, err := c.rpc.GetLedgerEntries(ctx, []string{keyB64})
	if err != nil {
		return 0, errs.Newf(errs.CodeFailedToGetSeq, http.StatusBadGateway, "ledger entries request failed: %v", err)
	}
	if len(resp.Entries) == 0 {
		return 0, errs.Newf(errs.CodeAccountNotFound, http.StatusBadRequest, "account %s not found on chain", address)
	}

	var data xdr.LedgerEntryData
	if err := xdr.SafeUnmarshalBase64(resp.Entries[0].XDR, &data); err != nil {
		return 0, errs.Newf(errs.CodeFailedToGetSeq, http.StatusBadGateway, "failed to decode account entry: %v", err)
	}
	if data.Account == nil {
		return 0, errs.New(errs.CodeFailedToGetSeq, http.StatusBadGateway, "ledger entry is not an account")
	}
	// The ledger stores the last consumed sequence; the next envelope
	// must carry the successor.
	return int64(data.Account.SeqNum) + 1, nil
}
