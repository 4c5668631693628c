// Package pool hands out exclusive channel-account leases backed by the
// shared KV store. Selection runs under a short global mutex so that two
// replicas never claim the same channel, and limited contracts are
// confined to a deterministic slice of the membership.
package pool

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/inconshreveable/log15"

	"github.com/channelgate/channelgate/errs"
	"github.com/channelgate/channelgate/kv"
)

const (
	// MaxSpins bounds the retries when the pool's global mutex is
	// contended.
	MaxSpins = 30

	mutexTTL     = 1 * time.Second
	spinSleepMin = 10 * time.Millisecond
	spinSleepMax = 30 * time.Millisecond
)

var idPattern = regexp.MustCompile(`^[a-z0-9:_-]{1,128}$`)

// Capacity failure reasons reported in POOL_CAPACITY details.
const (
	ReasonLimitedCapacity = "limited_contract_capacity"
	ReasonAllBusy         = "all_channels_busy_or_mutex_contention"
)

// Lease is an exclusive claim on one channel account. Only the holder of
// the token may release or extend it.
type Lease struct {
	RelayerID string
	Token     string
}

// AcquireOptions steers channel selection for one request.
type AcquireOptions struct {
	ContractID       string
	LimitedContracts map[string]struct{}
	CapacityRatio    float64
}

type membershipDoc struct {
	RelayerIDs []string `json:"relayerIds"`
}

type lockRecord struct {
	Token    string `json:"token"`
	LockedAt int64  `json:"lockedAt"`
}

// Pool selects and claims channel accounts for one network.
type Pool struct {
	kv      kv.Store
	network string
	lockTTL time.Duration
}

// New builds a pool over the given store and network namespace.
func New(store kv.Store, network string, lockTTL time.Duration) *Pool {
	return &Pool{kv: store, network: network, lockTTL: lockTTL}
}

// LockTTL returns the channel-lock TTL the pool claims with.
func (p *Pool) LockTTL() time.Duration { return p.lockTTL }

func (p *Pool) membersKey() string        { return p.network + ":channel:relayer-ids" }
func (p *Pool) mutexKey() string          { return p.network + ":channel-pool-lock" }
func (p *Pool) inUseKey(id string) string { return p.network + ":channel:in-use:" + id }

// probe is the outcome of one select-and-claim pass that found no free
// channel.
type probe struct {
	lease      *Lease
	total      int
	candidates int
	busy       int
	limited    bool
}

// Acquire claims a free channel, spinning on the global mutex when it is
// contended. Fails with NO_CHANNELS_CONFIGURED on an empty membership
// and POOL_CAPACITY when every candidate is busy or the mutex never
// freed up.
func (p *Pool) Acquire(ctx context.Context, opts AcquireOptions) (*Lease, error) {
	start := time.Now()
	for spin := 0; spin < MaxSpins; spin++ {
		result, ran, err := kv.WithLock(ctx, p.kv, p.mutexKey(),
			kv.LockOptions{TTL: mutexTTL, OnBusy: kv.OnBusySkip},
			func(ctx context.Context) (*probe, error) {
				return p.selectAndClaim(ctx, opts)
			})
		if err != nil {
			return nil, err
		}
		if !ran {
			spinRetryMeter.Mark(1)
			sleepJitter(ctx)
			continue
		}
		if result.lease != nil {
			acquireSuccessMeter.Mark(1)
			acquireTimer.Update(time.Since(start))
			log.Debug("channel acquired", "relayer", result.lease.RelayerID, "spins", spin)
			return result.lease, nil
		}

		// A full pass ran and found every candidate busy.
		acquireCapacityMeter.Mark(1)
		if result.limited {
			return nil, errs.New(errs.CodePoolCapacity, http.StatusServiceUnavailable,
				"no channel available for limited contract").WithDetails(map[string]any{
				"reason":            ReasonLimitedCapacity,
				"totalChannels":     result.total,
				"candidateChannels": result.candidates,
				"busyCandidates":    result.busy,
			})
		}
		return nil, errs.New(errs.CodePoolCapacity, http.StatusServiceUnavailable,
			"no channel available").WithDetails(map[string]any{
			"reason":         ReasonAllBusy,
			"totalChannels":  result.total,
			"busyCandidates": result.busy,
		})
	}

	acquireCapacityMeter.Mark(1)
	return nil, errs.New(errs.CodePoolCapacity, http.StatusServiceUnavailable,
		"channel pool mutex contended").WithDetails(map[string]any{
		"reason": ReasonAllBusy,
		"spins":  MaxSpins,
	})
}

func (p *Pool) selectAndClaim(ctx context.Context, opts AcquireOptions) (*probe, error) {
	members, err := p.Members(ctx)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, errs.New(errs.CodeNoChannels, http.StatusServiceUnavailable, "no channel accounts configured")
	}

	limited := false
	candidates := members
	if opts.ContractID != "" {
		if _, ok := opts.LimitedContracts[opts.ContractID]; ok {
			limited = true
			candidates = Partition(members, opts.CapacityRatio)
		}
	}

	shuffled := make([]string, len(candidates))
	copy(shuffled, candidates)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	busy := 0
	for _, id := range shuffled {
		held, err := p.kv.Exists(ctx, p.inUseKey(id))
		if err != nil {
			return nil, errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "channel lock probe failed: %v", err)
		}
		if held {
			busy++
			continue
		}
		token := uuid.NewString()
		record := lockRecord{Token: token, LockedAt: time.Now().UnixMilli()}
		if err := kv.SetJSON(ctx, p.kv, p.inUseKey(id), record, p.lockTTL); err != nil {
			return nil, errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "channel lock write failed: %v", err)
		}
		return &probe{
			lease:   &Lease{RelayerID: id, Token: token},
			total:   len(members),
			limited: limited,
		}, nil
	}

	return &probe{
		total:      len(members),
		candidates: len(candidates),
		busy:       busy,
		limited:    limited,
	}, nil
}

// Release frees the lease's channel. A token mismatch is a no-op so a
// late release cannot evict the channel's next holder. Errors are
// swallowed; the TTL reclaims the lock eventually.
func (p *Pool) Release(ctx context.Context, lease *Lease) {
	held, err := kv.GetJSON[lockRecord](ctx, p.kv, p.inUseKey(lease.RelayerID))
	if err != nil {
		log.Warn("channel release read failed", "relayer", lease.RelayerID, "err", err)
		return
	}
	if held == nil || held.Token != lease.Token {
		return
	}
	if err := p.kv.Del(ctx, p.inUseKey(lease.RelayerID)); err != nil {
		log.Warn("channel release failed", "relayer", lease.RelayerID, "err", err)
		return
	}
	releaseMeter.Mark(1)
	log.Debug("channel released", "relayer", lease.RelayerID)
}

// Extend rewrites the lease's lock with a fresh TTL, keeping the channel
// held while an open transaction settles. Errors are swallowed.
func (p *Pool) Extend(ctx context.Context, lease *Lease) {
	held, err := kv.GetJSON[lockRecord](ctx, p.kv, p.inUseKey(lease.RelayerID))
	if err != nil {
		log.Warn("channel extend read failed", "relayer", lease.RelayerID, "err", err)
		return
	}
	if held == nil || held.Token != lease.Token {
		return
	}
	if err := kv.SetJSON(ctx, p.kv, p.inUseKey(lease.RelayerID), *held, p.lockTTL); err != nil {
		log.Warn("channel extend failed", "relayer", lease.RelayerID, "err", err)
		return
	}
	extendMeter.Mark(1)
	log.Debug("channel lock extended", "relayer", lease.RelayerID)
}

// WithMutex runs fn under the pool's global selection mutex, spinning
// the same way Acquire does when the mutex is contended.
func (p *Pool) WithMutex(ctx context.Context, fn func(context.Context) error) error {
	for spin := 0; spin < MaxSpins; spin++ {
		_, ran, err := kv.WithLock(ctx, p.kv, p.mutexKey(),
			kv.LockOptions{TTL: mutexTTL, OnBusy: kv.OnBusySkip},
			func(ctx context.Context) (struct{}, error) {
				return struct{}{}, fn(ctx)
			})
		if err != nil {
			return err
		}
		if ran {
			return nil
		}
		spinRetryMeter.Mark(1)
		sleepJitter(ctx)
	}
	return errs.New(errs.CodePoolCapacity, http.StatusServiceUnavailable,
		"channel pool mutex contended").WithDetails(map[string]any{
		"reason": ReasonAllBusy,
		"spins":  MaxSpins,
	})
}

// Members returns the configured channel membership.
func (p *Pool) Members(ctx context.Context) ([]string, error) {
	doc, err := kv.GetJSON[membershipDoc](ctx, p.kv, p.membersKey())
	if err != nil {
		return nil, errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "membership read failed: %v", err)
	}
	if doc == nil {
		return nil, nil
	}
	return doc.RelayerIDs, nil
}

// SetMembers overwrites the channel membership. Callers are responsible
// for normalization and lock-conflict checks.
func (p *Pool) SetMembers(ctx context.Context, ids []string) error {
	if err := kv.SetJSON(ctx, p.kv, p.membersKey(), membershipDoc{RelayerIDs: ids}, 0); err != nil {
		return errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "membership write failed: %v", err)
	}
	return nil
}

// IsLocked reports whether the channel currently holds a live lock.
func (p *Pool) IsLocked(ctx context.Context, id string) (bool, error) {
	return p.kv.Exists(ctx, p.inUseKey(id))
}

// NormalizeID canonicalizes a relayer identifier: trimmed, lowercased,
// restricted to [a-z0-9:_-], at most 128 characters.
func NormalizeID(id string) (string, error) {
	norm := strings.ToLower(strings.TrimSpace(id))
	if !idPattern.MatchString(norm) {
		return "", errs.Newf(errs.CodeInvalidParams, http.StatusBadRequest, "invalid relayer id %q", id)
	}
	return norm, nil
}

// NormalizeIDs canonicalizes and deduplicates a membership list,
// preserving first-seen order.
func NormalizeIDs(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		norm, err := NormalizeID(id)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out, nil
}

// Partition returns the deterministic slice of members limited contracts
// may use: members ordered by simpleHash (ties broken on id), truncated
// to max(1, floor(ratio*N)).
func Partition(members []string, ratio float64) []string {
	sorted := make([]string, len(members))
	copy(sorted, members)
	sort.SliceStable(sorted, func(i, j int) bool {
		hi, hj := simpleHash(sorted[i]), simpleHash(sorted[j])
		if hi != hj {
			return hi < hj
		}
		return sorted[i] < sorted[j]
	})

	k := int(math.Floor(ratio * float64(len(members))))
	if k < 1 {
		k = 1
	}
	if k > len(sorted) {
		k = len(sorted)
	}
	return sorted[:k]
}

// simpleHash is a stable shift-and-add string hash. The partition only
// needs determinism and rough distribution, not collision resistance.
func simpleHash(s string) int32 {
	var h int32
	for _, c := range s {
		h = h<<5 - h + c
	}
	return h
}

func sleepJitter(ctx context.Context) {
	d := spinSleepMin + time.Duration(rand.Int63n(int64(spinSleepMax-spinSleepMin)))
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
