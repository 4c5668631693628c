package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sort"
	"strings"

	log "github.com/inconshreveable/log15"

	"github.com/channelgate/channelgate/config"
	"github.com/channelgate/channelgate/errs"
	"github.com/channelgate/channelgate/fees"
	"github.com/channelgate/channelgate/pool"
)

// Management actions.
const (
	ActionListChannels   = "listChannelAccounts"
	ActionSetChannels    = "setChannelAccounts"
	ActionGetFeeUsage    = "getFeeUsage"
	ActionGetFeeLimit    = "getFeeLimit"
	ActionSetFeeLimit    = "setFeeLimit"
	ActionDeleteFeeLimit = "deleteFeeLimit"
	ActionStats          = "stats"
)

// management dispatches an admin-authenticated management action.
func (h *Handler) management(ctx context.Context, cfg *config.Config, m *managementParams) (any, error) {
	if cfg.AdminSecret == "" {
		return nil, errs.New(errs.CodeManagementDisabled, http.StatusForbidden,
			"management is disabled, no admin secret configured")
	}
	supplied := strings.TrimSpace(m.AdminSecret)
	if subtle.ConstantTimeCompare([]byte(supplied), []byte(cfg.AdminSecret)) != 1 {
		return nil, errs.New(errs.CodeUnauthorized, http.StatusUnauthorized, "invalid admin secret")
	}

	channels := pool.New(h.KV, cfg.Network, cfg.LockTTL)

	switch m.Action {
	case ActionListChannels:
		return h.listChannels(ctx, channels)
	case ActionSetChannels:
		return h.setChannels(ctx, channels, m.RelayerIDs)
	case ActionGetFeeUsage:
		tracker, err := h.managedTracker(cfg, m)
		if err != nil {
			return nil, err
		}
		return tracker.UsageInfo(ctx)
	case ActionGetFeeLimit:
		return h.getFeeLimit(ctx, cfg, m)
	case ActionSetFeeLimit:
		tracker, err := h.managedTracker(cfg, m)
		if err != nil {
			return nil, err
		}
		if m.Limit == nil {
			return nil, errs.New(errs.CodeInvalidParams, http.StatusBadRequest, "limit is required")
		}
		if err := tracker.SetCustomLimit(ctx, *m.Limit); err != nil {
			return nil, err
		}
		log.Info("fee limit set", "apiKey", m.APIKey, "limit", *m.Limit)
		return map[string]any{"apiKey": m.APIKey, "limit": *m.Limit}, nil
	case ActionDeleteFeeLimit:
		tracker, err := h.managedTracker(cfg, m)
		if err != nil {
			return nil, err
		}
		if err := tracker.DeleteCustomLimit(ctx); err != nil {
			return nil, err
		}
		log.Info("fee limit deleted", "apiKey", m.APIKey)
		return map[string]any{"apiKey": m.APIKey, "deleted": true}, nil
	case ActionStats:
		return h.stats(ctx, cfg, channels)
	default:
		return nil, errs.Newf(errs.CodeInvalidAction, http.StatusBadRequest, "unknown management action %q", m.Action)
	}
}

func (h *Handler) managedTracker(cfg *config.Config, m *managementParams) (*fees.Tracker, error) {
	key := strings.TrimSpace(m.APIKey)
	if key == "" {
		return nil, errs.New(errs.CodeInvalidParams, http.StatusBadRequest, "apiKey is required")
	}
	return fees.NewTracker(h.KV, cfg.Network, key, cfg.FeeLimit, cfg.FeeResetPeriod), nil
}

func (h *Handler) listChannels(ctx context.Context, channels *pool.Pool) (any, error) {
	members, err := channels.Members(ctx)
	if err != nil {
		return nil, err
	}
	if members == nil {
		members = []string{}
	}
	return map[string]any{"relayerIds": members}, nil
}

// setChannels replaces the channel membership. Channels that would be
// removed while still holding a live lock block the update; callers
// retry after the open transactions settle or the locks lapse.
func (h *Handler) setChannels(ctx context.Context, channels *pool.Pool, ids []string) (any, error) {
	normalized, err := pool.NormalizeIDs(ids)
	if err != nil {
		return nil, err
	}

	err = channels.WithMutex(ctx, func(ctx context.Context) error {
		current, err := channels.Members(ctx)
		if err != nil {
			return err
		}

		keep := make(map[string]struct{}, len(normalized))
		for _, id := range normalized {
			keep[id] = struct{}{}
		}
		var locked []string
		for _, id := range current {
			if _, kept := keep[id]; kept {
				continue
			}
			held, err := channels.IsLocked(ctx, id)
			if err != nil {
				return errs.Newf(errs.CodeKVError, http.StatusInternalServerError, "channel lock probe failed: %v", err)
			}
			if held {
				locked = append(locked, id)
			}
		}
		if len(locked) > 0 {
			sort.Strings(locked)
			return errs.New(errs.CodeLockedConflict, http.StatusConflict,
				"cannot remove channels with live locks").WithDetails(map[string]any{
				"locked": locked,
			})
		}

		return channels.SetMembers(ctx, normalized)
	})
	if err != nil {
		return nil, err
	}

	log.Info("channel membership updated", "count", len(normalized))
	return map[string]any{"relayerIds": normalized}, nil
}

func (h *Handler) getFeeLimit(ctx context.Context, cfg *config.Config, m *managementParams) (any, error) {
	tracker, err := h.managedTracker(cfg, m)
	if err != nil {
		return nil, err
	}
	custom, err := tracker.CustomLimit(ctx)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"apiKey": strings.TrimSpace(m.APIKey)}
	if custom != nil {
		out["limit"] = *custom
		out["source"] = "custom"
	} else if cfg.FeeLimit != nil {
		out["limit"] = *cfg.FeeLimit
		out["source"] = "default"
	} else {
		out["limit"] = nil
		out["source"] = "unlimited"
	}
	return out, nil
}

// stats reports pool occupancy and the effective configuration. Lock
// probes are best-effort; a failing probe leaves locked/available null
// rather than failing the whole call.
func (h *Handler) stats(ctx context.Context, cfg *config.Config, channels *pool.Pool) (any, error) {
	members, err := channels.Members(ctx)
	if err != nil {
		return nil, err
	}

	var lockedCount any
	var availableCount any
	locked := 0
	probeOK := true
	for _, id := range members {
		held, err := channels.IsLocked(ctx, id)
		if err != nil {
			log.Warn("stats lock probe failed", "relayer", id, "err", err)
			probeOK = false
			break
		}
		if held {
			locked++
		}
	}
	if probeOK {
		lockedCount = locked
		availableCount = len(members) - locked
	}

	limitedContracts := make([]string, 0, len(cfg.LimitedContracts))
	for id := range cfg.LimitedContracts {
		limitedContracts = append(limitedContracts, id)
	}
	sort.Strings(limitedContracts)

	backend := "unknown"
	if k, ok := h.KV.(interface{ Kind() string }); ok {
		backend = k.Kind()
	}

	out := map[string]any{
		"network":             cfg.Network,
		"fundRelayerId":       cfg.FundRelayer,
		"totalChannels":       len(members),
		"lockedChannels":      lockedCount,
		"availableChannels":   availableCount,
		"lockTtlSeconds":      int(cfg.LockTTL.Seconds()),
		"capacityRatio":       cfg.CapacityRatio,
		"limitedContracts":    limitedContracts,
		"inclusionFeeDefault": cfg.InclusionFeeDefault,
		"inclusionFeeLimited": cfg.InclusionFeeLimited,
		"kvBackend":           backend,
	}
	if cfg.FeeLimit != nil {
		out["defaultFeeLimit"] = *cfg.FeeLimit
	}
	if cfg.FeeResetPeriod > 0 {
		out["feeResetPeriodSeconds"] = int(cfg.FeeResetPeriod.Seconds())
	}
	return out, nil
}
