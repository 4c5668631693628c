// Package config loads the gateway's request-scoped configuration from
// the process environment. Invalid optional values fall back to their
// defaults without failing the request; only missing required values and
// an unsupported network abort.
package config

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/stellar/go/strkey"

	"github.com/channelgate/channelgate/errs"
)

// Environment variable names.
const (
	EnvNetwork          = "NETWORK"
	EnvFundRelayer      = "FUND_RELAYER_ID"
	EnvLockTTL          = "LOCK_TTL_SECONDS"
	EnvFeeLimit         = "FEE_LIMIT"
	EnvFeeResetPeriod   = "FEE_RESET_PERIOD_SECONDS"
	EnvAPIKeyHeader     = "API_KEY_HEADER"
	EnvAdminSecret      = "PLUGIN_ADMIN_SECRET"
	EnvLimitedContracts = "LIMITED_CONTRACTS"
	EnvCapacityRatio    = "CONTRACT_CAPACITY_RATIO"
	EnvInclusionFee     = "INCLUSION_FEE_DEFAULT"
	EnvInclusionFeeLtd  = "INCLUSION_FEE_LIMITED"
	EnvSequenceMaxAgeMs = "SEQUENCE_MAX_AGE_MS"
)

// Defaults and clamps.
const (
	MinLockTTLSeconds = 3
	MaxLockTTLSeconds = 30

	DefaultLockTTL             = 30 * time.Second
	DefaultAPIKeyHeader        = "x-api-key"
	DefaultCapacityRatio       = 0.8
	DefaultInclusionFee        = int64(203)
	DefaultInclusionFeeLimited = int64(201)
	DefaultSequenceMaxAge      = 120 * time.Second
)

// Supported networks.
const (
	NetworkTestnet = "testnet"
	NetworkMainnet = "mainnet"
)

// Config is the per-request gateway configuration.
type Config struct {
	Network     string
	FundRelayer string

	LockTTL        time.Duration
	FeeLimit       *int64        // nil = unlimited
	FeeResetPeriod time.Duration // 0 = no periodic reset
	APIKeyHeader   string
	AdminSecret    string

	LimitedContracts    map[string]struct{}
	CapacityRatio       float64
	InclusionFeeDefault int64
	InclusionFeeLimited int64

	SequenceMaxAge time.Duration
}

// FromEnv parses the process environment into a Config.
func FromEnv() (*Config, error) {
	return fromGetter(os.Getenv)
}

func fromGetter(get func(string) string) (*Config, error) {
	network := strings.TrimSpace(strings.ToLower(get(EnvNetwork)))
	if network == "" {
		return nil, errs.New(errs.CodeConfigMissing, http.StatusInternalServerError, "NETWORK is not set")
	}
	if network != NetworkTestnet && network != NetworkMainnet {
		return nil, errs.Newf(errs.CodeUnsupportedNetwork, http.StatusInternalServerError, "unsupported network %q", network)
	}

	fund := strings.TrimSpace(get(EnvFundRelayer))
	if fund == "" {
		return nil, errs.New(errs.CodeConfigMissing, http.StatusInternalServerError, "FUND_RELAYER_ID is not set")
	}

	cfg := &Config{
		Network:             network,
		FundRelayer:         fund,
		LockTTL:             DefaultLockTTL,
		APIKeyHeader:        DefaultAPIKeyHeader,
		AdminSecret:         strings.TrimSpace(get(EnvAdminSecret)),
		LimitedContracts:    make(map[string]struct{}),
		CapacityRatio:       DefaultCapacityRatio,
		InclusionFeeDefault: DefaultInclusionFee,
		InclusionFeeLimited: DefaultInclusionFeeLimited,
		SequenceMaxAge:      DefaultSequenceMaxAge,
	}

	if raw := get(EnvLockTTL); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil {
			cfg.LockTTL = time.Duration(clampInt(secs, MinLockTTLSeconds, MaxLockTTLSeconds)) * time.Second
		} else {
			log.Warn("invalid lock ttl, using default", "value", raw)
		}
	}
	if raw := get(EnvFeeLimit); raw != "" {
		if limit, err := strconv.ParseInt(raw, 10, 64); err == nil && limit >= 0 {
			cfg.FeeLimit = &limit
		} else {
			log.Warn("invalid fee limit, treating as unlimited", "value", raw)
		}
	}
	if raw := get(EnvFeeResetPeriod); raw != "" {
		if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
			cfg.FeeResetPeriod = time.Duration(secs) * time.Second
		} else {
			log.Warn("invalid fee reset period, disabling reset", "value", raw)
		}
	}
	if raw := get(EnvAPIKeyHeader); strings.TrimSpace(raw) != "" {
		cfg.APIKeyHeader = strings.ToLower(strings.TrimSpace(raw))
	}
	if raw := get(EnvLimitedContracts); raw != "" {
		for _, id := range strings.Split(raw, ",") {
			id = strings.ToUpper(strings.TrimSpace(id))
			if id == "" {
				continue
			}
			if _, err := strkey.Decode(strkey.VersionByteContract, id); err != nil {
				log.Warn("ignoring invalid limited contract id", "id", id)
				continue
			}
			cfg.LimitedContracts[id] = struct{}{}
		}
	}
	if raw := get(EnvCapacityRatio); raw != "" {
		if ratio, err := strconv.ParseFloat(raw, 64); err == nil && ratio >= 0 && ratio <= 1 {
			cfg.CapacityRatio = ratio
		} else {
			log.Warn("invalid contract capacity ratio, using default", "value", raw)
		}
	}
	if raw := get(EnvInclusionFee); raw != "" {
		if fee, err := strconv.ParseInt(raw, 10, 64); err == nil && fee >= 0 {
			cfg.InclusionFeeDefault = fee
		} else {
			log.Warn("invalid default inclusion fee, using default", "value", raw)
		}
	}
	if raw := get(EnvInclusionFeeLtd); raw != "" {
		if fee, err := strconv.ParseInt(raw, 10, 64); err == nil && fee >= 0 {
			cfg.InclusionFeeLimited = fee
		} else {
			log.Warn("invalid limited inclusion fee, using default", "value", raw)
		}
	}
	if raw := get(EnvSequenceMaxAgeMs); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			cfg.SequenceMaxAge = time.Duration(ms) * time.Millisecond
		} else {
			log.Warn("invalid sequence max age, using default", "value", raw)
		}
	}

	return cfg, nil
}

// IsLimited reports whether contractID belongs to the limited set.
func (c *Config) IsLimited(contractID string) bool {
	if contractID == "" {
		return false
	}
	_, ok := c.LimitedContracts[contractID]
	return ok
}

// InclusionFee returns the inclusion fee tier for contractID.
func (c *Config) InclusionFee(contractID string) int64 {
	if c.IsLimited(contractID) {
		return c.InclusionFeeLimited
	}
	return c.InclusionFeeDefault
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
