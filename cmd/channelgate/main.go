// channelgate is the transaction-submission gateway daemon: it fronts a
// relayer fleet with a channel-account pool, Soroban simulation and fee
// budgeting, all coordinated through a shared KV store.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/inconshreveable/log15"
	"github.com/naoina/toml"
	"github.com/rcrowley/go-metrics"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/channelgate/channelgate/chain"
	"github.com/channelgate/channelgate/gateway"
	"github.com/channelgate/channelgate/kv"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	listenFlag = &cli.StringFlag{
		Name:    "listen",
		Usage:   "HTTP listen address",
		Value:   ":8080",
		EnvVars: []string{"LISTEN_ADDR"},
	}
	kvBackendFlag = &cli.StringFlag{
		Name:    "kv",
		Usage:   "KV backend (memory, pebble, redis)",
		Value:   "memory",
		EnvVars: []string{"KV_BACKEND"},
	}
	kvPathFlag = &cli.StringFlag{
		Name:    "kv.path",
		Usage:   "data directory for the pebble backend",
		Value:   "channelgate-data",
		EnvVars: []string{"PEBBLE_PATH"},
	}
	redisURLFlag = &cli.StringFlag{
		Name:    "kv.redis",
		Usage:   "redis URL for the redis backend",
		EnvVars: []string{"REDIS_URL"},
	}
	relayerURLFlag = &cli.StringFlag{
		Name:    "relayer.url",
		Usage:   "relayer API base URL",
		EnvVars: []string{"RELAYER_API_URL"},
	}
	relayerKeyFlag = &cli.StringFlag{
		Name:    "relayer.key",
		Usage:   "relayer API key",
		EnvVars: []string{"RELAYER_API_KEY"},
	}
	rpcURLFlag = &cli.StringFlag{
		Name:    "rpc.url",
		Usage:   "Soroban RPC endpoint",
		EnvVars: []string{"SOROBAN_RPC_URL"},
	}
	logLevelFlag = &cli.StringFlag{
		Name:    "log.level",
		Usage:   "log level (debug, info, warn, error)",
		Value:   "info",
		EnvVars: []string{"LOG_LEVEL"},
	}
	logFileFlag = &cli.StringFlag{
		Name:    "log.file",
		Usage:   "log file with rotation, stderr when empty",
		EnvVars: []string{"LOG_FILE"},
	}
	metricsIntervalFlag = &cli.DurationFlag{
		Name:    "metrics.interval",
		Usage:   "interval between metric dumps, 0 disables",
		Value:   0,
		EnvVars: []string{"METRICS_INTERVAL"},
	}
)

// fileConfig is the optional TOML counterpart of the flags.
type fileConfig struct {
	Listen     string
	KVBackend  string
	KVPath     string
	RedisURL   string
	RelayerURL string
	RelayerKey string
	RPCURL     string
	LogLevel   string
	LogFile    string
}

func main() {
	app := &cli.App{
		Name:  "channelgate",
		Usage: "parallelizing transaction-submission gateway",
		Flags: []cli.Flag{
			configFlag,
			listenFlag,
			kvBackendFlag,
			kvPathFlag,
			redisURLFlag,
			relayerURLFlag,
			relayerKeyFlag,
			rpcURLFlag,
			logLevelFlag,
			logFileFlag,
			metricsIntervalFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := loadFileConfig(c)
	if err != nil {
		return err
	}
	applyFlags(c, cfg)

	if err := setupLogging(cfg.LogLevel, cfg.LogFile); err != nil {
		return err
	}

	if cfg.RelayerURL == "" {
		return fmt.Errorf("relayer URL is required (--%s)", relayerURLFlag.Name)
	}
	if cfg.RPCURL == "" {
		return fmt.Errorf("RPC URL is required (--%s)", rpcURLFlag.Name)
	}

	store, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	runtime := chain.NewHTTPRuntime(cfg.RelayerURL, cfg.RelayerKey, cfg.RPCURL, &http.Client{Timeout: 30 * time.Second})
	handler := gateway.New(store, runtime)
	server := gateway.NewServer(cfg.Listen, handler)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if interval := c.Duration(metricsIntervalFlag.Name); interval > 0 {
		go dumpMetrics(ctx, interval)
	}

	log.Info("starting channelgate", "listen", cfg.Listen, "kv", cfg.KVBackend, "relayer", cfg.RelayerURL)
	return server.Run(ctx)
}

func loadFileConfig(c *cli.Context) (*fileConfig, error) {
	cfg := &fileConfig{}
	path := c.String(configFlag.Name)
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()
	if err := toml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// applyFlags overlays set flags (and defaults for unset file fields) on
// the file config.
func applyFlags(c *cli.Context, cfg *fileConfig) {
	if c.IsSet(listenFlag.Name) || cfg.Listen == "" {
		cfg.Listen = c.String(listenFlag.Name)
	}
	if c.IsSet(kvBackendFlag.Name) || cfg.KVBackend == "" {
		cfg.KVBackend = c.String(kvBackendFlag.Name)
	}
	if c.IsSet(kvPathFlag.Name) || cfg.KVPath == "" {
		cfg.KVPath = c.String(kvPathFlag.Name)
	}
	if c.IsSet(redisURLFlag.Name) || cfg.RedisURL == "" {
		cfg.RedisURL = c.String(redisURLFlag.Name)
	}
	if c.IsSet(relayerURLFlag.Name) || cfg.RelayerURL == "" {
		cfg.RelayerURL = c.String(relayerURLFlag.Name)
	}
	if c.IsSet(relayerKeyFlag.Name) || cfg.RelayerKey == "" {
		cfg.RelayerKey = c.String(relayerKeyFlag.Name)
	}
	if c.IsSet(rpcURLFlag.Name) || cfg.RPCURL == "" {
		cfg.RPCURL = c.String(rpcURLFlag.Name)
	}
	if c.IsSet(logLevelFlag.Name) || cfg.LogLevel == "" {
		cfg.LogLevel = c.String(logLevelFlag.Name)
	}
	if c.IsSet(logFileFlag.Name) {
		cfg.LogFile = c.String(logFileFlag.Name)
	}
}

func setupLogging(level, file string) error {
	lvl, err := log.LvlFromString(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var handler log.Handler
	if file != "" {
		rotator := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MiB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		handler = log.StreamHandler(rotator, log.JsonFormat())
	} else {
		handler = log.StreamHandler(os.Stderr, log.TerminalFormat())
	}
	log.Root().SetHandler(log.LvlFilterHandler(lvl, handler))
	return nil
}

func openStore(cfg *fileConfig) (kv.Store, func(), error) {
	switch cfg.KVBackend {
	case "memory":
		m := kv.NewMemory()
		return m, func() { m.Close() }, nil
	case "pebble":
		p, err := kv.OpenPebble(cfg.KVPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open pebble store: %w", err)
		}
		return p, func() { p.Close() }, nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, nil, fmt.Errorf("redis backend requires --%s", redisURLFlag.Name)
		}
		r, err := kv.OpenRedis(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open redis store: %w", err)
		}
		return r, func() { r.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown kv backend %q", cfg.KVBackend)
	}
}

// dumpMetrics periodically logs every registered meter and timer.
func dumpMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.DefaultRegistry.Each(func(name string, m any) {
				switch v := m.(type) {
				case metrics.Meter:
					s := v.Snapshot()
					if s.Count() > 0 {
						log.Debug("metric", "name", name, "count", s.Count(), "rate1m", s.Rate1())
					}
				case metrics.Timer:
					s := v.Snapshot()
					if s.Count() > 0 {
						log.Debug("metric", "name", name, "count", s.Count(), "mean", time.Duration(int64(s.Mean())))
					}
				}
			})
		}
	}
}
