package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/tpcd"
	"pkt.systems/tpcd/internal/loggingutil"
)

// exitCode lets a command pick the process exit status without printing an
// error, for example 2 when a commit was aborted.
type exitCode int

func (e exitCode) Error() string { return fmt.Sprintf("exit status %d", int(e)) }

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TPCD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "tpcd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		var code exitCode
		if errors.As(err, &code) {
			return int(code)
		}
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.Bytes(n), " ", "")
}

// serverFlags lists every flag bound into tpcd.Config, in viper key form.
var serverFlags = []string{
	"listen", "node-id", "advertise", "store",
	"s3-region", "s3-access-key-id", "s3-secret-access-key",
	"azure-account", "azure-key", "azure-endpoint", "disk-min-free",
	"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
	"ha-lease-ttl", "disable-coordinator", "participant-id", "participant",
	"prepare-timeout", "rpc-timeout", "rpc-base-delay", "rpc-max-delay", "rpc-multiplier",
	"txn-lifetime", "prepare-lifetime", "recent-decision-ttl", "recent-decision-limit",
	"max-body-size",
	"qrf-enabled", "qrf-coordinate-soft-limit", "qrf-coordinate-hard-limit", "qrf-stage-soft-limit", "qrf-stage-hard-limit",
	"qrf-memory-soft-limit-percent", "qrf-memory-hard-limit-percent", "qrf-memory-soft-limit", "qrf-memory-hard-limit",
	"qrf-cpu-soft-limit-percent", "qrf-cpu-hard-limit-percent", "qrf-load-soft-limit-multiplier", "qrf-load-hard-limit-multiplier",
	"qrf-recovery-samples", "qrf-soft-delay", "qrf-engaged-delay", "qrf-recovery-delay", "qrf-max-wait",
	"lsf-sample-interval", "lsf-log-interval",
	"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-runtime-metrics",
	"h2c", "disable-failpoints", "shutdown-timeout",
	"log-level",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:           "tpcd",
		Short:         "tpcd is a two-phase commit coordinator with a durable decision log and lease-based failover",
		SilenceErrors: true,
		Example: `
  # Single node with a local participant shard (in-memory log; dev only)
  tpcd --participant-id shard-a

  # Failover pair sharing a MinIO bucket, coordinating two remote shards
  TPCD_S3_ACCESS_KEY_ID=minioadmin TPCD_S3_SECRET_ACCESS_KEY=minioadmin \
    tpcd --store 's3://localhost:9000/tpcd?insecure=1' \
         --participant a=http://10.0.0.11:9340 --participant b=http://10.0.0.12:9340

  # Participant-only node
  tpcd --disable-coordinator --participant-id b --listen :9340

  # Durable log on local disk
  tpcd --store disk:///var/lib/tpcd --participant-id shard-a
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return runServer(cmd.Context(), v, baseLogger)
		},
	}

	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.tpcd/"+tpcd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", tpcd.DefaultListen, "listen address")
	flags.String("node-id", "", "node id used in the failover lease (generated when empty)")
	flags.String("advertise", "", "URL other nodes and clients use to reach this node (derived from --listen when empty)")
	flags.String("store", tpcd.DefaultStore, "coordinator log backend URL (mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container)")
	flags.String("s3-region", "", "region for s3:// and aws:// backends")
	flags.String("s3-access-key-id", "", "access key for s3:// backends")
	flags.String("s3-secret-access-key", "", "secret key for s3:// backends")
	flags.String("azure-account", "", "Azure Storage account (defaults to the URL host)")
	flags.String("azure-key", "", "Azure Storage account key")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override")
	flags.String("disk-min-free", "0", "refuse disk backend writes below this much free space (for example 512MB)")
	flags.Int("storage-retry-attempts", tpcd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", tpcd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", tpcd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", tpcd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.Duration("ha-lease-ttl", tpcd.DefaultHALeaseTTL, "failover lease TTL; nodes refresh every TTL/2")
	flags.Bool("disable-coordinator", false, "serve only the local participant and never claim the lease")
	flags.String("participant-id", "", "serve a local participant shard under this id")
	flags.StringSlice("participant", nil, "remote participant as id=url (repeatable or comma separated)")
	flags.Duration("prepare-timeout", tpcd.DefaultPrepareTimeout, "how long to wait for a single prepare vote")
	flags.Duration("rpc-timeout", tpcd.DefaultRPCTimeout, "timeout of one participant RPC attempt")
	flags.Duration("rpc-base-delay", tpcd.DefaultRPCBaseDelay, "initial participant RPC retry delay")
	flags.Duration("rpc-max-delay", tpcd.DefaultRPCMaxDelay, "maximum participant RPC retry delay")
	flags.Float64("rpc-multiplier", tpcd.DefaultRPCMultiplier, "participant RPC backoff multiplier")
	flags.Duration("txn-lifetime", tpcd.DefaultTxnLifetime, "abort unprepared local transactions older than this")
	flags.Duration("prepare-lifetime", tpcd.DefaultPrepareLifetime, "abort prepared local transactions that never hear a decision")
	flags.Duration("recent-decision-ttl", tpcd.DefaultRecentDecisionTTL, "how long finished decisions are remembered")
	flags.Int("recent-decision-limit", tpcd.DefaultRecentDecisionLimit, "how many finished decisions are remembered")
	flags.String("max-body-size", humanizeBytes(uint64(tpcd.DefaultMaxBodyBytes)), "maximum request body size")
	flags.Bool("qrf-enabled", false, "pace coordinateCommit and staged writes under load")
	flags.Int64("qrf-coordinate-soft-limit", tpcd.DefaultQRFCoordinateSoftLimit, "live coordinators that soft-arm pacing")
	flags.Int64("qrf-coordinate-hard-limit", tpcd.DefaultQRFCoordinateHardLimit, "live coordinators that engage pacing")
	flags.Int64("qrf-stage-soft-limit", tpcd.DefaultQRFStageSoftLimit, "in-flight staged writes that soft-arm pacing")
	flags.Int64("qrf-stage-hard-limit", tpcd.DefaultQRFStageHardLimit, "in-flight staged writes that engage pacing")
	flags.Float64("qrf-memory-soft-limit-percent", tpcd.DefaultQRFMemorySoftLimitPercent, "host memory usage that soft-arms pacing")
	flags.Float64("qrf-memory-hard-limit-percent", tpcd.DefaultQRFMemoryHardLimitPercent, "host memory usage that engages pacing")
	flags.String("qrf-memory-soft-limit", "", "process RSS that soft-arms pacing (for example 2GB; empty disables)")
	flags.String("qrf-memory-hard-limit", "", "process RSS that engages pacing (empty disables)")
	flags.Float64("qrf-cpu-soft-limit-percent", 0, "host CPU usage that soft-arms pacing (0 disables)")
	flags.Float64("qrf-cpu-hard-limit-percent", 0, "host CPU usage that engages pacing (0 disables)")
	flags.Float64("qrf-load-soft-limit-multiplier", tpcd.DefaultQRFLoadSoftLimitMultiplier, "load1 over its baseline that soft-arms pacing")
	flags.Float64("qrf-load-hard-limit-multiplier", tpcd.DefaultQRFLoadHardLimitMultiplier, "load1 over its baseline that engages pacing")
	flags.Int("qrf-recovery-samples", tpcd.DefaultQRFRecoverySamples, "healthy samples before pacing steps down")
	flags.Duration("qrf-soft-delay", tpcd.DefaultQRFSoftDelay, "base pacing delay while soft-armed")
	flags.Duration("qrf-engaged-delay", tpcd.DefaultQRFEngagedDelay, "base pacing delay while engaged")
	flags.Duration("qrf-recovery-delay", tpcd.DefaultQRFRecoveryDelay, "base pacing delay while recovering")
	flags.Duration("qrf-max-wait", tpcd.DefaultQRFMaxWait, "refuse requests paced longer than this with 429")
	flags.Duration("lsf-sample-interval", tpcd.DefaultLSFSampleInterval, "load sampling interval")
	flags.Duration("lsf-log-interval", tpcd.DefaultLSFLogInterval, "interval between load sample debug logs")
	flags.String("otlp-endpoint", "", "OTLP trace collector (grpc://, grpcs://, http://, https:// or host[:port])")
	flags.String("metrics-listen", "", "Prometheus scrape address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-runtime-metrics", false, "export Go runtime metrics (requires --metrics-listen)")
	flags.Bool("h2c", false, "serve and speak cleartext HTTP/2")
	flags.Bool("disable-failpoints", false, "reject failpoint admin requests")
	flags.Duration("shutdown-timeout", tpcd.DefaultShutdownTimeout, "overall graceful shutdown timeout")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error); reloaded when the config file changes")

	if err := v.BindPFlag("config", persistent.Lookup("config")); err != nil {
		panic(err)
	}
	for _, name := range serverFlags {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("TPCD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	clientLogger := loggingutil.WithSubsystem(baseLogger, "cli.client")
	cmd.AddCommand(newCommitCommand(clientLogger))
	cmd.AddCommand(newParticipantCommand())
	cmd.AddCommand(newStepDownCommand())
	cmd.AddCommand(newStatusCommand())
	cmd.AddCommand(newFailpointCommand())
	cmd.AddCommand(newScanCommand(loggingutil.WithSubsystem(baseLogger, "cli.scan")))
	cmd.AddCommand(newVerifyCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func runServer(ctx context.Context, v *viper.Viper, baseLogger pslog.Logger) error {
	configFile, err := loadConfigFile(v)
	if err != nil {
		return err
	}
	cfg, err := bindConfig(v)
	if err != nil {
		return err
	}
	level, ok := pslog.ParseLevel(strings.TrimSpace(v.GetString("log-level")))
	if !ok {
		level = pslog.InfoLevel
	}
	levels := loggingutil.NewLevelSwitch(baseLogger, level)
	logger := levels.Logger()
	cliLogger := loggingutil.WithSubsystem(logger, "cli.root")
	cliLogger.Info("cli.start", "pid", os.Getpid(), "store", cfg.Store, "listen", cfg.Listen)
	if configFile != "" {
		cliLogger.Info("cli.config.loaded", "path", configFile)
		watchLogLevel(v, levels, cliLogger)
	}

	server, err := tpcd.NewServer(cfg, tpcd.WithLogger(logger))
	if err != nil {
		return err
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = tpcd.DefaultShutdownTimeout
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			cliLogger.Error("cli.shutdown.failed", "error", err)
		}
	}()
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// watchLogLevel re-applies log-level whenever the config file changes.
func watchLogLevel(v *viper.Viper, levels *loggingutil.LevelSwitch, logger pslog.Logger) {
	v.OnConfigChange(func(ev fsnotify.Event) {
		if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
			return
		}
		raw := strings.TrimSpace(v.GetString("log-level"))
		level, ok := pslog.ParseLevel(raw)
		if !ok {
			logger.Warn("cli.config.bad_log_level", "path", ev.Name, "log_level", raw)
			return
		}
		if level == levels.Level() {
			return
		}
		levels.SetLevel(level)
		logger.Info("cli.config.log_level_changed", "path", ev.Name, "log_level", raw)
	})
	v.WatchConfig()
}

func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := tpcd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, tpcd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func bindConfig(v *viper.Viper) (tpcd.Config, error) {
	var cfg tpcd.Config
	cfg.Listen = v.GetString("listen")
	cfg.NodeID = strings.TrimSpace(v.GetString("node-id"))
	cfg.AdvertiseEndpoint = strings.TrimSpace(v.GetString("advertise"))
	cfg.Store = v.GetString("store")
	cfg.S3Region = strings.TrimSpace(v.GetString("s3-region"))
	cfg.S3AccessKeyID = strings.TrimSpace(v.GetString("s3-access-key-id"))
	cfg.S3SecretAccessKey = v.GetString("s3-secret-access-key")
	cfg.AzureAccount = strings.TrimSpace(v.GetString("azure-account"))
	cfg.AzureKey = v.GetString("azure-key")
	cfg.AzureEndpoint = strings.TrimSpace(v.GetString("azure-endpoint"))
	if raw := strings.TrimSpace(v.GetString("disk-min-free")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse disk-min-free: %w", err)
		}
		cfg.DiskMinFreeBytes = size
	}
	cfg.StorageRetryMaxAttempts = v.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = v.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = v.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = v.GetFloat64("storage-retry-multiplier")
	cfg.HALeaseTTL = v.GetDuration("ha-lease-ttl")
	cfg.DisableCoordinator = v.GetBool("disable-coordinator")
	cfg.ParticipantID = strings.TrimSpace(v.GetString("participant-id"))
	if pairs := v.GetStringSlice("participant"); len(pairs) > 0 {
		participants, err := tpcd.ParseParticipants(pairs)
		if err != nil {
			return cfg, err
		}
		cfg.Participants = participants
	}
	cfg.PrepareTimeout = v.GetDuration("prepare-timeout")
	cfg.RPCTimeout = v.GetDuration("rpc-timeout")
	cfg.RPCBaseDelay = v.GetDuration("rpc-base-delay")
	cfg.RPCMaxDelay = v.GetDuration("rpc-max-delay")
	cfg.RPCMultiplier = v.GetFloat64("rpc-multiplier")
	cfg.TxnLifetime = v.GetDuration("txn-lifetime")
	cfg.PrepareLifetime = v.GetDuration("prepare-lifetime")
	cfg.RecentDecisionTTL = v.GetDuration("recent-decision-ttl")
	cfg.RecentDecisionLimit = v.GetInt("recent-decision-limit")
	if raw := strings.TrimSpace(v.GetString("max-body-size")); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse max-body-size: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	cfg.QRFEnabled = v.GetBool("qrf-enabled")
	cfg.QRFCoordinateSoftLimit = v.GetInt64("qrf-coordinate-soft-limit")
	cfg.QRFCoordinateHardLimit = v.GetInt64("qrf-coordinate-hard-limit")
	cfg.QRFStageSoftLimit = v.GetInt64("qrf-stage-soft-limit")
	cfg.QRFStageHardLimit = v.GetInt64("qrf-stage-hard-limit")
	cfg.QRFMemorySoftLimitPercent = v.GetFloat64("qrf-memory-soft-limit-percent")
	cfg.QRFMemoryHardLimitPercent = v.GetFloat64("qrf-memory-hard-limit-percent")
	for key, dst := range map[string]*uint64{
		"qrf-memory-soft-limit": &cfg.QRFMemorySoftLimitBytes,
		"qrf-memory-hard-limit": &cfg.QRFMemoryHardLimitBytes,
	} {
		if raw := strings.TrimSpace(v.GetString(key)); raw != "" {
			size, err := humanize.ParseBytes(raw)
			if err != nil {
				return cfg, fmt.Errorf("parse %s: %w", key, err)
			}
			*dst = size
		}
	}
	cfg.QRFCPUSoftLimitPercent = v.GetFloat64("qrf-cpu-soft-limit-percent")
	cfg.QRFCPUHardLimitPercent = v.GetFloat64("qrf-cpu-hard-limit-percent")
	cfg.QRFLoadSoftLimitMultiplier = v.GetFloat64("qrf-load-soft-limit-multiplier")
	cfg.QRFLoadHardLimitMultiplier = v.GetFloat64("qrf-load-hard-limit-multiplier")
	cfg.QRFRecoverySamples = v.GetInt("qrf-recovery-samples")
	cfg.QRFSoftDelay = v.GetDuration("qrf-soft-delay")
	cfg.QRFEngagedDelay = v.GetDuration("qrf-engaged-delay")
	cfg.QRFRecoveryDelay = v.GetDuration("qrf-recovery-delay")
	cfg.QRFMaxWait = v.GetDuration("qrf-max-wait")
	cfg.LSFSampleInterval = v.GetDuration("lsf-sample-interval")
	cfg.LSFLogInterval = v.GetDuration("lsf-log-interval")
	cfg.OTLPEndpoint = strings.TrimSpace(v.GetString("otlp-endpoint"))
	cfg.MetricsListen = strings.TrimSpace(v.GetString("metrics-listen"))
	cfg.PprofListen = strings.TrimSpace(v.GetString("pprof-listen"))
	cfg.EnableRuntimeMetrics = v.GetBool("enable-runtime-metrics")
	cfg.EnableH2C = v.GetBool("h2c")
	cfg.DisableFailpoints = v.GetBool("disable-failpoints")
	cfg.ShutdownTimeout = v.GetDuration("shutdown-timeout")
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// clientTimeout bounds a single CLI request when --timeout is not given.
const clientTimeout = 30 * time.Second

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d)
}
