package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/tpcd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage tpcd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.tpcd/" + tpcd.DefaultConfigFileName
	if dir, err := tpcd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, tpcd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default tpcd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := tpcd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, tpcd.DefaultConfigFileName)
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the serve flags; keys match flag names so viper
// reads the generated file back unchanged.
type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	NodeID                 string   `yaml:"node-id"`
	Advertise              string   `yaml:"advertise"`
	Store                  string   `yaml:"store"`
	S3Region               string   `yaml:"s3-region"`
	DiskMinFree            string   `yaml:"disk-min-free"`
	StorageRetryAttempts   int      `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string   `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string   `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64  `yaml:"storage-retry-multiplier"`
	HALeaseTTL             string   `yaml:"ha-lease-ttl"`
	DisableCoordinator     bool     `yaml:"disable-coordinator"`
	ParticipantID          string   `yaml:"participant-id"`
	Participants           []string `yaml:"participant"`
	PrepareTimeout         string   `yaml:"prepare-timeout"`
	RPCTimeout             string   `yaml:"rpc-timeout"`
	RPCBaseDelay           string   `yaml:"rpc-base-delay"`
	RPCMaxDelay            string   `yaml:"rpc-max-delay"`
	RPCMultiplier          float64  `yaml:"rpc-multiplier"`
	TxnLifetime            string   `yaml:"txn-lifetime"`
	PrepareLifetime        string   `yaml:"prepare-lifetime"`
	RecentDecisionTTL      string   `yaml:"recent-decision-ttl"`
	RecentDecisionLimit    int      `yaml:"recent-decision-limit"`
	MaxBodySize            string   `yaml:"max-body-size"`
	QRFEnabled             bool     `yaml:"qrf-enabled"`
	QRFCoordinateSoft      int64    `yaml:"qrf-coordinate-soft-limit"`
	QRFCoordinateHard      int64    `yaml:"qrf-coordinate-hard-limit"`
	QRFStageSoft           int64    `yaml:"qrf-stage-soft-limit"`
	QRFStageHard           int64    `yaml:"qrf-stage-hard-limit"`
	QRFMemorySoftPercent   float64  `yaml:"qrf-memory-soft-limit-percent"`
	QRFMemoryHardPercent   float64  `yaml:"qrf-memory-hard-limit-percent"`
	QRFLoadSoftMultiplier  float64  `yaml:"qrf-load-soft-limit-multiplier"`
	QRFLoadHardMultiplier  float64  `yaml:"qrf-load-hard-limit-multiplier"`
	QRFRecoverySamples     int      `yaml:"qrf-recovery-samples"`
	QRFMaxWait             string   `yaml:"qrf-max-wait"`
	LSFSampleInterval      string   `yaml:"lsf-sample-interval"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableRuntimeMetrics   bool     `yaml:"enable-runtime-metrics"`
	H2C                    bool     `yaml:"h2c"`
	DisableFailpoints      bool     `yaml:"disable-failpoints"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

var configComments = map[string]string{
	"listen":             "Address the HTTP API binds to.",
	"advertise":          "URL published in the failover lease; derived from listen when empty.",
	"store":              "Coordinator log backend: mem://, disk:///path, s3://host[:port]/bucket, aws://bucket, azure://account/container.",
	"ha-lease-ttl":       "Failover lease TTL. Every node sharing the store competes for it.",
	"participant-id":     "Serve a local participant shard under this id.",
	"participant":        "Remote participants as id=url pairs.",
	"prepare-lifetime":   "Prepared local transactions abort after this long without a decision. Keep it well above ha-lease-ttl.",
	"max-body-size":      "Largest accepted request body.",
	"qrf-enabled":        "Pace coordinateCommit and staged writes when live coordinators or host pressure cross these limits. Participant protocol calls are never paced.",
	"disable-failpoints": "Failpoints let tests hang a coordinator at protocol boundaries; disable in production.",
	"log-level":          "Reloaded live when this file changes.",
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:                 tpcd.DefaultListen,
		Store:                  tpcd.DefaultStore,
		DiskMinFree:            "0B",
		StorageRetryAttempts:   tpcd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  tpcd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   tpcd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: tpcd.DefaultStorageRetryMultiplier,
		HALeaseTTL:             tpcd.DefaultHALeaseTTL.String(),
		Participants:           []string{},
		PrepareTimeout:         tpcd.DefaultPrepareTimeout.String(),
		RPCTimeout:             tpcd.DefaultRPCTimeout.String(),
		RPCBaseDelay:           tpcd.DefaultRPCBaseDelay.String(),
		RPCMaxDelay:            tpcd.DefaultRPCMaxDelay.String(),
		RPCMultiplier:          tpcd.DefaultRPCMultiplier,
		TxnLifetime:            tpcd.DefaultTxnLifetime.String(),
		PrepareLifetime:        tpcd.DefaultPrepareLifetime.String(),
		RecentDecisionTTL:      tpcd.DefaultRecentDecisionTTL.String(),
		RecentDecisionLimit:    tpcd.DefaultRecentDecisionLimit,
		MaxBodySize:            humanizeBytes(uint64(tpcd.DefaultMaxBodyBytes)),
		QRFCoordinateSoft:      tpcd.DefaultQRFCoordinateSoftLimit,
		QRFCoordinateHard:      tpcd.DefaultQRFCoordinateHardLimit,
		QRFStageSoft:           tpcd.DefaultQRFStageSoftLimit,
		QRFStageHard:           tpcd.DefaultQRFStageHardLimit,
		QRFMemorySoftPercent:   tpcd.DefaultQRFMemorySoftLimitPercent,
		QRFMemoryHardPercent:   tpcd.DefaultQRFMemoryHardLimitPercent,
		QRFLoadSoftMultiplier:  tpcd.DefaultQRFLoadSoftLimitMultiplier,
		QRFLoadHardMultiplier:  tpcd.DefaultQRFLoadHardLimitMultiplier,
		QRFRecoverySamples:     tpcd.DefaultQRFRecoverySamples,
		QRFMaxWait:             tpcd.DefaultQRFMaxWait.String(),
		LSFSampleInterval:      tpcd.DefaultLSFSampleInterval.String(),
		ShutdownTimeout:        tpcd.DefaultShutdownTimeout.String(),
		LogLevel:               "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	var doc yaml.Node
	if err := doc.Encode(&defaults); err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key := doc.Content[i]
		if comment, ok := configComments[key.Value]; ok {
			key.HeadComment = comment
		}
	}
	doc.HeadComment = "tpcd configuration. Every key is also a --flag and a TPCD_* environment variable."
	out, err := yaml.Marshal(&doc)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
