package tpcd

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/xid"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":9340"
	// DefaultStore points the server at the in-memory backend when no store is provided.
	DefaultStore = "mem://"
	// DefaultHALeaseTTL controls how long the failover lease is held between renewals.
	DefaultHALeaseTTL = 5 * time.Second
	// DefaultPrepareTimeout bounds how long a coordinator waits for a single vote.
	DefaultPrepareTimeout = 10 * time.Second
	// DefaultRPCTimeout bounds one participant RPC attempt.
	DefaultRPCTimeout = 5 * time.Second
	// DefaultRPCBaseDelay is the first participant RPC retry delay.
	DefaultRPCBaseDelay = 50 * time.Millisecond
	// DefaultRPCMaxDelay caps participant RPC retry backoff.
	DefaultRPCMaxDelay = 2 * time.Second
	// DefaultRPCMultiplier is the participant RPC backoff ratio.
	DefaultRPCMultiplier = 2.0
	// DefaultTxnLifetime expires unprepared transactions on the local shard.
	DefaultTxnLifetime = time.Minute
	// DefaultPrepareLifetime aborts prepared transactions that never hear a
	// decision. It must exceed the worst expected failover time.
	DefaultPrepareLifetime = 5 * time.Minute
	// DefaultRecentDecisionTTL bounds how long finished decisions are remembered.
	DefaultRecentDecisionTTL = 5 * time.Minute
	// DefaultRecentDecisionLimit bounds how many finished decisions are remembered.
	DefaultRecentDecisionLimit = 10000
	// DefaultMaxBodyBytes bounds request bodies.
	DefaultMaxBodyBytes = int64(1 << 20)
	// DefaultStorageRetryMaxAttempts describes how many transient storage errors are retried.
	DefaultStorageRetryMaxAttempts = 6
	// DefaultStorageRetryBaseDelay configures the base delay between storage retries.
	DefaultStorageRetryBaseDelay = 100 * time.Millisecond
	// DefaultStorageRetryMaxDelay caps the exponential backoff between storage retries.
	DefaultStorageRetryMaxDelay = 5 * time.Second
	// DefaultStorageRetryMultiplier defines the exponential backoff ratio.
	DefaultStorageRetryMultiplier = 2.0
	// DefaultShutdownTimeout caps graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file searched for when --config is omitted.
	DefaultConfigFileName = "config.yaml"
	// DefaultQRFCoordinateSoftLimit starts pacing coordinateCommit at this many live coordinators.
	DefaultQRFCoordinateSoftLimit = 512
	// DefaultQRFCoordinateHardLimit engages full pacing of coordinateCommit.
	DefaultQRFCoordinateHardLimit = 2048
	// DefaultQRFStageSoftLimit starts pacing staged writes.
	DefaultQRFStageSoftLimit = 1024
	// DefaultQRFStageHardLimit engages full pacing of staged writes.
	DefaultQRFStageHardLimit = 4096
	// DefaultQRFMemorySoftLimitPercent soft-arms on host memory usage.
	DefaultQRFMemorySoftLimitPercent = 80.0
	// DefaultQRFMemoryHardLimitPercent engages on host memory usage.
	DefaultQRFMemoryHardLimitPercent = 90.0
	// DefaultQRFLoadSoftLimitMultiplier soft-arms when load1 exceeds its baseline by this factor.
	DefaultQRFLoadSoftLimitMultiplier = 4.0
	// DefaultQRFLoadHardLimitMultiplier engages when load1 exceeds its baseline by this factor.
	DefaultQRFLoadHardLimitMultiplier = 8.0
	// DefaultQRFRecoverySamples healthy samples step the posture down.
	DefaultQRFRecoverySamples = 5
	// DefaultQRFSoftDelay is the base pacing delay while soft-armed.
	DefaultQRFSoftDelay = 50 * time.Millisecond
	// DefaultQRFEngagedDelay is the base pacing delay while engaged.
	DefaultQRFEngagedDelay = 250 * time.Millisecond
	// DefaultQRFRecoveryDelay is the base pacing delay while recovering.
	DefaultQRFRecoveryDelay = 100 * time.Millisecond
	// DefaultQRFMaxWait refuses requests that would be paced longer than this.
	DefaultQRFMaxWait = 2 * time.Second
	// DefaultLSFSampleInterval is how often load is sampled.
	DefaultLSFSampleInterval = 200 * time.Millisecond
	// DefaultLSFLogInterval rate-limits the sample debug log.
	DefaultLSFLogInterval = 15 * time.Second
)

// Config captures the settings of one tpcd node.
type Config struct {
	// Listen is the server bind address (for example ":9340").
	Listen string
	// NodeID identifies this node in the failover lease. Generated when empty.
	NodeID string
	// AdvertiseEndpoint is the URL other nodes and clients use to reach this
	// node. Derived from Listen when empty.
	AdvertiseEndpoint string
	// Store is the backend URL (mem://, disk:///path, s3://, aws://, azure://).
	Store string

	S3Region          string
	S3AccessKeyID     string
	S3SecretAccessKey string
	AzureAccount      string
	AzureKey          string
	AzureEndpoint     string
	// DiskMinFreeBytes refuses disk writes below this much free space.
	DiskMinFreeBytes uint64

	StorageRetryMaxAttempts int
	StorageRetryBaseDelay   time.Duration
	StorageRetryMaxDelay    time.Duration
	StorageRetryMultiplier  float64

	// HALeaseTTL is the failover lease duration. Nodes refresh every TTL/2.
	HALeaseTTL time.Duration
	// DisableCoordinator runs a participant-only node that never claims the lease.
	DisableCoordinator bool

	// ParticipantID serves a local shard under this id when set.
	ParticipantID string
	// Participants maps remote participant ids to their base URLs.
	Participants map[string]string

	PrepareTimeout time.Duration
	RPCTimeout     time.Duration
	RPCBaseDelay   time.Duration
	RPCMaxDelay    time.Duration
	RPCMultiplier  float64

	TxnLifetime         time.Duration
	PrepareLifetime     time.Duration
	RecentDecisionTTL   time.Duration
	RecentDecisionLimit int

	MaxBodyBytes int64

	OTLPEndpoint         string
	MetricsListen        string
	PprofListen          string
	EnableRuntimeMetrics bool

	// QRFEnabled paces coordinateCommit and staged writes under load.
	QRFEnabled                 bool
	QRFCoordinateSoftLimit     int64
	QRFCoordinateHardLimit     int64
	QRFStageSoftLimit          int64
	QRFStageHardLimit          int64
	QRFMemorySoftLimitPercent  float64
	QRFMemoryHardLimitPercent  float64
	QRFMemorySoftLimitBytes    uint64
	QRFMemoryHardLimitBytes    uint64
	QRFCPUSoftLimitPercent     float64
	QRFCPUHardLimitPercent     float64
	QRFLoadSoftLimitMultiplier float64
	QRFLoadHardLimitMultiplier float64
	QRFRecoverySamples         int
	QRFSoftDelay               time.Duration
	QRFEngagedDelay            time.Duration
	QRFRecoveryDelay           time.Duration
	QRFMaxWait                 time.Duration
	LSFSampleInterval          time.Duration
	LSFLogInterval             time.Duration

	// EnableH2C serves and speaks cleartext HTTP/2.
	EnableH2C         bool
	DisableFailpoints bool
	ShutdownTimeout   time.Duration
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if _, err := url.Parse(c.Store); err != nil {
		return fmt.Errorf("config: store: %w", err)
	}
	if strings.TrimSpace(c.NodeID) == "" {
		c.NodeID = xid.New().String()
	}
	if c.AdvertiseEndpoint == "" {
		// Ephemeral ports are resolved once the listener is bound.
		c.AdvertiseEndpoint = advertiseFromListen(c.Listen)
	}
	c.AdvertiseEndpoint = strings.TrimSuffix(c.AdvertiseEndpoint, "/")
	if c.HALeaseTTL == 0 {
		c.HALeaseTTL = DefaultHALeaseTTL
	} else if c.HALeaseTTL < 0 {
		return fmt.Errorf("config: ha lease ttl must be >= 0")
	}
	for id, endpoint := range c.Participants {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("config: participant id must not be empty")
		}
		u, err := url.Parse(endpoint)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("config: participant %s: endpoint %q must be an absolute URL", id, endpoint)
		}
		if id == c.ParticipantID {
			return fmt.Errorf("config: participant %s is served locally and cannot also be remote", id)
		}
	}
	if c.DisableCoordinator && c.ParticipantID == "" {
		return fmt.Errorf("config: a node without coordinator must serve a participant")
	}
	if c.PrepareTimeout <= 0 {
		c.PrepareTimeout = DefaultPrepareTimeout
	}
	if c.RPCTimeout <= 0 {
		c.RPCTimeout = DefaultRPCTimeout
	}
	if c.RPCBaseDelay <= 0 {
		c.RPCBaseDelay = DefaultRPCBaseDelay
	}
	if c.RPCMaxDelay <= 0 {
		c.RPCMaxDelay = DefaultRPCMaxDelay
	}
	if c.RPCMaxDelay < c.RPCBaseDelay {
		return fmt.Errorf("config: rpc max delay %s below base delay %s", c.RPCMaxDelay, c.RPCBaseDelay)
	}
	if c.RPCMultiplier <= 1 {
		c.RPCMultiplier = DefaultRPCMultiplier
	}
	if c.TxnLifetime <= 0 {
		c.TxnLifetime = DefaultTxnLifetime
	}
	if c.PrepareLifetime <= 0 {
		c.PrepareLifetime = DefaultPrepareLifetime
	}
	if c.PrepareLifetime <= c.HALeaseTTL {
		return fmt.Errorf("config: prepare lifetime %s must exceed the ha lease ttl %s", c.PrepareLifetime, c.HALeaseTTL)
	}
	if c.RecentDecisionTTL == 0 {
		c.RecentDecisionTTL = DefaultRecentDecisionTTL
	}
	if c.RecentDecisionLimit == 0 {
		c.RecentDecisionLimit = DefaultRecentDecisionLimit
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 1 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if err := c.validateQRF(); err != nil {
		return err
	}
	if c.EnableRuntimeMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: runtime metrics require metrics-listen")
	}
	return nil
}

func (c *Config) validateQRF() error {
	if c.QRFCoordinateSoftLimit <= 0 {
		c.QRFCoordinateSoftLimit = DefaultQRFCoordinateSoftLimit
	}
	if c.QRFCoordinateHardLimit <= 0 {
		c.QRFCoordinateHardLimit = DefaultQRFCoordinateHardLimit
	}
	if c.QRFStageSoftLimit <= 0 {
		c.QRFStageSoftLimit = DefaultQRFStageSoftLimit
	}
	if c.QRFStageHardLimit <= 0 {
		c.QRFStageHardLimit = DefaultQRFStageHardLimit
	}
	if c.QRFMemorySoftLimitPercent <= 0 {
		c.QRFMemorySoftLimitPercent = DefaultQRFMemorySoftLimitPercent
	}
	if c.QRFMemoryHardLimitPercent <= 0 {
		c.QRFMemoryHardLimitPercent = DefaultQRFMemoryHardLimitPercent
	}
	if c.QRFLoadSoftLimitMultiplier <= 0 {
		c.QRFLoadSoftLimitMultiplier = DefaultQRFLoadSoftLimitMultiplier
	}
	if c.QRFLoadHardLimitMultiplier <= 0 {
		c.QRFLoadHardLimitMultiplier = DefaultQRFLoadHardLimitMultiplier
	}
	if c.QRFRecoverySamples <= 0 {
		c.QRFRecoverySamples = DefaultQRFRecoverySamples
	}
	if c.QRFSoftDelay <= 0 {
		c.QRFSoftDelay = DefaultQRFSoftDelay
	}
	if c.QRFEngagedDelay <= 0 {
		c.QRFEngagedDelay = DefaultQRFEngagedDelay
	}
	if c.QRFRecoveryDelay <= 0 {
		c.QRFRecoveryDelay = DefaultQRFRecoveryDelay
	}
	if c.QRFMaxWait <= 0 {
		c.QRFMaxWait = DefaultQRFMaxWait
	}
	if c.LSFSampleInterval <= 0 {
		c.LSFSampleInterval = DefaultLSFSampleInterval
	}
	if c.LSFLogInterval <= 0 {
		c.LSFLogInterval = DefaultLSFLogInterval
	}
	if c.QRFCoordinateSoftLimit > c.QRFCoordinateHardLimit {
		return fmt.Errorf("config: qrf coordinate soft limit %d exceeds hard limit %d", c.QRFCoordinateSoftLimit, c.QRFCoordinateHardLimit)
	}
	if c.QRFStageSoftLimit > c.QRFStageHardLimit {
		return fmt.Errorf("config: qrf stage soft limit %d exceeds hard limit %d", c.QRFStageSoftLimit, c.QRFStageHardLimit)
	}
	if c.QRFMemorySoftLimitPercent > c.QRFMemoryHardLimitPercent || c.QRFMemoryHardLimitPercent > 100 {
		return fmt.Errorf("config: qrf memory limits must satisfy soft <= hard <= 100")
	}
	if c.QRFMemorySoftLimitBytes > 0 && c.QRFMemoryHardLimitBytes > 0 && c.QRFMemorySoftLimitBytes > c.QRFMemoryHardLimitBytes {
		return fmt.Errorf("config: qrf memory soft bytes exceed hard bytes")
	}
	return nil
}

// ParticipantIDs returns every routable participant id, sorted.
func (c *Config) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants)+1)
	for id := range c.Participants {
		ids = append(ids, id)
	}
	if c.ParticipantID != "" {
		ids = append(ids, c.ParticipantID)
	}
	slices.Sort(ids)
	return ids
}

// ParseParticipants parses id=url pairs.
func ParseParticipants(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, raw := range pairs {
		for _, pair := range strings.Split(raw, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			id, endpoint, ok := strings.Cut(pair, "=")
			id, endpoint = strings.TrimSpace(id), strings.TrimSpace(endpoint)
			if !ok || id == "" || endpoint == "" {
				return nil, fmt.Errorf("participant %q: want id=url", pair)
			}
			if _, dup := out[id]; dup {
				return nil, fmt.Errorf("participant %q listed twice", id)
			}
			out[id] = endpoint
		}
	}
	return out, nil
}

func advertiseFromListen(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil || port == "0" {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// DefaultConfigDir returns $TPCD_CONFIG_DIR when set, otherwise $HOME/.tpcd.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("TPCD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".tpcd"), nil
}
