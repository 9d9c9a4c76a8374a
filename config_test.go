package tpcd

import (
	"strings"
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Listen != DefaultListen {
		t.Fatalf("expected listen default %q, got %q", DefaultListen, cfg.Listen)
	}
	if cfg.Store != DefaultStore {
		t.Fatalf("expected store default %q, got %q", DefaultStore, cfg.Store)
	}
	if cfg.NodeID == "" {
		t.Fatal("expected generated node id")
	}
	if cfg.AdvertiseEndpoint != "http://127.0.0.1:9340" {
		t.Fatalf("unexpected advertise endpoint %q", cfg.AdvertiseEndpoint)
	}
	if cfg.HALeaseTTL != DefaultHALeaseTTL || cfg.PrepareTimeout != DefaultPrepareTimeout {
		t.Fatalf("expected lease and prepare defaults, got %s %s", cfg.HALeaseTTL, cfg.PrepareTimeout)
	}
	if cfg.RPCTimeout <= 0 || cfg.RPCBaseDelay <= 0 || cfg.RPCMaxDelay <= 0 || cfg.RPCMultiplier <= 1 {
		t.Fatal("expected rpc defaults")
	}
	if cfg.StorageRetryMaxAttempts <= 0 || cfg.StorageRetryBaseDelay <= 0 || cfg.StorageRetryMultiplier <= 1 {
		t.Fatal("expected storage retry defaults")
	}
	if cfg.RecentDecisionTTL != DefaultRecentDecisionTTL || cfg.RecentDecisionLimit != DefaultRecentDecisionLimit {
		t.Fatal("expected recent decision defaults")
	}
	if cfg.MaxBodyBytes != DefaultMaxBodyBytes {
		t.Fatalf("expected body limit default, got %d", cfg.MaxBodyBytes)
	}
	if cfg.QRFEnabled {
		t.Fatal("admission pacing should be opt-in")
	}
	if cfg.QRFCoordinateHardLimit != DefaultQRFCoordinateHardLimit || cfg.QRFMaxWait != DefaultQRFMaxWait || cfg.LSFSampleInterval != DefaultLSFSampleInterval {
		t.Fatalf("expected qrf defaults, got %d %s %s", cfg.QRFCoordinateHardLimit, cfg.QRFMaxWait, cfg.LSFSampleInterval)
	}
}

func TestConfigNodeIDsAreUnique(t *testing.T) {
	var a, b Config
	if err := a.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := b.Validate(); err != nil {
		t.Fatal(err)
	}
	if a.NodeID == b.NodeID {
		t.Fatalf("expected distinct node ids, both %q", a.NodeID)
	}
}

func TestConfigEphemeralListenLeavesAdvertiseEmpty(t *testing.T) {
	cfg := Config{Listen: "127.0.0.1:0"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.AdvertiseEndpoint != "" {
		t.Fatalf("expected advertise endpoint resolved at bind time, got %q", cfg.AdvertiseEndpoint)
	}
	cfg = Config{Listen: "0.0.0.0:7000", AdvertiseEndpoint: "http://tpcd-0.tpcd:7000/"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.AdvertiseEndpoint != "http://tpcd-0.tpcd:7000" {
		t.Fatalf("expected trailing slash trimmed, got %q", cfg.AdvertiseEndpoint)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"negative lease", Config{HALeaseTTL: -time.Second}, "ha lease ttl"},
		{"relative participant", Config{Participants: map[string]string{"a": "localhost"}}, "absolute URL"},
		{"local and remote", Config{ParticipantID: "a", Participants: map[string]string{"a": "http://x:1"}}, "served locally"},
		{"coordinator-less without shard", Config{DisableCoordinator: true}, "must serve a participant"},
		{"rpc delays inverted", Config{RPCBaseDelay: time.Second, RPCMaxDelay: time.Millisecond}, "rpc max delay"},
		{"prepare lifetime too short", Config{HALeaseTTL: time.Minute, PrepareLifetime: time.Second}, "prepare lifetime"},
		{"runtime metrics without listen", Config{EnableRuntimeMetrics: true}, "metrics-listen"},
		{"qrf coordinate limits inverted", Config{QRFCoordinateSoftLimit: 10, QRFCoordinateHardLimit: 5}, "coordinate soft limit"},
		{"qrf memory above 100", Config{QRFMemoryHardLimitPercent: 120}, "qrf memory"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := tc.cfg
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q in %v", tc.want, err)
			}
		})
	}
}

func TestParseParticipants(t *testing.T) {
	got, err := ParseParticipants([]string{"a=http://10.0.0.1:9340, b=http://10.0.0.2:9340", "c=http://c:1"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 3 || got["b"] != "http://10.0.0.2:9340" || got["c"] != "http://c:1" {
		t.Fatalf("unexpected participants: %v", got)
	}
	for _, bad := range [][]string{{"a"}, {"=http://x"}, {"a="}, {"a=http://x", "a=http://y"}} {
		if _, err := ParseParticipants(bad); err == nil {
			t.Fatalf("expected error for %v", bad)
		}
	}
}

func TestParticipantIDsSorted(t *testing.T) {
	cfg := Config{ParticipantID: "m", Participants: map[string]string{"z": "http://z:1", "a": "http://a:1"}}
	got := cfg.ParticipantIDs()
	if strings.Join(got, ",") != "a,m,z" {
		t.Fatalf("unexpected ids %v", got)
	}
}

func TestDefaultConfigDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TPCD_CONFIG_DIR", dir)
	got, err := DefaultConfigDir()
	if err != nil || got != dir {
		t.Fatalf("expected override %q, got %q (%v)", dir, got, err)
	}
	t.Setenv("TPCD_CONFIG_DIR", "")
	t.Setenv("HOME", dir)
	got, err = DefaultConfigDir()
	if err != nil || !strings.HasSuffix(got, ".tpcd") {
		t.Fatalf("expected $HOME/.tpcd, got %q (%v)", got, err)
	}
}
