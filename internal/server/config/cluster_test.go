package config

import (
	"testing"
	"time"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
)

func TestToRegistry(t *testing.T) {
	cfg := validConfig()

	reg, err := ToRegistry(cfg)
	if err != nil {
		t.Fatalf("ToRegistry() error = %v", err)
	}
	if reg.SelfID() != 1 {
		t.Errorf("SelfID() = %d, want 1", reg.SelfID())
	}
	if got := reg.Self().Name; got != "node-b" {
		t.Errorf("Self().Name = %q, want node-b", got)
	}
	if got := reg.Members(); got != cluster.NodeMapOf(0, 1, 2) {
		t.Errorf("Members() = %v, want [0 1 2]", got)
	}
	n, ok := reg.Lookup(2)
	if !ok || n.Addr != "127.0.0.1:7102" {
		t.Errorf("Lookup(2) = %+v, %v", n, ok)
	}
}

func TestToRegistry_Nil(t *testing.T) {
	if _, err := ToRegistry(nil); err == nil {
		t.Error("ToRegistry(nil) should fail")
	}
}

func TestToTransportConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Transport.HeartbeatTimeout = 0
	cfg.Heartbeat.Timeout = 7 * time.Second

	reg, err := ToRegistry(cfg)
	if err != nil {
		t.Fatalf("ToRegistry() error = %v", err)
	}
	hb := cluster.NewLocalHeartbeat(cfg.Heartbeat.Timeout, 0, 1, 2)

	tc := ToTransportConfig(cfg, reg, hb, nil, logger.Discard())
	if tc.Timing.HeartbeatTimeout != 7*time.Second {
		t.Errorf("HeartbeatTimeout = %v, want heartbeat section value", tc.Timing.HeartbeatTimeout)
	}
	if tc.Timing.IdleTimeout != cfg.Transport.IdleTimeout {
		t.Errorf("IdleTimeout = %v", tc.Timing.IdleTimeout)
	}
	if tc.Workers != cfg.Transport.Workers {
		t.Errorf("Workers = %d", tc.Workers)
	}
	if tc.Registry != reg || tc.Heartbeat == nil {
		t.Error("registry and heartbeat should be passed through")
	}
}

func TestToDomainConfig(t *testing.T) {
	cfg := validConfig()
	cfg.DLM.MaxSnapshotLocks = 12

	dc := ToDomainConfig(cfg, "orders", nil, nil, nil, nil)
	if dc.Name != "orders" {
		t.Errorf("Name = %q", dc.Name)
	}
	if dc.MaxSnapshotLocks != 12 {
		t.Errorf("MaxSnapshotLocks = %d, want 12", dc.MaxSnapshotLocks)
	}
	if dc.RecoveryPoll != DefaultRecoveryPoll {
		t.Errorf("RecoveryPoll = %v", dc.RecoveryPoll)
	}
}

func TestToGossipConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Heartbeat.Seeds = []string{"10.0.0.1:7947"}

	gc := ToGossipConfig(cfg, nil, nil)
	if gc.BindPort != DefaultGossipPort {
		t.Errorf("BindPort = %d", gc.BindPort)
	}
	if len(gc.Seeds) != 1 {
		t.Errorf("Seeds = %v", gc.Seeds)
	}
}
