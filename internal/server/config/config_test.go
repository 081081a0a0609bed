package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() *NodeConfig {
	cfg := Default()
	cfg.Node.ID = 1
	cfg.Cluster.Nodes = []NodeEntry{
		{ID: 0, Name: "node-a", Addr: "127.0.0.1:7100"},
		{ID: 1, Name: "node-b", Addr: "127.0.0.1:7101"},
		{ID: 2, Name: "node-c", Addr: "127.0.0.1:7102"},
	}
	cfg.DLM.Domains = []string{"orders", "billing"}
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Node.ID != -1 {
		t.Errorf("Node.ID = %d, want -1", cfg.Node.ID)
	}
	if cfg.Admin.Addr != DefaultAdminAddr {
		t.Errorf("Admin.Addr = %q, want %q", cfg.Admin.Addr, DefaultAdminAddr)
	}
	if cfg.Heartbeat.Mode != HeartbeatGossip {
		t.Errorf("Heartbeat.Mode = %q, want %q", cfg.Heartbeat.Mode, HeartbeatGossip)
	}
	if cfg.Transport.KeepaliveDelay >= cfg.Transport.IdleTimeout {
		t.Error("default keepalive delay must be below the idle timeout")
	}
	if cfg.Log.Level != DefaultLogLevel {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, DefaultLogLevel)
	}
	if cfg.Log.Format != DefaultLogFormat {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, DefaultLogFormat)
	}
}

func TestVerify_Valid(t *testing.T) {
	if err := Verify(validConfig()); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerify_Default(t *testing.T) {
	// No node table and no node id.
	err := Verify(Default())
	if err == nil {
		t.Fatal("Verify(Default()) should fail")
	}
	if !strings.Contains(err.Error(), "cluster.nodes") {
		t.Errorf("error %q should mention cluster.nodes", err)
	}
}

func TestVerify_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*NodeConfig)
		want   string
	}{
		{
			name:   "self not configured",
			mutate: func(c *NodeConfig) { c.Node.ID = 9 },
			want:   "node.id 9",
		},
		{
			name:   "node id unset",
			mutate: func(c *NodeConfig) { c.Node.ID = -1 },
			want:   "node.id is required",
		},
		{
			name:   "node id out of range",
			mutate: func(c *NodeConfig) { c.Cluster.Nodes[2].ID = 255 },
			want:   "out of range",
		},
		{
			name:   "duplicate id",
			mutate: func(c *NodeConfig) { c.Cluster.Nodes[2].ID = 0 },
			want:   "id 0 is duplicated",
		},
		{
			name:   "duplicate name",
			mutate: func(c *NodeConfig) { c.Cluster.Nodes[2].Name = "node-a" },
			want:   "is duplicated",
		},
		{
			name:   "bad address",
			mutate: func(c *NodeConfig) { c.Cluster.Nodes[0].Addr = "nowhere" },
			want:   "cluster.nodes[0].addr",
		},
		{
			name:   "missing name",
			mutate: func(c *NodeConfig) { c.Cluster.Nodes[1].Name = "" },
			want:   "name is required",
		},
		{
			name:   "keepalive above idle",
			mutate: func(c *NodeConfig) { c.Transport.KeepaliveDelay = time.Minute },
			want:   "keepalive_delay",
		},
		{
			name:   "no workers",
			mutate: func(c *NodeConfig) { c.Transport.Workers = 0 },
			want:   "transport.workers",
		},
		{
			name:   "unknown heartbeat mode",
			mutate: func(c *NodeConfig) { c.Heartbeat.Mode = "multicast" },
			want:   "heartbeat.mode",
		},
		{
			name:   "gossip port",
			mutate: func(c *NodeConfig) { c.Heartbeat.BindPort = 70000 },
			want:   "bind_port",
		},
		{
			name:   "duplicate domain",
			mutate: func(c *NodeConfig) { c.DLM.Domains = []string{"a", "a"} },
			want:   "listed twice",
		},
		{
			name:   "long domain name",
			mutate: func(c *NodeConfig) { c.DLM.Domains = []string{strings.Repeat("d", 65)} },
			want:   "invalid domain name",
		},
		{
			name:   "log level",
			mutate: func(c *NodeConfig) { c.Log.Level = "loud" },
			want:   "log.level",
		},
		{
			name:   "log format",
			mutate: func(c *NodeConfig) { c.Log.Format = "xml" },
			want:   "log.format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Verify(cfg)
			if err == nil {
				t.Fatal("Verify() should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should contain %q", err, tt.want)
			}
		})
	}
}

func TestVerify_StaticHeartbeatIgnoresGossipFields(t *testing.T) {
	cfg := validConfig()
	cfg.Heartbeat.Mode = HeartbeatStatic
	cfg.Heartbeat.BindPort = 0
	cfg.Heartbeat.Timeout = 0
	if err := Verify(cfg); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}
