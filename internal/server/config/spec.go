package config

import "time"

// NodeConfig is the root configuration for lockmesh-node.
type NodeConfig struct {
	Node      NodeSection      `koanf:"node"`
	Cluster   ClusterSection   `koanf:"cluster"`
	Transport TransportSection `koanf:"transport"`
	Heartbeat HeartbeatSection `koanf:"heartbeat"`
	DLM       DLMSection       `koanf:"dlm"`
	Admin     AdminSection     `koanf:"admin"`
	Log       LogSection       `koanf:"log"`
	Tracing   TracingSection   `koanf:"tracing"`
}

// NodeSection identifies the local node.
type NodeSection struct {
	// ID must match one of Cluster.Nodes. -1 means unset.
	ID int `koanf:"id"`
}

// ClusterSection is the static node table. Every node carries the same
// table.
type ClusterSection struct {
	Nodes []NodeEntry `koanf:"nodes"`
}

// NodeEntry is one configured cluster member.
type NodeEntry struct {
	ID   int    `koanf:"id"`
	Name string `koanf:"name"`
	// Addr is the host:port the node's transport listens on.
	Addr string `koanf:"addr"`
}

// TransportSection configures the connection manager. Timing values must
// be identical on every node or handshakes are refused.
type TransportSection struct {
	IdleTimeout      time.Duration `koanf:"idle_timeout"`
	KeepaliveDelay   time.Duration `koanf:"keepalive_delay"`
	ReconnectDelay   time.Duration `koanf:"reconnect_delay"`
	HeartbeatTimeout time.Duration `koanf:"heartbeat_timeout"`
	Workers          int           `koanf:"workers"`
}

// Heartbeat modes.
const (
	HeartbeatGossip = "gossip"
	HeartbeatStatic = "static"
)

// HeartbeatSection selects the liveness source.
//
// In static mode every configured node is considered alive for the life
// of the process; it suits tests and fixed deployments where an external
// supervisor restarts the whole cluster.
type HeartbeatSection struct {
	Mode     string        `koanf:"mode"`
	BindAddr string        `koanf:"bind_addr"`
	BindPort int           `koanf:"bind_port"`
	Seeds    []string      `koanf:"seeds"`
	Timeout  time.Duration `koanf:"timeout"`
}

// DLMSection lists the lock domains this node joins at startup.
type DLMSection struct {
	Domains          []string      `koanf:"domains"`
	RecoveryPoll     time.Duration `koanf:"recovery_poll"`
	RetryDelay       time.Duration `koanf:"retry_delay"`
	RequestTimeout   time.Duration `koanf:"request_timeout"`
	MaxSnapshotLocks int           `koanf:"max_snapshot_locks"`
	JoinTimeout      time.Duration `koanf:"join_timeout"`
	LeaveTimeout     time.Duration `koanf:"leave_timeout"`
}

// AdminSection configures the admin HTTP server. An empty Addr disables it.
type AdminSection struct {
	Addr string `koanf:"addr"`
}

// LogSection configures logging. Level is reloaded when the config file
// changes.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TracingSection enables the stdout span exporter.
type TracingSection struct {
	Enabled bool `koanf:"enabled"`
}
