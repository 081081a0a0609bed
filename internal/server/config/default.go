package config

import "time"

// Default configuration values.
const (
	DefaultAdminAddr = "127.0.0.1:7946"

	DefaultIdleTimeout      = 30 * time.Second
	DefaultKeepaliveDelay   = 2 * time.Second
	DefaultReconnectDelay   = 2 * time.Second
	DefaultHeartbeatTimeout = 10 * time.Second
	DefaultWorkers          = 4

	DefaultGossipAddr = "0.0.0.0"
	DefaultGossipPort = 7947

	DefaultRecoveryPoll   = time.Second
	DefaultRetryDelay     = 100 * time.Millisecond
	DefaultRequestTimeout = 30 * time.Second
	DefaultJoinTimeout    = time.Minute
	DefaultLeaveTimeout   = 30 * time.Second

	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// Default returns the default node configuration. The node id and the
// node table have no usable default.
func Default() *NodeConfig {
	return &NodeConfig{
		Node: NodeSection{ID: -1},
		Transport: TransportSection{
			IdleTimeout:      DefaultIdleTimeout,
			KeepaliveDelay:   DefaultKeepaliveDelay,
			ReconnectDelay:   DefaultReconnectDelay,
			HeartbeatTimeout: DefaultHeartbeatTimeout,
			Workers:          DefaultWorkers,
		},
		Heartbeat: HeartbeatSection{
			Mode:     HeartbeatGossip,
			BindAddr: DefaultGossipAddr,
			BindPort: DefaultGossipPort,
			Timeout:  DefaultHeartbeatTimeout,
		},
		DLM: DLMSection{
			RecoveryPoll:   DefaultRecoveryPoll,
			RetryDelay:     DefaultRetryDelay,
			RequestTimeout: DefaultRequestTimeout,
			JoinTimeout:    DefaultJoinTimeout,
			LeaveTimeout:   DefaultLeaveTimeout,
		},
		Admin: AdminSection{
			Addr: DefaultAdminAddr,
		},
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
