package config

import (
	"errors"
	"log/slog"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/dlm"
	"github.com/yndnr/lockmesh-go/internal/telemetry/metric"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

// SelfID returns the configured local node id.
func (c *NodeConfig) SelfID() cluster.NodeID {
	return cluster.NodeID(c.Node.ID)
}

// ToRegistry builds the node registry from the cluster table.
func ToRegistry(cfg *NodeConfig) (*cluster.Registry, error) {
	if cfg == nil {
		return nil, errors.New("node config is nil")
	}
	nodes := make([]cluster.Node, 0, len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		nodes = append(nodes, cluster.Node{
			ID:   cluster.NodeID(n.ID),
			Name: n.Name,
			Addr: n.Addr,
		})
	}
	return cluster.NewRegistry(cfg.SelfID(), nodes)
}

// ToGossipConfig maps the heartbeat section onto a gossip heartbeat.
func ToGossipConfig(cfg *NodeConfig, reg *cluster.Registry, logger *slog.Logger) cluster.GossipConfig {
	return cluster.GossipConfig{
		Registry: reg,
		BindAddr: cfg.Heartbeat.BindAddr,
		BindPort: cfg.Heartbeat.BindPort,
		Seeds:    cfg.Heartbeat.Seeds,
		Timeout:  cfg.Heartbeat.Timeout,
		Logger:   logger,
	}
}

// ToTransportConfig maps the transport section. The heartbeat timeout
// falls back to the heartbeat section so both sides of a handshake agree
// on the value they advertise.
func ToTransportConfig(cfg *NodeConfig, reg *cluster.Registry, hb cluster.Heartbeat,
	metrics *metric.Transport, logger *slog.Logger) transport.Config {
	hbTimeout := cfg.Transport.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = cfg.Heartbeat.Timeout
	}
	return transport.Config{
		Registry:  reg,
		Heartbeat: hb,
		Timing: transport.Timing{
			IdleTimeout:      cfg.Transport.IdleTimeout,
			KeepaliveDelay:   cfg.Transport.KeepaliveDelay,
			HeartbeatTimeout: hbTimeout,
		},
		ReconnectDelay: cfg.Transport.ReconnectDelay,
		Workers:        cfg.Transport.Workers,
		Metrics:        metrics,
		Logger:         logger,
	}
}

// ToDomainConfig maps the dlm section onto one domain.
func ToDomainConfig(cfg *NodeConfig, name string, net dlm.Messenger, hb cluster.Heartbeat,
	metrics *metric.Recovery, logger *slog.Logger) dlm.Config {
	return dlm.Config{
		Name:             name,
		Transport:        net,
		Heartbeat:        hb,
		RecoveryPoll:     cfg.DLM.RecoveryPoll,
		RetryDelay:       cfg.DLM.RetryDelay,
		RequestTimeout:   cfg.DLM.RequestTimeout,
		MaxSnapshotLocks: cfg.DLM.MaxSnapshotLocks,
		Metrics:          metrics,
		Logger:           logger,
	}
}
