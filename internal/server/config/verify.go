package config

import (
	"errors"
	"fmt"
	"net"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/dlm"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
)

// Verify validates the configuration and returns every problem found.
func Verify(cfg *NodeConfig) error {
	return errors.Join(
		verifyCluster(cfg),
		verifyTransport(&cfg.Transport),
		verifyHeartbeat(&cfg.Heartbeat),
		verifyDLM(&cfg.DLM),
		verifyLog(&cfg.Log),
	)
}

func verifyCluster(cfg *NodeConfig) error {
	if len(cfg.Cluster.Nodes) == 0 {
		return errors.New("cluster.nodes is required")
	}

	var errs []error
	ids := make(map[int]bool)
	names := make(map[string]bool)
	addrs := make(map[string]bool)
	for i, n := range cfg.Cluster.Nodes {
		if n.ID < 0 || n.ID >= cluster.MaxNodes {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d].id %d out of range 0..%d", i, n.ID, cluster.MaxNodes-1))
		}
		if ids[n.ID] {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d].id %d is duplicated", i, n.ID))
		}
		ids[n.ID] = true

		if n.Name == "" {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d].name is required", i))
		} else if names[n.Name] {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d].name %q is duplicated", i, n.Name))
		}
		names[n.Name] = true

		if _, _, err := net.SplitHostPort(n.Addr); err != nil {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d].addr: %w", i, err))
		} else if addrs[n.Addr] {
			errs = append(errs, fmt.Errorf("cluster.nodes[%d].addr %q is duplicated", i, n.Addr))
		}
		addrs[n.Addr] = true
	}

	if cfg.Node.ID < 0 {
		errs = append(errs, errors.New("node.id is required"))
	} else if !ids[cfg.Node.ID] {
		errs = append(errs, fmt.Errorf("node.id %d is not in cluster.nodes", cfg.Node.ID))
	}
	return errors.Join(errs...)
}

func verifyTransport(cfg *TransportSection) error {
	if cfg.IdleTimeout <= 0 {
		return errors.New("transport.idle_timeout must be positive")
	}
	if cfg.KeepaliveDelay <= 0 || cfg.KeepaliveDelay >= cfg.IdleTimeout {
		return fmt.Errorf("transport.keepalive_delay %v must be positive and below idle_timeout %v",
			cfg.KeepaliveDelay, cfg.IdleTimeout)
	}
	if cfg.Workers < 1 {
		return errors.New("transport.workers must be at least 1")
	}
	return nil
}

func verifyHeartbeat(cfg *HeartbeatSection) error {
	switch cfg.Mode {
	case HeartbeatStatic:
		return nil
	case HeartbeatGossip:
		if cfg.BindPort <= 0 || cfg.BindPort > 65535 {
			return fmt.Errorf("heartbeat.bind_port %d out of range", cfg.BindPort)
		}
		if cfg.Timeout <= 0 {
			return errors.New("heartbeat.timeout must be positive")
		}
		return nil
	default:
		return fmt.Errorf("heartbeat.mode %q must be %q or %q", cfg.Mode, HeartbeatGossip, HeartbeatStatic)
	}
}

func verifyDLM(cfg *DLMSection) error {
	seen := make(map[string]bool)
	for _, name := range cfg.Domains {
		if name == "" || len(name) > dlm.MaxNameLen {
			return fmt.Errorf("dlm.domains: invalid domain name %q", name)
		}
		if seen[name] {
			return fmt.Errorf("dlm.domains: %q listed twice", name)
		}
		seen[name] = true
	}
	if cfg.MaxSnapshotLocks < 0 {
		return errors.New("dlm.max_snapshot_locks must not be negative")
	}
	return nil
}

func verifyLog(cfg *LogSection) error {
	if !logger.ValidLevel(cfg.Level) {
		return fmt.Errorf("log.level %q is not a known level", cfg.Level)
	}
	switch cfg.Format {
	case "json", "text", "console":
		return nil
	}
	return fmt.Errorf("log.format %q must be json or text", cfg.Format)
}
