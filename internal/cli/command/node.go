package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/dlm"
	"github.com/yndnr/lockmesh-go/internal/infra/shutdown"
	"github.com/yndnr/lockmesh-go/internal/server/config"
	"github.com/yndnr/lockmesh-go/internal/server/httpserver"
	"github.com/yndnr/lockmesh-go/internal/server/httpserver/handler"
	"github.com/yndnr/lockmesh-go/internal/telemetry/metric"
	"github.com/yndnr/lockmesh-go/internal/telemetry/tracer"
	"github.com/yndnr/lockmesh-go/internal/transport"
)

// Node is a running lockmesh node: heartbeat, transport, lock domains and
// the admin server. Teardown steps are registered on the shutdown handler
// as each part comes up.
type Node struct {
	cfg    *config.NodeConfig
	logger *slog.Logger
	sd     *shutdown.Handler

	metrics   *prometheus.Registry
	registry  *cluster.Registry
	heartbeat cluster.Heartbeat
	transport *transport.Manager
	domains   []*dlm.Domain
	admin     *httpserver.Server
}

// StartNode brings up every part of the node in dependency order. On
// failure the parts already started are torn down before returning.
func StartNode(ctx context.Context, cfg *config.NodeConfig, logger *slog.Logger,
	sd *shutdown.Handler, traceOut io.Writer) (*Node, error) {
	n := &Node{
		cfg:     cfg,
		logger:  logger,
		sd:      sd,
		metrics: metric.NewRegistry(),
	}
	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"tracing", func(context.Context) error { return n.startTracing(traceOut) }},
		{"heartbeat", func(context.Context) error { return n.startHeartbeat() }},
		{"transport", func(context.Context) error { return n.startTransport() }},
		{"domains", n.startDomains},
		{"admin", func(context.Context) error { return n.startAdmin() }},
	}
	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			if rerr := sd.Run(); rerr != nil {
				logger.Error("teardown after failed start", "error", rerr)
			}
			return nil, fmt.Errorf("start %s: %w", s.name, err)
		}
	}
	logger.Info("node started",
		"node", cfg.Node.ID,
		"domains", len(n.domains),
		"admin", n.AdminAddr())
	return n, nil
}

func (n *Node) startTracing(w io.Writer) error {
	if !n.cfg.Tracing.Enabled {
		return nil
	}
	p, err := tracer.New("lockmesh-node", w)
	if err != nil {
		return err
	}
	n.sd.OnShutdown("tracing", p.Shutdown)
	return nil
}

func (n *Node) startHeartbeat() error {
	reg, err := config.ToRegistry(n.cfg)
	if err != nil {
		return err
	}
	n.registry = reg

	if n.cfg.Heartbeat.Mode == config.HeartbeatStatic {
		ids := make([]cluster.NodeID, 0, len(reg.Nodes()))
		for _, node := range reg.Nodes() {
			ids = append(ids, node.ID)
		}
		n.heartbeat = cluster.NewLocalHeartbeat(n.cfg.Heartbeat.Timeout, ids...)
		n.logger.Info("static membership", "nodes", cluster.NodeMapOf(ids...).String())
		return nil
	}

	g, err := cluster.NewGossipHeartbeat(config.ToGossipConfig(n.cfg, reg, n.logger))
	if err != nil {
		return err
	}
	n.heartbeat = g
	n.sd.OnShutdown("heartbeat", func(ctx context.Context) error {
		return g.Leave(remaining(ctx, n.cfg.Heartbeat.Timeout))
	})
	return nil
}

func (n *Node) startTransport() error {
	tr, err := transport.New(config.ToTransportConfig(n.cfg, n.registry, n.heartbeat,
		metric.NewTransport(n.metrics), n.logger))
	if err != nil {
		return err
	}
	if err := tr.Start(); err != nil {
		return err
	}
	n.transport = tr
	n.sd.OnShutdown("transport", func(context.Context) error {
		tr.Stop()
		return nil
	})
	return nil
}

func (n *Node) startDomains(ctx context.Context) error {
	recovery := metric.NewRecovery(n.metrics)
	for _, name := range n.cfg.DLM.Domains {
		dcfg := config.ToDomainConfig(n.cfg, name, n.transport, n.heartbeat, recovery, n.logger)
		dcfg.OnFatal = func(reason string) {
			n.logger.Error("domain failed", "domain", name, "reason", reason)
			n.sd.Trigger("domain " + name + " failed")
		}
		d, err := dlm.New(dcfg)
		if err != nil {
			return err
		}

		jctx, cancel := context.WithTimeout(ctx, n.cfg.DLM.JoinTimeout)
		err = d.Join(jctx)
		cancel()
		if err != nil {
			return err
		}
		n.domains = append(n.domains, d)
		n.sd.OnShutdown("domain "+name, func(ctx context.Context) error {
			lctx, cancel := context.WithTimeout(ctx, n.cfg.DLM.LeaveTimeout)
			defer cancel()
			if err := d.Leave(lctx); err != nil {
				n.logger.Warn("leave failed, closing", "domain", name, "error", err)
				d.Close()
				if errors.Is(err, dlm.ErrNotJoined) {
					return nil
				}
				return err
			}
			return nil
		})
	}
	return nil
}

func (n *Node) startAdmin() error {
	domains := make([]handler.Domain, 0, len(n.domains))
	for _, d := range n.domains {
		domains = append(domains, d)
	}
	router := httpserver.NewRouter(&httpserver.RouterConfig{
		Config: handler.Config{
			Registry:  n.registry,
			Heartbeat: n.heartbeat,
			Transport: n.transport,
			Domains:   domains,
			Logger:    n.logger,
		},
		Metrics: n.metrics,
	})
	srv := httpserver.New(n.cfg.Admin.Addr, router)
	if err := srv.Listen(); err != nil {
		return err
	}
	n.admin = srv
	go func() {
		if err := srv.Serve(); err != nil {
			n.logger.Error("admin server failed", "error", err)
			n.sd.Trigger("admin server failed")
		}
	}()
	n.sd.OnShutdown("admin", srv.Shutdown)
	n.logger.Info("admin server listening", "addr", n.AdminAddr())
	return nil
}

// AdminAddr returns the bound admin address, or "" before it is listening.
func (n *Node) AdminAddr() string {
	if n.admin == nil {
		return ""
	}
	if a := n.admin.Addr(); a != nil {
		return a.String()
	}
	return ""
}

// TransportAddr returns the bound transport address.
func (n *Node) TransportAddr() net.Addr {
	if n.transport == nil {
		return nil
	}
	return n.transport.Addr()
}

// Domains returns the joined domains.
func (n *Node) Domains() []*dlm.Domain {
	return n.domains
}

// remaining returns what is left of ctx's deadline, capped at limit.
func remaining(ctx context.Context, limit time.Duration) time.Duration {
	dl, ok := ctx.Deadline()
	if !ok {
		return limit
	}
	if left := time.Until(dl); left < limit {
		return left
	}
	return limit
}
