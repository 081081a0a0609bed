package tests

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/lockmesh-go/internal/cli/command"
	"github.com/yndnr/lockmesh-go/internal/infra/shutdown"
	"github.com/yndnr/lockmesh-go/internal/server/config"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
)

// Options configures StartCluster.
type Options struct {
	Size    int
	Domains []string
	Logger  *slog.Logger
}

// Cluster is a set of in-process nodes.
type Cluster struct {
	Configs  []*config.NodeConfig
	Nodes    []*command.Node
	handlers []*shutdown.Handler
}

// StartCluster starts opts.Size nodes concurrently and returns once every
// node has joined its domains.
func StartCluster(ctx context.Context, opts Options) (*Cluster, error) {
	if opts.Size < 1 {
		return nil, errors.New("cluster size must be positive")
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	addrs, err := freeAddrs(opts.Size)
	if err != nil {
		return nil, err
	}
	entries := make([]config.NodeEntry, opts.Size)
	for i := range entries {
		entries[i] = config.NodeEntry{ID: i, Name: fmt.Sprintf("node-%d", i), Addr: addrs[i]}
	}

	c := &Cluster{
		Configs:  make([]*config.NodeConfig, opts.Size),
		Nodes:    make([]*command.Node, opts.Size),
		handlers: make([]*shutdown.Handler, opts.Size),
	}
	for i := range c.Configs {
		cfg := config.Default()
		cfg.Node.ID = i
		cfg.Cluster.Nodes = entries
		cfg.Heartbeat.Mode = config.HeartbeatStatic
		cfg.Transport.ReconnectDelay = 50 * time.Millisecond
		cfg.DLM.Domains = opts.Domains
		cfg.DLM.RetryDelay = 10 * time.Millisecond
		cfg.DLM.RecoveryPoll = 50 * time.Millisecond
		cfg.DLM.JoinTimeout = 15 * time.Second
		cfg.DLM.LeaveTimeout = 5 * time.Second
		cfg.Admin.Addr = "127.0.0.1:0"
		if err := config.Verify(cfg); err != nil {
			return nil, err
		}
		c.Configs[i] = cfg
		c.handlers[i] = shutdown.NewHandler(10*time.Second, opts.Logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range c.Nodes {
		g.Go(func() error {
			n, err := command.StartNode(gctx, c.Configs[i], opts.Logger.With("node", i), c.handlers[i], io.Discard)
			if err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
			c.Nodes[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.StopAll()
		return nil, err
	}
	return c, nil
}

// Stop shuts node i down gracefully.
func (c *Cluster) Stop(i int) error {
	return c.handlers[i].Run()
}

// StopAll shuts every node down, highest id first.
func (c *Cluster) StopAll() error {
	var errs []error
	for i := len(c.handlers) - 1; i >= 0; i-- {
		if err := c.handlers[i].Run(); err != nil {
			errs = append(errs, fmt.Errorf("node %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}

// freeAddrs reserves n loopback ports and releases them for the nodes to
// bind.
func freeAddrs(n int) ([]string, error) {
	addrs := make([]string, 0, n)
	var lns []net.Listener
	defer func() {
		for _, ln := range lns {
			ln.Close()
		}
	}()
	for range n {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		lns = append(lns, ln)
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs, nil
}
