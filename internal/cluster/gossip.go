package cluster

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/memberlist"
)

// GossipConfig configures a GossipHeartbeat.
type GossipConfig struct {
	// Registry provides the local identity and validates announced ids.
	Registry *Registry

	// BindAddr/BindPort is the gossip listen address.
	BindAddr string
	BindPort int

	// Seeds are gossip addresses of nodes to join at startup.
	Seeds []string

	// Timeout is the dead-node threshold advertised to peers.
	Timeout time.Duration

	Logger *slog.Logger
}

// GossipHeartbeat implements Heartbeat on top of memberlist. Each member
// carries its node id as one byte of node metadata.
type GossipHeartbeat struct {
	set     liveSet
	timeout time.Duration
	reg     *Registry
	logger  *slog.Logger

	mu       sync.Mutex
	ml       *memberlist.Memberlist
	shutdown bool
}

// NewGossipHeartbeat creates the memberlist instance and joins the seeds.
func NewGossipHeartbeat(cfg GossipConfig) (*GossipHeartbeat, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("gossip heartbeat: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	self := cfg.Registry.Self()

	g := &GossipHeartbeat{
		timeout: cfg.Timeout,
		reg:     cfg.Registry,
		logger:  cfg.Logger,
	}

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = self.Name
	mlConfig.BindAddr = cfg.BindAddr
	mlConfig.BindPort = cfg.BindPort
	mlConfig.Delegate = &metaDelegate{meta: []byte{byte(self.ID)}}
	mlConfig.Events = &gossipEvents{g: g}
	mlConfig.Logger = newGossipLogger(cfg.Logger).StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
	if cfg.Timeout > 0 {
		// memberlist declares a node dead after the suspicion window; keep it
		// in the same range as the advertised threshold.
		mlConfig.ProbeTimeout = cfg.Timeout / 4
		mlConfig.ProbeInterval = cfg.Timeout / 2
	}

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	g.ml = ml

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			ml.Shutdown()
			return nil, fmt.Errorf("join seed nodes: %w", err)
		}
		cfg.Logger.Info("joined gossip cluster",
			"node", self.ID,
			"seeds", cfg.Seeds,
			"joined_count", n)
	} else {
		cfg.Logger.Info("started gossip heartbeat (bootstrap mode)", "node", self.ID)
	}

	return g, nil
}

func (g *GossipHeartbeat) IsAlive(id NodeID) bool { return g.set.isAlive(id) }

func (g *GossipHeartbeat) LiveNodes() NodeMap { return g.set.live() }

func (g *GossipHeartbeat) Subscribe(l HeartbeatListener) func() { return g.set.subscribe(l) }

func (g *GossipHeartbeat) Timeout() time.Duration { return g.timeout }

// Members returns the memberlist view, for diagnostics.
func (g *GossipHeartbeat) Members() []*memberlist.Node {
	return g.ml.Members()
}

// Leave broadcasts a graceful leave and shuts memberlist down.
func (g *GossipHeartbeat) Leave(timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shutdown {
		return nil
	}
	if err := g.ml.Leave(timeout); err != nil {
		g.logger.Error("failed to leave gossip cluster", "error", err)
	}
	g.shutdown = true
	if err := g.ml.Shutdown(); err != nil {
		return fmt.Errorf("shutdown memberlist: %w", err)
	}
	return nil
}

func (g *GossipHeartbeat) memberID(node *memberlist.Node) (NodeID, bool) {
	if len(node.Meta) != 1 {
		g.logger.Warn("gossip member without node id metadata", "member", node.Name)
		return NodeUnknown, false
	}
	id := NodeID(node.Meta[0])
	if _, ok := g.reg.Lookup(id); !ok {
		g.logger.Warn("gossip member not in node registry", "member", node.Name, "peer", id)
		return NodeUnknown, false
	}
	return id, true
}

type gossipEvents struct {
	g *GossipHeartbeat
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	id, ok := e.g.memberID(node)
	if !ok {
		return
	}
	e.g.logger.Info("node heartbeat up", "peer", id, "addr", node.Address())
	e.g.set.set(id, true)
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	id, ok := e.g.memberID(node)
	if !ok {
		return
	}
	e.g.logger.Warn("node heartbeat down", "peer", id, "addr", node.Address())
	e.g.set.set(id, false)
}

func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	e.g.logger.Debug("gossip member updated", "member", node.Name)
}

// metaDelegate publishes the node id as member metadata.
type metaDelegate struct {
	meta []byte
}

func (m *metaDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return m.meta[:limit]
	}
	return m.meta
}

func (m *metaDelegate) NotifyMsg([]byte)                           {}
func (m *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *metaDelegate) LocalState(join bool) []byte                { return nil }
func (m *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// gossipLogger adapts slog.Logger to hclog.Logger for memberlist.
type gossipLogger struct {
	logger *slog.Logger
	name   string
}

func newGossipLogger(logger *slog.Logger) *gossipLogger {
	return &gossipLogger{logger: logger.With("component", "memberlist"), name: "memberlist"}
}

func (l *gossipLogger) Log(level hclog.Level, msg string, args ...any) {
	switch level {
	case hclog.Trace, hclog.Debug:
		l.logger.Debug(msg, args...)
	case hclog.Info, hclog.NoLevel:
		l.logger.Info(msg, args...)
	case hclog.Warn:
		l.logger.Warn(msg, args...)
	case hclog.Error:
		l.logger.Error(msg, args...)
	default:
		l.logger.Info(msg, args...)
	}
}

func (l *gossipLogger) Trace(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *gossipLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *gossipLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *gossipLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *gossipLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

func (l *gossipLogger) IsTrace() bool { return false }
func (l *gossipLogger) IsDebug() bool { return true }
func (l *gossipLogger) IsInfo() bool  { return true }
func (l *gossipLogger) IsWarn() bool  { return true }
func (l *gossipLogger) IsError() bool { return true }

func (l *gossipLogger) ImpliedArgs() []any { return nil }

func (l *gossipLogger) With(args ...any) hclog.Logger {
	return &gossipLogger{logger: l.logger.With(args...), name: l.name}
}

func (l *gossipLogger) Name() string { return l.name }

func (l *gossipLogger) Named(name string) hclog.Logger {
	return &gossipLogger{logger: l.logger, name: l.name + "." + name}
}

func (l *gossipLogger) ResetNamed(name string) hclog.Logger {
	return &gossipLogger{logger: l.logger, name: name}
}

func (l *gossipLogger) SetLevel(level hclog.Level) {}
func (l *gossipLogger) GetLevel() hclog.Level      { return hclog.Debug }

func (l *gossipLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(l.StandardWriter(opts), "", 0)
}

func (l *gossipLogger) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	infer := opts != nil && opts.InferLevels
	return &gossipWriter{log: l, inferLevels: infer}
}

// gossipWriter turns memberlist's "[LEVEL] memberlist: msg" lines into
// leveled records.
type gossipWriter struct {
	log         *gossipLogger
	inferLevels bool
}

var gossipLevelPrefixes = []struct {
	prefix []byte
	level  hclog.Level
}{
	{[]byte("[TRACE]"), hclog.Trace},
	{[]byte("[DEBUG]"), hclog.Debug},
	{[]byte("[INFO]"), hclog.Info},
	{[]byte("[WARN]"), hclog.Warn},
	{[]byte("[ERR]"), hclog.Error},
	{[]byte("[ERROR]"), hclog.Error},
}

func (w *gossipWriter) Write(p []byte) (int, error) {
	line := bytes.TrimSpace(p)
	level := hclog.Info
	if w.inferLevels {
		for _, lp := range gossipLevelPrefixes {
			if bytes.HasPrefix(line, lp.prefix) {
				level = lp.level
				line = bytes.TrimSpace(line[len(lp.prefix):])
				break
			}
		}
	}
	line = bytes.TrimPrefix(line, []byte("memberlist: "))
	w.log.Log(level, string(line))
	return len(p), nil
}
