package command

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/lockmesh-go/internal/cli/connection"
	"github.com/yndnr/lockmesh-go/internal/infra/confloader"
	"github.com/yndnr/lockmesh-go/internal/infra/shutdown"
	"github.com/yndnr/lockmesh-go/internal/server/config"
	"github.com/yndnr/lockmesh-go/internal/telemetry/logger"
)

const clusterYAML = `
node:
  id: 0
cluster:
  nodes:
    - id: 0
      name: node-a
      addr: 127.0.0.1:7100
    - id: 1
      name: node-b
      addr: 127.0.0.1:7101
dlm:
  domains: [orders]
  join_timeout: 5s
log:
  level: info
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

// loaderFromArgs parses run flags and returns the loader they build.
func loaderFromArgs(t *testing.T, args ...string) *confloader.Loader {
	t.Helper()
	var loader *confloader.Loader
	cmd := RunCommand()
	cmd.Action = func(c *cli.Context) error {
		loader = newLoader(c)
		return nil
	}
	app := &cli.App{Name: "test", Commands: []*cli.Command{cmd}}
	if err := app.Run(append([]string{"test", "run"}, args...)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return loader
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, clusterYAML)

	cfg, err := loadConfig(loaderFromArgs(t, "--config", path))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Node.ID != 0 {
		t.Errorf("Node.ID = %d, want 0", cfg.Node.ID)
	}
	if len(cfg.Cluster.Nodes) != 2 || cfg.Cluster.Nodes[1].Name != "node-b" {
		t.Errorf("Cluster.Nodes = %+v", cfg.Cluster.Nodes)
	}
	if cfg.DLM.JoinTimeout != 5*time.Second {
		t.Errorf("DLM.JoinTimeout = %v, want 5s", cfg.DLM.JoinTimeout)
	}
	if cfg.Transport.IdleTimeout != config.DefaultIdleTimeout {
		t.Errorf("Transport.IdleTimeout = %v, want default", cfg.Transport.IdleTimeout)
	}
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	path := writeConfig(t, clusterYAML)

	cfg, err := loadConfig(loaderFromArgs(t, "--config", path, "--node-id", "1", "--log-level", "debug"))
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.Node.ID != 1 {
		t.Errorf("Node.ID = %d, want 1", cfg.Node.ID)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, clusterYAML)

	if _, err := loadConfig(loaderFromArgs(t, "--config", path, "--node-id", "9")); err == nil {
		t.Error("loadConfig() with a node id outside the cluster should fail")
	}
	if _, err := loadConfig(loaderFromArgs(t)); err == nil {
		t.Error("loadConfig() without a cluster table should fail")
	}
}

func singleNodeConfig() *config.NodeConfig {
	cfg := config.Default()
	cfg.Node.ID = 0
	cfg.Cluster.Nodes = []config.NodeEntry{{ID: 0, Name: "solo", Addr: "127.0.0.1:0"}}
	cfg.Heartbeat.Mode = config.HeartbeatStatic
	cfg.Admin.Addr = "127.0.0.1:0"
	cfg.DLM.Domains = []string{"orders", "billing"}
	cfg.DLM.JoinTimeout = 5 * time.Second
	cfg.DLM.LeaveTimeout = 5 * time.Second
	return cfg
}

func TestStartNode_Static(t *testing.T) {
	cfg := singleNodeConfig()
	if err := config.Verify(cfg); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	log := logger.Discard()
	sd := shutdown.NewHandler(10*time.Second, log)

	n, err := StartNode(context.Background(), cfg, log, sd, os.Stderr)
	if err != nil {
		t.Fatalf("StartNode() error = %v", err)
	}
	if n.AdminAddr() == "" || n.TransportAddr() == nil {
		t.Fatalf("node not listening: admin=%q transport=%v", n.AdminAddr(), n.TransportAddr())
	}
	if len(n.Domains()) != 2 {
		t.Fatalf("Domains() = %d, want 2", len(n.Domains()))
	}

	client := connection.NewAdminClient(n.AdminAddr(), 2*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		t.Fatalf("Health() error = %v", err)
	}
	if health.Status != "healthy" || health.Domains != 2 {
		t.Errorf("Health() = %+v", health)
	}

	st, err := client.Recovery(ctx, "orders")
	if err != nil {
		t.Fatalf("Recovery() error = %v", err)
	}
	if st.Phase != "idle" || len(st.Members) != 1 {
		t.Errorf("Recovery() = %+v", st)
	}

	if err := sd.Run(); err != nil {
		t.Fatalf("shutdown error = %v", err)
	}
	select {
	case <-sd.Done():
	default:
		t.Error("Done() not closed after Run")
	}
	if _, err := client.Health(ctx); err == nil {
		t.Error("admin server still answering after shutdown")
	}
}

func TestStartNode_FailureTearsDown(t *testing.T) {
	cfg := singleNodeConfig()
	cfg.Admin.Addr = "127.0.0.1:bad"
	log := logger.Discard()
	sd := shutdown.NewHandler(5*time.Second, log)

	if _, err := StartNode(context.Background(), cfg, log, sd, os.Stderr); err == nil {
		t.Fatal("StartNode() with a bad admin address should fail")
	}
	select {
	case <-sd.Done():
	default:
		t.Error("started parts were not torn down")
	}
}
