package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/lockmesh-go/internal/cli/connection"
	"github.com/yndnr/lockmesh-go/internal/cli/output"
	"github.com/yndnr/lockmesh-go/internal/cluster"
	"github.com/yndnr/lockmesh-go/internal/server/httpserver/handler"
)

const defaultQueryTimeout = 5 * time.Second

// HealthCommand queries a node's health endpoint.
func HealthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Show node health",
		Action: func(c *cli.Context) error {
			client, ctx, cancel := adminClient(c)
			defer cancel()
			resp, err := client.Health(ctx)
			if err != nil {
				return err
			}
			return render(c, healthView{resp})
		},
	}
}

// NodesCommand lists cluster nodes as seen by the queried node.
func NodesCommand() *cli.Command {
	return &cli.Command{
		Name:    "nodes",
		Aliases: []string{"ls"},
		Usage:   "List cluster nodes and connection state",
		Action: func(c *cli.Context) error {
			client, ctx, cancel := adminClient(c)
			defer cancel()
			resp, err := client.Nodes(ctx)
			if err != nil {
				return err
			}
			return render(c, nodesView{resp})
		},
	}
}

// RecoveryCommand shows a domain's recovery state.
func RecoveryCommand() *cli.Command {
	return &cli.Command{
		Name:      "recovery",
		Usage:     "Show recovery state of a lock domain",
		ArgsUsage: "[DOMAIN]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "domain",
				Aliases: []string{"d"},
				Usage:   "lock domain name",
			},
		},
		Action: func(c *cli.Context) error {
			domain := c.String("domain")
			if domain == "" {
				domain = c.Args().First()
			}
			if domain == "" {
				return errors.New("domain is required")
			}
			client, ctx, cancel := adminClient(c)
			defer cancel()
			resp, err := client.Recovery(ctx, domain)
			if err != nil {
				return err
			}
			return render(c, recoveryView{resp})
		},
	}
}

func adminClient(c *cli.Context) (*connection.AdminClient, context.Context, context.CancelFunc) {
	timeout := c.Duration("timeout")
	client := connection.NewAdminClient(ParseGlobalFlags(c).Admin, timeout)
	parent := c.Context
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	return client, ctx, cancel
}

type healthView struct{ *handler.HealthResponse }

func (v healthView) Table() *output.Table {
	t := output.NewTable("STATUS", "NODE", "DOMAINS", "RECOVERING", "TIME")
	t.AddRow(v.Status, v.Node, v.Domains, strings.Join(v.Recovering, ","), v.Time)
	return t
}

type nodesView struct{ *handler.NodesResponse }

func (v nodesView) Table() *output.Table {
	t := output.NewTable("ID", "NAME", "ADDR", "ALIVE", "STATE", "INITIATOR", "ATTEMPTS", "PENDING", "ERROR")
	for _, n := range v.Nodes {
		name := n.Name
		if n.Self {
			name += " *"
		}
		t.AddRow(n.ID, name, n.Addr, n.Alive, n.State, n.Initiator, n.Attempts, n.Pending, n.Error)
	}
	return t
}

type recoveryView struct{ *handler.RecoveryResponse }

func (v recoveryView) Table() *output.Table {
	t := output.NewTable("DOMAIN", "PHASE", "DEAD", "MASTER", "PENDING", "MEMBERS", "ELECTIONS", "COMPLETED")
	t.AddRow(v.Domain, v.Phase, nodeLabel(v.DeadNode), nodeLabel(v.Master),
		cluster.NodeMapOf(v.Pending...).String(), cluster.NodeMapOf(v.Members...).String(),
		v.ElectionsWon, v.Completed)
	return t
}

func nodeLabel(id cluster.NodeID) string {
	if id == cluster.NodeUnknown {
		return ""
	}
	return fmt.Sprint(uint8(id))
}
