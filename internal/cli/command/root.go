package command

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/lockmesh-go/internal/cli/output"
	"github.com/yndnr/lockmesh-go/internal/infra/buildinfo"
	"github.com/yndnr/lockmesh-go/internal/server/config"
)

// App creates the CLI application.
func App() *cli.App {
	return &cli.App{
		Name:    "lockmesh-node",
		Usage:   "distributed lock manager node",
		Version: buildinfo.String(),
		Flags:   globalFlags(),
		Commands: []*cli.Command{
			RunCommand(),
			HealthCommand(),
			NodesCommand(),
			RecoveryCommand(),
			VersionCommand(),
		},
		HideVersion: true,
	}
}

// globalFlags returns the flags shared by the inspection commands.
func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "admin",
			Aliases: []string{"a"},
			Usage:   "admin server address of the node to query",
			EnvVars: []string{"LOCKMESH_ADMIN_ADDR"},
			Value:   config.DefaultAdminAddr,
		},
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "output format: table, json, yaml",
			Value:   string(output.FormatTable),
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Usage: "request timeout for admin queries",
			Value: defaultQueryTimeout,
		},
	}
}

// GlobalFlags holds the parsed global flags.
type GlobalFlags struct {
	Admin  string
	Output output.Format
}

// ParseGlobalFlags extracts global flags from context.
func ParseGlobalFlags(c *cli.Context) *GlobalFlags {
	return &GlobalFlags{
		Admin:  c.String("admin"),
		Output: output.Format(c.String("output")),
	}
}

// render writes data to the app's writer in the selected format.
func render(c *cli.Context, data any) error {
	f, err := output.NewFormatter(ParseGlobalFlags(c).Output)
	if err != nil {
		return err
	}
	return f.Format(appWriter(c), data)
}

func appWriter(c *cli.Context) io.Writer {
	if c.App != nil && c.App.Writer != nil {
		return c.App.Writer
	}
	return os.Stdout
}

// PrintError prints an error message to stderr.
func PrintError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
}
