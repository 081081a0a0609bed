package command

import (
	"github.com/urfave/cli/v2"

	"github.com/yndnr/lockmesh-go/internal/cli/output"
	"github.com/yndnr/lockmesh-go/internal/infra/buildinfo"
)

// VersionCommand prints build information.
func VersionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show build information",
		Action: func(c *cli.Context) error {
			return render(c, versionInfo(buildinfo.Get()))
		},
	}
}

type versionInfo buildinfo.Info

func (v versionInfo) Table() *output.Table {
	t := output.NewTable("VERSION", "COMMIT", "BUILT", "GO", "PROTOCOL")
	t.AddRow(v.Version, v.Commit, v.BuildTime, v.GoVersion, v.Protocol)
	return t
}
