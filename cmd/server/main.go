package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/pledge-admin/pledgegate/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug    bool `help:"Enable debug mode." env:"PLEDGE_DEBUG"`
		Version  kong.VersionFlag
		Serve    commands.ServeCmd    `cmd:"" help:"Run the request gate in front of the page renderer"`
		Classify commands.ClassifyCmd `cmd:"" help:"Print the route class and required roles of paths"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("pledgegate"),
		kong.Description("Session and route gate for the Pledge Admin web app."),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
