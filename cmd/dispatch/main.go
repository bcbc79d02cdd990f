package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/mediaforge/dispatch/cmd/dispatch/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool `help:"Enable debug mode."`
		Version kong.VersionFlag
		Server  commands.ServerCmd  `cmd:"" help:"Run the dispatch server (consumers + reconciler)"`
		Enqueue commands.EnqueueCmd `cmd:"" help:"Enqueue a generation request (development tool)"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
