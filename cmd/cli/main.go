package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/pollsync/cmd/cli/internal/commands"
	"github.com/wolfeidau/pollsync/internal/logger"
)

var (
	version = "dev"
	cli     struct {
		Create  commands.CreateCmd  `cmd:"" help:"Create a session and watch it"`
		Watch   commands.WatchCmd   `cmd:"" help:"Watch a session"`
		Join    commands.JoinCmd    `cmd:"" help:"Join a waiting session"`
		Leave   commands.LeaveCmd   `cmd:"" help:"Leave a waiting session"`
		Vote    commands.VoteCmd    `cmd:"" help:"Answer and submit, then wait for results"`
		Host    commands.HostCmd    `cmd:"" help:"Creator actions"`
		Results commands.ResultsCmd `cmd:"" help:"Show session results"`
		Lock    commands.LockCmd    `cmd:"" help:"Run the single-active-instance lock"`

		Server     string `help:"Server URL" env:"POLLSYNC_SERVER"`
		ProfileDir string `help:"Profile directory shared by every instance" env:"POLLSYNC_PROFILE_DIR"`
		RedisURL   string `help:"Redis URL for a profile shared across hosts" env:"POLLSYNC_REDIS_URL"`
		Identity   string `help:"Acting identity (email)" env:"POLLSYNC_IDENTITY"`
		Token      string `help:"Bearer token; its email claim becomes the identity" env:"POLLSYNC_TOKEN"`
		CreatorID  string `help:"Creator id printed by create" env:"POLLSYNC_CREATOR_ID"`
		Config     string `help:"YAML config file (default ~/.pollsync/config.yaml)"`
		Debug      bool   `help:"Enable debug mode."`
		Version    kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("pollsync"),
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))

	log.Logger = logger.Setup(cli.Debug)

	err := cmd.Run(&commands.Globals{
		Debug:      cli.Debug,
		Version:    version,
		Server:     cli.Server,
		ProfileDir: cli.ProfileDir,
		RedisURL:   cli.RedisURL,
		Identity:   cli.Identity,
		Token:      cli.Token,
		CreatorID:  cli.CreatorID,
		Config:     cli.Config,
	})
	cmd.FatalIfErrorf(err)
}
