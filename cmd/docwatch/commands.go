package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/scott-cotton/cli"

	"github.com/signadot/docsession/config"
)

type MainConfig struct {
	ConfigFile string `cli:"name=config desc='configuration file'"`
	EnvFile    string `cli:"name=env desc='.env file with DOCSESSION_* variables'"`
	URL        string `cli:"name=url desc='server url, overriding the configuration'"`
	Database   string `cli:"name=db desc='database, overriding the configuration'"`
	Color      bool   `cli:"name=color desc='colorize output'"`

	Main *cli.Command
}

func MainCommand() *cli.Command {
	cfg := &MainConfig{}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Main, "docwatch").
		WithSynopsis("docwatch [opts] command [opts]").
		WithDescription("docwatch watches and inspects a document database.").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return runSub(cfg.Main, cc, args)
		}).
		WithSubs(
			TailCommand(cfg),
			CmpxchgCommand(cfg),
			ServeCommand(cfg))
}

// runSub parses the options of cmd and runs the sub command named by the
// first remaining argument.
func runSub(cmd *cli.Command, cc *cli.Context, args []string) error {
	args, err := cmd.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		return cli.ErrNoCommandProvided
	}
	sub := cmd.FindSub(cc, args[0])
	if sub == nil {
		return fmt.Errorf("%w: %q not found", cli.ErrNoSuchCommand, args[0])
	}
	err = sub.Run(cc, args[1:])
	if errors.Is(err, cli.ErrUsage) {
		sub.Usage(cc, err)
		os.Exit(sub.Exit(cc, err))
	}
	return err
}

// load reads the configuration file, then the environment, then the
// command line overrides.
func (cfg *MainConfig) load() (*config.Config, error) {
	c := config.DefaultConfig()
	if cfg.ConfigFile != "" {
		var err error
		if c, err = config.LoadConfig(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	var envFiles []string
	if cfg.EnvFile != "" {
		envFiles = append(envFiles, cfg.EnvFile)
	}
	if err := c.ApplyEnv(envFiles...); err != nil {
		return nil, err
	}
	if cfg.URL != "" {
		c.URLs = []string{cfg.URL}
	}
	if cfg.Database != "" {
		c.Database = cfg.Database
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", cli.ErrUsage, err)
	}
	return c, nil
}

// colorize reports whether output to w should be colored.
func (cfg *MainConfig) colorize(w io.Writer) bool {
	if cfg.Color {
		return true
	}
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

type palette struct {
	key, put, del, other, faint func(a ...any) string
}

func (cfg *MainConfig) palette(w io.Writer) *palette {
	if !cfg.colorize(w) {
		plain := fmt.Sprint
		return &palette{key: plain, put: plain, del: plain, other: plain, faint: plain}
	}
	mk := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		c.EnableColor()
		return c.SprintFunc()
	}
	return &palette{
		key:   mk(color.FgCyan, color.Bold),
		put:   mk(color.FgGreen),
		del:   mk(color.FgRed),
		other: mk(color.FgYellow),
		faint: mk(color.FgHiBlack),
	}
}
