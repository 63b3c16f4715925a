package main

import (
	"fmt"
	"net/http"

	"github.com/scott-cotton/cli"

	"github.com/signadot/docsession/memstore"
)

type ServeConfig struct {
	*MainConfig
	Port     int    `cli:"name=port desc='HTTP server port default 8080'"`
	DB       string `cli:"name=database desc='database to serve default test'"`
	Partial  bool   `cli:"name=partial desc='apply batches partially on conflicts'"`

	Serve *cli.Command
}

func ServeCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &ServeConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Serve, "serve").
		WithSynopsis("serve -port -database").
		WithDescription("run an in-memory document server").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return serve(cfg, cc, args)
		})
}

func serve(cfg *ServeConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Serve.Parse(cc, args); err != nil {
		return err
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.DB == "" {
		cfg.DB = "test"
	}
	store := memstore.New(&memstore.Spec{Database: cfg.DB, PartialBatches: cfg.Partial})
	addr := fmt.Sprintf(":%d", cfg.Port)
	fmt.Fprintf(cc.Out, "serving database %s on %s\n", cfg.DB, addr)
	return http.ListenAndServe(addr, memstore.NewServer(store))
}
