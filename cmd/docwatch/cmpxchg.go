package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goccy/go-yaml"
	"github.com/scott-cotton/cli"

	"github.com/signadot/docsession/cmpxchg"
	"github.com/signadot/docsession/httpexec"
)

type CmpxchgConfig struct {
	*MainConfig
	Cmpxchg *cli.Command
}

type CmpxchgGetConfig struct {
	*CmpxchgConfig
	Meta bool `cli:"name=meta desc='include metadata'"`
	Get  *cli.Command
}

func CmpxchgCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &CmpxchgConfig{MainConfig: mainCfg}
	return cli.NewCommandAt(&cfg.Cmpxchg, "cmpxchg").
		WithSynopsis("cmpxchg command [opts]").
		WithDescription("inspect compare exchange values").
		WithRun(func(cc *cli.Context, args []string) error {
			return runSub(cfg.Cmpxchg, cc, args)
		}).
		WithSubs(CmpxchgGetCommand(cfg))
}

func CmpxchgGetCommand(parent *CmpxchgConfig) *cli.Command {
	cfg := &CmpxchgGetConfig{CmpxchgConfig: parent}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Get, "get").
		WithSynopsis("get [-meta] key...").
		WithDescription("print compare exchange values as yaml").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return cmpxchgGet(cfg, cc, args)
		})
}

type cmpxchgOut struct {
	Key      string         `yaml:"key"`
	Index    int64          `yaml:"index"`
	Value    any            `yaml:"value"`
	Metadata map[string]any `yaml:"metadata,omitempty"`
}

func cmpxchgGet(cfg *CmpxchgGetConfig, cc *cli.Context, args []string) error {
	keys, err := cfg.Get.Parse(cc, args)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: no keys given", cli.ErrUsage)
	}
	conf, err := cfg.load()
	if err != nil {
		return err
	}
	cert, err := conf.LoadCertificate()
	if err != nil {
		return err
	}
	exec := httpexec.New(&httpexec.Spec{URL: conf.URL(), Database: conf.Database, Certificate: cert})
	values, err := cmpxchg.Get[any](context.Background(), exec, keys, cfg.Meta)
	if err != nil {
		return err
	}

	out := make([]cmpxchgOut, 0, values.Len())
	for _, v := range values.All() {
		o := cmpxchgOut{Key: v.Key, Index: v.Index, Value: plain(v.Value)}
		if cfg.Meta && v.Metadata != nil {
			o.Metadata = plain(v.Metadata.ToMap()).(map[string]any)
		}
		out = append(out, o)
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	_, err = cc.Out.Write(data)
	return err
}

// plain replaces json numbers in a tree with int64 or float64 values so
// that they are written as yaml numbers.
func plain(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case map[string]any:
		res := make(map[string]any, len(x))
		for k, e := range x {
			res[k] = plain(e)
		}
		return res
	case []any:
		res := make([]any, len(x))
		for i, e := range x {
			res[i] = plain(e)
		}
		return res
	}
	return v
}
