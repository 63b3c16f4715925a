package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/scott-cotton/cli"

	"github.com/signadot/docsession/api"
	"github.com/signadot/docsession/changes"
	"github.com/signadot/docsession/httpexec"
)

type TailConfig struct {
	*MainConfig
	Collection string `cli:"name=collection desc='watch documents of a collection'"`
	Prefix     string `cli:"name=prefix desc='watch documents whose id starts with a prefix'"`
	Doc        string `cli:"name=doc desc='watch one document'"`
	Where      string `cli:"name=where desc='watch documents matching an expression over Type, Id, CollectionName'"`
	Indexes    bool   `cli:"name=indexes desc='watch index changes'"`
	Counters   bool   `cli:"name=counters desc='watch counter changes'"`
	Operations bool   `cli:"name=operations desc='watch operation status changes'"`
	Metrics    string `cli:"name=metrics desc='address to serve prometheus metrics on'"`

	Tail *cli.Command
}

func TailCommand(mainCfg *MainConfig) *cli.Command {
	cfg := &TailConfig{MainConfig: mainCfg}
	opts, err := cli.StructOpts(cfg)
	if err != nil {
		panic(err)
	}
	return cli.NewCommandAt(&cfg.Tail, "tail").
		WithSynopsis("tail [-collection c | -prefix p | -doc id | -where expr | -indexes | -counters | -operations]").
		WithDescription("print changes as they happen, all documents by default").
		WithOpts(opts...).
		WithRun(func(cc *cli.Context, args []string) error {
			return tail(cfg, cc, args)
		})
}

func tail(cfg *TailConfig, cc *cli.Context, args []string) error {
	if _, err := cfg.Tail.Parse(cc, args); err != nil {
		return err
	}
	conf, err := cfg.load()
	if err != nil {
		return err
	}
	cert, err := conf.LoadCertificate()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reg := prometheus.NewRegistry()
	if cfg.Metrics != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.Metrics, mux); err != nil {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
	}

	pal := cfg.palette(cc.Out)
	var outMu sync.Mutex
	printf := func(format string, a ...any) {
		outMu.Lock()
		defer outMu.Unlock()
		fmt.Fprintf(cc.Out, format, a...)
	}

	exec := httpexec.New(&httpexec.Spec{URL: conf.URL(), Database: conf.Database, Certificate: cert})
	client := uuid.NewString()
	c := changes.New(&changes.Spec{
		URL:         conf.URL(),
		Database:    conf.Database,
		ClientID:    client,
		Config:      conf.Changes,
		Executor:    exec,
		Certificate: cert,
		Metrics:     changes.NewMetrics(reg),
		OnError: func(err error) {
			printf("%s %v\n", pal.del("error"), err)
		},
	})
	defer c.Close()

	if err := subscribeTail(cfg, c, pal, printf); err != nil {
		return fmt.Errorf("%w: %w", cli.ErrUsage, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.WaitConnected(waitCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to connect to %s: %w", conf.URL(), err)
	}
	printf("%s %s/%s as %s\n", pal.faint("watching"), conf.URL(), conf.Database, client)
	<-ctx.Done()
	return nil
}

func subscribeTail(cfg *TailConfig, c *changes.Changes, pal *palette, printf func(string, ...any)) error {
	switch {
	case cfg.Indexes:
		o, err := c.ForAllIndexes()
		if err != nil {
			return err
		}
		o.Subscribe(changes.Observer[api.IndexChange]{
			OnNext: func(ch api.IndexChange) {
				printf("%s %s %s\n", pal.other(ch.Type), pal.key(ch.Name), pal.faint(ch.Etag))
			},
		})
		return nil
	case cfg.Counters:
		o, err := c.ForAllCounters()
		if err != nil {
			return err
		}
		o.Subscribe(changes.Observer[api.CounterChange]{
			OnNext: func(ch api.CounterChange) {
				printf("%s %s/%s = %d\n", pal.other(ch.Type), pal.key(ch.DocumentID), ch.Name, ch.Value)
			},
		})
		return nil
	case cfg.Operations:
		o, err := c.ForAllOperations()
		if err != nil {
			return err
		}
		o.Subscribe(changes.Observer[api.OperationStatusChange]{
			OnNext: func(ch api.OperationStatusChange) {
				printf("%s %s\n", pal.key(ch.OperationID), pal.other(fmt.Sprint(ch.State["Status"])))
			},
		})
		return nil
	}

	var o *changes.Observable[api.DocumentChange]
	var err error
	switch {
	case cfg.Collection != "":
		o, err = c.ForDocumentsInCollection(cfg.Collection)
	case cfg.Prefix != "":
		o, err = c.ForDocumentsStartingWith(cfg.Prefix)
	case cfg.Doc != "":
		o, err = c.ForDocument(cfg.Doc)
	case cfg.Where != "":
		o, err = c.ForDocumentsWhere(cfg.Where)
	default:
		o, err = c.ForAllDocuments()
	}
	if err != nil {
		return err
	}
	o.Subscribe(changes.Observer[api.DocumentChange]{
		OnNext: func(ch api.DocumentChange) {
			kind := pal.other(ch.Type)
			switch ch.Type {
			case api.DocumentPut:
				kind = pal.put(ch.Type)
			case api.DocumentDelete:
				kind = pal.del(ch.Type)
			}
			printf("%-6s %s %s %s\n", kind, pal.key(ch.ID), ch.CollectionName, pal.faint(shortCV(ch.ChangeVector)))
		},
	})
	return nil
}

// shortCV trims the database id from the entries of a change vector.
func shortCV(cv string) string {
	parts := strings.Split(cv, ",")
	for i, p := range parts {
		if j := strings.IndexByte(p, '-'); j > 0 {
			parts[i] = strings.TrimSpace(p[:j])
		}
	}
	return strings.Join(parts, ",")
}
