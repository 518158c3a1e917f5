package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/loykin/tunnelkeeper"
	"github.com/loykin/tunnelkeeper/internal/endpoint"
	"github.com/loykin/tunnelkeeper/internal/propagate"
	"github.com/loykin/tunnelkeeper/internal/status"
	"github.com/loykin/tunnelkeeper/pkg/client"
)

type command struct {
	out io.Writer
}

func (c command) Run(ctx context.Context, f RunFlags) error {
	cfg, err := tunnelkeeper.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	k, err := tunnelkeeper.New(cfg)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return k.Run(ctx)
}

func (c command) Status(ctx context.Context, f StatusFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	var report status.Report
	if f.APIUrl != "" {
		api := client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout})
		report = status.FromAPI(ctx, api)
	} else {
		cfg, err := tunnelkeeper.LoadConfig(f.ConfigPath)
		if err != nil {
			return err
		}
		report = status.Checker{Config: cfg}.Collect(ctx)
	}
	if f.JSON {
		printJSON(c.out, report)
	} else {
		report.WriteText(c.out)
	}
	return report.Err()
}

func (c command) Extract(f ExtractFlags) error {
	src := f.Pattern
	if src == "" {
		src = endpoint.DefaultPattern
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return fmt.Errorf("pattern: %w", err)
	}
	url, ok, err := endpoint.ExtractFile(f.LogPath, re, 0, endpoint.DefaultMaxBytes)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no URL matching %s in %s", src, f.LogPath)
	}
	_, _ = fmt.Fprintln(c.out, url)
	return nil
}

func (c command) Propagate(f PropagateFlags) error {
	cfg, err := tunnelkeeper.LoadConfig(f.ConfigPath)
	if err != nil {
		return err
	}
	targets, err := cfg.PropagateTargets()
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return errors.New("no targets configured")
	}
	p := propagate.Propagator{BackupSuffix: cfg.Monitor.BackupSuffix, Logger: cfg.Log.NewSlogger()}
	results := p.Propagate(f.URL, targets)
	for _, r := range results {
		switch {
		case r.Err != nil:
			_, _ = fmt.Fprintf(c.out, "%s: %v\n", r.Path, r.Err)
		case r.Changed:
			_, _ = fmt.Fprintf(c.out, "%s: %d replaced\n", r.Path, r.Replacements)
		default:
			_, _ = fmt.Fprintf(c.out, "%s: unchanged\n", r.Path)
		}
	}
	if n := propagate.Failed(results); n > 0 {
		return fmt.Errorf("%d of %d targets failed", n, len(results))
	}
	return nil
}
