// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/google/subcommands"
	"github.com/oxblock/nbd"
	"github.com/oxblock/nbd/internal/config"
	"github.com/oxblock/nbd/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func init() {
	commands = append(commands, &serveCmd{})
}

type serveCmd struct {
	config string
	addr   string
	unix   bool
}

func (cmd *serveCmd) Name() string {
	return "serve"
}

func (cmd *serveCmd) Synopsis() string {
	return "serve exports over the network"
}

func (cmd *serveCmd) Usage() string {
	return `Usage: nbd serve [-config <file>] [-addr <addr> [-unix]]

Serve the exports listed in the configuration file over the network. Without
-config, $NBD_CONFIG, ./nbd.yaml, ./configs/nbd.yaml and /etc/nbd/nbd.yaml are
tried. Changes to the exports in the configuration file are picked up without
restarting; connections keep the export they selected.
`
}

func (cmd *serveCmd) SetFlags(fs *flag.FlagSet) {
	fs.StringVar(&cmd.config, "config", "", "Configuration file")
	fs.StringVar(&cmd.addr, "addr", "", "Address to listen on, overriding the configuration")
	fs.BoolVar(&cmd.unix, "unix", false, "Treat -addr as a unix domain socket")
}

func (cmd *serveCmd) Execute(ctx context.Context, fs *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if fs.NArg() != 0 {
		log.Print(cmd.Usage())
		return subcommands.ExitUsageError
	}

	loader := config.NewLoader(cmd.config)
	cfg, err := loader.Load()
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	if cmd.addr != "" {
		cfg.Listen.Address = cmd.addr
		cfg.Listen.Network = "tcp"
		if cmd.unix {
			cfg.Listen.Network = "unix"
		}
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Println(err)
		return subcommands.ExitFailure
	}
	defer logger.Sync()

	if err := serve(ctx, loader, cfg, logger); err != nil {
		logger.Error("server failed", zap.Error(err))
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func serve(ctx context.Context, loader *config.Loader, cfg *config.Config, logger *zap.Logger) error {
	exports := newExportSet(logger)
	defer exports.Close()
	exp, err := exports.Build(cfg.Exports)
	if err != nil {
		return err
	}
	if len(exp) == 0 {
		logger.Warn("no exports configured")
	}
	reg := nbd.NewRegistry(exp...)
	loader.Watch(func(c *config.Config) {
		exp, err := exports.Build(c.Exports)
		if err != nil {
			logger.Error("not reloading exports", zap.Error(err))
			return
		}
		reg.Replace(exp...)
		logger.Info("reloaded exports", zap.Int("count", len(exp)))
	}, func(err error) {
		logger.Error("invalid configuration", zap.Error(err))
	})

	srv := &nbd.Server{
		Directory:       reg,
		Logger:          logger,
		TLSRequired:     cfg.TLS.Require,
		MaxOptionLength: cfg.Limits.MaxOptionLengthBytes(),
		MaxPayload:      cfg.Limits.MaxPayloadBytes(),
		IdleTimeout:     cfg.Listen.IdleTimeout,
	}
	if cfg.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			return err
		}
		srv.TLS = nbd.TLSUpgrader{Config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}}
	}

	eg, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Address != "" {
		pr := prometheus.NewRegistry()
		pr.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv.Metrics = nbd.NewMetrics(pr)
		eg.Go(func() error {
			return serveMetrics(ctx, cfg.Metrics.Address, pr, logger)
		})
	}
	eg.Go(func() error {
		logger.Info("serving",
			zap.String("network", cfg.Listen.Network),
			zap.String("address", cfg.Listen.Address),
			zap.Bool("tls", srv.TLS != nil))
		return srv.ListenAndServe(ctx, cfg.Listen.Network, cfg.Listen.Address)
	})
	return eg.Wait()
}

func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	hs := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
	}()
	logger.Info("serving metrics", zap.String("address", addr))
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
