// Copyright 2024 The swapcapture Authors
// This file is part of swapcapture.
//
// swapcapture is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// swapcapture is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with swapcapture. If not, see <http://www.gnu.org/licenses/>.

// blotterd is the swap capture daemon: it serves the trade capture REST
// API, consumes the capture queue and runs the partition-serialized
// processing pipeline.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	_ "go.uber.org/automaxprocs"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tradefabric/swapcapture/node"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	httpAddrFlag = &cli.StringFlag{
		Name:  "http.addr",
		Usage: "REST listen address",
	}
	dbFlag = &cli.StringFlag{
		Name:  "db.dsn",
		Usage: "Postgres connection string",
	}
	cacheBackendFlag = &cli.StringFlag{
		Name:  "cache.backend",
		Usage: "Cache backend (redis or memory)",
	}
	redisAddrFlag = &cli.StringFlag{
		Name:  "cache.redis.addr",
		Usage: "Redis address",
	}
	amqpURLFlag = &cli.StringFlag{
		Name:  "queue.url",
		Usage: "AMQP broker URL (empty disables queue ingress)",
	}
	rulesFlag = &cli.StringFlag{
		Name:  "rules",
		Usage: "JSON rule-set file",
	}
	holdPolicyFlag = &cli.StringFlag{
		Name:  "sequencer.policy",
		Usage: "Gap hold policy (release or stale)",
	}
	workersFlag = &cli.IntFlag{
		Name:  "workers",
		Usage: "Worker pool size (0 = cores x 2)",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "Log file path (empty logs to stderr)",
	}
	logJSONFlag = &cli.BoolFlag{
		Name:  "log.json",
		Usage: "Emit JSON log lines",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Log level (debug, info, warn, error)",
		Value: "info",
	}
)

func main() {
	app := &cli.App{
		Name:  "blotterd",
		Usage: "partition-serialized swap trade capture daemon",
		Flags: []cli.Flag{
			configFlag, httpAddrFlag, dbFlag, cacheBackendFlag, redisAddrFlag,
			amqpURLFlag, rulesFlag, holdPolicyFlag, workersFlag,
			logFileFlag, logJSONFlag, verbosityFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	log, err := buildLogger(ctx)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	n, err := node.New(cfg, log)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := n.Start(); err != nil {
		n.Close()
		return fmt.Errorf("start: %w", err)
	}
	log.Infow("blotterd up", "http", cfg.HTTPAddr, "cache", cfg.Cache.Backend)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		log.Infow("Shutting down", "signal", s.String())
		n.Close()
		return nil
	case err := <-n.Faults():
		log.Errorw("Runtime fault", "err", err)
		n.Close()
		os.Exit(2)
		return nil
	}
}

// loadConfig reads the TOML file, then lets flags override it.
func loadConfig(ctx *cli.Context) (node.Config, error) {
	cfg := node.DefaultConfig
	if path := ctx.String(configFlag.Name); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config %s: %w", path, err)
		}
	}
	if ctx.IsSet(httpAddrFlag.Name) {
		cfg.HTTPAddr = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(dbFlag.Name) {
		cfg.DatabaseDSN = ctx.String(dbFlag.Name)
	}
	if ctx.IsSet(cacheBackendFlag.Name) {
		cfg.Cache.Backend = ctx.String(cacheBackendFlag.Name)
	}
	if ctx.IsSet(redisAddrFlag.Name) {
		cfg.Cache.Redis.Addr = ctx.String(redisAddrFlag.Name)
	}
	if ctx.IsSet(amqpURLFlag.Name) {
		cfg.Queue.URL = ctx.String(amqpURLFlag.Name)
	}
	if ctx.IsSet(rulesFlag.Name) {
		cfg.RulesPath = ctx.String(rulesFlag.Name)
	}
	if ctx.IsSet(holdPolicyFlag.Name) {
		cfg.Sequencer.Policy = ctx.String(holdPolicyFlag.Name)
	}
	if ctx.IsSet(workersFlag.Name) {
		cfg.Dispatcher.Workers = ctx.Int(workersFlag.Name)
	}
	return cfg, cfg.Sanitize()
}

func buildLogger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	var level zapcore.Level
	if err := level.Set(ctx.String(verbosityFlag.Name)); err != nil {
		return nil, err
	}

	var encoder zapcore.Encoder
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if ctx.Bool(logJSONFlag.Name) {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	sink := zapcore.AddSync(os.Stderr)
	if path := ctx.String(logFileFlag.Name); path != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // MB
			MaxBackups: 10,
			MaxAge:     28, // days
			Compress:   true,
		})
	}
	core := zapcore.NewCore(encoder, sink, level)
	return zap.New(core, zap.AddCaller()).Sugar(), nil
}
