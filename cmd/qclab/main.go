// qclab is the operator command line for the laboratory QC store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gartstein/avenue/internal/lab/config"
	zaplog "github.com/gartstein/avenue/internal/pkg/logger"
	"go.uber.org/zap"
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: qclab [-config file] <command> [flags]

commands:
  migrate   create or update the schema
  seed      load YAML fixtures (-file, -token)
  create    create a record from JSON (-kind, -data, -token)
  update    set columns of a record (-kind, -key, -set col=value, -token)
  get       print one record (-kind, -key)
  list      print the records of a kind (-kind, -active)
  retire    mark a record inactive (-kind, -key, -token)
  delete    delete an unreferenced record (-kind, -key, -token)
  audit     consume the audit topic, archiving events when a bucket is set
  history   print the archived events of a record (-kind, -key)
  report    write a batch's QC results to an Excel workbook (-batch, -file)
  token     issue a development actor token (-actor, -name)
`)
}

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := zaplog.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, logger, os.Stdout, os.Stdin)
	if err := a.run(ctx, flag.Arg(0), flag.Args()[1:]); err != nil {
		logger.Error("command failed", zap.String("command", flag.Arg(0)), zap.Error(err))
		stop()
		os.Exit(1)
	}
}
