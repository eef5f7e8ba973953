package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/wardwatch/server"
	"github.com/cyclopcam/wardwatch/server/config"
)

func main() {
	parser := argparse.NewParser("wardwatch", "Hospital camera security monitor")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Configuration file (JSON)", Default: config.DefaultFilename})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address, overriding the config file (eg :8080)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()
	srv.Start()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// SYNC-SERVER-PORT
	if err := srv.ListenHTTP(cfg.Listen); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
		<-srv.ShutdownComplete
		os.Exit(1)
	}
	<-srv.ShutdownComplete
}
