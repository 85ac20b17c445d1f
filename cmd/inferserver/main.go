package main

import (
	"fmt"
	"os"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/logs"
	"github.com/huangchao99/infer-server/server"
	"github.com/huangchao99/infer-server/server/config"
)

func main() {
	parser := argparse.NewParser("inferserver", "Multi-stream RTSP inference server")
	configFile := parser.String("c", "config", &argparse.Options{Help: "Server configuration file", Default: "/etc/infer-server/config.json"})
	httpPort := parser.Int("p", "port", &argparse.Options{Help: "Override the HTTP port from the config file", Default: 0})
	noRestore := parser.Flag("", "norestore", &argparse.Options{Help: "Do not restore persisted streams at startup", Default: false})
	if err := parser.Parse(os.Args); err != nil {
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
		logger.Errorf("Failed to load config %v: %v", *configFile, err)
		os.Exit(1)
	}
	if *httpPort != 0 {
		cfg.HTTPPort = *httpPort
	}

	srv, err := server.NewServer(logger, cfg)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	srv.ListenForKillSignals()

	if !*noRestore {
		srv.RestoreStreams()
	}

	if err := srv.ListenHTTP(fmt.Sprintf(":%v", cfg.HTTPPort)); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
	}
	<-srv.ShutdownComplete
}
