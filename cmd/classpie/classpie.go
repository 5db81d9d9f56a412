package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/akamensky/argparse"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/classpie/pkg/nnload"
	"github.com/cyclopcam/classpie/server"
	"github.com/cyclopcam/logs"
	"github.com/joho/godotenv"
)

func main() {
	parser := argparse.NewParser("classpie", "Count the classes of objects in a video, and show their distribution as a pie chart")
	hotReloadWWW := parser.Flag("", "hot", &argparse.Options{Help: "Hot reload www instead of embedding into binary", Default: false})
	configFilePath := parser.String("c", "config", &argparse.Options{Help: "Config file path. If empty, then defaults and environment variables are used", Default: ""})
	listen := parser.String("l", "listen", &argparse.Options{Help: "HTTP listen address (overrides config)", Default: ""})
	lazyLoad := parser.Flag("", "lazy", &argparse.Options{Help: "Load the model on the first prediction instead of at startup", Default: false})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	// A missing .env file is normal
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(*configFilePath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *hotReloadWWW {
		cfg.HotReloadWWW = true
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger, err := logs.NewLog()
	if err != nil {
		panic(err)
	}

	model := nnload.NewModelHandle(logger, cfg.Model)
	s, err := server.NewServer(logger, cfg, model)
	if err != nil {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
	if !*lazyLoad {
		// The server still starts if this fails, and reports the failure on every prediction
		s.LoadModel()
	}

	s.ListenForKillSignals()
	daemon.SdNotify(false, daemon.SdNotifyReady)
	if err := s.ListenHTTP(cfg.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Criticalf("%v", err)
		os.Exit(1)
	}
}
