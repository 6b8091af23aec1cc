package main

import (
	"fmt"
	"os"

	"github.com/eleven-am/voice-recorder/internal/bootstrap"
)

// @title Voice Recorder API
// @version 1.0.0
// @description Local control API for the resilient voice recorder

// @host 127.0.0.1:7070
// @BasePath /v1

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	bootstrap.Run(cfg)
}
