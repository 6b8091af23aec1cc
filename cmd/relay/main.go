package main

import (
	"fmt"
	"os"

	"github.com/eleven-am/voice-recorder/internal/bootstrap"
)

func main() {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	bootstrap.RunRelay(cfg)
}
