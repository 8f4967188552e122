package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/trellis-sandbox/trellis/internal/cli"
	"github.com/trellis-sandbox/trellis/internal/config"
	"github.com/trellis-sandbox/trellis/internal/seed"
)

var version = "dev"

func main() {
	// Initialize configuration
	if err := config.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing config: %v\n", err)
		os.Exit(1)
	}

	// Execute root command
	if err := cli.Execute(version); err != nil {
		var pubErr *seed.PublishFailedError
		if errors.As(err, &pubErr) && pubErr.ExitCode > 0 {
			os.Exit(pubErr.ExitCode)
		}
		os.Exit(1)
	}
}
