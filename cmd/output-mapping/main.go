package main

import (
	"errors"
	"fmt"
	"os"

	"output-mapping/internal/app"
	"output-mapping/internal/logging"
)

// main runs the output mapping with the command-line arguments.
func main() {
	runner := app.NewAppRunner()

	err := runner.Run(os.Args[1:])
	if err != nil {
		if errors.Is(err, app.ErrUsage) || errors.Is(err, app.ErrConfigNotFound) {
			fmt.Fprintln(os.Stderr, "")
			runner.Usage(os.Stderr)
		}

		// Errors must be visible even when the level was set to none.
		if logging.GetLevel() < logging.Error {
			logging.SetLevel(logging.Error)
		}
		logging.Logf(logging.Error, "Output mapping failed: %v", err)
		os.Exit(1)
	}

	logging.Logf(logging.Info, "Output mapping completed successfully.")
}
