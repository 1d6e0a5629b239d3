package main

import (
	"errors"
	"os"

	"github.com/vkrunner/runner/internal/cli"
)

func main() {
	err := cli.Execute()
	if err == nil {
		os.Exit(cli.ExitOK)
	}

	var exitErr *cli.ExitError
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.Code)
	}
	os.Exit(cli.ExitInternal)
}
