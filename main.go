// modelkeeper downloads model files and their preview images with resume
// support, parallel batches and background tasks.
package main

import (
	"os"

	"github.com/modelkeeper/modelkeeper/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
