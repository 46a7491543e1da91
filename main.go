package main

import (
	"os"

	"github.com/quarkvm/vmlauncher/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
