package main

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/openmem/mnemo/internal/cli"
)

func main() {
	// Optional; real environments set variables directly.
	_ = godotenv.Load()

	os.Exit(cli.Execute())
}
