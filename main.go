// Command ikoot runs the IKOOT check-in ledger.
//
// Run the API with:
//
//	go run . serve
//
// The server listens on :8080 by default. Set ADDR to override and
// STORE_DRIVER to choose the backend (bolt, sqlite, postgres, redis or
// memory; default bolt at DB_PATH=checkins.db).
package main

import (
	"os"

	"github.com/arkantrust/ikoot-checkin/backend/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
