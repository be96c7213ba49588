// Command pd is the Port Daddy CLI and daemon entrypoint. Subcommands map
// one-to-one onto core operations and open the database directly, so they
// work with or without a running daemon; `pd daemon` starts the HTTP facade.
package main

import (
	"os"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
