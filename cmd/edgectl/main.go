// Command edgectl is the operational CLI for services behind the Access
// gateway: schema migrations, commands serialized by a distributed lock,
// and release tagging.
package main

import (
	"fmt"
	"os"

	"github.com/edgekit/edgekit-core/cmd/edgectl/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
