// wopr enforces trust levels, tool policy, and sandbox isolation for
// multi-tenant agent sessions. See `wopr --help` for commands.
package main

import (
	"github.com/wopr-net/wopr/internal/cli"
)

func main() {
	cli.Execute()
}
