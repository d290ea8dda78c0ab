// Command lockstep records and compares reference and candidate executions
// of a computation graph.
package main

import (
	"os"

	"github.com/roach88/lockstep/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
