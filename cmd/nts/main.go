// Command nts runs the NTS-KE server, the NTP/NTS UDP responder, or a
// one-shot NTS-KE client exchange, selected by subcommand.
package main

import (
	"fmt"
	"os"

	"github.com/thekuwayama/cfnts/cmd/nts/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
