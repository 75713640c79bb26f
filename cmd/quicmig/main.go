// Command quicmig runs the QUIC connection migration and multipath
// conformance scenarios against a transport stack.
package main

import (
	"os"

	"github.com/dantte-lp/quicmig/cmd/quicmig/commands"
)

func main() {
	os.Exit(commands.Execute())
}
