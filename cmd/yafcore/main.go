// Command yafcore runs the flow meter pipeline end to end: decode, fragment
// reassembly, biflow joining and aging, served with a runtime-introspection
// API, grounded on the teacher's cmd/goProbe entrypoint (cmd/goProbe/main.go
// delegating to cmd/goProbe/cmd.Execute). Unlike goProbe's multi-command
// CLI (capture plus a query/control surface split across several
// binaries), yafcore is a single long-running process, so its cobra
// wiring lives flat in this package rather than under its own cmd/
// subpackage.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
