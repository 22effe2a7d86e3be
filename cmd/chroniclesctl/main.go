// Command chroniclesctl is a read-mostly administrative client for a
// running chroniclesd node, talking the internal/wire frame protocol.
// Grounded in the teacher's generalized shape from rzbill-flo's Cobra
// client commands (internal/cmd/client), adapted to this store's
// request/response envelopes instead of an HTTP/gRPC transport.
package main

import (
	"fmt"
	"os"

	"chronicles/internal/cli"
)

func main() {
	root := cli.NewRoot()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
