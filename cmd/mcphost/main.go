// Command mcphost runs the local Host: process supervision, port
// allocation, session tracking, secret/permission enforcement, and the
// reverse proxy and event fan-out that back a local MCP client UI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
