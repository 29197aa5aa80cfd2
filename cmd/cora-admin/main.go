// Command cora-admin runs maintenance tasks against a CorA database.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
