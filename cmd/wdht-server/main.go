// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Command wdht-server runs a single DHT node: the routing table,
// record store, RPC dialer, and signaling layer wired together, able
// to speak to both natively-dialable peers and browser peers reachable
// only through a peer-assisted WebRTC-style channel (spec.md §1-2).
package main

import (
	"fmt"
	"os"

	"github.com/webdht/wdht/cmd/wdht-server/cmd"
)

func main() {
	err := cmd.RootCmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(cmd.ExitCode(err))
}
