// Command coordinator runs the 2PC/3PC coordinator node: it accepts
// client start requests, drives the configured participant set through
// the protocol, and keeps retrying decision delivery until the process is
// stopped.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/mnohosten/txcommit/internal/coordinator"
	"github.com/mnohosten/txcommit/internal/coordserver"
	"github.com/mnohosten/txcommit/internal/rpcclient"
	"github.com/mnohosten/txcommit/pkg/walcodec"
)

func main() {
	id := flag.String("id", "COORD", "Node identifier")
	port := flag.Int("port", 8000, "Server port")
	participantsFlag := flag.String("participants", "", "Comma-separated list of participant base URLs (required)")
	walPath := flag.String("wal", "/tmp/coord.wal", "Coordinator WAL file path")
	enableGraphQL := flag.Bool("graphql", false, "Enable GraphQL admin API (/graphql, /graphiql)")
	flag.Parse()

	if strings.TrimSpace(*participantsFlag) == "" {
		fmt.Fprintln(os.Stderr, "❌ --participants is required")
		os.Exit(1)
	}

	var order []string
	clients := make(map[string]coordinator.Participant)
	for _, raw := range strings.Split(*participantsFlag, ",") {
		base := strings.TrimSpace(raw)
		if base == "" {
			continue
		}
		name := base
		order = append(order, name)
		clients[name] = rpcclient.New(name, base, rpcclient.DefaultConfig())
	}

	wal, err := walcodec.Open(*walPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to open coordinator WAL: %v\n", err)
		os.Exit(1)
	}

	coord := coordinator.New(coordinator.DefaultConfig(), wal, clients, order)

	fmt.Printf("[%s] WAL replay...\n", *id)
	if err := coord.Recover(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ [%s] WAL recovery failed: %v\n", *id, err)
		os.Exit(1)
	}
	fmt.Printf("[%s] WAL recovery finished\n", *id)

	coord.StartRetryLoop()
	defer coord.Stop()

	cfg := coordserver.DefaultConfig()
	cfg.Port = *port
	cfg.EnableGraphQL = *enableGraphQL

	srv := coordserver.New(*id, cfg, coord)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ [%s] coordinator error: %v\n", *id, err)
		os.Exit(1)
	}
}
