// Command participant runs a 2PC/3PC participant node: it votes on
// proposed operations, stages intent durably, and applies committed
// operations to its local key-value store.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mnohosten/txcommit/internal/participant"
	"github.com/mnohosten/txcommit/internal/participantserver"
	"github.com/mnohosten/txcommit/pkg/txn"
	"github.com/mnohosten/txcommit/pkg/walcodec"
)

func main() {
	id := flag.String("id", "", "Node identifier (required)")
	port := flag.Int("port", 8001, "Server port")
	walPath := flag.String("wal", "", "Participant WAL file path (empty disables durability)")
	enableGraphQL := flag.Bool("graphql", false, "Enable GraphQL admin API (/graphql, /graphiql)")
	flag.Parse()

	if *id == "" {
		fmt.Fprintln(os.Stderr, "❌ --id is required")
		os.Exit(1)
	}

	wal, err := walcodec.Open(*walPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ failed to open participant WAL: %v\n", err)
		os.Exit(1)
	}

	p := participant.New(*id, participant.DefaultConfig(), wal)
	p.OnBlocked(func(txid txn.ID, blockedFor time.Duration) {
		fmt.Printf("⏳ [%s] TX %s STILL BLOCKED (2PC limitation), waiting %v\n", *id, txid, blockedFor)
	})

	fmt.Printf("[%s] WAL replay...\n", *id)
	if err := p.Recover(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ [%s] WAL recovery failed: %v\n", *id, err)
		os.Exit(1)
	}
	fmt.Printf("[%s] WAL recovery finished\n", *id)

	p.StartTimeoutMonitor()
	defer p.Stop()

	cfg := participantserver.DefaultConfig()
	cfg.Port = *port
	cfg.EnableGraphQL = *enableGraphQL

	srv := participantserver.New(cfg, p)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ [%s] participant error: %v\n", *id, err)
		os.Exit(1)
	}
}
