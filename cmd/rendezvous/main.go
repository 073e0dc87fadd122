package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/veiltalk/veiltalk-node/pkg/rendezvous"
)

var (
	port          = flag.Int("port", 7750, "Port to listen on")
	clientTimeout = flag.Duration("timeout", 32*time.Second, "Registration expiry")
	cleanup       = flag.Duration("cleanup", 10*time.Second, "Expiry sweep interval")
)

func main() {
	flag.Parse()

	printBanner()

	cfg := rendezvous.DefaultServerConfig()
	cfg.Port = *port
	cfg.ClientTimeout = *clientTimeout
	cfg.CleanupInterval = *cleanup

	server := rendezvous.NewServer(cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log.Printf("✓ Rendezvous server starting on port %d (client timeout %s)", *port, *clientTimeout)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	log.Println("✓ Rendezvous server stopped")
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║          VeilTalk Rendezvous Server v1.0          ║")
	fmt.Println("║       Peer discovery and NAT hole punching        ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}
