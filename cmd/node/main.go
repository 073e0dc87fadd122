package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/veiltalk/veiltalk-node/pkg/crypto"
	"github.com/veiltalk/veiltalk-node/pkg/rendezvous"
	"github.com/veiltalk/veiltalk-node/pkg/session"
	"github.com/veiltalk/veiltalk-node/pkg/transport"
)

const defaultKeyPath = "./keys/identity.key"

var (
	port       = flag.Int("port", 7700, "UDP port to listen on")
	keyPath    = flag.String("key", defaultKeyPath, "Path to encrypted identity file")
	passphrase = flag.String("passphrase", "", "Keystore passphrase (or VEILTALK_PASSPHRASE)")
	serverURL  = flag.String("server", "", "Rendezvous server URL (e.g. http://host:7750)")
	connectTo  = flag.String("connect", "", "Peer address to connect to (requires -server)")
)

func main() {
	flag.Parse()

	printBanner()

	pass := *passphrase
	if pass == "" {
		pass = os.Getenv("VEILTALK_PASSPHRASE")
	}
	if pass == "" {
		log.Fatal("Error: a passphrase is required (-passphrase or VEILTALK_PASSPHRASE)")
	}

	identity, err := loadOrGenerateIdentity(*keyPath, pass)
	if err != nil {
		log.Fatalf("Failed to load identity: %v", err)
	}
	addr := crypto.AddressOf(identity.PublicKey())
	log.Printf("✓ Identity loaded, your address is %s", addr)

	pc, err := net.ListenPacket("udp", fmt.Sprintf(":%d", *port))
	if err != nil {
		log.Fatalf("Failed to bind UDP port %d: %v", *port, err)
	}
	node := transport.New(identity, pc, transport.DefaultConfig())
	defer node.Close()
	log.Printf("✓ Listening on %s", pc.LocalAddr())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	chat := &chatState{node: node}

	go acceptLoop(ctx, node, chat)

	if *serverURL != "" {
		client := newRendezvousClient(identity, *serverURL, *port)
		intros := make(chan rendezvous.Introduction, 8)
		go func() {
			if err := client.Run(ctx, intros); err != nil && ctx.Err() == nil {
				log.Printf("Rendezvous client stopped: %v", err)
			}
		}()
		go punchLoop(ctx, node, chat, intros)
		log.Printf("✓ Registered with rendezvous server %s", *serverURL)

		if *connectTo != "" {
			go dial(ctx, node, client, chat, *connectTo)
		}
	} else if *connectTo != "" {
		log.Fatal("Error: -connect requires -server")
	}

	go inputLoop(ctx, chat)

	<-ctx.Done()
	fmt.Println()
	log.Println("✓ Shutting down")
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║               VeilTalk Node v1.0                  ║")
	fmt.Println("║      End-to-end encrypted peer-to-peer chat       ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func loadOrGenerateIdentity(path, passphrase string) (*crypto.Identity, error) {
	if _, err := os.Stat(path); err == nil {
		log.Println("Loading existing identity...")
		return crypto.LoadIdentity(path, passphrase)
	}
	log.Println("Generating new identity...")
	identity, err := crypto.GenerateIdentity()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll("./keys", 0700); err != nil {
		return nil, err
	}
	if err := crypto.SaveIdentity(path, identity, passphrase); err != nil {
		return nil, err
	}
	log.Printf("✓ New identity saved to %s", path)
	return identity, nil
}

func newRendezvousClient(identity *crypto.Identity, url string, udpPort int) *rendezvous.Client {
	cfg := rendezvous.DefaultClientConfig()
	cfg.ServerURL = url
	cfg.Port = udpPort
	return rendezvous.NewClient(identity, cfg)
}

// chatState tracks the conn stdin lines are sent to: the most recently
// established session. It also makes sure each conn has exactly one
// event watcher, since Connect returns the existing conn for a peer that
// already has a session.
type chatState struct {
	node *transport.Transport

	mu      sync.Mutex
	active  *transport.Conn
	watched map[*transport.Conn]bool
}

func (c *chatState) watch(ctx context.Context, conn *transport.Conn) {
	c.mu.Lock()
	if c.watched == nil {
		c.watched = make(map[*transport.Conn]bool)
	}
	if c.watched[conn] {
		c.mu.Unlock()
		return
	}
	c.watched[conn] = true
	c.mu.Unlock()
	go watchConn(ctx, conn, c)
}

func (c *chatState) setActive(conn *transport.Conn) {
	c.mu.Lock()
	c.active = conn
	c.mu.Unlock()
	log.Printf("✓ Now chatting with %s", conn.Addr())
}

func (c *chatState) send(ctx context.Context, line string) {
	c.mu.Lock()
	conn := c.active
	c.mu.Unlock()
	if conn == nil {
		log.Println("No peer connected yet")
		return
	}
	if err := conn.Send(ctx, []byte(line)); err != nil {
		log.Printf("Send failed: %v", err)
	}
}

func acceptLoop(ctx context.Context, node *transport.Transport, chat *chatState) {
	for {
		conn, err := node.Accept(ctx)
		if err != nil {
			return
		}
		chat.watch(ctx, conn)
	}
}

// watchConn surfaces one session's events on the console.
func watchConn(ctx context.Context, conn *transport.Conn, chat *chatState) {
	peer := conn.Addr()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-conn.Events():
			if !ok {
				return
			}
			switch e := ev.(type) {
			case session.Established:
				log.Printf("✓ Secure session established with %s", peer)
				chat.setActive(conn)
			case session.Message:
				fmt.Printf("[%s] %s\n", peer, e.Payload)
			case session.Closed:
				log.Printf("Session with %s closed: %s", peer, e.Reason)
				return
			}
		}
	}
}

// punchLoop opens toward every peer the rendezvous server introduces, so
// both sides punch their NATs at the same time.
func punchLoop(ctx context.Context, node *transport.Transport, chat *chatState, intros <-chan rendezvous.Introduction) {
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-intros:
			key, err := decodePeerKey(in.PublicKey)
			if err != nil {
				log.Printf("Bad introduction: %v", err)
				continue
			}
			udp, err := net.ResolveUDPAddr("udp", in.Endpoint)
			if err != nil {
				log.Printf("Bad introduction endpoint %q: %v", in.Endpoint, err)
				continue
			}
			log.Printf("Introduction from %s at %s, opening...", crypto.AddressOf(key), udp)
			conn, err := node.Connect(ctx, key, udp)
			if err != nil {
				log.Printf("Connect failed: %v", err)
				continue
			}
			chat.watch(ctx, conn)
		}
	}
}

// dial resolves a peer address through the rendezvous server and opens a
// session toward the endpoint it reports.
func dial(ctx context.Context, node *transport.Transport, client *rendezvous.Client, chat *chatState, target string) {
	addr, err := crypto.ParseAddress(target)
	if err != nil {
		log.Printf("Invalid peer address %q: %v", target, err)
		return
	}
	intro, err := client.Introduce(ctx, addr)
	if err != nil {
		log.Printf("Introduce %s: %v", addr, err)
		return
	}
	key, err := decodePeerKey(intro.PublicKey)
	if err != nil {
		log.Printf("Bad introduce reply: %v", err)
		return
	}
	udp, err := net.ResolveUDPAddr("udp", intro.Endpoint)
	if err != nil {
		log.Printf("Bad endpoint %q: %v", intro.Endpoint, err)
		return
	}
	log.Printf("Connecting to %s at %s...", addr, udp)
	conn, err := node.Connect(ctx, key, udp)
	if err != nil {
		log.Printf("Connect failed: %v", err)
		return
	}
	chat.watch(ctx, conn)
}

func inputLoop(ctx context.Context, chat *chatState) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		chat.send(ctx, line)
	}
}

func decodePeerKey(b64 string) (crypto.PublicKey, error) {
	var key crypto.PublicKey
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(raw) != crypto.PublicKeyLen {
		return key, crypto.ErrInvalidKey
	}
	copy(key[:], raw)
	return key, nil
}
