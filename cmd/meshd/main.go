package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/wiremesh/meshcore/pkg/api"
	"github.com/wiremesh/meshcore/pkg/link"
	"github.com/wiremesh/meshcore/pkg/mesh"
	"github.com/wiremesh/meshcore/pkg/secretstore"
)

const (
	defaultListenAddr   = "/ip4/0.0.0.0/tcp/7700"
	defaultAPIPort      = 8787
	defaultKeyStorePath = "./data/meshd.db"
	heartbeatInterval   = time.Minute
)

var (
	listenAddr = flag.String("listen", defaultListenAddr, "multiaddr to listen on")
	apiPort    = flag.Int("api-port", defaultAPIPort, "port for the HTTP control surface")
	keyPath    = flag.String("keystore", defaultKeyStorePath, "path to the SQLite identity store")
	nickname   = flag.String("nickname", "", "nickname to announce (defaults to \"anon\")")
	peersFlag  = flag.String("peers", "", "comma-separated multiaddrs to dial on startup")
	noAPI      = flag.Bool("no-api", false, "disable the HTTP control surface")
)

func main() {
	flag.Parse()
	printBanner()

	if err := os.MkdirAll("./data", 0755); err != nil {
		log.Fatalf("Failed to create data directory: %v", err)
	}

	store, err := secretstore.OpenSQLite(*keyPath)
	if err != nil {
		log.Fatalf("Failed to open keystore: %v", err)
	}
	defer store.Close()
	log.Printf("✓ Keystore opened at %s", *keyPath)

	addr, err := ma.NewMultiaddr(*listenAddr)
	if err != nil {
		log.Fatalf("Failed to parse -listen %q: %v", *listenAddr, err)
	}
	tcp := link.NewTCP(addr)

	node, err := mesh.New(store, tcp)
	if err != nil {
		log.Fatalf("Failed to assemble node: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := node.Start(ctx, *nickname); err != nil {
		log.Fatalf("Failed to start node: %v", err)
	}
	log.Printf("✓ Node %s listening on %s", node.GetMyID(), *listenAddr)
	log.Printf("✓ Fingerprint: %s", node.GetIdentityFingerprint())

	for _, peer := range parsePeerList(*peersFlag) {
		if _, err := tcp.Dial(peer); err != nil {
			log.Printf("⚠️  Failed to dial %s: %v", peer, err)
			continue
		}
		log.Printf("✓ Dialed %s", peer)
	}

	var server *api.Server
	if !*noAPI {
		config := api.DefaultConfig()
		config.Port = *apiPort
		server = api.NewServer(node, config)
		go func() {
			if err := server.Start(ctx); err != nil {
				log.Printf("⚠️  API server stopped: %v", err)
			}
		}()
		log.Printf("✓ Control surface listening on :%d", *apiPort)
	} else {
		log.Println("⚠️  Control surface disabled")
	}

	go startHeartbeatLoop(node)

	printStatus(node)
	waitForShutdown(node, server)
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║               meshd mesh node daemon             ║")
	fmt.Println("║      flood-relay mesh messaging, no backhaul     ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func parsePeerList(raw string) []ma.Multiaddr {
	if raw == "" {
		return nil
	}
	var out []ma.Multiaddr
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			log.Printf("⚠️  Skipping invalid peer address %q: %v", s, err)
			continue
		}
		out = append(out, addr)
	}
	return out
}

func startHeartbeatLoop(node *mesh.Node) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		peers := node.GetPeers()
		connected := 0
		for _, p := range peers {
			if p.IsConnected {
				connected++
			}
		}

		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
		log.Println("💓 Heartbeat")
		log.Printf("   Known peers: %d", len(peers))
		log.Printf("   Connected peers: %d", connected)
		log.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	}
}

func printStatus(node *mesh.Node) {
	fmt.Println()
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("🚀 meshd status")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   Status: ✅ RUNNING\n")
	fmt.Printf("   Short ID: %s\n", node.GetMyID())
	fmt.Printf("   Nickname: %s\n", node.GetMyNickname())
	fmt.Printf("   Listen: %s\n", *listenAddr)
	if !*noAPI {
		fmt.Printf("   Control surface: http://localhost:%d\n", *apiPort)
	}
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func waitForShutdown(node *mesh.Node, server *api.Server) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan

	fmt.Println()
	log.Println("Shutting down gracefully...")

	if server != nil {
		if err := server.Stop(); err != nil {
			log.Printf("Error stopping control surface: %v", err)
		} else {
			log.Println("✓ Control surface stopped")
		}
	}

	if err := node.Stop(); err != nil {
		log.Printf("Error stopping node: %v", err)
	} else {
		log.Println("✓ Node stopped")
	}

	log.Println("Goodbye! 👋")
	os.Exit(0)
}
