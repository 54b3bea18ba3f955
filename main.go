// main.go
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/callcore/internal/app"
	"github.com/petervdpas/callcore/internal/config"
	"github.com/petervdpas/callcore/internal/storage"
	"github.com/petervdpas/callcore/internal/util"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const cfgName = "callcore.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("callcore v%s\n", appVersion)
		return
	}

	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "peer":
		requireArgs(args, 2, "callcore peer <peer-directory>")
		runPeer(args[1])

	case "key":
		requireArgs(args, 4, "callcore key <peer-directory> <conversation-id> <base64-key>")
		provisionKey(args[1], args[2], args[3])

	case "conversation":
		requireArgs(args, 4, "callcore conversation <peer-directory> <conversation-id> <peer-id>")
		addConversation(args[1], args[2], args[3])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println("callcore - call signaling node")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  callcore peer <dir>                        run a node from <dir>/" + cfgName)
	fmt.Println("  callcore key <dir> <conversation> <b64>    store a conversation key")
	fmt.Println("  callcore conversation <dir> <conv> <peer>  register a 1:1 conversation")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "Error: %s requires %d argument(s)\n", args[0], n-1)
		fmt.Fprintf(os.Stderr, "Usage: %s\n", usage)
		os.Exit(1)
	}
}

func peerDir(arg string) (dir, cfgPath string, cfg config.Config) {
	dir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Fatalf("Create peer directory: %v", err)
	}

	cfgPath = filepath.Join(dir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Infof("wrote default config to %s", cfgPath)
	}
	return dir, cfgPath, cfg
}

func runPeer(arg string) {
	dir, cfgPath, cfg := peerDir(arg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx, app.Options{
		PeerDir: dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
	log.Info("shut down")
}

func openDB(dir string, cfg config.Config) *storage.DB {
	db, err := storage.Open(util.ResolvePath(dir, cfg.Storage.DBFile))
	if err != nil {
		log.Fatalf("Open database: %v", err)
	}
	return db
}

func provisionKey(arg, conversationID, b64 string) {
	dir, _, cfg := peerDir(arg)

	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		log.Fatalf("Key is not valid base64: %v", err)
	}
	if len(key) < 16 {
		log.Fatalf("Key too short: %d bytes, need at least 16", len(key))
	}

	db := openDB(dir, cfg)
	defer db.Close()
	if err := db.PutConversationKey(context.Background(), conversationID, key); err != nil {
		log.Fatalf("Store key: %v", err)
	}
	fmt.Printf("key stored for %s\n", conversationID)
}

// addConversation registers a conversation on disk. A running node picks it
// up on its next resync.
func addConversation(arg, conversationID, peerID string) {
	dir, _, cfg := peerDir(arg)

	db := openDB(dir, cfg)
	defer db.Close()
	added, err := db.AddConversation(context.Background(), storage.Conversation{ID: conversationID, PeerID: peerID})
	if err != nil {
		log.Fatalf("Add conversation: %v", err)
	}
	if added {
		fmt.Printf("conversation %s with %s added\n", conversationID, peerID)
	} else {
		fmt.Printf("conversation %s already known\n", conversationID)
	}
}
