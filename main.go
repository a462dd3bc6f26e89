// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/util"
)

var (
	showHelp   = flag.Bool("h", false, "Show help")
	version    = flag.Bool("version", false, "Show version")
	openViewer = flag.Bool("open", false, "Open the call viewer in the browser (peer only)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall peer <party-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	case "hub":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: hub command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall hub <hub-directory>")
			os.Exit(1)
		}
		runCLIHub(args[1])

	case "token":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: token command requires hub directory and party id")
			fmt.Fprintln(os.Stderr, "Usage: goopcall token <hub-directory> <party-id>")
			os.Exit(1)
		}
		runCLIToken(args[1], args[2])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves dir and ensures it holds a config file.
func loadDir(dirArg string) (string, string, config.Config) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, config.FileName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Created default config at %s", cfgPath)
	}
	return absDir, cfgPath, cfg
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIPeer(dirArg string) {
	absDir, cfgPath, cfg := loadDir(dirArg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunPeer(ctx, app.Options{
		Dir:        absDir,
		CfgPath:    cfgPath,
		Cfg:        cfg,
		OpenViewer: *openViewer,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIHub(dirArg string) {
	absDir, cfgPath, cfg := loadDir(dirArg)

	created, err := app.EnsureHubSecret(cfgPath, &cfg)
	if err != nil {
		log.Fatalf("Hub secret: %v", err)
	}
	if created {
		log.Printf("Generated hub.jwt_secret in %s", cfgPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunHub(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Hub failed: %v", err)
	}
}

func runCLIToken(dirArg, partyArg string) {
	_, cfgPath, cfg := loadDir(dirArg)

	party, err := util.ValidatePartyID(partyArg)
	if err != nil {
		log.Fatalf("Invalid party id: %v", err)
	}
	if _, err := app.EnsureHubSecret(cfgPath, &cfg); err != nil {
		log.Fatalf("Hub secret: %v", err)
	}
	tok, err := app.IssueToken(cfg, party)
	if err != nil {
		log.Fatalf("Issue token: %v", err)
	}
	fmt.Println(tok)
}

func showUsage() {
	fmt.Println("goopcall - one-to-one WebRTC calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall peer <directory>             Run one calling party")
	fmt.Println("  goopcall hub <directory>              Run the signaling hub")
	fmt.Println("  goopcall token <directory> <party>    Print a credential signed by the hub")
	fmt.Println()
	fmt.Println("Each directory holds a " + config.FileName + " file; a default one is")
	fmt.Println("written on first start.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -open     Open the call viewer in the browser (peer only)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall hub ./hub")
	fmt.Println("  goopcall token ./hub alice")
	fmt.Println("  goopcall -open peer ./parties/alice")
}
