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

	"github.com/petervdpas/chatterbox/internal/app"
	"github.com/petervdpas/chatterbox/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("chatterbox v%s\n", appVersion)
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

	command := args[0]
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
		fmt.Fprintf(os.Stderr, "Usage: chatterbox %s <client-directory>\n", command)
		os.Exit(1)
	}

	switch command {
	case "init":
		runInit(args[1])
	case "signup":
		runSignIn(args[1], true)
	case "signin":
		runSignIn(args[1], false)
	case "logout":
		runLogout(args[1])
	case "run":
		runClient(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func clientDir(arg string, create bool) string {
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid client directory: %v", err)
	}
	if create {
		if err := os.MkdirAll(absDir, 0o755); err != nil {
			log.Fatalf("Create client directory: %v", err)
		}
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Client directory does not exist: %s", absDir)
	}
	return absDir
}

func loadConfig(dir string) (string, config.Config) {
	cfgPath := filepath.Join(dir, config.FileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Fatalf("No %s in %s; run `chatterbox init %s` first", config.FileName, dir, dir)
		}
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.LoadDotEnv(dir); err != nil {
		log.Fatalf("Failed to read .env: %v", err)
	}
	if cfg, err = config.FromEnv(cfg); err != nil {
		log.Fatalf("Invalid override: %v", err)
	}
	return cfgPath, cfg
}

func runInit(arg string) {
	dir := clientDir(arg, true)
	cfgPath := filepath.Join(dir, config.FileName)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if !created {
		fmt.Printf("Existing config found: %s\n", cfgPath)
	}
	cfg = app.PromptInteractive(os.Stdin, dir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Saved %s\n", cfgPath)
	fmt.Printf("Next: chatterbox signup %s  (or signin)\n", arg)
}

func runSignIn(arg string, register bool) {
	dir := clientDir(arg, false)
	_, cfg := loadConfig(dir)
	acct := app.Account{Dir: dir, Cfg: cfg}

	creds := app.PromptCredentials(os.Stdin, register)

	ctx, cancel := signalContext()
	defer cancel()

	var err error
	if register {
		_, err = acct.SignUp(ctx, creds)
	} else {
		_, err = acct.SignIn(ctx, creds)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Printf("Signed in as %s. Start with: chatterbox run %s\n", creds.Username, arg)
}

func runLogout(arg string) {
	dir := clientDir(arg, false)
	_, cfg := loadConfig(dir)
	if err := (app.Account{Dir: dir, Cfg: cfg}).Logout(); err != nil {
		log.Fatalf("%v", err)
	}
	fmt.Println("Signed out.")
}

func runClient(arg string) {
	dir := clientDir(arg, false)
	cfgPath, cfg := loadConfig(dir)

	printBanner(dir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{
		Dir:     dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		if app.IsNotSignedIn(err) {
			fmt.Fprintf(os.Stderr, "Not signed in: run `chatterbox signin %s`\n", arg)
			os.Exit(2)
		}
		log.Fatalf("Client failed: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func showUsage() {
	fmt.Println("chatterbox - terminal chat and call client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  chatterbox init <directory>     Create or edit the client config")
	fmt.Println("  chatterbox signup <directory>   Register an account and sign in")
	fmt.Println("  chatterbox signin <directory>   Sign in with an existing account")
	fmt.Println("  chatterbox logout <directory>   Forget the stored session")
	fmt.Println("  chatterbox run <directory>      Connect and open the console")
	fmt.Println()
	fmt.Println("The directory holds chatterbox.json, the session and the local")
	fmt.Println("message cache. Different directory = different account.")
	fmt.Println("CHATTERBOX_API_URL, CHATTERBOX_WS_URL, CHATTERBOX_RECONNECT_MS,")
	fmt.Println("CHATTERBOX_RECORD_DIR and CHATTERBOX_LOG_FILE override the file;")
	fmt.Println("a .env file in the directory is read first.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  chatterbox init ./me")
	fmt.Println("  chatterbox signin ./me")
	fmt.Println("  chatterbox run ./me")
}

func printBanner(dir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                      Chatterbox                        ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Client Directory: %s\n", dir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Server:           %s\n", cfg.Server.APIURL)
	if cfg.Call.RecordDir != "" {
		fmt.Printf("Recording calls:  %s\n", cfg.Call.RecordDir)
	}
	fmt.Println()
	fmt.Println("Connecting... (Ctrl+C or /quit to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
