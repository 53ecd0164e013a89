package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/synacgo/synac/pkg/server"
	"github.com/synacgo/synac/pkg/store/sqlitestore"
)

var Version = "dev"

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	configPath := flag.String("config", "optional-config.json", "path to config file (.toml or .json)")
	debug := flag.Bool("debug", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("synac server %s\n", Version)
		os.Exit(0)
	}

	_ = godotenv.Load()

	cfg, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// A single positional argument overrides the configured TCP port,
	// matching §6's "overridable by a single positional CLI argument".
	if flag.NArg() > 0 {
		port, err := strconv.Atoi(flag.Arg(0))
		if err != nil {
			log.Fatalf("invalid port argument %q: %v", flag.Arg(0), err)
		}
		cfg.TCPPort = port
	}

	if *debug {
		server.EnableDebugLogging()
	}

	st, err := sqlitestore.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer st.Close()

	srv, err := server.NewServer(cfg, st)
	if err != nil {
		log.Fatalf("failed to create server: %v", err)
	}

	if err := srv.Serve(); err != nil {
		log.Fatalf("failed to start server: %v", err)
	}
	log.Printf("synac server %s listening on port %d", Version, cfg.TCPPort)

	if err := srv.ServeHTTP(); err != nil {
		log.Fatalf("failed to start http server: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down...")
	if err := srv.Stop(); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
	log.Println("server stopped")
}
