// Command lspbridge runs the acme/LSP bridge: it spawns the language
// servers named in its configuration file, opens a coordination
// window in the running acme instance, and routes edits, saves, and
// menu commands between the two until the coordination window is
// closed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme-tools/lspbridge/internal/bridgeconfig"
	"github.com/acme-tools/lspbridge/internal/lspsession"
	"github.com/acme-tools/lspbridge/internal/router"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.toml (default: platform config dir)")
		rootDir    = flag.String("rootdir", "", "root directory for LSP initialization (default: current directory)")
		verbose    = flag.Bool("v", false, "print verbose diagnostic messages to stderr")
		showConfig = flag.Bool("showconfig", false, "print the resolved configuration and exit")
	)
	flag.Parse()

	if *verbose {
		lspsession.Debug = true
		router.Debug = true
	}

	cfg, err := bridgeconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("%+v", err)
	}

	if *showConfig {
		fmt.Printf("%+v\n", cfg)
		return
	}

	compiled, err := cfg.Compile()
	if err != nil {
		log.Fatalf("%+v", err)
	}
	if len(compiled) == 0 {
		path := *configPath
		if path == "" {
			path, _ = bridgeconfig.UserConfigFilename()
		}
		log.Fatalf("no servers configured in %v; see -config", path)
	}

	root := *rootDir
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			log.Fatalf("%+v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	r := router.New(compiled, root, cfg.HideDiagnostics, cfg.RPCTrace)
	if err := r.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("%+v", err)
	}
}
