// Command gobbyd runs the Gobby daemon for one project: by default the
// hook ingress HTTP endpoint on a local port, or, with -mcp-stdio, the
// aggregated MCP server on stdio instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/server"

	"github.com/gobby-dev/gobby/internal/daemon"
	"github.com/gobby-dev/gobby/internal/gobbylog"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "gobbyd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		projectDir = flag.String("project", ".", "project directory to serve")
		listen     = flag.String("listen", "127.0.0.1:7777", "hook ingress listen address")
		workflows  = flag.String("workflows", "workflows", "bundled workflow directory")
		mcpStdio   = flag.Bool("mcp-stdio", false, "serve the aggregated MCP catalog on stdio instead of HTTP hooks")
	)
	flag.Parse()

	abs, err := os.Getwd()
	if err != nil {
		return err
	}
	dir := *projectDir
	if dir == "." {
		dir = abs
	}

	log := gobbylog.Default("gobbyd")
	d, err := daemon.New(daemon.Options{
		ProjectDir:          dir,
		BundledWorkflowsDir: *workflows,
	}, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	d.Start(ctx)

	if *mcpStdio {
		return server.ServeStdio(d.BuildMCPServer(Version))
	}

	srv := &http.Server{Addr: *listen, Handler: d.Handler()}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Info("hook ingress listening on %s", *listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
