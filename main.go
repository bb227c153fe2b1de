// Package main runs the collaboration server and a small client CLI for it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/alimasry/go-collab-server/collab"
	"github.com/alimasry/go-collab-server/config"
	"github.com/alimasry/go-collab-server/ot"
	"github.com/alimasry/go-collab-server/server"
	"github.com/alimasry/go-collab-server/store"
)

var (
	configPath string
	fresh      bool
	addr       string
	serverURL  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "collab-server",
	Short: "Central authority for collaborative document editing",
	// Running without a subcommand serves.
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	Long: `Run the collaboration server.

Documents are persisted to the configured store and reloaded at startup
unless --fresh is given.

Examples:
  collab-server serve --config collab.yaml
  COLLAB_STORE_KIND=memory collab-server serve --addr :9000`,
	RunE: runServe,
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List live document instances of a running server",
	RunE:  runInstances,
}

func init() {
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "YAML config file")
		cmd.Flags().BoolVar(&fresh, "fresh", false, "start without loading persisted documents")
		cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	}
	instancesCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "collab server URL")
	rootCmd.AddCommand(serveCmd, instancesCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if fresh {
		cfg.Registry.Fresh = true
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}

	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	reg := collab.NewRegistry(ot.NewSchema("text"), st, cfg.CollabConfig(), collab.WithLogger(logger.Named("registry")))
	if err := reg.Load(ctx); err != nil {
		return err
	}
	srv := server.NewHandler(reg, server.Config{
		PollTimeout:  cfg.Server.PollTimeout,
		MessageRate:  rate.Limit(cfg.Server.MessageRate),
		MessageBurst: cfg.Server.MessageBurst,
	}, logger.Named("http"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(cfg.Server.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		errs := reg.SaveErrors()
		for {
			select {
			case <-gctx.Done():
				return nil
			case err := <-errs:
				logger.Error("snapshot save failed", zap.Error(err))
			}
		}
	})
	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := reg.Close(closeCtx); err != nil {
		logger.Error("final snapshot failed", zap.Error(err))
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("server stopped")
	return runErr
}

// openStore builds the configured snapshot store and its cleanup.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.SnapshotStore, func(), error) {
	switch cfg.Kind {
	case config.StoreMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.StoreFile:
		return store.NewFileStore(cfg.Path), func() {}, nil
	case config.StoreFirestore:
		client, err := firestore.NewClient(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		return store.NewFirestoreStore(client, cfg.FirestoreCollection), func() { client.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store kind %q", cfg.Kind)
}

func runInstances(cmd *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(serverURL + "/docs")
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	var infos []collab.InstanceInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tUSERS\tVERSION")
	for _, info := range infos {
		fmt.Fprintf(w, "%s\t%d\t%d\n", info.ID, info.UserCount, info.Version)
	}
	return w.Flush()
}
