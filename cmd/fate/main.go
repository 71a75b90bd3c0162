package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof" // Import pprof for profiling endpoints
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/meatballspaghetti/fate/pkg/config"
	"github.com/meatballspaghetti/fate/pkg/fate"
	"github.com/meatballspaghetti/fate/pkg/log"
	"github.com/meatballspaghetti/fate/pkg/metrics"
	"github.com/meatballspaghetti/fate/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fate",
	Short: "FATE - Fault-tolerant executor for recoverable administrative operations",
	Long: `FATE runs long-lived, multi-step administrative operations as durable
transactions: every step is persisted before it takes effect, so a
manager crash or failover resumes in-flight work without loss,
duplication, or deadlock.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"FATE version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("addr", "127.0.0.1:9090", "Admin API address (serve: listen address; other commands: server to talk to)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(fetchReturnCmd)
	rootCmd.AddCommand(fetchExceptionCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a FATE executor with its admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		configFile, _ := cmd.Flags().GetString("config")
		addr, _ := rootCmd.PersistentFlags().GetString("addr")
		raftBind, _ := cmd.Flags().GetString("raft-bind")
		nodeID, _ := cmd.Flags().GetString("node-id")

		if _, err := config.Load(configFile); err != nil {
			return err
		}

		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}

		userStore, err := storage.NewBoltStore(dataDir)
		if err != nil {
			return fmt.Errorf("open transaction store: %w", err)
		}

		var store storage.Store = userStore
		if config.Current().StoreKind == config.StoreKindRaft {
			metaStore, err := storage.NewRaftStore(storage.RaftConfig{
				NodeID:   nodeID,
				BindAddr: raftBind,
				DataDir:  dataDir,
			})
			if err != nil {
				return fmt.Errorf("bootstrap raft store: %w", err)
			}
			store = storage.NewRouter(userStore, metaStore)
		}

		registry := fate.NewRegistry()
		executor, err := fate.New(fate.Config{
			Store:    store,
			Registry: registry,
		})
		if err != nil {
			return err
		}

		metrics.SetVersion(Version)
		executor.Start()

		server := &http.Server{Addr: addr, Handler: executor.AdminHandler()}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Logger.Error().Err(err).Msg("admin listener failed")
			}
		}()

		fmt.Printf("FATE executor started (owner %s)\n", executor.OwnerID())
		fmt.Printf("  Admin API:  http://%s/v1/transactions\n", addr)
		fmt.Printf("  Metrics:    http://%s/metrics\n", addr)
		fmt.Printf("  Health:     http://%s/health\n", addr)

		config.Watch(func(c config.Config) {
			log.Logger.Info().Int("pool_size", c.ThreadPoolSize).Msg("configuration reloaded")
		})

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\nShutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return executor.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().String("data-dir", "/var/lib/fate", "Directory for durable transaction state")
	serveCmd.Flags().String("config", "", "Path to a config file (hot-reloaded on change)")
	serveCmd.Flags().String("node-id", "fate-1", "Raft node id (raft store only)")
	serveCmd.Flags().String("raft-bind", "127.0.0.1:7000", "Raft bind address (raft store only)")
}

// adminGet issues a GET against the running server and decodes the JSON
// response into out.
func adminGet(path string, out any) error {
	addr, _ := rootCmd.PersistentFlags().GetString("addr")
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func adminDo(method, path string, out any) error {
	addr, _ := rootCmd.PersistentFlags().GetString("addr")
	req, err := http.NewRequest(method, "http://"+addr+path, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List transactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		keyKind, _ := cmd.Flags().GetString("key-kind")
		path := "/v1/transactions"
		if keyKind != "" {
			path += "?key_kind=" + url.QueryEscape(keyKind)
		}
		var items []fate.TxSummary
		if err := adminGet(path, &items); err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("No transactions")
			return nil
		}
		fmt.Printf("%-44s %-20s %-24s %s\n", "ID", "STATUS", "TOP STEP", "KEY KIND")
		for _, item := range items {
			fmt.Printf("%-44s %-20s %-24s %s\n", item.ID, item.Status, item.TopStep, item.KeyKind)
		}
		return nil
	},
}

func init() {
	listCmd.Flags().String("key-kind", "", "Filter by business-key kind")
}

var statusCmd = &cobra.Command{
	Use:   "status <id>",
	Short: "Show a transaction's status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		}
		if err := adminGet("/v1/transactions/"+url.PathEscape(args[0]), &out); err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", out.ID, out.Status)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a transaction that has not started executing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Cancelled bool `json:"cancelled"`
		}
		if err := adminDo(http.MethodPost, "/v1/transactions/"+url.PathEscape(args[0])+"/cancel", &out); err != nil {
			return err
		}
		if out.Cancelled {
			fmt.Println("Cancelled")
		} else {
			fmt.Println("Not cancellable (already executing or terminal)")
		}
		return nil
	},
}

var waitCmd = &cobra.Command{
	Use:   "wait <id>...",
	Short: "Wait for transactions to reach a terminal status",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		for _, id := range args {
			var results []fate.WaitResult
			path := fmt.Sprintf("/v1/transactions/%s/wait?timeout=%s", url.PathEscape(id), timeout)
			if err := adminGet(path, &results); err != nil {
				return err
			}
			for _, res := range results {
				state := "still running"
				if res.Done {
					state = "done"
				}
				fmt.Printf("%s  %s (%s)\n", res.ID, res.Status, state)
			}
		}
		return nil
	},
}

func init() {
	waitCmd.Flags().Duration("timeout", 30*time.Second, "Maximum time to wait per transaction")
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a terminal transaction's record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := adminDo(http.MethodDelete, "/v1/transactions/"+url.PathEscape(args[0]), nil); err != nil {
			return err
		}
		fmt.Println("Deleted")
		return nil
	},
}

var fetchReturnCmd = &cobra.Command{
	Use:   "fetch-return <id>",
	Short: "Fetch the return value recorded by a successful transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			ReturnValue string `json:"return_value"`
		}
		if err := adminGet("/v1/transactions/"+url.PathEscape(args[0])+"/return", &out); err != nil {
			return err
		}
		fmt.Println(out.ReturnValue)
		return nil
	},
}

var fetchExceptionCmd = &cobra.Command{
	Use:   "fetch-exception <id>",
	Short: "Fetch the exception recorded by a failed transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var out struct {
			Exception string `json:"exception"`
		}
		if err := adminGet("/v1/transactions/"+url.PathEscape(args[0])+"/exception", &out); err != nil {
			return err
		}
		fmt.Println(out.Exception)
		return nil
	},
}
