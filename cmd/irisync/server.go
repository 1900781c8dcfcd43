package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"

	"github.com/irisync/irisync/internal/api"
	"github.com/irisync/irisync/internal/config"
	"github.com/irisync/irisync/internal/retrain"
	"github.com/irisync/irisync/internal/store"
)

// maxConns caps concurrent backend connections via netutil.LimitListener.
const maxConns = 128

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the companion backend server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running backend server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backend and local sync status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func serverDataDir(cfg config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, "server")
}

func deviceDataDir(cfg config.Config) string {
	return filepath.Join(cfg.Storage.DataDir, "device")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "irisync.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(cfg config.Config) {
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "irisync version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg)

	// Refuse to start a second instance.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("irisync is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("irisync is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(serverDataDir(cfg))
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing store: %v\n", err)
		}
	}()

	runner := retrain.NewRunner(retrain.Config{
		Python:     cfg.Retrain.Python,
		Script:     cfg.Retrain.Script,
		DatasetDir: cfg.Retrain.DatasetDir,
		LogDir:     cfg.Retrain.LogDir,
		ModelDir:   cfg.Retrain.ModelDir,
	})

	srv := &http.Server{
		Handler: api.NewServer(st, api.LabelValidator{}, runner).Router(cfg.Server.Token),
	}

	// MCP server over stdio for assistant integrations.
	mcpSrv := api.NewMCPServer(st)
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConns)

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "irisync listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("irisync is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop irisync (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to irisync (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(cfg.Remote.BaseURL + "/health")
	if err != nil {
		printStatus("Backend", "unreachable at %s", cfg.Remote.BaseURL)
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Backend", "running at %s", cfg.Remote.BaseURL)
		} else {
			printStatus("Backend", "error (HTTP %d)", resp.StatusCode)
		}
	}

	// Local sync state from the device store.
	dev, err := buildDevice(context.Background(), cfg)
	if err != nil {
		printError("opening local store: %v", err)
		return nil
	}
	defer dev.close()

	status := dev.svc.Status()
	printStatus("Pending detections", "%d", status.PendingDetections)
	printStatus("Pending training images", "%d", status.PendingTrainingImages)
	if status.LastSyncTime.IsZero() {
		printStatus("Last sync", "never")
	} else {
		printStatus("Last sync", "%s", status.LastSyncTime.Format(time.RFC3339))
	}

	if blobs, err := dev.store.CorruptBlobs(context.Background()); err == nil && len(blobs) > 0 {
		printWarning("%d corrupt snapshot(s) quarantined", len(blobs))
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

// jsonPrint writes v as indented JSON on stdout.
func jsonPrint(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
