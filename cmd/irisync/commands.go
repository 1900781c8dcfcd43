package main

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/irisync/irisync/internal/config"
	"github.com/irisync/irisync/internal/connectivity"
	"github.com/irisync/irisync/internal/offline"
	"github.com/irisync/irisync/internal/record"
	"github.com/irisync/irisync/internal/remote"
	"github.com/irisync/irisync/internal/store"
	"github.com/irisync/irisync/internal/syncer"
)

// device is the wired device-side stack: local store, remote client,
// connectivity monitor, sync engine, and the record service on top.
type device struct {
	svc     *offline.Service
	store   *store.Store
	monitor *connectivity.Monitor
}

func (d *device) close() { d.store.Close() }

func buildDevice(ctx context.Context, cfg config.Config) (*device, error) {
	st, err := store.Open(deviceDataDir(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	rc := remote.New(cfg.Remote.BaseURL, cfg.Server.Token)
	monitor := connectivity.NewMonitor(connectivity.NewHTTPProvider(cfg.Remote.BaseURL), cfg.SyncProbeInterval())
	engine := syncer.New(st, rc, monitor, cfg.RemoteTimeout())
	svc := offline.New(st, engine, monitor, rc)

	if err := svc.Load(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("loading records: %w", err)
	}
	return &device{svc: svc, store: st, monitor: monitor}, nil
}

// parseDetections turns repeated disease=confidence flags into classifier
// detections. Confidence is 0..1; percentage is derived.
func parseDetections(raw []string) ([]record.Detection, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --detect disease=confidence is required")
	}
	out := make([]record.Detection, 0, len(raw))
	for _, item := range raw {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid detection %q, want disease=confidence", item)
		}
		disease, err := record.ParseDisease(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, err
		}
		conf, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
		if err != nil || conf < 0 || conf > 1 {
			return nil, fmt.Errorf("invalid confidence %q for %s, want a value in 0..1", parts[1], disease)
		}
		out = append(out, record.Detection{
			Disease:    disease,
			Confidence: conf,
			Percentage: conf * 100,
		})
	}
	return out, nil
}

func printSyncResult(res syncer.Result) {
	submitted := res.Detections.Submitted + res.TrainingImages.Submitted
	failed := res.Detections.Failed + res.TrainingImages.Failed
	switch {
	case submitted == 0 && failed == 0:
		printSuccess("Nothing to sync")
	case failed == 0:
		printSuccess("Synced %d record(s)", submitted)
	default:
		printWarning("Synced %d record(s), %d failed (will retry on next sync)", submitted, failed)
	}
}

// --- record ---

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Create detection or training-image records",
}

var recordDetectionCmd = &cobra.Command{
	Use:   "detection",
	Short: "Store a detection result locally and sync when possible",
	Long: `Store a detection result locally and sync when possible.

Examples:
  irisync record detection --image file:///captures/eye1.jpg --detect cataract=0.87 --detect normal=0.09
  irisync record detection --image file:///captures/eye2.jpg --detect uveitis=0.72 --details "left eye, poor lighting"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		details, _ := cmd.Flags().GetString("details")
		rawDetections, _ := cmd.Flags().GetStringArray("detect")

		if image == "" {
			return fmt.Errorf("--image is required")
		}
		detections, err := parseDetections(rawDetections)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx := cmd.Context()
		dev, err := buildDevice(ctx, cfg)
		if err != nil {
			return err
		}
		defer dev.close()

		rec, err := dev.svc.CreateDetection(ctx, offline.CreateDetectionParams{
			ImageURI:   image,
			Details:    details,
			Detections: detections,
		})
		if err != nil {
			return err
		}

		if rec.Synced {
			printSuccess("Recorded detection %s (%s), synced", rec.ID[:8], rec.PrimaryDisease)
		} else {
			printSuccess("Recorded detection %s (%s), pending sync", rec.ID[:8], rec.PrimaryDisease)
		}
		return nil
	},
}

var recordTrainingCmd = &cobra.Command{
	Use:   "training",
	Short: "Contribute a labeled training image",
	Long: `Contribute a labeled training image.

When the backend is reachable the image is validated before being stored;
offline it is stored unvalidated and synced later.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		image, _ := cmd.Flags().GetString("image")
		rawDisease, _ := cmd.Flags().GetString("disease")

		if image == "" {
			return fmt.Errorf("--image is required")
		}
		disease, err := record.ParseDisease(rawDisease)
		if err != nil {
			return fmt.Errorf("%w (valid labels: %v)", err, record.Diseases())
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx := cmd.Context()
		dev, err := buildDevice(ctx, cfg)
		if err != nil {
			return err
		}
		defer dev.close()

		params := offline.CreateTrainingImageParams{
			ImageURI: image,
			Disease:  disease,
		}
		if verdict, err := dev.svc.ValidateTrainingImage(ctx, image, disease); err == nil {
			params.Validated = verdict.Valid
			params.ValidationReason = verdict.Reason
			if !verdict.Valid {
				printWarning("Image rejected by validator: %s", verdict.Reason)
			}
		} else {
			printStep("validator unreachable, storing unvalidated")
		}

		rec, err := dev.svc.CreateTrainingImage(ctx, params)
		if err != nil {
			return err
		}

		if rec.Synced {
			printSuccess("Recorded training image %s (%s), synced", rec.ID[:8], rec.Disease)
		} else {
			printSuccess("Recorded training image %s (%s), pending sync", rec.ID[:8], rec.Disease)
		}
		return nil
	},
}

func init() {
	recordDetectionCmd.Flags().String("image", "", "image URI of the capture")
	recordDetectionCmd.Flags().StringArray("detect", nil, "classifier output as disease=confidence (repeatable)")
	recordDetectionCmd.Flags().String("details", "", "free-form notes")
	recordTrainingCmd.Flags().String("image", "", "image URI of the training sample")
	recordTrainingCmd.Flags().String("disease", "", "disease label for the sample")
	recordCmd.AddCommand(recordDetectionCmd)
	recordCmd.AddCommand(recordTrainingCmd)
}

// --- sync ---

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push pending records to the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx := cmd.Context()
		dev, err := buildDevice(ctx, cfg)
		if err != nil {
			return err
		}
		defer dev.close()

		printSyncResult(dev.svc.SyncPending(ctx))

		if !watch {
			return nil
		}

		// Watch mode: keep probing connectivity and sweep on every
		// offline-to-online transition until interrupted.
		watchCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dev.monitor.OnOnline(func() {
			printStep("connectivity restored, syncing pending records")
			printSyncResult(dev.svc.SyncPending(context.Background()))
		})
		printStep("watching connectivity (probe every %s), Ctrl-C to stop", cfg.SyncProbeInterval())
		dev.monitor.Run(watchCtx)
		return nil
	},
}

func init() {
	syncCmd.Flags().Bool("watch", false, "keep running and sync on reconnect")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List locally stored detection records",
	RunE: func(cmd *cobra.Command, args []string) error {
		rawDisease, _ := cmd.Flags().GetString("disease")
		asJSON, _ := cmd.Flags().GetBool("json")

		var filter record.Disease
		if rawDisease != "" {
			d, err := record.ParseDisease(rawDisease)
			if err != nil {
				return err
			}
			filter = d
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg)

		ctx := cmd.Context()
		dev, err := buildDevice(ctx, cfg)
		if err != nil {
			return err
		}
		defer dev.close()

		dets := dev.svc.Detections(filter)
		if asJSON {
			return jsonPrint(dets)
		}
		if len(dets) == 0 {
			fmt.Println("No detections recorded.")
			return nil
		}
		for _, d := range dets {
			syncMark := colorize(colorYellow, "pending")
			if d.Synced {
				syncMark = colorize(colorGreen, "synced")
			}
			fmt.Printf("%s  %s  %-16s %s\n",
				colorize(colorCyan, d.ID[:8]),
				d.Timestamp.Format(time.RFC3339),
				d.PrimaryDisease,
				syncMark,
			)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().String("disease", "", "filter by primary disease label")
	historyCmd.Flags().Bool("json", false, "print full records as JSON")
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show per-disease training statistics from the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/v1/stats")
		if err != nil {
			return err
		}

		var reply struct {
			Stats []record.ModelStats `json:"stats"`
		}
		if err := decodeJSON(resp, &reply); err != nil {
			return err
		}

		for _, s := range reply.Stats {
			fmt.Printf("%-16s accuracy %.1f%%  (%d validated images)\n",
				s.Disease, s.Accuracy*100, s.TotalTrainingImages)
		}
		return nil
	},
}

// --- retrain ---

var retrainCmd = &cobra.Command{
	Use:   "retrain",
	Short: "Trigger a model retraining run on the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		epochs, _ := cmd.Flags().GetInt("epochs")
		lr, _ := cmd.Flags().GetFloat64("learning-rate")
		note, _ := cmd.Flags().GetString("note")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("starting retraining (epochs=%d, lr=%g)...", epochs, lr)
		resp, err := client.post(cmd.Context(), "/v1/retrain", map[string]any{
			"epochs":       epochs,
			"learningRate": lr,
			"note":         note,
		})
		if err != nil {
			return err
		}
		if resp.StatusCode == 409 {
			resp.Body.Close()
			printWarning("A retraining job is already running")
			return nil
		}

		var result struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
			LogPath string `json:"logPath"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("%s (log: %s)", result.Message, result.LogPath)
		return nil
	},
}

func init() {
	retrainCmd.Flags().Int("epochs", 10, "training epochs")
	retrainCmd.Flags().Float64("learning-rate", 0.0005, "learning rate")
	retrainCmd.Flags().String("note", "", "note attached to the run")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
