// Package retrain invokes the external model-retraining process: an opaque
// long-running Python job fed by the validated training set, with its output
// captured to a log file and a non-zero exit mapped to a structured failure.
package retrain

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/irisync/irisync/internal/record"
)

// ErrBusy is returned when a retraining job is already running.
var ErrBusy = errors.New("retraining already in progress")

// JobError reports a retraining process that exited non-zero. The log file
// survives for inspection; the job is not retried automatically.
type JobError struct {
	ExitCode int
	LogPath  string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("training process exited with code %d (log: %s)", e.ExitCode, e.LogPath)
}

// Params are the hyperparameters passed to the training script.
type Params struct {
	Epochs       int     `json:"epochs"`
	LearningRate float64 `json:"learningRate"`
	Note         string  `json:"note,omitempty"`
}

// Models holds the paths of whichever output artifacts the job produced.
type Models struct {
	Keras  string `json:"keras,omitempty"`
	TFLite string `json:"tflite,omitempty"`
}

// Result describes a completed retraining run.
type Result struct {
	Message string    `json:"message"`
	SavedAt time.Time `json:"savedAt"`
	LogPath string    `json:"logPath"`
	Models  Models    `json:"models"`
	Note    string    `json:"note,omitempty"`
}

// Config locates the training script and its working directories.
type Config struct {
	Python     string // python binary, default "python3"
	Script     string
	DatasetDir string
	LogDir     string
	ModelDir   string
}

// Runner executes retraining jobs, one at a time.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	mu     sync.Mutex
}

// NewRunner creates a Runner for the given configuration.
func NewRunner(cfg Config) *Runner {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	return &Runner{cfg: cfg, logger: slog.Default()}
}

// Run prepares the dataset from validated training images, spawns the
// training process, and collects the resulting artifacts. Concurrent calls
// fail fast with ErrBusy.
func (r *Runner) Run(ctx context.Context, images []record.TrainingImageRecord, p Params) (Result, error) {
	if !r.mu.TryLock() {
		return Result{}, ErrBusy
	}
	defer r.mu.Unlock()

	if p.Epochs <= 0 {
		p.Epochs = 10
	}
	if p.LearningRate <= 0 {
		p.LearningRate = 0.0005
	}

	if _, err := os.Stat(r.cfg.Script); err != nil {
		return Result{}, fmt.Errorf("training script not found at %s: %w", r.cfg.Script, err)
	}

	copied, err := r.prepareDataset(images)
	if err != nil {
		return Result{}, fmt.Errorf("preparing dataset: %w", err)
	}
	r.logger.Info("dataset prepared for retraining", "validated_images", copied)

	if err := os.MkdirAll(r.cfg.LogDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("creating log directory: %w", err)
	}
	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	logPath := filepath.Join(r.cfg.LogDir, "retrain_"+timestamp+".log")

	cmd := exec.CommandContext(ctx, r.cfg.Python, r.cfg.Script)
	cmd.Env = append(os.Environ(),
		"EPOCHS="+strconv.Itoa(p.Epochs),
		"LEARNING_RATE="+strconv.FormatFloat(p.LearningRate, 'g', -1, 64),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Info("starting retraining process", "epochs", p.Epochs, "learning_rate", p.LearningRate)
	runErr := cmd.Run()

	logContent := fmt.Sprintf("=== Retraining Log (%s) ===\n\nSTDOUT:\n%s\n\nSTDERR:\n%s",
		timestamp, stdout.String(), stderr.String())
	if err := os.WriteFile(logPath, []byte(logContent), 0o644); err != nil {
		return Result{}, fmt.Errorf("writing training log: %w", err)
	}

	if runErr != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.logger.Error("retraining process failed", "exit_code", exitCode, "log", logPath)
		return Result{}, &JobError{ExitCode: exitCode, LogPath: logPath}
	}

	res := Result{
		Message: "Retraining completed successfully",
		SavedAt: time.Now().UTC(),
		LogPath: logPath,
		Models:  r.collectModels(),
		Note:    p.Note,
	}
	r.logger.Info("retraining complete", "log", logPath, "keras", res.Models.Keras, "tflite", res.Models.TFLite)
	return res, nil
}

// prepareDataset rebuilds per-label dataset directories from validated
// training images whose files exist locally. Returns how many were copied.
func (r *Runner) prepareDataset(images []record.TrainingImageRecord) (int, error) {
	for _, d := range record.Diseases() {
		dir := filepath.Join(r.cfg.DatasetDir, string(d))
		if err := os.RemoveAll(dir); err != nil {
			return 0, fmt.Errorf("clearing dataset dir %s: %w", dir, err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, fmt.Errorf("creating dataset dir %s: %w", dir, err)
		}
	}

	copied := 0
	for _, img := range images {
		if !img.Validated {
			continue
		}
		src := localPath(img.ImageURI)
		if src == "" {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			r.logger.Warn("skipping missing training image", "id", img.ID, "path", src)
			continue
		}
		dst := filepath.Join(r.cfg.DatasetDir, string(img.Disease), filepath.Base(src))
		if err := copyFile(src, dst); err != nil {
			return copied, fmt.Errorf("copying %s: %w", src, err)
		}
		copied++
	}
	return copied, nil
}

func (r *Runner) collectModels() Models {
	var m Models
	keras := filepath.Join(r.cfg.ModelDir, "outer_eye_mobilenetv2.h5")
	if _, err := os.Stat(keras); err == nil {
		m.Keras = keras
	}
	tflite := filepath.Join(r.cfg.ModelDir, "outer_eye_mobilenetv2.tflite")
	if _, err := os.Stat(tflite); err == nil {
		m.TFLite = tflite
	}
	return m
}

// localPath resolves an image URI to a filesystem path, or "" when the image
// is not stored locally.
func localPath(uri string) string {
	if strings.HasPrefix(uri, "file://") {
		return strings.TrimPrefix(uri, "file://")
	}
	if strings.Contains(uri, "://") {
		return ""
	}
	return uri
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
