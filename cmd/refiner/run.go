package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/danshapiro/refiner/internal/llmclient"
	"github.com/danshapiro/refiner/internal/logging"
	"github.com/danshapiro/refiner/internal/providerspec"
	"github.com/danshapiro/refiner/internal/refine/engine"
	"github.com/danshapiro/refiner/internal/refine/genclient"
	"github.com/danshapiro/refiner/internal/refine/interview"
	"github.com/danshapiro/refiner/internal/refine/runtime"
	"github.com/danshapiro/refiner/internal/refine/sandbox"
)

const defaultEnvFile = ".env"

// Swapped in tests.
var (
	newTransport = defaultTransport
	newRuntime   = func(cfg *engine.RunConfigFile) sandbox.Runtime {
		return &sandbox.PythonVenv{Python: cfg.Sandbox.Python}
	}
)

func defaultTransport(provider string, logger *slog.Logger) (genclient.Completer, error) {
	spec, ok := providerspec.Lookup(provider)
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	if !spec.HasCredential() {
		return nil, fmt.Errorf("no credential for provider %q: set %s", spec.Key, spec.APIKeyEnv)
	}
	client, err := llmclient.NewFromEnv(logger)
	if err != nil {
		return nil, err
	}
	if !client.HasProvider(spec.Key) {
		return nil, fmt.Errorf("provider %q is not available (set %s)", spec.Key, spec.APIKeyEnv)
	}
	return client, nil
}

func runRefine(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var configPath string
	var logsRoot string
	var envFile string
	var autoApprove bool

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--auto-approve":
			autoApprove = true
		case "--config":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--config requires a value")
				return 1
			}
			configPath = args[i]
		case "--logs-root":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--logs-root requires a value")
				return 1
			}
			logsRoot = args[i]
		case "--env-file":
			i++
			if i >= len(args) {
				fmt.Fprintln(stderr, "--env-file requires a value")
				return 1
			}
			envFile = args[i]
		default:
			fmt.Fprintf(stderr, "unknown arg: %s\n", args[i])
			return 1
		}
	}

	if err := loadEnv(envFile); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	cfg := engine.DefaultRunConfig()
	if configPath != "" {
		loaded, err := engine.LoadRunConfigFile(configPath)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		cfg = loaded
	}
	if strings.TrimSpace(logsRoot) != "" {
		cfg.Runs.Root = logsRoot
	}

	logger, closer, err := logging.New(logging.Config{Level: cfg.Logging.Level, File: cfg.Logging.File}, stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = closer.Close() }()

	transport, err := newTransport(cfg.LLM.Provider, logger)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var gate interview.Interviewer = interview.NewConsoleInterviewer(stdin, stdout)
	if autoApprove {
		gate = &interview.AutoApproveInterviewer{}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := engine.Run(ctx, cfg, engine.Deps{
		Transport:   transport,
		Runtime:     newRuntime(cfg),
		Interviewer: gate,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "run_id=%s\n", res.RunID)
	fmt.Fprintf(stdout, "run_dir=%s\n", res.RunDir)
	fmt.Fprintf(stdout, "status=%s\n", res.Status)
	fmt.Fprintf(stdout, "input_tokens=%d\n", res.Usage.InputTokens)
	fmt.Fprintf(stdout, "output_tokens=%d\n", res.Usage.OutputTokens)
	fmt.Fprintf(stdout, "estimated_cost=%.6f\n", res.Usage.EstimatedCost)
	if res.Status != runtime.FinalSuccess {
		fmt.Fprintf(stdout, "failure_reason=%s\n", res.FailureReason)
		return 1
	}
	return 0
}

// loadEnv reads credentials from a dotenv file without overriding variables
// already set. The default file is optional; an explicit one must exist.
func loadEnv(path string) error {
	explicit := path != ""
	if !explicit {
		path = defaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
