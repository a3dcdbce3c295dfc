// llmctl-executor is the binary that runs inside each dispatched
// Kubernetes Job. The run subcommand drives the process contract: read
// the execution request, emit the startup marker, execute the node, and
// print the result terminator line on stdout. The mcp subcommand serves
// the tool domains over MCP stdio for provider-native SDK agents.
//
// Stdout belongs to the contract; all logging goes to stderr.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/marcus-qen/llmctl/internal/contract"
	"github.com/marcus-qen/llmctl/internal/domains"
	"github.com/marcus-qen/llmctl/internal/executor"
	"github.com/marcus-qen/llmctl/internal/provider"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "llmctl-executor",
		Short:         "llmctl node executor (runs inside dispatched Jobs)",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newMCPCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Execute one node request from " + contract.PayloadEnvVar + " or stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			executor.Version = version
			logger := stderrLogger()
			defer logger.Sync() //nolint:errcheck

			req, err := executor.LoadRequest(os.Stdin)
			if err != nil {
				return err
			}

			prov, err := buildProvider(req.Provider, logger)
			if err != nil {
				return err
			}

			eng := executor.NewEngine(prov, domains.NewRegistry(nil), logger, executor.Options{})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return eng.Main(ctx, os.Stdout, req)
		},
	}
}

func newMCPCmd() *cobra.Command {
	var workspaceRoot string
	var executionID string

	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool domains over MCP stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			executor.Version = version
			logger := stderrLogger()
			defer logger.Sync() //nolint:errcheck

			tc := &domains.Context{
				WorkspaceRoot: workspaceRoot,
				ExecutionID:   executionID,
				Limits:        domains.DefaultLimits(),
			}
			srv := executor.NewMCPServer(domains.NewRegistry(nil), tc, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&workspaceRoot, "workspace-root", ".", "sandbox root for domain operations")
	cmd.Flags().StringVar(&executionID, "execution-id", "", "execution id attached to domain traces")
	return cmd
}

// buildProvider constructs the LLM provider named by the request.
// Domain-only node types never reach the provider loop, so a missing
// API key downgrades to a nil provider instead of failing the process.
func buildProvider(providerType string, logger *zap.Logger) (provider.Provider, error) {
	if providerType == "" {
		return nil, nil
	}

	var apiKey string
	switch providerType {
	case "anthropic":
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	case "openai":
		apiKey = os.Getenv("OPENAI_API_KEY")
	default:
		return nil, fmt.Errorf("unsupported provider type: %q", providerType)
	}
	if apiKey == "" {
		logger.Warn("no API key in environment, provider calls will fail",
			zap.String("provider", providerType))
		return nil, nil
	}

	return provider.NewProvider(provider.ProviderConfig{
		Type:     providerType,
		Endpoint: os.Getenv("LLMCTL_PROVIDER_ENDPOINT"),
		APIKey:   apiKey,
	})
}

// stderrLogger builds a human-readable console logger on stderr. Stdout
// is reserved for the contract markers.
func stderrLogger() *zap.Logger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapcore.InfoLevel,
	)
	return zap.New(core)
}
