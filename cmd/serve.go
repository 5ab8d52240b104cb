package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"healthwatch/internal/agent"
	"healthwatch/internal/api"
	"healthwatch/internal/daemon"
	"healthwatch/internal/feed"
	"healthwatch/internal/session"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the diagnostics server (HTTP API + session WebSocket)",
	Long: `Run the healthwatch server: issue feed polling, the REST API, and the
WebSocket endpoint carrying diagnostic sessions.

By default it listens on port 8080. Use --port to change it. Run
'healthwatch serve start' to detach it into the background.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveRun(cmd.Context())
	},
}

var serveStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStartRun()
	},
}

var serveStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStopRun()
	},
}

var serveStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the background server is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveStatusRun()
	},
}

func init() {
	serveCmd.AddCommand(serveStartCmd)
	serveCmd.AddCommand(serveStopCmd)
	serveCmd.AddCommand(serveStatusCmd)
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

// buildAgents selects the agent backend from config.
func buildAgents() (agent.Diagnostic, agent.Solution, error) {
	switch mode := viper.GetString("agent.mode"); mode {
	case "mock":
		profile := viper.GetString("agent.profile")
		return agent.NewMockDiagnostic(profile), agent.NewMockSolution(profile), nil
	case "anthropic":
		apiKey := viper.GetString("anthropic.api_key")
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, nil, fmt.Errorf("agent.mode is anthropic but no API key configured (set anthropic.api_key or ANTHROPIC_API_KEY)")
		}
		diag, sol := agent.NewAnthropicAgents(apiKey, viper.GetString("anthropic.model"))
		return diag, sol, nil
	default:
		return nil, nil, fmt.Errorf("unknown agent.mode: %s", mode)
	}
}

// buildFeedSource loads the configured fixture, or the built-in demo feed.
func buildFeedSource() (feed.Source, error) {
	if path := viper.GetString("feed.path"); path != "" {
		return feed.NewStatic(path)
	}
	return feed.DefaultStatic(), nil
}

func serveRun(parent context.Context) error {
	source, err := buildFeedSource()
	if err != nil {
		return err
	}

	interval, err := time.ParseDuration(viper.GetString("feed.interval"))
	if err != nil {
		return fmt.Errorf("invalid feed.interval: %w", err)
	}
	stepTimeout, err := time.ParseDuration(viper.GetString("agent.step_timeout"))
	if err != nil {
		return fmt.Errorf("invalid agent.step_timeout: %w", err)
	}

	diag, sol, err := buildAgents()
	if err != nil {
		return err
	}

	st, err := getStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	registry := session.NewRegistry(diag, sol, st, session.Options{
		MaxSteps:    viper.GetInt("agent.max_steps"),
		StepTimeout: stepTimeout,
	})

	poller := feed.NewPoller(source, interval)
	poller.OnSnapshot(func(live map[string]struct{}) {
		registry.Prune(live)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", viper.GetInt("port")),
		Handler: api.NewServer(poller, registry, st).Router(),
	}

	ctx, stop := signal.NotifyContext(parent, shutdownSignals()...)
	defer stop()

	ui.Info("Serving API at http://localhost%s", server.Addr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		registry.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// --- Background process management ---

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "healthwatch-serve.pid"))
}

func serveLogPath() string {
	return filepath.Join(viper.GetString("state_dir"), "healthwatch-serve.log")
}

func serveStartRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("server already running (pid %d)", pid)
	}

	if err := os.MkdirAll(viper.GetString("state_dir"), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	logFile, err := os.OpenFile(serveLogPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	child := exec.Command(exe, "serve", "--port", fmt.Sprintf("%d", viper.GetInt("port")))
	child.Stdout = logFile
	child.Stderr = logFile
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	ui.Success("Server started (pid %d), logging to %s", child.Process.Pid, serveLogPath())
	return nil
}

func serveStopRun() error {
	pf := pidFile()
	pid, running := pf.IsRunning()
	if !running {
		_ = pf.Remove()
		return fmt.Errorf("server not running")
	}

	if err := pf.Signal(sigTERM()); err != nil {
		return fmt.Errorf("stop server: %w", err)
	}

	// Give it a moment, then escalate if still alive.
	for i := 0; i < 20; i++ {
		if _, alive := pf.IsRunning(); !alive {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if _, alive := pf.IsRunning(); alive {
		_ = pf.Signal(sigKILL())
	}

	_ = pf.Remove()
	ui.Success("Server stopped (pid %d)", pid)
	return nil
}

func serveStatusRun() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		ui.Info("Server running (pid %d) on port %d", pid, viper.GetInt("port"))
	} else {
		ui.Info("Server not running")
	}
	return nil
}
