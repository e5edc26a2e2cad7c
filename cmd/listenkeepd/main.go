// Command listenkeepd is the daemon entrypoint: a cobra CLI wrapping
// internal/core's Bus with run/auth/logout subcommands, in the style
// of the teacher pack's ManuGH-xg2g cmd/daemon (cobra.Command with
// RunE, flags bound via init()).
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/listenkeeper/core/internal/config"
	"github.com/listenkeeper/core/internal/core"
	"github.com/listenkeeper/core/internal/logstore"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "listenkeepd:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "listenkeepd",
		Short: "Personal Spotify listening-history and skip-detection daemon",
	}
	root.AddCommand(runCmd(), authCmd(), logoutCmd())
	return root
}

func buildCore() (*config.Config, *logstore.Store, *core.Core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}

	logs, err := logstore.New(cfg.DataDir, cfg.LogLevel)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("opening log store: %w", err)
	}

	c, err := core.New(core.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		DataDir:      cfg.DataDir,
		LogLevel:     cfg.LogLevel,
		PollInterval: cfg.PollInterval,
		TickInterval: cfg.TickInterval,
	}, logs)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("constructing core: %w", err)
	}
	return cfg, logs, c, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon and begin monitoring playback",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logs, c, err := buildCore()
			if err != nil {
				return err
			}
			sugar := logs.Logger().Sugar()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if c.Bus.IsAuthenticated() {
				c.Bus.StartMonitoring(ctx)
				sugar.Infow("monitoring started")
			} else {
				sugar.Warnw("starting unauthenticated; run 'listenkeepd auth' to connect Spotify")
			}

			events := c.Bus.Events()
			go func() {
				for ev := range events {
					sugar.Debugw("event", "type", ev.Type)
				}
			}()

			<-ctx.Done()
			sugar.Infow("shutting down")
			c.Shutdown()
			return nil
		},
	}
}

func authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth",
		Short: "Authorize with Spotify from the command line",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, c, err := buildCore()
			if err != nil {
				return err
			}

			state := uuid.NewString()
			url := c.Bus.AuthorizationURL(state)
			fmt.Println("Open this URL in a browser and approve access:")
			fmt.Println(url)
			fmt.Print("Paste the 'code' query parameter from the redirect here: ")

			reader := bufio.NewReader(os.Stdin)
			code, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("reading authorization code: %w", err)
			}
			code = trimNewline(code)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.Bus.Authenticate(ctx, code, "", "", false); err != nil {
				return fmt.Errorf("exchanging authorization code: %w", err)
			}
			fmt.Println("Authenticated.")
			return nil
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear stored Spotify tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, c, err := buildCore()
			if err != nil {
				return err
			}
			if err := c.Bus.Logout(); err != nil {
				return fmt.Errorf("logging out: %w", err)
			}
			fmt.Println("Logged out.")
			return nil
		},
	}
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}
