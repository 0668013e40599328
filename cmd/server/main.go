package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tethercam/internal/app"
	"tethercam/internal/config"
)

// Version is the application version.
const Version = "0.1.0"

var (
	cfg  *config.Config
	port int
)

var rootCmd = &cobra.Command{
	Use:     "tethercam",
	Short:   "Tethered camera live view, capture and focus stacking server",
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = config.Load()
		if port > 0 {
			cfg.Port = port
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the web interface (default)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	application, err := app.NewApp(cfg)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "HTTP port (overrides PORT)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stackCmd)
}
