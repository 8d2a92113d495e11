// Command mcp-server runs the immunolab MCP server on stdio. It needs no
// database: guidelines come from a YAML catalog and tool calls are audited
// to SQLite in the data directory.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/immunolab/immunolab-server/internal/config"
	"github.com/immunolab/immunolab-server/internal/mcp"
	"github.com/immunolab/immunolab-server/internal/setup"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "mcp-server",
		Short:        "Immunoglobulin reference range MCP server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
	rootCmd.AddCommand(setupCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer() error {
	cfg := config.LoadLiteConfig()

	server, err := mcp.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Start(ctx)
}

func setupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Register the server with a desktop MCP client",
	}

	clientCmd := &cobra.Command{
		Use:   "client",
		Short: "Add or update the immunolab entry in the client config",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := setup.Options{}
			opts.ConfigPath, _ = cmd.Flags().GetString("config")
			opts.BinaryPath, _ = cmd.Flags().GetString("binary")
			opts.DataDir, _ = cmd.Flags().GetString("data-dir")
			opts.CatalogPath, _ = cmd.Flags().GetString("catalog")

			entry, err := setup.Configure(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configured %q with command %s\n", setup.ServerName, entry.Command)
			fmt.Fprintln(cmd.OutOrStdout(), "Restart the client to load the server.")
			return nil
		},
	}
	clientCmd.Flags().String("config", "", "Client config file (default: platform location)")
	clientCmd.Flags().String("binary", "", "Server binary (default: this executable)")
	clientCmd.Flags().String("data-dir", "", "Data directory for the catalog and audit log")
	clientCmd.Flags().String("catalog", "", "Guideline catalog (default: <data-dir>/guidelines.yaml)")
	cmd.AddCommand(clientCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the installation status",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			status, err := setup.GetStatus(path)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(status)
		},
	}
	statusCmd.Flags().String("config", "", "Client config file (default: platform location)")
	cmd.AddCommand(statusCmd)

	return cmd
}
