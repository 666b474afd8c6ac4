package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/m-demetrio/ZapOrganic-CRM/cli"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zaporganic",
	Short: "ZapOrganic funnel engine CLI",
	Long:  "ZapOrganic — a CLI for validating, rehearsing, and serving chat CRM funnels.",
	// SilenceUsage prevents printing usage on every error
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("zaporganic version %s\n", version))

	rootCmd.AddCommand(cli.NewRunCmd())
	rootCmd.AddCommand(cli.NewValidateCmd())
	rootCmd.AddCommand(cli.NewServeCmd())
}
