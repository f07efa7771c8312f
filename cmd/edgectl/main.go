// Package main provides the edge-runtime operator CLI entry point.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "edgectl",
		Short: "edge-runtime operator CLI",
		Long:  `Command-line interface for managing an edge-runtime deployment`,
	}

	rootCmd.PersistentFlags().StringP("server", "s", "http://localhost:8080", "edge-runtime service URL")
	rootCmd.PersistentFlags().StringP("token", "t", "", "Service authentication token")

	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newUnregisterCmd())
	rootCmd.AddCommand(newInvokeCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newValidateConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
