// Command shcctl is a command-line client for issuing, reading, and
// transporting SMART Health Cards and SMART Health Links.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "shcctl",
	Short: "Issue, read, and share SMART Health Cards and Links",
	Long: `shcctl is a command-line client for the go-smarthealth library.

It can generate issuer signing keys, issue SMART Health Cards from a FHIR
bundle, read cards back from their JWS/QR/file forms, and build or resolve
SMART Health Links.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfigFile(configFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "YAML file of flag defaults (flag names as keys, e.g. \"issuer: https://...\")")
}

// loadConfigFile reads path, if set, into viper as the source consulted by
// applyConfigDefaults for any flag a subcommand's user didn't pass
// explicitly on the command line.
func loadConfigFile(path string) error {
	if path == "" {
		return nil
	}
	viper.SetConfigFile(path)
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
