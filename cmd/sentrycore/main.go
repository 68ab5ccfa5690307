// Command sentrycore is the entry point for the surveillance core:
// in-process bus, module orchestrator, configuration service, and the
// built-in dedupe/rate-limit/chaos stages, wired together from a single
// YAML configuration tree.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	serviceName    = "sentrycore"
	serviceVersion = "1.0.0"
)

var rootCmd = &cobra.Command{
	Use:     serviceName,
	Short:   "sentrycore runs the surveillance platform core",
	Version: serviceVersion,
}

func init() {
	rootCmd.PersistentFlags().String("config", "config.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().String("secrets", "", "path to the local secrets file (mutually exclusive with --k8s-secrets-namespace)")
	rootCmd.PersistentFlags().String("k8s-secrets-namespace", "", "Kubernetes namespace to resolve secrets.* references against")
	rootCmd.PersistentFlags().String("secrets-cache-redis-addr", "", "Redis address caching resolved secrets in front of the configured resolver (unset disables caching)")
	rootCmd.PersistentFlags().String("secrets-cache-redis-password", "", "password for --secrets-cache-redis-addr")
	rootCmd.PersistentFlags().Int("secrets-cache-redis-db", 0, "Redis DB index for --secrets-cache-redis-addr")
	rootCmd.PersistentFlags().Duration("secrets-cache-ttl", 5*time.Minute, "how long a resolved secret stays cached in --secrets-cache-redis-addr before the configured resolver is consulted again")
	rootCmd.PersistentFlags().String("snapshot-store", "snapshots.json", "path to the persisted config snapshot history")
	rootCmd.PersistentFlags().String("snapshot-lock-redis-addr", "", "Redis address guarding snapshot-store writes across processes (unset runs unlocked, single-process only)")
	rootCmd.PersistentFlags().String("snapshot-lock-redis-password", "", "password for --snapshot-lock-redis-addr")
	rootCmd.PersistentFlags().Int("snapshot-lock-redis-db", 0, "Redis DB index for --snapshot-lock-redis-addr")
	rootCmd.PersistentFlags().String("log-level", "", "process log level (debug, info, warn, error; empty means info); system.log_level from the config tree is not applied to the process logger")
	rootCmd.PersistentFlags().Bool("log-json", true, "emit structured logs as JSON instead of text")
	rootCmd.PersistentFlags().String("metrics-addr", ":9090", "address the Prometheus metrics endpoint listens on")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateConfigCmd)
	rootCmd.AddCommand(rollbackDrillCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sentrycore: %v\n", err)
		os.Exit(1)
	}
}
