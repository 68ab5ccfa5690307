package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/watchtower-labs/sentrycore/internal/config"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "load and validate a configuration file without starting the core",
	RunE:  runValidateConfig,
}

func runValidateConfig(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	secretsPath, _ := flags.GetString("secrets")
	k8sNamespace, _ := flags.GetString("k8s-secrets-namespace")

	logger := rootLogger(cmd)

	resolver, err := buildSecretsResolver(secretsPath, k8sNamespace, logger)
	if err != nil {
		return fmt.Errorf("build secrets resolver: %w", err)
	}

	tree, err := config.Load(configPath, resolver)
	if err != nil {
		return fmt.Errorf("%s: %w", configPath, err)
	}

	fingerprint, err := config.Fingerprint(tree)
	if err != nil {
		return fmt.Errorf("fingerprint tree: %w", err)
	}

	fmt.Printf("%s is valid\n", configPath)
	fmt.Printf("fingerprint: %s\n", fingerprint)
	fmt.Printf("modules: %d\n", len(tree.Fragments()))
	return nil
}
