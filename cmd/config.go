package cmd

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/modelrelay/modelrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long:  `Manage the gateway configuration.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration interactively",
	Long:  `Initialize configuration by prompting for provider details.`,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long:  `Display the current configuration.`,
	RunE:  runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  `Validate the current configuration for errors.`,
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	color.Blue("ModelRelay Configuration Setup")
	color.Yellow("Follow the prompts to configure your upstream providers.")

	reader := bufio.NewReader(os.Stdin)

	fmt.Print("\nProvider Name (e.g., anthropic, openai, openrouter): ")
	providerName, _ := reader.ReadString('\n')
	providerName = strings.TrimSpace(providerName)

	fmt.Print("API Key: ")
	apiKey, _ := reader.ReadString('\n')
	apiKey = strings.TrimSpace(apiKey)

	fmt.Print("API Base URL: ")
	baseURL, _ := reader.ReadString('\n')
	baseURL = strings.TrimSpace(baseURL)

	fmt.Print("Default Model: ")
	model, _ := reader.ReadString('\n')
	model = strings.TrimSpace(model)

	// Optional gateway API key
	fmt.Print("Gateway API Key (optional, for authentication): ")
	gatewayAPIKey, _ := reader.ReadString('\n')
	gatewayAPIKey = strings.TrimSpace(gatewayAPIKey)

	cfg := &config.Config{
		Host:   config.DefaultHost,
		Port:   config.DefaultPort,
		APIKey: gatewayAPIKey,
		Providers: []config.Provider{
			{
				Name:    providerName,
				APIBase: baseURL,
				APIKey:  apiKey,
				Models:  []string{model},
			},
		},
		Router: config.RouterConfig{
			Default: fmt.Sprintf("%s,%s", providerName, model),
		},
	}

	if err := cfgMgr.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	color.Green("Configuration saved successfully to: %s", cfgMgr.GetPath())
	color.Cyan("You can now start the gateway with: %s start", AppName)

	return nil
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		color.Yellow("No configuration found. Run '%s config init' to create one.", AppName)
		return nil
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	color.Blue("Current Configuration:")
	fmt.Printf("  %-15s: %s\n", "Host", cfg.Host)
	fmt.Printf("  %-15s: %d\n", "Port", cfg.Port)
	fmt.Printf("  %-15s: %s\n", "API Key", maskString(cfg.APIKey))
	fmt.Printf("  %-15s: %s\n", "Config Path", cfgMgr.GetPath())

	fmt.Println("\nProviders:")
	for _, provider := range cfg.Providers {
		fmt.Printf("  - Name: %s\n", provider.Name)
		if provider.Kind != "" {
			fmt.Printf("    Kind: %s\n", provider.Kind)
		}
		fmt.Printf("    API Base: %s\n", provider.APIBase)
		fmt.Printf("    API Key: %s\n", maskString(provider.APIKey))
		fmt.Printf("    Models: %v\n", provider.Models)
		fmt.Printf("    Vision: %v\n", provider.Vision)
		fmt.Println()
	}

	fmt.Println("Router Configuration:")
	fmt.Printf("  %-15s: %s\n", "Default", cfg.Router.Default)
	if cfg.Router.LongContext != "" {
		fmt.Printf("  %-15s: %s (over %d tokens)\n", "Long Context", cfg.Router.LongContext, cfg.Router.LongContextThreshold)
	}
	printMapping("Aliases", cfg.Router.Aliases)
	printMapping("Legacy", cfg.Router.Legacy)

	fmt.Println("\nFeatures:")
	fmt.Printf("  %-15s: %v\n", "Cache", cfg.Cache.Enabled)
	if cfg.Cache.Enabled {
		fmt.Printf("  %-15s: %d entries, %s TTL\n", "Cache Limits", cfg.Cache.Capacity, cfg.Cache.TTL())
	}
	fmt.Printf("  %-15s: %v\n", "Tools", cfg.Tools.Enabled)
	if cfg.Tools.Enabled {
		fmt.Printf("  %-15s: %v\n", "Allowed Paths", cfg.Tools.AllowedPaths)
		fmt.Printf("  %-15s: %v\n", "Allowed Cmds", cfg.Tools.AllowedCommands)
	}
	fmt.Printf("  %-15s: %d\n", "Max Iterations", cfg.MaxIterations())
	fmt.Printf("  %-15s: %d\n", "Batch Workers", cfg.BatchParallelism())

	return nil
}

func printMapping(label string, mapping map[string]string) {
	if len(mapping) == 0 {
		return
	}

	keys := make([]string, 0, len(mapping))
	for k := range mapping {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Printf("  %s:\n", label)
	for _, k := range keys {
		fmt.Printf("    %s -> %s\n", k, mapping[k])
	}
}

func runConfigValidate(cmd *cobra.Command, _ []string) error {
	if !cfgMgr.Exists() {
		return fmt.Errorf("no configuration found")
	}

	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	var errors []string

	if len(cfg.Providers) == 0 {
		errors = append(errors, "no providers configured")
	}

	for i, provider := range cfg.Providers {
		if provider.Name == "" {
			errors = append(errors, fmt.Sprintf("provider %d: name is required", i))
		}
		if provider.APIBase == "" {
			errors = append(errors, fmt.Sprintf("provider %d: API base URL is required", i))
		}
		if provider.APIKey == "" {
			errors = append(errors, fmt.Sprintf("provider %d: API key is required", i))
		}
	}

	if cfg.Router.Default == "" {
		errors = append(errors, "default route is required")
	}

	for alias, target := range cfg.Router.Aliases {
		if !strings.Contains(target, ",") {
			errors = append(errors, fmt.Sprintf("alias %q: target %q must use provider,model form", alias, target))
		}
	}
	for legacy, target := range cfg.Router.Legacy {
		if !strings.Contains(target, ",") {
			errors = append(errors, fmt.Sprintf("legacy mapping %q: target %q must use provider,model form", legacy, target))
		}
	}

	if len(errors) > 0 {
		color.Red("Configuration validation failed:")
		for _, err := range errors {
			fmt.Printf("  - %s\n", err)
		}
		return fmt.Errorf("configuration validation failed")
	}

	color.Green("Configuration is valid!")
	return nil
}

func maskString(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
