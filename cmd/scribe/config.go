package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/scribe/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config [key] [value]",
	Short: "Manage configuration",
	Long: `View or modify Scribe configuration.

Without arguments, displays current configuration.
With one argument (key), displays the value for that key.
With two arguments (key value), sets the configuration value.

Configuration is stored at ~/.config/scribe/config.yaml
Project-specific overrides can be placed in .scribe.yaml
Environment variables (SCRIBE_SERVER_ADDR, ANTHROPIC_API_KEY, ...) win over both.`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 2 {
			return setConfigKey(args[0], args[1])
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			value, err := getConfigValue(cfg, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		}
		displayAllConfig(cfg)
		return nil
	},
}

// displayAllConfig prints all configuration values.
func displayAllConfig(cfg *config.Config) {
	flat := cfg.Flatten()
	label := color.New(color.FgHiBlack)
	for _, key := range config.SortedKeys(flat) {
		fmt.Printf("%s %s\n", label.Sprint(key+":"), flat[key])
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.Config, key string) (string, error) {
	if !config.KnownKey(key) {
		return "", fmt.Errorf("unknown configuration key: %s", key)
	}
	value, ok := cfg.Flatten()[normalizeKey(key)]
	if !ok {
		return "", nil
	}
	return value, nil
}

// setConfigKey writes a value to the user config file.
func setConfigKey(key, value string) error {
	if err := config.SetUserValue(key, value); err != nil {
		return err
	}
	printStatus("✓", fmt.Sprintf("Set %s = %s in %s", key, displayValue(key, value), config.GetUserConfigPath()), color.FgGreen)
	return nil
}

func displayValue(key, value string) string {
	if config.SecretKey(normalizeKey(key)) {
		return config.MaskAPIKey(value)
	}
	return value
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
