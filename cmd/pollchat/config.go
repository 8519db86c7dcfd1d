package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	configShowReveal    bool
	configShowEffective bool
)

func init() {
	configShowCmd.Flags().BoolVar(&configShowReveal, "reveal", false, "Print tokens in full")
	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Apply environment and flag overrides before printing")

	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// maskToken keeps a short prefix so tokens can be told apart.
func maskToken(tok string) string {
	switch {
	case tok == "":
		return ""
	case len(tok) <= 8:
		return "********"
	default:
		return tok[:4] + "..." + tok[len(tok)-4:]
	}
}

// renderConfig encodes cfg as TOML, masking credentials unless reveal is set.
func renderConfig(cfg *Config, reveal bool) (string, error) {
	out := *cfg
	if !reveal {
		out.Auth.Access = maskToken(out.Auth.Access)
		out.Auth.Refresh = maskToken(out.Auth.Refresh)
	}
	data, err := toml.Marshal(&out)
	if err != nil {
		return "", errors.Wrap(err, "cannot marshal config")
	}
	return string(data), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage pollchat configuration",
	Long:  "View or modify the pollchat configuration stored in ~/.pollchat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with tokens masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); os.IsNotExist(err) && !configShowEffective {
			fmt.Println("No configuration file found. Run 'pollchat login <username>' to create one.")
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if configShowEffective {
			cfg = effectiveConfig(cfg)
		}
		text, err := renderConfig(cfg, configShowReveal)
		if err != nil {
			return err
		}
		fmt.Printf("# %s\n%s", path, text)
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: pollchat config set poll.messages 500ms",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load config")
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return errors.Wrap(err, "failed to save config")
		}

		if key == "auth.access" || key == "auth.refresh" {
			value = maskToken(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
