package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/modelkeeper/modelkeeper/internal/config"
	"github.com/modelkeeper/modelkeeper/internal/constants"
)

// newConfigCmd creates the 'config' command group.
func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage " + constants.AppName + " configuration",
		Long: `Configuration management commands.

Commands:
  init  - Interactive configuration setup
  show  - Display current configuration
  path  - Show configuration file path`,
	}

	configCmd.AddCommand(newConfigInitCmd())
	configCmd.AddCommand(newConfigShowCmd())
	configCmd.AddCommand(newConfigPathCmd())

	return configCmd
}

// configPath returns --config or the default location.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	return config.DefaultConfigPath()
}

// newConfigInitCmd creates the 'config init' command.
func newConfigInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long: `Interactive configuration setup.

Use --force to overwrite an existing configuration.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if !force {
				if _, err := os.Stat(path); err == nil {
					fmt.Fprintf(out, "Configuration already exists at: %s\n", path)
					fmt.Fprintln(out, "Use --force to overwrite or run 'config show' to view current config.")
					return nil
				}
			}

			cfg, err := promptConfig(cmd.InOrStdin(), out)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			if err := config.Save(cfg, path); err != nil {
				return err
			}

			GetLogger().Info().Str("path", path).Msg("Configuration saved")
			fmt.Fprintln(out)
			fmt.Fprintf(out, "✓ Configuration saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite existing configuration")

	return cmd
}

// promptConfig asks for the settings users commonly change. Empty answers
// keep the defaults.
func promptConfig(in io.Reader, out io.Writer) (*config.Config, error) {
	cfg := config.NewConfig()
	reader := bufio.NewReader(in)

	ask := func(label, def string) string {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		input, _ := reader.ReadString('\n')
		if input = strings.TrimSpace(input); input != "" {
			return input
		}
		return def
	}

	fmt.Fprintln(out, "Configuration Setup")
	fmt.Fprintln(out, "===================")
	fmt.Fprintln(out)

	cfg.API.APIKey = ask("API Key (optional for public files)", "")
	cfg.API.BaseURL = ask("API Base URL", cfg.API.BaseURL)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Transfer Settings (press Enter for defaults)")
	fmt.Fprintln(out, "--------------------------------------------")

	workers := ask("Image workers", strconv.Itoa(cfg.Transfer.BatchWorkers))
	n, err := strconv.Atoi(workers)
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("invalid worker count %q", workers)
	}
	cfg.Transfer.BatchWorkers = n

	resume := strings.ToLower(ask("Resume partial downloads (y/n)", "y"))
	cfg.Transfer.ResumeEnabled = resume == "y" || resume == "yes"

	return cfg, nil
}

// newConfigShowCmd creates the 'config show' command.
func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration settings.

Priority: --api-key > ` + config.EnvAPIKey + ` > config file > defaults`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath()
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Current Configuration")
			fmt.Fprintln(out, "=====================")
			fmt.Fprintln(out)

			fmt.Fprintln(out, "API Settings:")
			fmt.Fprintf(out, "  Base URL:         %s\n", cfg.API.BaseURL)
			fmt.Fprintf(out, "  API Key:          %s\n", cfg.MaskedAPIKey())
			fmt.Fprintf(out, "  User Agent:       %s\n", cfg.API.UserAgent)
			fmt.Fprintf(out, "  Requests/second:  %g (burst %d)\n", cfg.API.RequestsPerSecond, cfg.API.Burst)
			fmt.Fprintf(out, "  Request retries:  %d\n", cfg.API.RequestRetries)
			fmt.Fprintln(out)

			fmt.Fprintln(out, "Transfer Settings:")
			fmt.Fprintf(out, "  Resume:           %t\n", cfg.Transfer.ResumeEnabled)
			fmt.Fprintf(out, "  Chunk size:       %d\n", cfg.Transfer.ChunkSize)
			fmt.Fprintf(out, "  Size tolerance:   %g\n", cfg.Transfer.SizeTolerance)
			fmt.Fprintf(out, "  Image workers:    %d\n", cfg.Transfer.BatchWorkers)
			fmt.Fprintf(out, "  Check disk space: %t\n", cfg.Transfer.CheckDiskSpace)
			fmt.Fprintln(out)

			fmt.Fprintf(out, "Notifications:      %t\n", cfg.Notifications.Enabled)
			fmt.Fprintf(out, "Log level:          %s\n", cfg.Logging.Level)
			if cfg.Logging.File != "" {
				fmt.Fprintf(out, "Log file:           %s\n", cfg.Logging.File)
			}
			fmt.Fprintln(out)

			fmt.Fprintf(out, "Configuration file: %s\n", path)
			if _, err := os.Stat(path); os.IsNotExist(err) {
				fmt.Fprintln(out, "  (file does not exist - using defaults)")
			}

			return nil
		},
	}

	return cmd
}

// newConfigPathCmd creates the 'config path' command.
func newConfigPathCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Show configuration file path",
		Long:  `Display the path to the configuration file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			path, err := configPath()
			if err != nil {
				return err
			}
			if cfgFile == "" {
				fmt.Fprintln(out, "Default configuration path:")
			} else {
				fmt.Fprintln(out, "Configuration path (from --config flag):")
			}
			fmt.Fprintf(out, "  %s\n", path)
			fmt.Fprintln(out)

			if info, err := os.Stat(path); err == nil {
				fmt.Fprintln(out, "Status: ✓ File exists")
				fmt.Fprintf(out, "Size:   %d bytes\n", info.Size())
				fmt.Fprintf(out, "Modified: %s\n", info.ModTime().Format("2006-01-02 15:04:05"))
			} else {
				fmt.Fprintln(out, "Status: File does not exist")
				fmt.Fprintln(out)
				fmt.Fprintf(out, "Create a configuration file with: %s config init\n", constants.AppName)
			}

			return nil
		},
	}

	return cmd
}
