package commands

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/jersoncarin/facebook-message-api/internal/config"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config helpers (show/path/get/set)",
		Long:  `Inspect and edit values in the active config file.`,
		Example: `  # Show the effective configuration
  fbmsg config show

  # Get config value
  fbmsg config get gateway.port

  # Set config value
  fbmsg config set listen.selfListen false`,
	}

	cmd.AddCommand(newConfigShowCommand())
	cmd.AddCommand(newConfigPathCommand())
	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())

	return cmd
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "show",
		Short:   "Print the effective configuration as YAML",
		Example: `  fbmsg config show`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			cmd.Print(string(data))
			return nil
		},
	}
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "path",
		Short:   "Print the config file path",
		Example: `  fbmsg config path`,
		Args:    cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(config.ConfigPath())
		},
	}
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "get [key]",
		Short:   "Get a configuration value",
		Example: `  fbmsg config get gateway.port`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.LoadViper()
			if err != nil {
				return err
			}

			val := v.Get(args[0])
			if val == nil {
				cmd.Println("null")
				return nil
			}
			cmd.Printf("%v\n", val)
			return nil
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Set a configuration value",
		Example: `  fbmsg config set gateway.port 9000
  fbmsg config set listen.autoMarkRead true`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.LoadViper()
			if err != nil {
				return err
			}

			key, raw := args[0], args[1]
			var val any = raw
			if n, err := strconv.Atoi(raw); err == nil {
				val = n
			} else if f, err := strconv.ParseFloat(raw, 64); err == nil {
				val = f
			} else if b, err := strconv.ParseBool(raw); err == nil {
				val = b
			}
			v.Set(key, val)

			// Reject values that would make the next listen fail.
			var cfg config.Config
			if err := v.Unmarshal(&cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if err := config.Save(&cfg); err != nil {
				return err
			}
			cmd.Printf("Updated %s = %v\n", key, val)
			return nil
		},
	}
}
