package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/storyshelf/internal/api"
	"github.com/jackzampolin/storyshelf/internal/config"
	"github.com/jackzampolin/storyshelf/internal/home"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the default configuration file",
	Long: `Writes the default configuration. Without a path the file goes to the
storyshelf home directory (~/.storyshelf/config.yaml).`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := home.New(homeDir)
		if err != nil {
			return err
		}
		path := h.ConfigPath()
		if len(args) == 1 {
			path = args[0]
		} else if err := h.EnsureExists(); err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
		if err := config.WriteDefault(path); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

// configEntry is one effective setting.
type configEntry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Default     any    `json:"default" yaml:"default"`
	Description string `json:"description" yaml:"description"`
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show effective settings with their defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		var entries []configEntry
		for _, e := range config.DefaultEntries() {
			v, err := mgr.Value(e.Key)
			if err != nil {
				return err
			}
			entries = append(entries, configEntry{Key: e.Key, Value: v, Default: e.Value, Description: e.Description})
		}
		return api.Output(entries)
	},
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Show one effective setting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		v, err := mgr.Value(args[0])
		if err != nil {
			return err
		}
		def, _ := config.DefaultFor(args[0])
		return api.Output(configEntry{Key: args[0], Value: v, Default: def})
	},
}

// loadConfig opens the config named by --config, falling back to the home
// directory's config.yaml and then the default search path.
func loadConfig() (*config.Manager, error) {
	path := cfgFile
	if path == "" && homeDir != "" {
		h, err := home.New(homeDir)
		if err != nil {
			return nil, err
		}
		if h.ConfigExists() {
			path = h.ConfigPath()
		}
	}
	return config.NewManager(path)
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing file")

	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configListCmd)
	configCmd.AddCommand(configGetCmd)
	rootCmd.AddCommand(configCmd)
}
