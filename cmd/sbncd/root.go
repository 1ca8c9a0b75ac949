package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1"

var cfgFile string

// config is the daemon's static configuration, read from the YAML
// config file with SBNCNG_* environment overrides. Everything else
// (users, listener address, plugin settings) lives in the directory
// database.
type config struct {
	Listen        string `mapstructure:"listen" yaml:"listen"`
	Database      string `mapstructure:"database" yaml:"database"`
	MetricsListen string `mapstructure:"metrics_listen" yaml:"metrics_listen"`
	QueryLogDir   string `mapstructure:"querylog_dir" yaml:"querylog_dir"`
}

var rootCmd = &cobra.Command{
	Version: version,
	Use:     "sbncd",
	Short:   "An object-oriented IRC bouncer",
	Long: `sbncng - an object-oriented IRC bouncer.

sbncd keeps a persistent connection to an IRC network for each of its
users and lets their clients attach and detach at will, replaying the
known channel state on attach.`,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sbncd %s\n", version)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./sbncd.yaml, /etc/sbncng/sbncd.yaml)")
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.SetEnvPrefix("SBNCNG")
	viper.AutomaticEnv()

	viper.SetDefault("database", "sbncng.db")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("sbncd")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sbncng")
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "failed to read config file: %v\n", err)
		}
	}
}

func loadConfig() (*config, error) {
	var cfg config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %v", err)
	}
	return &cfg, nil
}
