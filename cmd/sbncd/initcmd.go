package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const configHeader = `# sbncd configuration.
#
# Users, their upstream servers and plugin settings live in the
# directory database, not here; manage them with 'sbncd adduser' and
# the /sbnc admin commands.

`

var initCmd = &cobra.Command{
	Use:          "init [path]",
	Short:        "Write a sample config file",
	Args:         cobra.MaximumNArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "sbncd.yaml"
		if len(args) == 1 {
			path = args[0]
		}

		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%q already exists", path)
		}

		defaults := config{
			Database: "sbncng.db",
		}

		data, err := yaml.Marshal(&defaults)
		if err != nil {
			return fmt.Errorf("failed to encode config: %v", err)
		}

		if err := os.WriteFile(path, append([]byte(configHeader), data...), 0644); err != nil {
			return fmt.Errorf("failed to write %q: %v", path, err)
		}

		fmt.Printf("wrote %q\n", path)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
