package main

import (
	"fmt"

	"github.com/spf13/cobra"

	sbnc "github.com/gunnarbeutner/sbncng"
	"github.com/gunnarbeutner/sbncng/directory"
)

var adduserCmd = &cobra.Command{
	Use:          "adduser <username> <password>",
	Short:        "Create a bouncer user",
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		svc, err := directory.Open(cfg.Database)
		if err != nil {
			return err
		}
		defer svc.Close()

		name, password := args[0], args[1]

		users := svc.Root().Child("users")
		for _, node := range users.Children() {
			if node.Name() == name {
				return fmt.Errorf("user %q already exists", name)
			}
		}

		hash, err := sbnc.HashPassword(password)
		if err != nil {
			return err
		}

		if err := users.Child(name).Set("password", hash); err != nil {
			return err
		}

		fmt.Printf("created user %q\n", name)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(adduserCmd)
}
