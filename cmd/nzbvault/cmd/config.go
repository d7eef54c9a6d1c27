package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/javi11/nzbvault/internal/config"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long:  `Write a default configuration file with a freshly generated API key. Fails if the file already exists.`,
		RunE:  runConfigInit,
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE:  runConfigShow,
	})

	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file %s already exists", configFile)
	}

	cfg := config.DefaultConfig()
	if _, err := cfg.EnsureAPIKey(); err != nil {
		return err
	}

	if err := config.Save(cfg, configFile); err != nil {
		return err
	}

	fmt.Printf("Wrote %s\n", configFile)
	fmt.Printf("API key: %s\n", cfg.API.Key)
	fmt.Println("Add at least one provider before starting the server.")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	// Credentials stay out of terminal output.
	redacted := cfg.DeepCopy()
	redacted.WebDAV.Password = "***"
	redacted.API.Key = "***"
	for i := range redacted.Providers {
		redacted.Providers[i].Password = "***"
	}

	out, err := yaml.Marshal(redacted)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}
