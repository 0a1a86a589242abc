package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/factoryctl/internal/config"
	"github.com/lucasnoah/factoryctl/internal/stage"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Validate and inspect factoryctl configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file and stage catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var msgs []string
		for _, e := range config.Validate(cfg) {
			msgs = append(msgs, e.Error())
		}
		stages, err := loadCatalog(cfg)
		if err != nil {
			msgs = append(msgs, err.Error())
		} else {
			for _, e := range stage.ValidateCatalog(stages) {
				msgs = append(msgs, "catalog: "+e.Error())
			}
		}

		if len(msgs) == 0 {
			cmd.Println("Configuration is valid.")
			return nil
		}

		cmd.Println("Validation errors:")
		for _, m := range msgs {
			cmd.Printf("  - %s\n", m)
		}
		return fmt.Errorf("config has %d validation error(s)", len(msgs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the resolved configuration with defaults merged",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}

		cmd.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
