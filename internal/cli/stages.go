package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the stage catalog in sequence order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		stages, err := loadCatalog(cfg)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(stages, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%-3s %-12s %-12s %-8s %-8s %s\n", "#", "ID", "NAME", "TOKENS", "COST", "REQUIRES")
		fmt.Fprintf(w, "%-3s %-12s %-12s %-8s %-8s %s\n",
			strings.Repeat("-", 3),
			strings.Repeat("-", 12),
			strings.Repeat("-", 12),
			strings.Repeat("-", 8),
			strings.Repeat("-", 8),
			strings.Repeat("-", 8))
		for i, s := range stages {
			required := strings.Join(s.RequiredFields(), ",")
			if required == "" {
				required = "-"
			}
			fmt.Fprintf(w, "%-3d %-12s %-12s %-8d $%-7.4f %s\n",
				i+1, s.ID, s.Name, s.Estimate.Tokens(), s.Estimate.CostPerRun, required)
		}
		return nil
	},
}

func init() {
	stagesCmd.Flags().String("format", "text", "Output format: text or json")
}
