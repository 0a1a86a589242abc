package cli

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "factoryctl",
	Short: "Configure, submit and follow agent pipelines",
	Long: `factoryctl edits local pipeline drafts, submits them to the pipeline
service, and follows task progress over the service's status channels.

Stages can only be enabled in order: a stage is enabled once every stage
before it is. Drafts are stored as JSON under ~/.factoryctl/drafts; task
events can be journaled to Postgres and relayed to NATS.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to factoryctl config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(stagesCmd)
	rootCmd.AddCommand(draftCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(dbCmd)
}
