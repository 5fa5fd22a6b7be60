package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/KevinKickass/OpenScheduleCore/internal/cloud"
	"github.com/KevinKickass/OpenScheduleCore/internal/schedule"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Inspect the schedules stored on the account's nodes",
	Args:  cobra.NoArgs,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Fetch every node and print its schedules as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		client := cloud.NewClient(cfg.Cloud, cloud.NewTokenStoreFromEnv(cfg.Cloud.TokenEnv), logger)
		nodes, err := client.GetNodes(cmd.Context())
		if err != nil {
			return fmt.Errorf("%s: %w", cloud.Describe(err), err)
		}

		validator, err := schedule.NewValidator()
		if err != nil {
			return err
		}
		store := schedule.NewStore(validator, logger)
		if err := store.RebuildFromNodes(nodes); err != nil {
			fmt.Fprintln(os.Stderr, "warning:", err)
		}

		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(exportDoc(store.List()))
	},
}

func init() {
	schedulesCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(schedulesCmd)
}

type exportedSchedule struct {
	ID      string                                     `yaml:"id"`
	Name    string                                     `yaml:"name"`
	Days    string                                     `yaml:"days"`
	Time    string                                     `yaml:"time"`
	Enabled bool                                       `yaml:"enabled"`
	Nodes   []string                                   `yaml:"nodes"`
	Actions map[string]map[string]schedule.ParamValues `yaml:"actions"`
}

func exportDoc(list []*schedule.Schedule) map[string][]exportedSchedule {
	out := make([]exportedSchedule, 0, len(list))
	for _, s := range list {
		nodes := make([]string, 0, len(s.Actions))
		actions := make(map[string]map[string]schedule.ParamValues, len(s.Actions))
		for nodeID, devices := range s.Actions {
			nodes = append(nodes, nodeID)
			actions[nodeID] = devices
		}
		slices.Sort(nodes)

		out = append(out, exportedSchedule{
			ID:      s.ID,
			Name:    s.Name,
			Days:    s.Trigger.Summary(),
			Time:    s.Trigger.TimeText(),
			Enabled: s.Enabled,
			Nodes:   nodes,
			Actions: actions,
		})
	}
	return map[string][]exportedSchedule{"schedules": out}
}
