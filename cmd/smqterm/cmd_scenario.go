package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/smqterm/internal/state"
	"github.com/user/smqterm/internal/types"
)

func init() {
	rootCmd.AddCommand(scenarioCmd)
	scenarioCmd.AddCommand(scenarioListCmd, scenarioImportCmd, scenarioRemoveCmd, scenarioEnableCmd, scenarioDisableCmd)
}

func scenarioStore() *state.ScenarioStore {
	cfg := loadConfig()
	return state.NewScenarioStore(cfg.ScenariosPath())
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario",
	Short: "Manage stored eval scenarios",
}

var scenarioListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		store := scenarioStore()
		scenarios, err := store.List(context.Background())
		if err != nil {
			return fmt.Errorf("list scenarios: %w", err)
		}
		if len(scenarios) == 0 {
			fmt.Println("No scenarios stored.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSCHEDULE\tENABLED\tEVENTS\tPROMPT")
		for _, sc := range scenarios {
			fmt.Fprintf(w, "%s\t%s\t%v\t%d\t%s\n",
				sc.Name,
				sc.Schedule,
				sc.Enabled,
				len(sc.Events),
				sc.Prompt,
			)
		}
		return w.Flush()
	},
}

var scenarioImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import scenarios from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read scenario file: %w", err)
		}

		// Accept a single scenario object or an array of them.
		var scenarios []*types.Scenario
		if err := json.Unmarshal(data, &scenarios); err != nil {
			var one types.Scenario
			if err := json.Unmarshal(data, &one); err != nil {
				return fmt.Errorf("parse scenario file: %w", err)
			}
			scenarios = []*types.Scenario{&one}
		}

		store := scenarioStore()
		ctx := context.Background()
		for _, sc := range scenarios {
			if sc.Name == "" {
				return fmt.Errorf("scenario missing name")
			}
			if err := store.Save(ctx, sc); err != nil {
				return fmt.Errorf("save scenario %q: %w", sc.Name, err)
			}
			fmt.Fprintf(os.Stdout, "Scenario %q imported (%d events).\n", sc.Name, len(sc.Events))
		}
		return nil
	},
}

var scenarioRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a scenario",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := scenarioStore()
		if err := store.Delete(context.Background(), args[0]); err != nil {
			return fmt.Errorf("remove scenario: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Scenario %q removed.\n", args[0])
		return nil
	},
}

var scenarioEnableCmd = &cobra.Command{
	Use:   "enable <name>",
	Short: "Enable a scenario",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setScenarioEnabled(args[0], true) },
}

var scenarioDisableCmd = &cobra.Command{
	Use:   "disable <name>",
	Short: "Disable a scenario",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setScenarioEnabled(args[0], false) },
}

func setScenarioEnabled(name string, enabled bool) error {
	store := scenarioStore()
	ctx := context.Background()
	sc, err := store.Get(ctx, name)
	if err != nil {
		return fmt.Errorf("get scenario: %w", err)
	}
	sc.Enabled = enabled
	if err := store.Save(ctx, sc); err != nil {
		return fmt.Errorf("save scenario: %w", err)
	}
	label := "disabled"
	if enabled {
		label = "enabled"
	}
	fmt.Fprintf(os.Stdout, "Scenario %q %s.\n", name, label)
	return nil
}
