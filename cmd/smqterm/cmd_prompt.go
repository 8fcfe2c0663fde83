package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/smqterm/internal/smq"
)

func init() {
	rootCmd.AddCommand(promptCmd)
	promptCmd.AddCommand(promptListCmd, promptGetCmd, promptSetCmd)
}

var promptCmd = &cobra.Command{
	Use:   "prompt",
	Short: "Inspect and edit the backend's stage prompts",
}

var promptListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stage prompt",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		client := smq.NewClient(cfg.Backend.BaseURL)
		prompts, err := client.ListPrompts(cmd.Context())
		if err != nil {
			return fmt.Errorf("list prompts: %w", err)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STEP\tPROMPT")
		for _, p := range prompts {
			fmt.Fprintf(w, "%s\t%s\n", p.Step, p.Content)
		}
		return w.Flush()
	},
}

var promptGetCmd = &cobra.Command{
	Use:   "get <step>",
	Short: "Print the prompt for one pipeline stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		client := smq.NewClient(cfg.Backend.BaseURL)
		p, err := client.GetPrompt(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get prompt: %w", err)
		}
		fmt.Println(p.Content)
		return nil
	},
}

var promptSetCmd = &cobra.Command{
	Use:   "set <step> <content|@file>",
	Short: "Replace the prompt for one pipeline stage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		content := args[1]
		if len(content) > 1 && content[0] == '@' {
			data, err := os.ReadFile(content[1:])
			if err != nil {
				return fmt.Errorf("read prompt file: %w", err)
			}
			content = string(data)
		}

		client := smq.NewClient(cfg.Backend.BaseURL)
		if err := client.SetPrompt(cmd.Context(), args[0], content); err != nil {
			return fmt.Errorf("set prompt: %w", err)
		}
		fmt.Fprintf(os.Stdout, "Prompt for %s updated.\n", args[0])
		return nil
	},
}
