package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/user/smqterm/internal/smq"
)

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().String("dialect", "", "SQL dialect (defaults to backend.dialect)")
	convertCmd.Flags().Bool("all", false, "print all candidate queries, not just the first")
}

var convertCmd = &cobra.Command{
	Use:   "convert <smq-file>",
	Short: "Convert an SMQ JSON file to SQL",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)

		dialect, _ := cmd.Flags().GetString("dialect")
		if dialect == "" {
			dialect = cfg.Backend.Dialect
		}
		all, _ := cmd.Flags().GetBool("all")

		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read SMQ file: %w", err)
		}
		if _, err := smq.Parse(raw); err != nil {
			return fmt.Errorf("parse SMQ: %w", err)
		}

		client := smq.NewClient(cfg.Backend.BaseURL)
		result, err := client.Convert(cmd.Context(), raw, dialect)
		if err != nil {
			return fmt.Errorf("convert: %w", err)
		}

		if all && len(result.AllQueries) > 0 {
			for _, q := range result.AllQueries {
				fmt.Println(q)
			}
			return nil
		}
		fmt.Println(result.SQL)
		return nil
	},
}
