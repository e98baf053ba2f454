package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencnpj/etl-engine/internal/config"
	"github.com/opencnpj/etl-engine/internal/engine"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "cnpjetl",
		Short:         "CNPJ registry bulk ETL pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.json", "path to the pipeline config file")

	root.AddCommand(newPipelineCmd())
	root.AddCommand(newSingleCmd())
	root.AddCommand(newTestCmd())
	root.AddCommand(newZipCmd())
	return root
}

func loadConfig() config.Config {
	return config.Load(configPath)
}

func newPipelineCmd() *cobra.Command {
	var month string
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Acquire, load, export, and publish one month's archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return engine.Pipeline(cmd.Context(), loadConfig(), month)
		},
	}
	cmd.Flags().StringVar(&month, "month", "", "archive month as YYYY-MM (when empty, zip links are read from the archive index root page)")
	return cmd
}

func newSingleCmd() *cobra.Command {
	var identifier string
	cmd := &cobra.Command{
		Use:   "single",
		Short: "Project one establishment's document without publishing",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := engine.Single(cmd.Context(), loadConfig(), identifier)
			if err != nil {
				return err
			}
			fmt.Println(doc.JSON)
			return nil
		},
	}
	cmd.Flags().StringVar(&identifier, "cnpj", "", "the CNPJ identifier to project, with or without punctuation")
	cmd.MarkFlagRequired("cnpj")
	return cmd
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Sample published documents and compare against local projections",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := engine.Test(cmd.Context(), loadConfig())
			if err != nil {
				return err
			}
			printReport(cmd.Context(), report)
			if !report.Pass {
				return fmt.Errorf("sample check failed: one or more identifiers mismatched")
			}
			return nil
		},
	}
}

func newZipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "zip",
		Short: "Build and publish the consolidated archive and manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			return engine.Zip(cmd.Context(), loadConfig())
		},
	}
}

func printReport(_ context.Context, report engine.Report) {
	for _, r := range report.Results {
		status := "ok"
		if !r.Pass {
			status = "MISMATCH"
		}
		fmt.Printf("%s  %s\n", r.Identifier, status)
	}
	out, _ := json.Marshal(report)
	fmt.Println(string(out))
}
