// Package commands wires the ctprep CLI. The mask and crop steps are
// independently runnable; run executes both in order.
package commands

import (
	"github.com/spf13/cobra"

	"ctprep/pkg/config"
	"ctprep/pkg/pipeline"
)

var (
	configPath string
	inputDir   string
	outputDir  string

	cfg  *config.Config
	pipe *pipeline.Pipeline
)

func Execute() error {
	root := &cobra.Command{
		Use:   "ctprep",
		Short: "Prepare CT scan/annotation datasets for segmentation training",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if inputDir != "" {
				cfg.Dataset.InputDir = inputDir
			}
			if outputDir != "" {
				cfg.Dataset.OutputDir = outputDir
			}

			pipe, err = pipeline.New(cfg)
			return err
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "ctprep.yaml", "config file")
	root.PersistentFlags().StringVarP(&inputDir, "input", "i", "", "input directory with scans and annotation JSON files")
	root.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "output directory for prepared arrays")

	root.AddCommand(maskCmd(), cropCmd(), runCmd())
	return root.Execute()
}
