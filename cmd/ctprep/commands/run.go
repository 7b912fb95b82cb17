package commands

import (
	"github.com/spf13/cobra"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run both steps: mask synthesis, then cropping",
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipe.Run([]int{1, 2})
		},
	}
	return cmd
}
