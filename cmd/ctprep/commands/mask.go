package commands

import (
	"github.com/spf13/cobra"
)

func maskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mask",
		Short: "Step 1: synthesize and store binary masks for all pairs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipe.Run([]int{1})
		},
	}
	return cmd
}
