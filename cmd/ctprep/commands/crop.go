package commands

import (
	"github.com/spf13/cobra"
)

func cropCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crop",
		Short: "Step 2: crop stored scans and masks to the informative region",
		RunE: func(cmd *cobra.Command, args []string) error {
			return pipe.Run([]int{2})
		},
	}
	return cmd
}
