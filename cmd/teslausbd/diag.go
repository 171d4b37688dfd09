package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ben-z/teslausb-ng/internal/diagimage"
)

var diagCmd = &cobra.Command{
	Use:   "diag",
	Short: "export or restore a compact diagnostic copy of a disk image",
}

var diagExportCmd = &cobra.Command{
	Use:   "export <image-path> <archive-path>",
	Short: "export the non-zero blocks of a disk image for a support bundle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		blocks, err := diagimage.Export(args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("exported %d non-zero blocks to %s\n", blocks, args[1])
		return nil
	},
}

var diagRestoreCmd = &cobra.Command{
	Use:   "restore <archive-path> <image-path>",
	Short: "reconstruct a disk image from a diagnostic archive",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return diagimage.Restore(args[0], args[1])
	},
}

func init() {
	diagCmd.AddCommand(diagExportCmd, diagRestoreCmd)
	rootCmd.AddCommand(diagCmd)
}
