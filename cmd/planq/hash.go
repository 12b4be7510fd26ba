package main

import (
	"fmt"

	"github.com/planq-io/planq/internal/artifact"
	"github.com/spf13/cobra"
)

var hashCmd = &cobra.Command{
	Use:   "hash [path]",
	Short: "Compute the SHA-1 of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := artifact.SHA1File(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s  %s\n", h, args[0])
		return nil
	},
}
