package main

import (
	"fmt"

	"github.com/planq-io/planq/internal/client"
	"github.com/spf13/cobra"
)

var expandCmd = &cobra.Command{
	Use:   "expand [plan-file]",
	Short: "Compile a plan into jobs",
	Args:  cobra.ExactArgs(1),
	RunE:  runExpand,
}

func runExpand(cmd *cobra.Command, args []string) error {
	res, err := client.New(apiAddr).Expand(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("expanded plan '%s' -> %d jobs\n", res.PlanID, res.Steps)
	return nil
}
