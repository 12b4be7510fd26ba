package main

import (
	"github.com/planq-io/planq/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive job board",
	RunE: func(cmd *cobra.Command, args []string) error {
		return tui.NewBoard(apiAddr).Run()
	},
}
