package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var contractHolder string

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Print the worker contract block",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(workerContract(apiAddr, contractHolder))
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Print the executor contract block",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(executorContract())
		return nil
	},
}

func init() {
	joinCmd.Flags().StringVar(&contractHolder, "holder", "pane-N", "Holder placeholder for the contract")
}

var contractBoxStyle = lipgloss.NewStyle().
	Border(lipgloss.DoubleBorder()).
	Padding(0, 2)

var contractTitleStyle = lipgloss.NewStyle().Bold(true)

// workerContract is pasted into an agent pane: it is the whole protocol a
// collaborator needs to participate.
func workerContract(api, holder string) string {
	body := contractTitleStyle.Render("WORKER CONTRACT — paste into any agent/terminal") + "\n\n" +
		"You are a planq worker. Your loop:\n\n" +
		fmt.Sprintf("1. GET %s/ready?holder=%s\n", api, holder) +
		"   -> receive jobs array\n" +
		"2. For each job:\n" +
		"   a. Read payload pointer (e.g. @file:path/to/spec)\n" +
		"   b. Do the work described by the pointer\n" +
		fmt.Sprintf("   c. POST /done {\"id\":\"<job_id>\",\"holder\":\"%s\"}\n", holder) +
		fmt.Sprintf("      or POST /fail {\"id\":\"<job_id>\",\"holder\":\"%s\",\"error\":\"reason\"}\n", holder) +
		"3. POST /heartbeat every 15s for long jobs\n" +
		fmt.Sprintf("   {\"id\":\"<job_id>\",\"holder\":\"%s\"}\n", holder) +
		"4. Repeat from step 1\n\n" +
		"RULES:\n" +
		"- Payloads are POINTERS. Read the target, do the work.\n" +
		"- Single-writer: produce .diff OR full file, never both.\n" +
		"- Capture discoveries as new steps via POST /enqueue\n\n" +
		"CLI shortcut:\n" +
		fmt.Sprintf("  planq worker --holder %s --poll 2s", holder)
	return contractBoxStyle.Render(body)
}

// executorContract describes the auto-executing local worker.
func executorContract() string {
	body := contractTitleStyle.Render("EXECUTOR CONTRACT — for apply/verify/test jobs") + "\n\n" +
		"Run a local worker that auto-executes @cmd: and @file: payloads:\n\n" +
		"  planq worker --mode local --holder exec-1 --poll 1s\n\n" +
		"This worker handles:\n" +
		"- @cmd:<shell>        -> runs shell command (safety gate applies)\n" +
		"- @file:path#apply    -> applies .diff patch\n" +
		"- @file:path#test     -> checks file exists\n" +
		"- @doc:/@url:/@git:   -> marks done (metadata only)\n\n" +
		"It does NOT handle @file: without #apply/#test (LLM work)."
	return contractBoxStyle.Render(body)
}
