// Package tui provides the interactive job board for planq.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/planq-io/planq/internal/client"
	"github.com/planq-io/planq/internal/models"
)

var (
	boardTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusDone    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// JobItem implements list.Item for the job board.
type JobItem struct {
	ID       string
	Lane     int
	Payload  string
	Status   string
	Holder   string
	Attempts int
	Error    string
}

func (i JobItem) FilterValue() string { return i.ID }
func (i JobItem) Title() string       { return i.ID }
func (i JobItem) Description() string {
	desc := fmt.Sprintf("%s lane=%d attempts=%d %s", formatStatus(i.Status), i.Lane, i.Attempts, models.Truncate(i.Payload, 48))
	if i.Holder != "" {
		desc += " • " + i.Holder
	}
	if i.Error != "" {
		desc += " • " + statusFailed.Render(models.Truncate(i.Error, 40))
	}
	return desc
}

func formatStatus(status string) string {
	switch status {
	case "queued":
		return statusQueued.Render("○ queued")
	case "running":
		return statusRunning.Render("◉ running")
	case "done":
		return statusDone.Render("✓ done")
	case "failed":
		return statusFailed.Render("✗ failed")
	default:
		return status
	}
}

var filters = []string{"", "queued", "running", "done", "failed"}
var filterLabels = []string{"all", "queued", "running", "done", "failed"}

// Board is the job board TUI model. It polls /jobs and /stats on a timer.
type Board struct {
	client      *client.Client
	list        list.Model
	filter      string
	filterIndex int
	stats       map[string]int
	errMsg      string
	width       int
	height      int
}

// NewBoard creates a job board over the API at apiAddr.
func NewBoard(apiAddr string) *Board {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 24)
	l.Title = "Jobs [all]"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = boardTitleStyle

	return &Board{
		client: client.New(apiAddr),
		list:   l,
	}
}

// Run starts the board.
func (b *Board) Run() error {
	p := tea.NewProgram(b, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type jobsLoadedMsg struct {
	jobs  []models.Job
	stats map[string]int
}

type errMsg struct{ err error }

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init starts the refresh loop.
func (b *Board) Init() tea.Cmd {
	return tea.Batch(b.refresh(), tick())
}

// refresh fetches jobs and stats from the API.
func (b *Board) refresh() tea.Cmd {
	filter := b.filter
	return func() tea.Msg {
		jobs, err := b.client.Jobs(filter, 200)
		if err != nil {
			return errMsg{err}
		}
		stats, err := b.client.Stats()
		if err != nil {
			return errMsg{err}
		}
		return jobsLoadedMsg{jobs: jobs, stats: stats}
	}
}

// Update handles messages.
func (b *Board) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		b.width = msg.Width
		b.height = msg.Height
		b.list.SetSize(msg.Width, msg.Height-2)
		return b, nil

	case tickMsg:
		return b, tea.Batch(b.refresh(), tick())

	case jobsLoadedMsg:
		b.errMsg = ""
		b.stats = msg.stats
		items := make([]list.Item, len(msg.jobs))
		for i, j := range msg.jobs {
			items[i] = JobItem{
				ID:       j.ID,
				Lane:     j.Lane,
				Payload:  j.Payload,
				Status:   string(j.Status),
				Holder:   j.Holder,
				Attempts: j.Attempts,
				Error:    j.Error,
			}
		}
		b.list.SetItems(items)
		return b, nil

	case errMsg:
		b.errMsg = msg.err.Error()
		return b, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return b, tea.Quit
		case "r":
			return b, b.refresh()
		case "f":
			b.filterIndex = (b.filterIndex + 1) % len(filters)
			b.filter = filters[b.filterIndex]
			b.list.Title = fmt.Sprintf("Jobs [%s]", filterLabels[b.filterIndex])
			return b, b.refresh()
		}
	}

	var cmd tea.Cmd
	b.list, cmd = b.list.Update(msg)
	return b, cmd
}

// View renders the board with a stats footer.
func (b *Board) View() string {
	footer := helpStyle.Render("f: filter • r: refresh • q: quit")
	if b.errMsg != "" {
		footer = statusFailed.Render("API error: "+models.Truncate(b.errMsg, 60)) + "  " + footer
	} else if b.stats != nil {
		footer = fmt.Sprintf("queued=%d running=%d done=%d failed=%d total=%d  %s",
			b.stats["queued"], b.stats["running"], b.stats["done"], b.stats["failed"], b.stats["total"], footer)
	}
	return b.list.View() + "\n" + footer
}
