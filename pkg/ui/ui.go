// Package ui provides the TUI for browsing observed resources
package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/db"
	"github.com/worldsayshi/go-k8s-apiwatcher/pkg/watcher"
)

const refreshInterval = 2 * time.Second

var (
	inputStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1).Width(80)
	appStyle     = lipgloss.NewStyle().Padding(1, 2, 0, 2)
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	healthyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	failedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

// Searcher looks up stored resources
type Searcher interface {
	Search(query string) ([]db.Resource, error)
}

// StatusFunc reports the state of the watch sessions feeding the store
type StatusFunc func() []watcher.SessionStatus

// ResourceItem represents a Kubernetes resource in the list
type ResourceItem struct {
	resource db.Resource
}

// FilterValue returns the string to use for filtering
func (i ResourceItem) FilterValue() string {
	return fmt.Sprintf("%s %s %s", i.resource.Name, i.resource.Kind, i.resource.Namespace)
}

// Title returns the title of the item
func (i ResourceItem) Title() string {
	return fmt.Sprintf("%s/%s", i.resource.Kind, i.resource.Name)
}

// Description returns the description of the item
func (i ResourceItem) Description() string {
	ns := i.resource.Namespace
	if ns == "" {
		ns = "cluster-scoped"
	}
	return fmt.Sprintf("Namespace: %s, API Version: %s, Resource Version: %s", ns, i.resource.APIVersion, i.resource.ResourceVersion)
}

// ResourceUI is the main TUI application
type ResourceUI struct {
	list       list.Model
	input      textinput.Model
	store      Searcher
	status     StatusFunc
	sessions   []watcher.SessionStatus
	err        error
	resources  []db.Resource
	lastSearch string
	width      int
	height     int
}

// NewResourceUI creates a new TUI application. status may be nil.
func NewResourceUI(store Searcher, status StatusFunc) *ResourceUI {
	ti := textinput.New()
	ti.Placeholder = "Search resources..."
	ti.Focus()
	ti.Width = 76

	return &ResourceUI{
		list:   list.New([]list.Item{}, list.NewDefaultDelegate(), 0, 0),
		input:  ti,
		store:  store,
		status: status,
	}
}

// Init initializes the TUI application
func (r *ResourceUI) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		r.performSearch(""),
		PeriodicRefresh(refreshInterval),
	)
}

// performSearch executes the search and updates the list
func (r *ResourceUI) performSearch(query string) tea.Cmd {
	return func() tea.Msg {
		resources, err := r.store.Search(query)
		if err != nil {
			return errMsg{err}
		}
		return resourcesMsg{
			resources: resources,
			query:     query,
		}
	}
}

type resourcesMsg struct {
	resources []db.Resource
	query     string
}

type errMsg struct {
	err error
}

// refreshMsg is sent when it's time to refresh the data
type refreshMsg struct{}

// PeriodicRefresh sends a refresh message after duration
func PeriodicRefresh(duration time.Duration) tea.Cmd {
	return tea.Tick(duration, func(time.Time) tea.Msg {
		return refreshMsg{}
	})
}

// Update handles UI updates
func (r *ResourceUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return r, tea.Quit
		case tea.KeyEnter:
			r.lastSearch = r.input.Value()
			return r, r.performSearch(r.input.Value())
		}

	case tea.WindowSizeMsg:
		r.width = msg.Width
		r.height = msg.Height
		headerHeight := 7 // input box, counters and session line
		r.list.SetSize(msg.Width, max(msg.Height-headerHeight, 0))

	case refreshMsg:
		if r.status != nil {
			r.sessions = r.status()
		}
		return r, tea.Batch(r.performSearch(r.lastSearch), PeriodicRefresh(refreshInterval))

	case resourcesMsg:
		r.err = nil
		r.resources = msg.resources
		r.lastSearch = msg.query

		items := make([]list.Item, 0, len(r.resources))
		for _, resource := range r.resources {
			items = append(items, ResourceItem{resource: resource})
		}
		r.list.SetItems(items)

	case errMsg:
		r.err = msg.err
		return r, nil
	}

	var cmd tea.Cmd
	r.input, cmd = r.input.Update(msg)
	cmds = append(cmds, cmd)

	r.list, cmd = r.list.Update(msg)
	cmds = append(cmds, cmd)

	return r, tea.Batch(cmds...)
}

// View renders the TUI
func (r *ResourceUI) View() string {
	if r.err != nil {
		return fmt.Sprintf("Error: %v", r.err)
	}

	var b strings.Builder
	b.WriteString(appStyle.Render(inputStyle.Render(r.input.View())))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Found %d resources", len(r.resources))
	if r.lastSearch != "" {
		fmt.Fprintf(&b, " matching '%s'", r.lastSearch)
	}
	b.WriteString("\n")
	b.WriteString(renderSessions(r.sessions))
	b.WriteString("\n\n")
	b.WriteString(r.list.View())

	return b.String()
}

func renderSessions(sessions []watcher.SessionStatus) string {
	if len(sessions) == 0 {
		return statusStyle.Render("No watch sessions")
	}
	parts := make([]string, 0, len(sessions))
	for _, s := range sessions {
		text := fmt.Sprintf("%s %s", s.Resource, s.Phase)
		if s.ResourceVersion != "" {
			text += "@" + s.ResourceVersion
		}
		if s.Resyncs > 0 {
			text += fmt.Sprintf(" (%d resyncs)", s.Resyncs)
		}
		parts = append(parts, phaseStyle(s.Phase).Render(text))
	}
	return strings.Join(parts, statusStyle.Render(" | "))
}

func phaseStyle(phase watcher.Phase) lipgloss.Style {
	switch phase {
	case watcher.PhaseStreaming:
		return healthyStyle
	case watcher.PhaseBackoff, watcher.PhaseConnecting:
		return warnStyle
	case watcher.PhaseFailed:
		return failedStyle
	default:
		return statusStyle
	}
}

// Run starts the TUI application
func Run(store Searcher, status StatusFunc) error {
	p := tea.NewProgram(NewResourceUI(store, status), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
