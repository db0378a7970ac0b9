package watch

import (
	"encoding/json"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/msetz/fanq/internal/events"
)

// jobRow is the tracked state of one dispatch job.
type jobRow struct {
	jobID  string
	input  string
	status string
	errMsg string
}

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	runID     string
	connected bool
	runDone   bool
	jobs      map[string]*jobRow
	order     []string
	lastError string

	spinner spinner.Model
	theme   Theme

	hubEvents chan events.Event
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		jobs:      make(map[string]*jobRow),
		hubEvents: make(chan events.Event, 100),
		spinner:   sp,
		theme:     NewDefaultTheme(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL, m.apiKey) },
		func() tea.Msg { return fetchJobs(m.apiURL, m.apiKey) },
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.applyEvent(events.Event(msg))
		m.connected = true
		m.lastError = ""
		return m, receiveNextEvent(m.hubEvents)

	case jobsMsg:
		for _, j := range msg {
			row := m.upsert(j.JobID)
			row.input = j.InputPath
			row.status = j.Status
			if j.Error != nil {
				row.errMsg = *j.Error
			}
		}
		return m, nil

	case healthMsg:
		m.runID = msg.RunID
		m.connected = true
		m.lastError = ""
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.connected = false
		if m.runDone {
			// The run finished and the server went away; nothing left to watch.
			return m, tea.Quit
		}
		m.lastError = "disconnected, reconnecting..."
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return reconnectMsg{}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(time.Time) tea.Msg {
			return fetchHealth(m.apiURL, m.apiKey)
		})
	}

	return m, nil
}

// applyEvent folds one hub event into the job table.
func (m *Model) applyEvent(e events.Event) {
	var payload struct {
		JobID  string `json:"job_id"`
		Input  string `json:"input"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	_ = json.Unmarshal(e.Data, &payload)

	switch e.Type {
	case events.TypeJobStarted:
		row := m.upsert(payload.JobID)
		row.input = payload.Input
		row.status = "running"
	case events.TypeJobCompleted:
		row := m.upsert(payload.JobID)
		if payload.Input != "" {
			row.input = payload.Input
		}
		row.status = payload.Status
		row.errMsg = payload.Error
	case events.TypeRunCompleted:
		m.runDone = true
	}
}

func (m *Model) upsert(jobID string) *jobRow {
	if jobID == "" {
		jobID = "?"
	}
	if row, ok := m.jobs[jobID]; ok {
		return row
	}
	row := &jobRow{jobID: jobID, status: "queued"}
	m.jobs[jobID] = row
	m.order = append(m.order, jobID)
	return row
}
