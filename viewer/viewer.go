package viewer

import (
	"fmt"
	"time"

	"github.com/cobaltgraph/cobaltgraph/feed"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var DebugMode bool

// maxRows bounds how many assessments the dashboard keeps on screen
const maxRows = 128

var (
	red    = lipgloss.Color("9")
	yellow = lipgloss.Color("11")
	green  = lipgloss.Color("10")
	grey   = lipgloss.Color("8")

	titleStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(grey)
	footerStyle = lipgloss.NewStyle().Foreground(grey)
	badStyle    = lipgloss.NewStyle().Foreground(red).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(yellow)
	okStyle     = lipgloss.NewStyle().Foreground(green)
)

// Row is one rendered assessment line
type Row struct {
	Timestamp       float64
	DstIP           string
	DstPort         int
	Score           float64
	Confidence      float64
	HighUncertainty bool
	Outliers        int
}

// Model is the live dashboard: a rolling assessment table with counters and
// component health from the feed
type Model struct {
	rows     []Row
	counters *feed.Counters
	health   *feed.Health

	items  <-chan feed.Item
	cancel func()

	keys    keyMap
	width   int
	height  int
	printer *message.Printer
}

type keyMap struct {
	quit key.Binding
}

// feedItemMsg wraps one feed item into a bubbletea message
type feedItemMsg feed.Item

// feedClosedMsg signals that the pipeline shut the feed down
type feedClosedMsg struct{}

// CreateUI runs the dashboard until the user quits or the feed closes
func CreateUI(bus *feed.Bus) error {
	items, cancel := bus.Subscribe(feed.DefaultSubscriberBuffer)
	m := NewModel(items, cancel)

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("error running dashboard: %w", err)
	}
	return nil
}

func NewModel(items <-chan feed.Item, cancel func()) *Model {
	return &Model{
		items:   items,
		cancel:  cancel,
		printer: message.NewPrinter(language.English),
		keys: keyMap{
			quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		},
	}
}

func (m *Model) Init() tea.Cmd {
	return m.waitForItem()
}

// waitForItem blocks on the feed and resurfaces the next item as a message
func (m *Model) waitForItem() tea.Cmd {
	return func() tea.Msg {
		item, ok := <-m.items
		if !ok {
			return feedClosedMsg{}
		}
		return feedItemMsg(item)
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keys.quit) {
			m.cancel()
			return m, tea.Quit
		}
		return m, nil

	case feedItemMsg:
		m.apply(feed.Item(msg))
		return m, m.waitForItem()

	case feedClosedMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) apply(item feed.Item) {
	switch item.Kind {
	case feed.KindAssessment:
		if item.Assessment == nil {
			return
		}
		row := Row{
			Timestamp:       item.Assessment.Timestamp,
			DstIP:           item.Assessment.DstIP,
			DstPort:         item.Assessment.DstPort,
			Score:           item.Assessment.ConsensusScore,
			Confidence:      item.Assessment.Confidence,
			HighUncertainty: item.Assessment.HighUncertainty,
			Outliers:        item.Assessment.NumOutliers,
		}
		// newest first
		m.rows = append([]Row{row}, m.rows...)
		if len(m.rows) > maxRows {
			m.rows = m.rows[:maxRows]
		}
	case feed.KindCounters:
		m.counters = item.Counters
	case feed.KindHealth:
		m.health = item.Health
	}
}

func (m *Model) View() string {
	out := titleStyle.Render("COBALT GRAPH — live consensus feed") + "\n"
	out += headerStyle.Render(fmt.Sprintf("%-19s  %-39s  %6s  %6s  %5s  %s",
		"TIME", "DESTINATION", "SCORE", "CONF", "OUTL", "FLAGS")) + "\n"

	rows := m.rows
	if maxVisible := m.visibleRows(); len(rows) > maxVisible {
		rows = rows[:maxVisible]
	}
	for _, row := range rows {
		out += m.renderRow(row) + "\n"
	}

	out += "\n" + m.renderCounters() + "\n" + m.renderHealth() + "\n"
	out += footerStyle.Render("q: quit")
	return out
}

func (m *Model) visibleRows() int {
	// title + header + counters + health + footer + spacing
	reserved := 7
	if m.height <= reserved {
		return 8
	}
	return m.height - reserved
}

func (m *Model) renderRow(row Row) string {
	ts := time.Unix(int64(row.Timestamp), 0).Format("2006-01-02 15:04:05")
	dest := fmt.Sprintf("%s:%d", row.DstIP, row.DstPort)

	flags := ""
	if row.HighUncertainty {
		flags = warnStyle.Render("uncertain")
	}

	line := fmt.Sprintf("%-19s  %-39s  %6.2f  %6.2f  %5d  %s",
		ts, dest, row.Score, row.Confidence, row.Outliers, flags)

	switch {
	case row.Score >= 0.7:
		return badStyle.Render(line)
	case row.Score >= 0.4:
		return warnStyle.Render(line)
	default:
		return line
	}
}

func (m *Model) renderCounters() string {
	if m.counters == nil {
		return footerStyle.Render("waiting for pipeline counters...")
	}
	return footerStyle.Render(m.printer.Sprintf(
		"accepted %d   dropped %d   partial %d   storage failures %d   export errors %d",
		m.counters.RecordsAccepted, m.counters.RecordsDropped, m.counters.EnrichmentPartials,
		m.counters.StorageDegradations, m.counters.ExporterErrors))
}

func (m *Model) renderHealth() string {
	if m.health == nil {
		return ""
	}
	return fmt.Sprintf("storage %s   jsonl %s   csv %s   geo %s   vt %s   abuseipdb %s",
		renderStatus(m.health.Storage),
		renderStatus(m.health.ExporterJSONL),
		renderStatus(m.health.ExporterCSV),
		renderStatus(string(m.health.IntelGeo)),
		renderStatus(string(m.health.IntelVT)),
		renderStatus(string(m.health.IntelAbuseIPDB)))
}

func renderStatus(status string) string {
	switch status {
	case feed.HealthOK, "ok":
		return okStyle.Render(status)
	case "rate_limited":
		return warnStyle.Render(status)
	default:
		return badStyle.Render(status)
	}
}
