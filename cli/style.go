package cli

import (
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/petal-labs/toolcatalog/status"
)

var (
	colorSuccess = lipgloss.Color("#059669")
	colorWarning = lipgloss.Color("#D97706")
	colorError   = lipgloss.Color("#DC2626")
	colorActive  = lipgloss.Color("#22D3EE")
	colorMuted   = lipgloss.Color("#9CA3AF")
	colorAccent  = lipgloss.Color("#A78BFA")
)

// stateHint is how a tool state is shown to a person.
type stateHint struct {
	Label string
	Color lipgloss.Color
}

var stateHints = map[status.State]stateHint{
	status.StateAvailable:          {Label: "available", Color: colorMuted},
	status.StateCached:             {Label: "cached", Color: colorSuccess},
	status.StateStale:              {Label: "update available", Color: colorWarning},
	status.StateRunning:            {Label: "running", Color: colorActive},
	status.StateCompleted:          {Label: "completed", Color: colorSuccess},
	status.StateFailed:             {Label: "failed", Color: colorError},
	status.StateUnavailableOffline: {Label: "offline", Color: colorError},
}

// hintFor returns the display hint for s; unknown states render plainly.
func hintFor(s status.State) stateHint {
	if h, ok := stateHints[s]; ok {
		return h
	}
	return stateHint{Label: string(s), Color: colorMuted}
}

// styles renders text for one output stream. With color disabled, or when
// the stream is not a terminal, every method returns its input unchanged.
type styles struct {
	renderer *lipgloss.Renderer
	plain    bool
}

func newStyles(w io.Writer, noColor bool) styles {
	return styles{renderer: lipgloss.NewRenderer(w), plain: noColor}
}

func (s styles) state(st status.State) string {
	h := hintFor(st)
	return s.color(h.Label, h.Color)
}

func (s styles) heading(text string) string {
	if s.plain {
		return text
	}
	return s.renderer.NewStyle().Bold(true).Foreground(colorAccent).Render(text)
}

func (s styles) warning(text string) string {
	return s.color(text, colorWarning)
}

func (s styles) muted(text string) string {
	return s.color(text, colorMuted)
}

func (s styles) color(text string, c lipgloss.Color) string {
	if s.plain {
		return text
	}
	return s.renderer.NewStyle().Foreground(c).Render(text)
}
