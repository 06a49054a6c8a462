package chat

import "github.com/charmbracelet/lipgloss"

// card renders one transcript entry: a label tab above a bordered body.
type card struct {
	label string
	title lipgloss.Style
	box   lipgloss.Style
}

func newCard(label string, border lipgloss.Border, accent string, background string) card {
	return card{
		label: label,
		title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color(accent)).
			Padding(0, 1),
		box: lipgloss.NewStyle().
			Border(border).
			BorderForeground(lipgloss.Color(accent)).
			Background(lipgloss.Color(background)).
			Padding(0, 1),
	}
}

func (c card) render(width int, body string) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		c.title.Render(c.label),
		c.box.Width(width).Render(body),
	)
}

type theme struct {
	header     lipgloss.Style
	headerMeta lipgloss.Style
	divider    lipgloss.Style
	bootLine   lipgloss.Style
	bootDone   lipgloss.Style
	cards      map[string]card
	status     lipgloss.Style
	statusBusy lipgloss.Style
	statusErr  lipgloss.Style
	hint       lipgloss.Style
	inputLabel lipgloss.Style
	input      lipgloss.Style
	viewport   lipgloss.Style
}

func defaultTheme() theme {
	errorCard := newCard("[ ! ] error", lipgloss.DoubleBorder(), "160", "52")
	errorCard.box = errorCard.box.Foreground(lipgloss.Color("203"))

	noticeCard := newCard("[ i ] notice", lipgloss.RoundedBorder(), "109", "236")
	noticeCard.box = noticeCard.box.Foreground(lipgloss.Color("252"))

	return theme{
		header: lipgloss.NewStyle().
			Bold(true).
			Padding(0, 1).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("24")),
		headerMeta: lipgloss.NewStyle().Foreground(lipgloss.Color("152")),
		divider:    lipgloss.NewStyle().Foreground(lipgloss.Color("31")),
		bootLine:   lipgloss.NewStyle().Foreground(lipgloss.Color("110")),
		bootDone:   lipgloss.NewStyle().Foreground(lipgloss.Color("114")).Bold(true),
		cards: map[string]card{
			roleUser:   newCard("[ 👤 ] you", lipgloss.NormalBorder(), "179", "235"),
			roleBot:    newCard("[ 🤖 ] parley", lipgloss.DoubleBorder(), "38", "234"),
			roleNotice: noticeCard,
			roleError:  errorCard,
		},
		status:     lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Bold(true),
		statusBusy: lipgloss.NewStyle().Foreground(lipgloss.Color("222")).Bold(true),
		statusErr:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
		hint:       lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		inputLabel: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("229")),
		input: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("67")).
			Background(lipgloss.Color("236")).
			Padding(0, 1),
		viewport: lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("31")).
			Background(lipgloss.Color("233")).
			Padding(0, 1),
	}
}
