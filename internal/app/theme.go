package app

import (
	"github.com/charmbracelet/lipgloss"

	"agentfeed/internal/types"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	helpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	statusStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dividerStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("238"))
	chatMetaStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Faint(true)
	todoStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("180"))
	todoDoneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("242")).Strikethrough(true)
	bannerStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("160")).Bold(true).Padding(0, 1)
	toastInfoStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("230")).Background(lipgloss.Color("29")).Bold(true).Padding(0, 1)

	userBubbleStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Background(lipgloss.Color("236")).Padding(0, 1)
	agentBubbleStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
	pendingBubbleStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("110")).Padding(0, 1)
	reasoningBubbleStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("237")).Foreground(lipgloss.Color("244")).Faint(true).Padding(0, 1)
	errorBubbleStyle     = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("160")).Foreground(lipgloss.Color("210")).Padding(0, 1)
)

// bubbleChrome is the horizontal space a bubble spends on border and
// padding.
const bubbleChrome = 4

var connectionStyles = map[types.ConnectionState]lipgloss.Style{
	types.ConnectionIdle:         lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	types.ConnectionConnecting:   lipgloss.NewStyle().Foreground(lipgloss.Color("179")),
	types.ConnectionConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("70")).Bold(true),
	types.ConnectionReconnecting: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
	types.ConnectionFailed:       lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
}

func connectionBadge(state types.ConnectionState) string {
	style, ok := connectionStyles[state]
	if !ok {
		style = statusStyle
	}
	label := string(state)
	if label == "" {
		label = string(types.ConnectionIdle)
	}
	return style.Render("● " + label)
}
