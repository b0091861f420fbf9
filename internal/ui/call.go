package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/carevue/teleconsult/internal/call"
)

type sessionUpdateMsg call.Update

// CallModel renders one call session and forwards key controls to it.
type CallModel struct {
	session *call.Session
	restart func() *call.Session

	spinner  spinner.Model
	snapshot call.Update
	quitting bool
}

// NewCallModel creates the call screen. restart builds a fresh session for
// the retry action; the old one is never reused.
func NewCallModel(session *call.Session, restart func() *call.Session) *CallModel {
	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = SpinnerStyle

	return &CallModel{
		session: session,
		restart: restart,
		spinner: s,
	}
}

func (m *CallModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForUpdate())
}

func (m *CallModel) waitForUpdate() tea.Cmd {
	session := m.session
	return func() tea.Msg {
		return sessionUpdateMsg(<-session.Updates())
	}
}

func (m *CallModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case sessionUpdateMsg:
		m.snapshot = call.Update(msg)
		if m.quitting && m.snapshot.State.Terminal() {
			return m, tea.Quit
		}
		return m, m.waitForUpdate()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "m":
			m.session.ToggleAudio()
			return m, nil
		case "v":
			m.session.ToggleVideo()
			return m, nil
		case "r":
			if m.snapshot.State == call.StateFailed && m.restart != nil {
				m.session = m.restart()
				m.snapshot = call.Update{}
				return m, m.waitForUpdate()
			}
			return m, nil
		case "q", "ctrl+c":
			if m.snapshot.State.Terminal() {
				return m, tea.Quit
			}
			m.quitting = true
			m.session.Hangup()
			return m, nil
		}
	}
	return m, nil
}

func (m *CallModel) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("Teleconsult"))
	b.WriteString("\n")

	switch m.snapshot.State {
	case call.StateIdle, call.StateAcquiringMedia:
		fmt.Fprintf(&b, "%s Requesting camera and microphone...\n", m.spinner.View())
	case call.StateAwaitingSignalingConnect:
		fmt.Fprintf(&b, "%s Connecting to call server...\n", m.spinner.View())
	case call.StateJoiningRoom:
		fmt.Fprintf(&b, "%s Joining appointment room...\n", m.spinner.View())
	case call.StateAwaitingPeer:
		fmt.Fprintf(&b, "%s Waiting for the other participant...\n", m.spinner.View())
	case call.StateNegotiating:
		fmt.Fprintf(&b, "%s Establishing connection...\n", m.spinner.View())
	case call.StateConnected:
		b.WriteString(m.connectedView())
	case call.StateEnding:
		fmt.Fprintf(&b, "%s Ending call...\n", m.spinner.View())
	case call.StateEnded:
		b.WriteString(SuccessStyle.Render(IconSuccess) + " Call ended.\n")
	case call.StateFailed:
		b.WriteString(ErrorBoxStyle.Render(
			ErrorStyle.Render(IconError) + " " + call.UserMessage(m.snapshot.Reason)))
		b.WriteString("\n" + MutedStyle.Render("press r to try again, q to go back"))
		b.WriteString("\n")
	}

	if !m.snapshot.State.Terminal() {
		b.WriteString("\n" + MutedStyle.Render("m: mic  v: camera  q: hang up"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m *CallModel) connectedView() string {
	mic := IconMicOn + " mic on"
	if !m.snapshot.AudioEnabled {
		mic = IconMicOff + " mic muted"
	}
	cam := IconCamOn + " camera on"
	if !m.snapshot.VideoEnabled {
		cam = IconCamOff + " camera off"
	}

	peer := m.snapshot.RemoteRole
	if peer == "" {
		peer = "peer"
	}

	return BoxStyle.Render(fmt.Sprintf(
		"%s\n\nIn call with %s\n%s   %s",
		StatusStyle.Render("CONNECTED"), peer, mic, cam,
	)) + "\n"
}
