package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/jwulff/microchat/internal/connection"
	"github.com/jwulff/microchat/internal/db"
	"github.com/jwulff/microchat/internal/relay"
	"github.com/jwulff/microchat/internal/transcript"
	"github.com/jwulff/microchat/internal/ui"
)

// relayProgram makes the board print HEY on a button press and blink LED1
// (buzzing on Bangle.js) when hello() arrives over the relay.
const relayProgram = `
setWatch(() => console.log("HEY"), BTN, {repeat:true});
function hello() {
    LED1.set()
    if (process.env.BOARD === "BANGLEJS") Bangle.buzz();
    setTimeout(() => {
        LED1.reset()
    }, 1000)
}
`

// DetailField selects the field edited in the details panel.
type DetailField int

const (
	FieldNickname DetailField = iota
	FieldNotes
)

// relayRef is shared by every copy of the model so observers running on
// connection goroutines see the bridge once it is dialed.
type relayRef struct {
	atomic.Pointer[relay.Bridge]
}

// deviceView is one visit to a device. It owns the connection manager and
// the transcript recorder for the visit.
type deviceView struct {
	id      int
	device  db.Device
	mgr     *connection.Manager
	rec     *transcript.Recorder
	updates chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	closed  bool

	// outbox holds text typed in the view until a sendCmd writes it.
	outMu  sync.Mutex
	outbox []string
	sendMu sync.Mutex

	snap       connection.Snapshot
	previous   string
	prevLoaded bool

	input    textinput.Model
	details  bool
	field    DetailField
	nickname textinput.Model
	notes    textinput.Model

	scroll int
	live   bool
}

// openView mounts a view for device and returns the commands that feed it.
func openView(ctx context.Context, deps Deps, relays *relayRef, id int, device db.Device) (*deviceView, tea.Cmd) {
	vctx, cancel := context.WithCancel(ctx)
	log := deps.logger().With(zap.Int("view", id))

	v := &deviceView{
		id:       id,
		device:   device,
		updates:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		cancel:   cancel,
		live:     true,
		input:    newInput("type JavaScript and press enter", 0),
		nickname: newInput("nickname", 64),
		notes:    newInput("notes", 512),
	}
	v.input.Focus()
	v.nickname.SetValue(device.Nickname)
	v.notes.SetValue(device.Notes)

	v.rec = transcript.Start(vctx, deps.Store, device.ID, transcript.WithLogger(log))

	// Observers are serialized by the manager, so this state needs no lock.
	var (
		lastOutput string
		watched    *relay.Bridge
		watcher    *relay.Watcher
	)
	observe := func(s connection.Snapshot) {
		if s.Output != lastOutput {
			lastOutput = s.Output
			v.rec.Update(s.Output)
			if b := relays.Load(); b != nil {
				if b != watched {
					watched, watcher = b, b.Watch()
				}
				watcher.Observe(s.Output)
			}
		}
		select {
		case v.updates <- struct{}{}:
		default:
		}
	}

	v.mgr = connection.New(deps.Provider,
		connection.Target{ID: device.ID, Name: device.Name},
		connection.WithCache(deps.Cache),
		connection.WithSettleDelay(deps.SettleDelay),
		connection.WithLogger(log),
		connection.WithObserver(observe),
	)
	if deps.Holder != nil {
		deps.Holder.Set(v.mgr.Send)
	}
	v.mgr.Mount(vctx)
	v.snap = v.mgr.Snapshot()

	return v, tea.Batch(
		waitSnapshotCmd(v),
		waitPreviousCmd(v),
		textinput.Blink,
	)
}

func newInput(placeholder string, limit int) textinput.Model {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.Prompt = ""
	if limit > 0 {
		ti.CharLimit = limit
	}
	return ti
}

// close unmounts the view. The returned command flushes the transcript.
func (v *deviceView) close(deps Deps) tea.Cmd {
	if v.closed {
		return nil
	}
	v.closed = true
	close(v.done)
	if deps.Holder != nil {
		deps.Holder.Set(nil)
	}
	v.mgr.Unmount()
	v.cancel()
	rec, final := v.rec, v.mgr.Snapshot().Output
	return func() tea.Msg {
		rec.Update(final)
		rec.Close()
		return viewClosedMsg{}
	}
}

// flush closes the view and waits for its transcript to be written.
func (v *deviceView) flush(deps Deps) {
	if cmd := v.close(deps); cmd != nil {
		cmd()
	}
	v.rec.Close()
}

// waitSnapshotCmd delivers the next connection change of v.
func waitSnapshotCmd(v *deviceView) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-v.updates:
			return SnapshotMsg{View: v.id, Snapshot: v.mgr.Snapshot()}
		case <-v.done:
			return nil
		}
	}
}

// waitPreviousCmd delivers the scrollback once it has loaded.
func waitPreviousCmd(v *deviceView) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-v.rec.PreviousReady():
			text, _ := v.rec.Previous()
			return PreviousLoadedMsg{View: v.id, Text: text}
		case <-v.done:
			return nil
		}
	}
}

// saveDetailCmd writes an edited nickname or notes field.
func saveDetailCmd(ctx context.Context, store *db.Store, id string, field DetailField, value string) tea.Cmd {
	return func() tea.Msg {
		var err error
		switch field {
		case FieldNickname:
			err = store.UpdateNickname(ctx, id, strings.TrimSpace(value))
		case FieldNotes:
			err = store.UpdateNotes(ctx, id, value)
		}
		if err != nil {
			return StoreErrorMsg{Err: err}
		}
		return nil
	}
}

// loadRecordCmd reads the current record of the viewed device.
func loadRecordCmd(ctx context.Context, store *db.Store, view int, id string) tea.Cmd {
	return func() tea.Msg {
		d, err := store.Device(ctx, id)
		if errors.Is(err, db.ErrNotFound) {
			return DeviceRecordMsg{View: view}
		}
		if err != nil {
			return StoreErrorMsg{Err: err}
		}
		return DeviceRecordMsg{View: view, Device: d}
	}
}

// setRecord applies a fresh device record. Fields being edited keep the
// user's text.
func (v *deviceView) setRecord(d db.Device) {
	v.device = d
	if !v.details || v.field != FieldNickname {
		v.nickname.SetValue(d.Nickname)
	}
	if !v.details || v.field != FieldNotes {
		v.notes.SetValue(d.Notes)
	}
}

func (v *deviceView) toggleDetails() {
	v.details = !v.details
	if v.details {
		v.field = FieldNickname
		v.input.Blur()
		v.nickname.Focus()
		v.notes.Blur()
		return
	}
	v.nickname.Blur()
	v.notes.Blur()
	v.input.Focus()
}

func (v *deviceView) nextField() {
	if v.field == FieldNickname {
		v.field = FieldNotes
		v.nickname.Blur()
		v.notes.Focus()
		return
	}
	v.field = FieldNickname
	v.notes.Blur()
	v.nickname.Focus()
}

func (v *deviceView) focusedEditor() *textinput.Model {
	if !v.details {
		return &v.input
	}
	if v.field == FieldNotes {
		return &v.notes
	}
	return &v.nickname
}

// sendCmd queues texts and returns the command that writes the queue to
// the board in order.
func (v *deviceView) sendCmd(texts ...string) tea.Cmd {
	v.outMu.Lock()
	v.outbox = append(v.outbox, texts...)
	v.outMu.Unlock()

	return func() tea.Msg {
		v.sendMu.Lock()
		defer v.sendMu.Unlock()

		v.outMu.Lock()
		queued := v.outbox
		v.outbox = nil
		v.outMu.Unlock()

		for _, text := range queued {
			v.mgr.Send(text)
		}
		return nil
	}
}

// initRelay resets the board and uploads the relay program.
func (v *deviceView) initRelay() tea.Cmd {
	return v.sendCmd("reset();", relayProgram)
}

// displayLines renders scrollback and live output wrapped to width.
func (v *deviceView) displayLines(width int) []string {
	var lines []string
	if v.previous != "" {
		for _, l := range wrapOutput(v.previous, width) {
			lines = append(lines, ui.ScrollbackStyle.Render(l))
		}
	}
	if v.snap.Output != "" {
		for _, l := range wrapOutput(v.snap.Output, width) {
			lines = append(lines, ui.OutputStyle.Render(l))
		}
	}
	return lines
}

func (v *deviceView) stateBadge() string {
	switch v.snap.State {
	case connection.Open:
		return ui.OpenBadgeStyle.Render("● connected")
	case connection.Connecting:
		return ui.ConnectingBadgeStyle.Render("◌ connecting")
	case connection.Error:
		return ui.ErrorBadgeStyle.Render("✕ error")
	}
	return ui.AbsentBadgeStyle.Render("○ not connected")
}

func (v *deviceView) renderHeader() string {
	title := ui.TitleStyle.Render("MICROCHAT")
	name := ui.DimStyle.Render(" " + v.device.Name)
	if v.device.Nickname != "" {
		name = " " + ui.NicknameStyle.Render(v.device.Nickname) + name
	}
	return title + name + "  " + v.stateBadge()
}

func (v *deviceView) renderDetails(width int) []string {
	label := func(text string, active bool) string {
		if active {
			return ui.SelectedStyle.Render(text)
		}
		return ui.DimStyle.Render(text)
	}
	v.nickname.Width = max(10, width-14)
	v.notes.Width = max(10, width-14)
	lines := []string{
		ui.PanelTitleActiveStyle.Render("DETAILS"),
		label("  nickname  ", v.field == FieldNickname) + v.nickname.View(),
		label("  notes     ", v.field == FieldNotes) + v.notes.View(),
		ui.DimStyle.Render(fmt.Sprintf("  id %s", v.device.ID)),
		"  " + ui.FooterKeyStyle.Render("ctrl+t") + ui.FooterDescStyle.Render(" Init relay & reset"),
		ui.Divider(width),
	}
	return lines
}

func (v *deviceView) renderTranscript(width, height int) []string {
	badge := ui.LiveBadgeStyle.Render(" LIVE")
	if !v.live {
		badge = ui.ScrollBadgeStyle.Render(" SCROLL")
	}
	lines := []string{ui.PanelTitleStyle.Render("CONSOLE") + badge}
	contentHeight := height - 1

	var body []string
	switch {
	case v.snap.State == connection.Absent:
		body = []string{
			"",
			ui.ErrorTextStyle.Render("  Connection lost."),
			ui.DimStyle.Render("  Press ctrl+r to reconnect to " + v.device.Name),
		}
	default:
		body = v.displayLines(max(10, width-2))
		for i, l := range body {
			body[i] = "  " + l
		}
		if len(body) == 0 {
			switch v.snap.State {
			case connection.Connecting:
				body = []string{"", ui.DimStyle.Render("  Connecting to " + v.device.Name + "...")}
			case connection.Open:
				body = []string{"", ui.DimStyle.Render("  Connected. Type below to talk to the board.")}
			}
		}
	}

	start := 0
	if v.live {
		if len(body) > contentHeight {
			start = len(body) - contentHeight
		}
	} else {
		start = min(v.scroll, max(0, len(body)-contentHeight))
	}
	end := min(len(body), start+contentHeight)
	lines = append(lines, body[start:end]...)

	for len(lines) < height {
		lines = append(lines, "")
	}
	return lines
}

func (v *deviceView) renderErrorBar() string {
	if v.snap.State != connection.Error {
		return ""
	}
	return ui.ErrorStyle.Render("Error: ") + ui.ErrorTextStyle.Render(v.snap.Err) + "  " +
		ui.FooterKeyStyle.Render("ctrl+r") + ui.FooterDescStyle.Render(" Reconnect") + "  " +
		ui.FooterKeyStyle.Render("ctrl+e") + ui.FooterDescStyle.Render(" Dismiss")
}

func (v *deviceView) renderInput(width int) string {
	v.input.Width = max(10, width-4)
	prompt := ui.DimStyle.Render("> ")
	if v.snap.State == connection.Open && !v.details {
		prompt = ui.SelectedStyle.Render("> ")
	}
	return prompt + v.input.View()
}

func (v *deviceView) renderFooter() string {
	parts := []string{
		ui.FooterKeyStyle.Render("enter") + ui.FooterDescStyle.Render(" Send"),
		ui.FooterKeyStyle.Render("ctrl+d") + ui.FooterDescStyle.Render(" Details"),
		ui.FooterKeyStyle.Render("↑↓") + ui.FooterDescStyle.Render(" Scroll"),
	}
	if !v.live {
		parts = append(parts, ui.FooterKeyStyle.Render("ctrl+g")+ui.FooterDescStyle.Render(" Live"))
	}
	parts = append(parts, ui.FooterKeyStyle.Render("esc")+ui.FooterDescStyle.Render(" Back"))
	return strings.Join(parts, "  ")
}

// wrapOutput hard-wraps console text to width, keeping the board's spacing.
func wrapOutput(text string, width int) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		runes := []rune(line)
		if width <= 0 || len(runes) <= width {
			lines = append(lines, line)
			continue
		}
		for len(runes) > width {
			lines = append(lines, string(runes[:width]))
			runes = runes[width:]
		}
		lines = append(lines, string(runes))
	}
	return lines
}
