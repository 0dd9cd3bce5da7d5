package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	humanize "github.com/dustin/go-humanize"
	"go.uber.org/zap"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/jwulff/microchat/internal/db"
	"github.com/jwulff/microchat/internal/relay"
	"github.com/jwulff/microchat/internal/transport"
	"github.com/jwulff/microchat/internal/ui"
)

// Screen is the page currently shown.
type Screen int

const (
	ScreenList Screen = iota
	ScreenDevice
)

// RelayDialer connects the relay bridge. It is nil when the relay is off.
type RelayDialer func(ctx context.Context) (*relay.Bridge, error)

// Deps are the collaborators the TUI drives.
type Deps struct {
	Store       *db.Store
	Provider    transport.Provider
	Cache       *transport.Cache
	Picker      *Picker
	Holder      *relay.SendHolder
	DialRelay   RelayDialer
	SettleDelay time.Duration
	Log         *zap.Logger
}

func (d Deps) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// Model is the root bubbletea model for the microchat TUI.
type Model struct {
	ctx   context.Context
	deps  Deps
	relay *relayRef
	watch <-chan struct{}

	screen Screen

	// Device list
	devices       []db.Device
	selected      int
	confirmDelete bool
	adding        bool

	// Device view
	view     *deviceView
	nextView int

	picker *pickerState

	// UI state
	width  int
	height int

	// Errors
	errorMessage   string
	errorTransient bool

	// Status
	statusText  string
	relayStatus string

	now func() time.Time
}

// New creates the model. ctx bounds every background operation.
func New(ctx context.Context, deps Deps) Model {
	if deps.Cache == nil {
		deps.Cache = transport.NewCache()
	}
	m := Model{
		ctx:        ctx,
		deps:       deps,
		relay:      &relayRef{},
		screen:     ScreenList,
		statusText: "Loading devices...",
		now:        time.Now,
	}
	if deps.Store != nil {
		m.watch = deps.Store.Watch(ctx)
	}
	switch {
	case deps.DialRelay == nil:
		m.relayStatus = "relay off"
	default:
		m.relayStatus = "relay connecting"
	}
	return m
}

// Init loads the device book and starts the background listeners.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		loadDevicesCmd(m.ctx, m.deps.Store),
		watchDevicesCmd(m.watch),
		waitPickCmd(m.deps.Picker),
		dialRelayCmd(m.ctx, m.deps.DialRelay),
	)
}

// Shutdown flushes the open device view and releases the relay bridge.
// Call it after the program exits, before closing the store.
func (m Model) Shutdown() {
	if m.picker != nil {
		m.picker.request.Cancel()
	}
	if m.view != nil {
		m.view.flush(m.deps)
	}
	if m.relay == nil {
		return
	}
	if b := m.relay.Swap(nil); b != nil {
		b.Close()
	}
}

// loadDevicesCmd reads the device book from SQLite.
func loadDevicesCmd(ctx context.Context, store *db.Store) tea.Cmd {
	if store == nil {
		return nil
	}
	return func() tea.Msg {
		devices, err := store.Devices(ctx)
		return DevicesLoadedMsg{Devices: devices, Err: err}
	}
}

// watchDevicesCmd waits for the next change to the devices table.
func watchDevicesCmd(ch <-chan struct{}) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return DevicesChangedMsg{}
	}
}

// dialRelayCmd connects the relay bridge in the background.
func dialRelayCmd(ctx context.Context, dial RelayDialer) tea.Cmd {
	if dial == nil {
		return nil
	}
	return func() tea.Msg {
		b, err := dial(ctx)
		if err != nil {
			return RelayErrorMsg{Err: err}
		}
		return RelayReadyMsg{Bridge: b}
	}
}

// addDeviceCmd asks the provider for a new device and records it.
func addDeviceCmd(ctx context.Context, deps Deps, now time.Time) tea.Cmd {
	return func() tea.Msg {
		h, err := deps.Provider.RequestDevice(ctx)
		if err != nil {
			return DeviceRequestErrorMsg{Err: err}
		}
		d := db.Device{ID: h.ID, Name: h.Name, CreatedAt: now}
		if _, err := deps.Store.EnsureDevice(ctx, d); err != nil {
			return DeviceRequestErrorMsg{Err: err}
		}
		deps.Cache.Put(h)
		rec, err := deps.Store.Device(ctx, h.ID)
		if err != nil {
			return DeviceRequestErrorMsg{Err: err}
		}
		return DeviceAddedMsg{Device: *rec}
	}
}

// deleteDeviceCmd removes a device from the book.
func deleteDeviceCmd(ctx context.Context, deps Deps, d db.Device) tea.Cmd {
	return func() tea.Msg {
		if err := deps.Store.DeleteDevice(ctx, d.ID); err != nil {
			return StoreErrorMsg{Err: err}
		}
		deps.Cache.Forget(d.Name)
		return nil
	}
}

// clearTransientErrorCmd fires after a delay to clear transient errors.
func clearTransientErrorCmd() tea.Cmd {
	return tea.Tick(5*time.Second, func(time.Time) tea.Msg {
		return ClearTransientErrorMsg{}
	})
}

func (m *Model) setTransientError(text string) tea.Cmd {
	m.errorMessage = text
	m.errorTransient = true
	return clearTransientErrorCmd()
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case DevicesLoadedMsg:
		if msg.Err != nil {
			m.deps.logger().Error("load devices", zap.Error(msg.Err))
			m.errorMessage = msg.Err.Error()
			return m, nil
		}
		m.devices = msg.Devices
		if m.selected >= len(m.devices) {
			m.selected = max(0, len(m.devices)-1)
		}
		m.statusText = fmt.Sprintf("%d devices", len(m.devices))
		return m, nil

	case DevicesChangedMsg:
		cmds := []tea.Cmd{
			loadDevicesCmd(m.ctx, m.deps.Store),
			watchDevicesCmd(m.watch),
		}
		if m.view != nil {
			cmds = append(cmds, loadRecordCmd(m.ctx, m.deps.Store, m.view.id, m.view.device.ID))
		}
		return m, tea.Batch(cmds...)

	case DeviceAddedMsg:
		m.adding = false
		m.deps.logger().Info("device added", zap.String("device", msg.Device.ID), zap.String("name", msg.Device.Name))
		return m.openDevice(msg.Device)

	case DeviceRequestErrorMsg:
		m.adding = false
		if errors.Is(msg.Err, transport.ErrCancelled) {
			m.statusText = "Device selection cancelled"
			return m, nil
		}
		if errors.Is(msg.Err, transport.ErrNoDevice) {
			return m, m.setTransientError("No devices found. Are they powered on and in range?")
		}
		m.deps.logger().Warn("add device", zap.Error(msg.Err))
		return m, m.setTransientError(msg.Err.Error())

	case DeviceRecordMsg:
		if m.view == nil || msg.View != m.view.id {
			return m, nil
		}
		if msg.Device == nil {
			// Deleted while open.
			return m.closeDevice()
		}
		m.view.setRecord(*msg.Device)
		return m, nil

	case SnapshotMsg:
		if m.view == nil || msg.View != m.view.id {
			return m, nil
		}
		m.view.snap = msg.Snapshot
		return m, waitSnapshotCmd(m.view)

	case PreviousLoadedMsg:
		if m.view == nil || msg.View != m.view.id {
			return m, nil
		}
		m.view.previous = msg.Text
		m.view.prevLoaded = true
		return m, nil

	case PickRequestMsg:
		if msg.Request == nil {
			return m, waitPickCmd(m.deps.Picker)
		}
		m.picker = &pickerState{request: msg.Request}
		return m, nil

	case RelayReadyMsg:
		m.relay.Store(msg.Bridge)
		m.relayStatus = "relay connected"
		m.deps.logger().Info("relay connected")
		return m, nil

	case RelayErrorMsg:
		m.relayStatus = "relay offline"
		m.deps.logger().Warn("relay unavailable", zap.Error(msg.Err))
		return m, nil

	case StoreErrorMsg:
		m.deps.logger().Error("store write", zap.Error(msg.Err))
		return m, m.setTransientError(msg.Err.Error())

	case viewClosedMsg:
		return m, nil

	case ClearTransientErrorMsg:
		if m.errorTransient {
			m.errorMessage = ""
			m.errorTransient = false
		}
		return m, nil
	}

	// Cursor blinks and other component messages go to the focused editor.
	if m.view != nil {
		ed := m.view.focusedEditor()
		var cmd tea.Cmd
		*ed, cmd = ed.Update(msg)
		return m, cmd
	}
	return m, nil
}

// openDevice switches to the device view for d.
func (m Model) openDevice(d db.Device) (tea.Model, tea.Cmd) {
	var closing tea.Cmd
	if m.view != nil {
		closing = m.view.close(m.deps)
	}
	m.nextView++
	v, cmd := openView(m.ctx, m.deps, m.relay, m.nextView, d)
	m.view = v
	m.screen = ScreenDevice
	m.errorMessage = ""
	m.errorTransient = false
	return m, tea.Batch(closing, cmd)
}

// closeDevice returns to the device list.
func (m Model) closeDevice() (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	if m.view != nil {
		cmds = append(cmds, m.view.close(m.deps))
		m.view = nil
	}
	if m.picker != nil {
		// The request belonged to the view's connection attempt.
		m.picker.request.Cancel()
		m.picker = nil
		cmds = append(cmds, waitPickCmd(m.deps.Picker))
	}
	m.screen = ScreenList
	cmds = append(cmds, loadDevicesCmd(m.ctx, m.deps.Store))
	return m, tea.Batch(cmds...)
}

// quit flushes the open view before exiting.
func (m Model) quit() (tea.Model, tea.Cmd) {
	if m.picker != nil {
		m.picker.request.Cancel()
		m.picker = nil
	}
	if m.view != nil {
		closing := m.view.close(m.deps)
		m.view = nil
		return m, tea.Sequence(closing, tea.Quit)
	}
	return m, tea.Quit
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == KeyCtrlC {
		return m.quit()
	}
	if m.picker != nil {
		return m.handlePickerKey(key)
	}
	if m.screen == ScreenDevice && m.view != nil {
		return m.handleDeviceKey(msg)
	}
	return m.handleListKey(key)
}

func (m Model) handlePickerKey(key string) (tea.Model, tea.Cmd) {
	p := m.picker
	switch key {
	case KeyUp, KeyK:
		if p.selected > 0 {
			p.selected--
		}
		return m, nil
	case KeyDown, KeyJ:
		if p.selected < len(p.candidates())-1 {
			p.selected++
		}
		return m, nil
	case KeyEnter:
		p.request.Choose(p.selected)
	case KeyEsc, KeyQuit:
		p.request.Cancel()
	default:
		return m, nil
	}
	m.picker = nil
	return m, waitPickCmd(m.deps.Picker)
}

func (m Model) handleListKey(key string) (tea.Model, tea.Cmd) {
	if m.confirmDelete {
		m.confirmDelete = false
		if key == KeyYes && m.selected < len(m.devices) {
			d := m.devices[m.selected]
			m.deps.logger().Info("device removed", zap.String("device", d.ID))
			return m, deleteDeviceCmd(m.ctx, m.deps, d)
		}
		return m, nil
	}

	switch key {
	case KeyQuit, KeyQuitUpper:
		return m.quit()

	case KeyUp, KeyK:
		if m.selected > 0 {
			m.selected--
		}

	case KeyDown, KeyJ:
		if m.selected < len(m.devices)-1 {
			m.selected++
		}

	case KeyEnter:
		if m.selected < len(m.devices) {
			return m.openDevice(m.devices[m.selected])
		}

	case KeyAdd:
		if m.adding || m.deps.Provider == nil {
			return m, nil
		}
		m.adding = true
		m.statusText = "Scanning for devices..."
		return m, addDeviceCmd(m.ctx, m.deps, m.now())

	case KeyDelete:
		if m.selected < len(m.devices) {
			m.confirmDelete = true
		}
	}
	return m, nil
}

func (m Model) handleDeviceKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	v := m.view
	switch msg.String() {
	case KeyEsc:
		if v.details {
			v.toggleDetails()
			return m, nil
		}
		return m.closeDevice()

	case KeyReconnect:
		v.mgr.Reconnect()
		return m, nil

	case KeyClear:
		v.mgr.Clear()
		return m, nil

	case KeyDetails:
		v.toggleDetails()
		return m, nil

	case KeyInitRelay:
		return m, v.initRelay()

	case KeyLive:
		v.live = true
		return m, nil

	case KeyUp, KeyPgUp:
		step := 1
		if msg.String() == KeyPgUp {
			step = m.transcriptHeight() - 1
		}
		if v.live {
			v.scroll = m.maxTranscriptScroll()
			v.live = false
		}
		v.scroll = max(0, v.scroll-step)
		return m, nil

	case KeyDown, KeyPgDown:
		step := 1
		if msg.String() == KeyPgDown {
			step = m.transcriptHeight() - 1
		}
		if !v.live {
			v.scroll += step
			if v.scroll >= m.maxTranscriptScroll() {
				v.live = true
			}
		}
		return m, nil

	case KeyTab:
		if v.details {
			v.nextField()
		}
		return m, nil

	case KeyEnter:
		if v.details {
			ed := v.focusedEditor()
			return m, saveDetailCmd(m.ctx, m.deps.Store, v.device.ID, v.field, ed.Value())
		}
		text := v.input.Value()
		if text == "" {
			return m, nil
		}
		v.input.Reset()
		v.live = true
		return m, v.sendCmd(text)
	}

	ed := v.focusedEditor()
	var cmd tea.Cmd
	*ed, cmd = ed.Update(msg)
	return m, cmd
}

func (m Model) transcriptWidth() int {
	if m.width == 0 {
		return 80
	}
	return m.width
}

// transcriptHeight is the console panel height including its title.
func (m Model) transcriptHeight() int {
	if m.height == 0 {
		return 20
	}
	// Reserve: header(1) + divider(1) + divider(1) + error(1) + input(1) + footer(1)
	reserved := 6
	if m.view != nil && m.view.details {
		reserved += 6
	}
	return max(5, m.height-reserved)
}

func (m Model) maxTranscriptScroll() int {
	if m.view == nil {
		return 0
	}
	total := len(m.view.displayLines(max(10, m.transcriptWidth()-2)))
	visible := m.transcriptHeight() - 1
	if total <= visible {
		return 0
	}
	return total - visible
}

// View renders the full TUI.
func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sections []string
	if m.screen == ScreenDevice && m.view != nil {
		sections = m.renderDevice()
	} else {
		sections = m.renderList()
	}

	if m.picker != nil {
		sections = append(sections, m.renderPicker()...)
	}
	if m.errorMessage != "" {
		sections = append(sections, m.renderErrorBar())
	}
	return strings.Join(sections, "\n")
}

func (m Model) renderDevice() []string {
	v := m.view
	sections := []string{v.renderHeader(), ui.Divider(m.width)}
	if v.details {
		sections = append(sections, v.renderDetails(m.width)...)
	}
	sections = append(sections, v.renderTranscript(m.transcriptWidth(), m.transcriptHeight())...)
	sections = append(sections, ui.Divider(m.width))
	if bar := v.renderErrorBar(); bar != "" {
		sections = append(sections, bar)
	}
	sections = append(sections, v.renderInput(m.width), v.renderFooter())
	return sections
}

func (m Model) renderList() []string {
	header := ui.TitleStyle.Render("MICROCHAT") + ui.DimStyle.Render(" Espruino devices") +
		"  " + ui.StatusStyle.Render(m.relayStatus)

	lines := []string{header, ui.Divider(m.width)}
	lines = append(lines, ui.PanelTitleActiveStyle.Render(fmt.Sprintf("DEVICES (%d)", len(m.devices))))

	if len(m.devices) == 0 {
		lines = append(lines, "", ui.DimStyle.Render("  No devices yet. Press a to add one."))
	}
	now := m.now()
	for i, d := range m.devices {
		name := d.Name
		if d.Nickname != "" {
			name = ui.NicknameStyle.Render(d.Nickname) + " " + ui.DimStyle.Render(d.Name)
		}
		added := ui.DimStyle.Render("added " + humanize.RelTime(d.CreatedAt, now, "ago", "from now"))
		line := "  " + name
		if i == m.selected {
			line = ui.SelectedStyle.Render("> ") + name
		}
		lines = append(lines, truncateToWidth(padRight(line, max(20, m.width/2))+added, m.width))
	}

	lines = append(lines, "", ui.Divider(m.width))
	if m.confirmDelete && m.selected < len(m.devices) {
		lines = append(lines, ui.ErrorTextStyle.Render(fmt.Sprintf("Remove %s? ", m.devices[m.selected].DisplayName()))+
			ui.FooterKeyStyle.Render("y")+ui.FooterDescStyle.Render("/")+ui.FooterKeyStyle.Render("n"))
	} else {
		lines = append(lines, ui.StatusStyle.Render(m.statusText))
	}
	lines = append(lines, m.renderListFooter())
	return lines
}

func (m Model) renderListFooter() string {
	parts := []string{
		ui.FooterKeyStyle.Render("a") + ui.FooterDescStyle.Render(" Add"),
		ui.FooterKeyStyle.Render("enter") + ui.FooterDescStyle.Render(" Open"),
		ui.FooterKeyStyle.Render("x") + ui.FooterDescStyle.Render(" Remove"),
		ui.FooterKeyStyle.Render("j/k") + ui.FooterDescStyle.Render(" Nav"),
		ui.FooterKeyStyle.Render("q") + ui.FooterDescStyle.Render(" Quit"),
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderPicker() []string {
	lines := []string{ui.Divider(m.width), ui.PanelTitleActiveStyle.Render("CHOOSE A DEVICE")}
	for i, h := range m.picker.candidates() {
		label := fmt.Sprintf("%s  %s", h.Name, ui.DimStyle.Render(h.ID))
		if i == m.picker.selected {
			lines = append(lines, ui.SelectedStyle.Render("> ")+label)
		} else {
			lines = append(lines, "  "+label)
		}
	}
	lines = append(lines,
		ui.FooterKeyStyle.Render("enter")+ui.FooterDescStyle.Render(" Pair")+"  "+
			ui.FooterKeyStyle.Render("esc")+ui.FooterDescStyle.Render(" Cancel"))
	return lines
}

func (m Model) renderErrorBar() string {
	return ui.ErrorStyle.Render("Error: ") + ui.ErrorTextStyle.Render(m.errorMessage)
}

// Helpers

func padRight(s string, width int) string {
	// Get visible length (ignoring ANSI codes)
	visible := lipgloss.Width(s)
	if visible >= width {
		return s
	}
	return s + strings.Repeat(" ", width-visible)
}

func truncateToWidth(s string, width int) string {
	visible := lipgloss.Width(s)
	if visible <= width {
		return s
	}
	// Simple truncation for non-styled strings
	runes := []rune(s)
	if len(runes) > width-1 {
		return string(runes[:width-1]) + "…"
	}
	return s
}
