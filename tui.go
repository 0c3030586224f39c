package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"earshot/analyzer"
	"earshot/apperr"
	"earshot/settings"
)

type levelMsg struct{ reading analyzer.Reading }
type errorMsg struct{ err error }
type deviceMsg struct{ name string }
type settingsMsg struct{ audio settings.AudioSettings }
type tickMsg time.Time

type meterModel struct {
	settings *settings.Settings
	watch    *voiceWatch

	frame         int
	width, height int
	started       time.Time
	elapsed       time.Duration

	level     float64 // smoothed, 0–100
	peak      float64
	tickPeak  float64 // highest level since the last voice tick
	waveform  []float64
	device    string
	audio     settings.AudioSettings
	noVoice   bool
	closed    bool // stopped by the silence watch
	lastError string
}

var (
	pixelColorsLive  = []string{"", "226", "220", "214", "208", "196", "160", "124", "88", "52", "236", "236", "236", "236", "255", "249"}
	pixelColorsIdle  = []string{"", "231", "224", "217", "210", "160", "124", "88", "52", "236", "236", "236", "236", "236", "255", "249"}
	pixelStylesLive  [16]lipgloss.Style
	pixelStylesIdle  [16]lipgloss.Style
	pixelBgLive      [16][16]lipgloss.Style
	pixelBgIdle      [16][16]lipgloss.Style
)

func init() {
	for i, c := range pixelColorsLive {
		if c != "" {
			pixelStylesLive[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
		}
	}
	for i, c := range pixelColorsIdle {
		if c != "" {
			pixelStylesIdle[i] = lipgloss.NewStyle().Foreground(lipgloss.Color(c))
		}
	}
	for i, fg := range pixelColorsLive {
		for j, bg := range pixelColorsLive {
			if fg != "" && bg != "" {
				pixelBgLive[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg)).Background(lipgloss.Color(bg))
			}
		}
	}
	for i, fg := range pixelColorsIdle {
		for j, bg := range pixelColorsIdle {
			if fg != "" && bg != "" {
				pixelBgIdle[i][j] = lipgloss.NewStyle().Foreground(lipgloss.Color(fg)).Background(lipgloss.Color(bg))
			}
		}
	}
}


func newMeterModel(s *settings.Settings, a settings.AudioSettings, autoClose bool) meterModel {
	return meterModel{
		settings: s,
		watch:    newVoiceWatch(autoClose),
		audio:    a,
		started:  time.Now(),
	}
}

func meterTick() tea.Cmd {
	return tea.Tick(voiceTick, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m meterModel) Init() tea.Cmd {
	return meterTick()
}

// adjust changes a saved setting. The recorder picks it up through its
// settings subscription.
func (m meterModel) adjust(fn func(*settings.AudioSettings)) tea.Cmd {
	return func() tea.Msg {
		a, err := m.settings.UpdateAudio(fn)
		if err != nil {
			return errorMsg{err}
		}
		return settingsMsg{a}
	}
}

func (m meterModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "a":
			return m, m.adjust(func(a *settings.AudioSettings) { a.AutoSensitivity = !a.AutoSensitivity })
		case "+", "=":
			return m, m.adjust(func(a *settings.AudioSettings) { a.InputVolumePct += 10 })
		case "-":
			return m, m.adjust(func(a *settings.AudioSettings) { a.InputVolumePct -= 10 })
		case "]":
			return m, m.adjust(func(a *settings.AudioSettings) { a.ManualSensitivityPct += 5 })
		case "[":
			return m, m.adjust(func(a *settings.AudioSettings) { a.ManualSensitivityPct -= 5 })
		}

	case tickMsg:
		m.frame++
		m.elapsed = time.Since(m.started)
		switch m.watch.Tick(m.tickPeak > 0) {
		case voiceMissing, voiceReminder:
			m.noVoice = true
		case voiceBack:
			m.noVoice = false
		case voiceGone:
			m.closed = true
			return m, tea.Quit
		}
		m.tickPeak = 0
		return m, meterTick()

	case levelMsg:
		lvl := msg.reading.Level
		m.level = m.level*0.6 + lvl*0.4
		m.peak = max(m.peak, lvl)
		m.tickPeak = max(m.tickPeak, lvl)
		m.waveform = msg.reading.Waveform

	case errorMsg:
		m.lastError = msg.err.Error()
		if action := apperr.Classify("", msg.err).Action; action != "" {
			m.lastError += " -> " + action
		}

	case deviceMsg:
		m.device = msg.name
		m.lastError = ""

	case settingsMsg:
		m.audio = msg.audio
	}
	return m, nil
}

var sparks = []rune("▁▂▃▄▅▆▇█")

func sparkline(points []float64) string {
	var b strings.Builder
	for _, p := range points {
		i := int(math.Abs(p) * float64(len(sparks)-1))
		b.WriteRune(sparks[min(i, len(sparks)-1)])
	}
	return b.String()
}

func (m meterModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	out := renderEye(m.frame, m.level/100, !m.noVoice)
	var lines []string

	status := lipgloss.NewStyle().
		Foreground(lipgloss.Color("196")).
		Bold(true).
		Render(fmt.Sprintf("● LIVE %.1fs", m.elapsed.Seconds()))
	lines = append(lines, status)
	if m.noVoice {
		lines = append(lines, lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Render("  ⚠ no voice detected"))
	}

	barStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	lines = append(lines,
		fmt.Sprintf("level %3.0f %s", m.level, barStyle.Render(levelBar(m.level, 30))),
		fmt.Sprintf("peak  %3.0f", m.peak),
		barStyle.Render(sparkline(m.waveform)),
		"",
	)

	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	sens := fmt.Sprintf("manual %d%%", m.audio.ManualSensitivityPct)
	if m.audio.AutoSensitivity {
		sens = "auto"
	}
	lines = append(lines,
		dim.Render("mic: "+m.device),
		dim.Render(fmt.Sprintf("volume %d%% | sensitivity %s", m.audio.InputVolumePct, sens)),
	)
	if m.lastError != "" {
		lines = append(lines, lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render(m.lastError))
	}

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	lines = append(lines, "", help.Render("+/- volume  [/] sensitivity  a auto  q quit"), help.Render("earshot "+version))

	return out + strings.Join(lines, "\n")
}

// runMeter shows the full-screen level meter until the user quits or ctx
// ends.
func runMeter(ctx context.Context, a *app, deviceID string, autoClose bool) int {
	audioSettings, _ := a.settings.Audio()
	p := tea.NewProgram(newMeterModel(a.settings, audioSettings, autoClose), tea.WithAltScreen())

	h, err := a.recorder.Start(ctx, deviceID,
		func(r analyzer.Reading) { p.Send(levelMsg{r}) },
		func(err error) { p.Send(errorMsg{err}) },
	)
	if err != nil {
		return report(os.Stdout, err)
	}
	defer h.Stop()

	go func() {
		p.Send(deviceMsg{h.Device()})
		// the device can change under us after a hot-swap
		last := h.Device()
		t := time.NewTicker(500 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				p.Quit()
				return
			case <-t.C:
				if d := h.Device(); d != last {
					last = d
					p.Send(deviceMsg{d})
				}
			}
		}
	}()

	final, err := p.Run()
	if err != nil {
		return report(os.Stdout, err)
	}
	if m, ok := final.(meterModel); ok && m.closed {
		fmt.Println("Stopped after 30s without voice.")
	}
	return 0
}

// renderEye draws the meter's eye; level is 0–1 and swells the red rings.
func renderEye(frame int, level float64, listening bool) string {
	const charsW = 44
	const charsH = 15
	const pixW = charsW
	const pixH = charsH * 2

	centerX := float64(pixW) / 2
	centerY := float64(pixH) / 2

	var breathe float64
	if listening {
		breathe = math.Sin(float64(frame)*0.10)*0.03 + level*0.6 - 0.05
	} else {
		breathe = math.Sin(float64(frame)*0.08)*0.02 - 0.05
	}

	pixels := make([][]int, pixH)
	for i := range pixels {
		pixels[i] = make([]int, pixW)
	}

	type ring struct {
		radius     float64
		breatheAmt float64
		colorIdx   int
	}

	rings := []ring{
		{0.6, 0.10, 1},
		{1.3, 0.12, 2},
		{2.0, 0.15, 3},
		{2.8, 0.35, 4}, 
		{3.5, 0.40, 5},
		{4.2, 0.38, 6},
		{5.0, 0.30, 7},
		{5.8, 0.15, 8},
		{6.5, 0.03, 9},
		{7.2, 0.0, 10},
		{8.0, 0.0, 11},
		{10.0, 0.0, 12},
		{12.0, 0.0, 13},
	}

	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			dx := float64(x) - centerX
			dy := float64(y) - centerY
			dist := math.Sqrt(dx*dx + dy*dy)
			for _, r := range rings {
				radius := r.radius + breathe*r.breatheAmt*20
				if radius > 10.0 {
					radius = 10.0
				}
				if dist < radius {
					pixels[y][x] = r.colorIdx
					break
				}
			}
		}
	}

	type spot struct {
		ox, oy float64
		radius float64
		color  int
	}
	dSide := 9.0
	dSide2 := 7.2
	dTop := 10.0
	dTop2 := 8.2
	spots := []spot{
		{-dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{-dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
		{0, -dTop, 0.8, 14},
		{0, -dTop2, 0.6, 15},
		{dSide * 0.707, -dSide * 0.707, 0.7, 14},
		{dSide2 * 0.707, -dSide2 * 0.707, 0.4, 15},
		{0, -2.0, 0.6, 14},
	}
	for y := 0; y < pixH; y++ {
		for x := 0; x < pixW; x++ {
			px := float64(x) - centerX
			py := float64(y) - centerY
			for _, s := range spots {
				dx := px - s.ox
				dy := py - s.oy
				rLen := math.Sqrt(s.ox*s.ox + s.oy*s.oy)
				if rLen < 0.001 {
					rLen = 1
				}
				tx, ty := -s.oy/rLen, s.ox/rLen
				dt := dx*tx + dy*ty
				dn := dx*(-ty) + dy*tx
				if (dt*dt)/9.0+dn*dn < s.radius*s.radius {
					pixels[y][x] = s.color
				}
			}
		}
	}

	var styles *[16]lipgloss.Style
	var bgStyles *[16][16]lipgloss.Style
	if listening {
		styles = &pixelStylesLive
		bgStyles = &pixelBgLive
	} else {
		styles = &pixelStylesIdle
		bgStyles = &pixelBgIdle
	}

	var result strings.Builder
	for cy := 0; cy < charsH; cy++ {
		for cx := 0; cx < charsW; cx++ {
			topY := cy * 2
			botY := cy*2 + 1
			top := 0
			bot := 0
			if topY < pixH {
				top = pixels[topY][cx]
			}
			if botY < pixH {
				bot = pixels[botY][cx]
			}
			if top == 0 && bot == 0 {
				result.WriteString(" ")
			} else if top == bot {
				result.WriteString(styles[top].Render("█"))
			} else if top != 0 && bot == 0 {
				result.WriteString(styles[top].Render("▀"))
			} else if top == 0 && bot != 0 {
				result.WriteString(styles[bot].Render("▄"))
			} else {
				result.WriteString(bgStyles[top][bot].Render("▀"))
			}
		}
		result.WriteString("\n")
	}
	return result.String()
}
