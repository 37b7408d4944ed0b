package main

import (
	"fmt"
	"log"
	"time"

	"fyne.io/systray"

	"github.com/nedpals/hce-agent/buildinfo"
)

// SystrayApp manages the system tray interface for the agent: a status
// line, pause/resume of emulation, and quit.
type SystrayApp struct {
	agent *Agent

	mStatus *systray.MenuItem
	mPause  *systray.MenuItem
	mResume *systray.MenuItem
	mQuit   *systray.MenuItem
}

// runSystray runs the tray main loop. Blocks until quit.
func runSystray(agent *Agent) {
	app := &SystrayApp{agent: agent}
	systray.Run(app.onReady, app.onExit)
}

func (app *SystrayApp) onReady() {
	systray.SetTitle(buildinfo.DisplayName)
	systray.SetTooltip(fmt.Sprintf("%s %s", buildinfo.DisplayName, buildinfo.FullVersion()))

	app.mStatus = systray.AddMenuItem("Status: starting...", "Current emulation status")
	app.mStatus.Disable()
	systray.AddSeparator()
	app.mPause = systray.AddMenuItem("Pause emulation", "Disarm emulation but keep the selected card")
	app.mResume = systray.AddMenuItem("Resume emulation", "Re-arm emulation for the selected card")
	systray.AddSeparator()
	app.mQuit = systray.AddMenuItem("Quit", "Stop the agent")

	app.refresh()
	go app.loop()
}

func (app *SystrayApp) onExit() {
	app.agent.Stop()
}

// loop handles menu clicks and refreshes the status line.
func (app *SystrayApp) loop() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-app.mPause.ClickedCh:
			if err := app.agent.Selection.Disarm(); err != nil {
				log.Printf("pause failed: %v", err)
			}
			app.refresh()
		case <-app.mResume.ClickedCh:
			if err := app.agent.Selection.Rearm(); err != nil {
				log.Printf("resume failed: %v", err)
			}
			app.refresh()
		case <-ticker.C:
			app.refresh()
		case <-app.mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

// refresh updates the status line and enables the applicable actions.
func (app *SystrayApp) refresh() {
	id, selected := app.agent.Selection.SelectedCardID()
	active := app.agent.Selection.IsActive()

	switch {
	case !selected:
		app.mStatus.SetTitle("Status: no card selected")
		app.mPause.Disable()
		app.mResume.Disable()
	case active:
		app.mStatus.SetTitle(fmt.Sprintf("Status: emulating card %d", id))
		app.mPause.Enable()
		app.mResume.Disable()
	default:
		app.mStatus.SetTitle(fmt.Sprintf("Status: card %d selected, paused", id))
		app.mPause.Disable()
		app.mResume.Enable()
	}
}
