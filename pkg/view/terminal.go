// Package view renders kazoeru's live terminal dashboard.
package view

import (
	"context"
	"fmt"
	"sync"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
)

// Dashboard shows the most requested routes, request rates and alerts.
// termui is not safe for concurrent use, so every update goes through mux.
type Dashboard struct {
	mux     sync.Mutex
	topN    *widgets.List
	reqCnts *widgets.List
	alerts  *widgets.List
}

// Init takes over the terminal and lays out the dashboard for n routes.
func Init(n int) (*Dashboard, error) {
	if err := ui.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize termui: %w", err)
	}
	maxX, maxY := ui.TerminalDimensions()

	// TopN URL list
	topN := widgets.NewList()
	topN.Title = fmt.Sprintf("Top %d Requested Routes", n)
	topN.Rows = []string{}
	topQuarter := maxX / 3
	topSplit := topQuarter * 2
	topN.TextStyle = ui.NewStyle(ui.ColorYellow)
	topN.WrapText = false
	topN.SetRect(0, 0, topSplit, n+2)

	// Req Avgs
	reqCnts := widgets.NewList()
	reqCnts.Title = "HTTP Request Interval Counts"
	reqCnts.Rows = []string{}
	reqCnts.TextStyle = ui.NewStyle(ui.ColorBlue)
	reqCnts.SetRect(topSplit+1, 0, maxX, n+2)

	// Alert List
	alerts := widgets.NewList()
	alerts.Title = "HTTP Req Rate Alerts"
	alerts.Rows = []string{}
	alerts.TextStyle = ui.NewStyle(ui.ColorRed)
	alerts.WrapText = true
	alerts.SetRect(0, n+3, maxX, maxY)

	d := &Dashboard{topN: topN, reqCnts: reqCnts, alerts: alerts}
	d.render()
	return d, nil
}

// SetTopN replaces the route rows.
func (d *Dashboard) SetTopN(rows []string) {
	d.mux.Lock()
	d.topN.Rows = rows
	d.mux.Unlock()
	d.render()
}

// SetCounts replaces the request rate rows.
func (d *Dashboard) SetCounts(rows []string) {
	d.mux.Lock()
	d.reqCnts.Rows = rows
	d.mux.Unlock()
	d.render()
}

// AddAlert appends an alert row and scrolls to it.
func (d *Dashboard) AddAlert(row string) {
	d.mux.Lock()
	d.alerts.Rows = append(d.alerts.Rows, row)
	d.alerts.ScrollBottom()
	d.mux.Unlock()
	d.render()
}

func (d *Dashboard) render() {
	d.mux.Lock()
	defer d.mux.Unlock()
	ui.Render(d.topN, d.reqCnts, d.alerts)
}

// Run handles keyboard input until ctx is done or the user quits with
// q or Ctrl-C, in which case can is called. The terminal is restored on
// return.
func (d *Dashboard) Run(ctx context.Context, can context.CancelFunc) {
	defer ui.Close()
	// Alert list scrolling hooks
	previousKey := ""
	uiEvents := ui.PollEvents()
	for {
		var e ui.Event
		select {
		case <-ctx.Done():
			return
		case e = <-uiEvents:
		}

		d.mux.Lock()
		alerts := d.alerts
		alertsScrollable := len(alerts.Rows) > 0
		switch e.ID {
		case "q", "<C-c>":
			d.mux.Unlock()
			can()
			return
		case "j", "<Down>":
			if alertsScrollable {
				alerts.ScrollDown()
			}
		case "k", "<Up>":
			if alertsScrollable {
				alerts.ScrollUp()
			}
		case "<C-d>":
			if alertsScrollable {
				alerts.ScrollHalfPageDown()
			}
		case "<C-u>":
			if alertsScrollable {
				alerts.ScrollHalfPageUp()
			}
		case "<C-f>":
			if alertsScrollable {
				alerts.ScrollPageDown()
			}
		case "<C-b>":
			if alertsScrollable {
				alerts.ScrollPageUp()
			}
		case "g":
			if previousKey == "g" && alertsScrollable {
				alerts.ScrollTop()
			}
		case "<Home>":
			if alertsScrollable {
				alerts.ScrollTop()
			}
		case "G", "<End>":
			if alertsScrollable {
				alerts.ScrollBottom()
			}
		case "<Resize>":
			payload := e.Payload.(ui.Resize)
			alerts.SetRect(0, alerts.Min.Y, payload.Width, payload.Height)
			ui.Clear()
		}
		d.mux.Unlock()

		if previousKey == "g" {
			previousKey = ""
		} else {
			previousKey = e.ID
		}
		d.render()
	}
}
