// Package control is the agent's command surface: chi HTTP handlers, the
// command dispatcher, and the WebSocket hub. Commands arrive over HTTP or
// WebSocket and converge on the same dispatcher.
package control

import (
	"log/slog"

	"cam-agent/internal/session"
)

// Actions accepted over POST /api/command and the WebSocket channel.
const (
	ActionStreamStart  = "stream_start"
	ActionStreamStop   = "stream_stop"
	ActionStreamToggle = "stream_toggle"
	ActionCapture      = "capture"
	ActionRecordStart  = "record_start"
	ActionRecordStop   = "record_stop"
	ActionDelete       = "delete"
	ActionSetting      = "setting"
)

// Command is one control instruction. Name is the artifact for delete; Param
// and Value carry a camera setting.
type Command struct {
	Action string `json:"action"`
	Name   string `json:"name,omitempty"`
	Param  string `json:"param,omitempty"`
	Value  int    `json:"value,omitempty"`
}

// Dispatcher routes commands to the session manager. Commands are
// fire-and-forget: failures are logged and reported over the event channel,
// never returned, so one bad command cannot wedge the channel that carried
// it.
type Dispatcher struct {
	mgr *session.Manager
	log *slog.Logger
}

func NewDispatcher(mgr *session.Manager, log *slog.Logger) *Dispatcher {
	return &Dispatcher{mgr: mgr, log: log}
}

// Dispatch executes one command. Unknown actions are ignored.
func (d *Dispatcher) Dispatch(cmd Command) {
	d.log.Debug("command received", slog.String("action", cmd.Action))

	var err error
	switch cmd.Action {
	case ActionStreamStart:
		d.mgr.StartStream()
	case ActionStreamStop:
		d.mgr.StopStream()
	case ActionStreamToggle:
		d.mgr.ToggleStream()
	case ActionCapture:
		err = d.mgr.Capture()
	case ActionRecordStart:
		err = d.mgr.StartRecording()
	case ActionRecordStop:
		err = d.mgr.StopRecording()
	case ActionDelete:
		err = d.mgr.Delete(cmd.Name)
	case ActionSetting:
		err = d.mgr.ApplySetting(cmd.Param, cmd.Value)
	default:
		d.log.Debug("unknown command ignored", slog.String("action", cmd.Action))
		return
	}

	if err != nil {
		d.log.Warn("command failed",
			slog.String("action", cmd.Action),
			slog.String("error", err.Error()))
	}
}
