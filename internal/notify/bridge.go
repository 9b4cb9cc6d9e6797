// Package notify declares the bridge to the host environment's notification
// facility. The host owns permission prompts and OS-level APIs; the chat
// core only asks for a notification and never checks permission state.
package notify

import (
	"log"

	"github.com/fatih/color"
)

// Priority selects how intrusively the host should surface a notification.
type Priority string

const (
	PriorityNormal    Priority = "normal"
	PriorityEmergency Priority = "emergency"
)

// Notifier is implemented by the host application.
type Notifier interface {
	Notify(title, body string, priority Priority)
}

// Func adapts a function to the Notifier interface.
type Func func(title, body string, priority Priority)

// Notify implements Notifier.
func (f Func) Notify(title, body string, priority Priority) {
	f(title, body, priority)
}

// Discard ignores all notifications. Useful as a default when the host has
// not wired a real notifier.
var Discard Notifier = Func(func(string, string, Priority) {})

// Terminal renders notifications to the process log, highlighting
// emergencies. It is the notifier used by the reference CLI.
type Terminal struct{}

// Notify implements Notifier.
func (Terminal) Notify(title, body string, priority Priority) {
	if priority == PriorityEmergency {
		alert := color.New(color.FgRed, color.Bold)
		log.Printf("%s %s: %s", alert.Sprint("[ALERT]"), title, body)
		return
	}
	log.Printf("%s %s: %s", color.YellowString("[notice]"), title, body)
}
