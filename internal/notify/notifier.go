// Package notify alerts the operator when an edit that nobody is watching
// fails to apply, which happens when YOLO mode auto-accepts in the background.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/tandem/internal/arbiter"
	"github.com/gosuda/tandem/internal/domain"
)

// ErrChannelNotFound is returned when no channel is registered under a name.
var ErrChannelNotFound = errors.New("notify: channel not found") //nolint:gochecknoglobals // sentinel error

// Alert is one operator notification.
type Alert struct {
	Title  string
	Fields []Field
}

// Field is a labelled value inside an alert.
type Field struct {
	Label string
	Value string
}

// Text renders the alert as plain text.
func (a Alert) Text() string {
	out := a.Title
	for _, f := range a.Fields {
		out += "\n" + f.Label + ": " + f.Value
	}
	return out
}

// Channel delivers alerts to one destination.
type Channel interface {
	Send(ctx context.Context, alert Alert) error
}

// Notifier broadcasts alerts to every registered channel.
type Notifier struct {
	channels *Registry
}

var _ arbiter.Notifier = (*Notifier)(nil)

// New creates a Notifier over the given registry.
func New(channels *Registry) *Notifier {
	return &Notifier{channels: channels}
}

// NotifyAutoAcceptFailure alerts every channel that an auto-accepted edit
// did not apply. With no channels registered the alert is only logged.
func (n *Notifier) NotifyAutoAcceptFailure(ctx context.Context, edit domain.PendingEdit, result domain.ApplyResult) error {
	return n.Broadcast(ctx, AutoAcceptFailure(edit, result))
}

// Broadcast sends alert to every channel. It fails only if some channel failed.
func (n *Notifier) Broadcast(ctx context.Context, alert Alert) error {
	names := n.channels.Names()
	if len(names) == 0 {
		log.Warn().Str("alert", alert.Title).Msg("notify.Notifier.Broadcast: no channels registered")
		return nil
	}

	var errs []error
	for _, name := range names {
		if err := n.NotifyVia(ctx, name, alert); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("notify.Notifier.Broadcast: %w", err)
	}
	return nil
}

// NotifyVia sends alert through one named channel.
func (n *Notifier) NotifyVia(ctx context.Context, name string, alert Alert) error {
	c, ok := n.channels.Get(name)
	if !ok {
		return fmt.Errorf("notify.Notifier.NotifyVia: channel %q: %w", name, ErrChannelNotFound)
	}

	if err := c.Send(ctx, alert); err != nil {
		return fmt.Errorf("notify.Notifier.NotifyVia(%s): %w", name, err)
	}
	return nil
}

// AutoAcceptFailure builds the alert for an auto-accept that did not succeed.
func AutoAcceptFailure(edit domain.PendingEdit, result domain.ApplyResult) Alert {
	alert := Alert{
		Title: "Auto-accept failed",
		Fields: []Field{
			{Label: "Session", Value: edit.SessionID},
			{Label: "Edit", Value: edit.ID},
			{Label: "File", Value: edit.FilePath},
			{Label: "Outcome", Value: string(result.Outcome)},
		},
	}
	if result.IsConflict() {
		alert.Fields = append(alert.Fields, Field{Label: "Reason", Value: "file changed on disk since the edit was proposed"})
	}
	if result.Message != "" {
		alert.Fields = append(alert.Fields, Field{Label: "Reason", Value: result.Message})
	}
	return alert
}

// LogChannel writes alerts to the process log.
type LogChannel struct{}

func (LogChannel) Send(_ context.Context, alert Alert) error {
	ev := log.Warn()
	for _, f := range alert.Fields {
		ev = ev.Str(f.Label, f.Value)
	}
	ev.Msg("notify.LogChannel: " + alert.Title)
	return nil
}
