// Package notify mails the report of a run's dispatched updates.
package notify

import (
	"github.com/nicholas-fedor/shoutrrr"
)

// Sender abstracts message dispatch so the notifier can be tested
// without hitting a mail server.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}
