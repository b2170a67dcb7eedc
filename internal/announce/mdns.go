// Package announce advertises the server over mDNS/DNS-SD so media
// clients on the local network can discover it without configuration.
package announce

import (
	"context"
	"log/slog"

	"github.com/brutella/dnssd"
)

const serviceType = "_http._tcp"

// Announcer advertises one HTTP service instance.
type Announcer struct {
	responder dnssd.Responder
	logger    *slog.Logger
}

// New registers the service with a DNS-SD responder. Advertisement is
// best-effort; callers log the error and carry on without it.
func New(name string, port int, logger *slog.Logger) (*Announcer, error) {
	if logger == nil {
		logger = slog.Default()
	}

	sv, err := dnssd.NewService(dnssd.Config{
		Name: name,
		Type: serviceType,
		Port: port,
	})
	if err != nil {
		return nil, err
	}

	rp, err := dnssd.NewResponder()
	if err != nil {
		return nil, err
	}
	if _, err := rp.Add(sv); err != nil {
		return nil, err
	}

	return &Announcer{responder: rp, logger: logger}, nil
}

// Run responds to discovery queries until ctx is cancelled. Intended to
// run on its own goroutine.
func (a *Announcer) Run(ctx context.Context) {
	a.logger.Info("mdns advertisement started", slog.String("type", serviceType))
	if err := a.responder.Respond(ctx); err != nil && ctx.Err() == nil {
		a.logger.Warn("mdns responder stopped", slog.Any("error", err))
	}
}
