// Package notify delivers incident store notices to downstream senders.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/timeplus-io/tp-threat-sentinel/pkg/models"
)

// Sender delivers one notice
type Sender interface {
	Name() string
	Send(ctx context.Context, notice models.IncidentNotice) error
}

// Source is the incident store subscription surface
type Source interface {
	Subscribe(name string, buffer int) (<-chan models.IncidentNotice, func())
}

type route struct {
	sender      Sender
	minSeverity models.Severity
}

// Dispatcher reads notices from one subscription and fans them out to senders
type Dispatcher struct {
	notices     <-chan models.IncidentNotice
	unsubscribe func()
	closeOnce   sync.Once
	sendTimeout time.Duration

	mu     sync.RWMutex
	routes []route
}

// NewDispatcher subscribes to source with the given buffer. Notices published from
// here on are queued until Run consumes them.
func NewDispatcher(source Source, buffer int) *Dispatcher {
	notices, unsubscribe := source.Subscribe("dispatcher", buffer)
	return &Dispatcher{
		notices:     notices,
		unsubscribe: unsubscribe,
		sendTimeout: 10 * time.Second,
	}
}

// Register adds a sender receiving notices about incidents of at least minSeverity.
// An empty minSeverity receives everything. Cleared notices carry no incident and
// reach every sender.
func (d *Dispatcher) Register(sender Sender, minSeverity models.Severity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.routes = append(d.routes, route{sender: sender, minSeverity: minSeverity})
	logrus.Infof("Registered notification sender %s (min severity %q)", sender.Name(), minSeverity)
}

// Run dispatches notices until ctx is done or the subscription is closed
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case notice, ok := <-d.notices:
			if !ok {
				return
			}
			d.Dispatch(ctx, notice)
		}
	}
}

// Close drops the subscription. It is safe to call more than once.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(d.unsubscribe)
}

// Dispatch delivers one notice to every matching sender. Sender failures are logged.
func (d *Dispatcher) Dispatch(ctx context.Context, notice models.IncidentNotice) {
	d.mu.RLock()
	routes := make([]route, len(d.routes))
	copy(routes, d.routes)
	d.mu.RUnlock()

	for _, r := range routes {
		if !r.accepts(notice) {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		err := r.sender.Send(sendCtx, notice)
		cancel()
		if err != nil {
			logrus.Errorf("Failed to send %s for incident %s via %s: %v",
				notice.Kind, notice.Incident.ID, r.sender.Name(), err)
		}
	}
}

func (r route) accepts(notice models.IncidentNotice) bool {
	if notice.Kind == models.NoticeCleared || r.minSeverity == "" {
		return true
	}
	return notice.Incident.Severity.AtLeast(r.minSeverity)
}
