package lifecycle

import (
	"context"
	"sync"

	"github.com/harunnryd/parla/pkg/session"
	"github.com/harunnryd/parla/pkg/transports"
	"github.com/harunnryd/parla/pkg/transports/datachannel"
)

// RelayLink connects through a reconnecting relay transport. The same
// transport is reused for every Connect; opening it again after the
// reconnect policy gave up starts a fresh round of attempts.
type RelayLink struct {
	Transport transports.Transport
}

func (l RelayLink) Connect(ctx context.Context, _ session.Config) (transports.Transport, error) {
	if err := l.Transport.Open(ctx); err != nil {
		return nil, err
	}
	return l.Transport, nil
}

func (RelayLink) NeedsConfig() bool { return false }

func (l RelayLink) Disconnect() {
	_ = l.Transport.Close(transports.CloseNormal, "session ended")
}

// Negotiator is the provider session negotiator.
type Negotiator interface {
	Connect(ctx context.Context, instructions string) (*datachannel.Transport, error)
	Disconnect()
}

// ProviderLink connects straight to the voice provider over WebRTC. The
// session instructions are minted into the ephemeral credential.
type ProviderLink struct {
	Negotiator Negotiator

	mu   sync.Mutex
	last *datachannel.Transport
}

func NewProviderLink(n Negotiator) *ProviderLink {
	return &ProviderLink{Negotiator: n}
}

func (l *ProviderLink) Connect(ctx context.Context, cfg session.Config) (transports.Transport, error) {
	l.mu.Lock()
	last := l.last
	l.mu.Unlock()
	// A ready negotiator hands back its existing channel; a dead one has to
	// be released before negotiating again.
	if last != nil && last.State() == transports.StateDisconnected {
		l.Negotiator.Disconnect()
	}
	tr, err := l.Negotiator.Connect(ctx, cfg.Instructions())
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.last = tr
	l.mu.Unlock()
	return tr, nil
}

func (*ProviderLink) NeedsConfig() bool { return true }

func (l *ProviderLink) Disconnect() {
	l.Negotiator.Disconnect()
	l.mu.Lock()
	l.last = nil
	l.mu.Unlock()
}
