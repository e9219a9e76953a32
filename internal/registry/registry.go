// Package registry implements the Client Registry & Router: two maps,
// transport-handle->registration and client-identifier->registration,
// the "arena-and-index" pattern spec.md §9 calls for instead of
// bidirectional pointers between a connection and its registration.
// Grounded on agtmux's daemon.Server, whose mu sync.Mutex guards shared
// maps of exactly this shape, made explicit here as its own package.
package registry

import (
	"sync"
	"time"

	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/wire"
)

// Sender is the write half of one client's transport. Implementations
// must serialize their own writes; Registry never holds a lock across a
// Send call.
type Sender interface {
	Send(wire.Frame) error
}

// Registration is what the registry knows about one connected client.
type Registration struct {
	model.ClientRegistration
	sender Sender
}

// Registry holds the two index maps behind a single mutex.
type Registry struct {
	mu          sync.Mutex
	byTransport map[Sender]*Registration
	byClientID  map[string]*Registration
}

func New() *Registry {
	return &Registry{
		byTransport: make(map[Sender]*Registration),
		byClientID:  make(map[string]*Registration),
	}
}

// Register binds a transport to a client registration. If clientID is
// already bound to a different transport, the prior binding is evicted
// from both maps — the identifier is expected unique per live client, and
// the newest registration for it wins, the way a reconnect after an
// unclean disconnect would.
func (r *Registry) Register(sender Sender, clientID, sessionTag string, env model.EnvContext, cwd, hostname string, pid int) *Registration {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prior, ok := r.byClientID[clientID]; ok {
		delete(r.byTransport, prior.sender)
	}

	reg := &Registration{
		ClientRegistration: model.ClientRegistration{
			ClientID:     clientID,
			SessionTag:   sessionTag,
			Env:          env,
			CWD:          cwd,
			Hostname:     hostname,
			PID:          pid,
			RegisteredAt: time.Now().UTC(),
		},
		sender: sender,
	}
	r.byTransport[sender] = reg
	r.byClientID[clientID] = reg
	return reg
}

// Unregister removes a transport's registration from both maps. It is a
// no-op if the transport was never registered.
func (r *Registry) Unregister(sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byTransport[sender]
	if !ok {
		return
	}
	delete(r.byTransport, sender)
	if r.byClientID[reg.ClientID] == reg {
		delete(r.byClientID, reg.ClientID)
	}
}

// Lookup returns the registration for a transport, if any.
func (r *Registry) Lookup(sender Sender) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byTransport[sender]
	return reg, ok
}

// LookupClient returns the registration for a client identifier, if any.
func (r *Registry) LookupClient(clientID string) (*Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.byClientID[clientID]
	return reg, ok
}

// Route delivers a frame to the single client named by clientID. It
// reports false if no live registration matches — the caller drops the
// event, per spec.md §4.2's routing rule for unmatched request ids.
func (r *Registry) Route(clientID string, frame wire.Frame) bool {
	r.mu.Lock()
	reg, ok := r.byClientID[clientID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	_ = reg.sender.Send(frame)
	return true
}

// Broadcast delivers a frame to every registered transport. Individual
// send failures are collected but never abort the broadcast, per
// spec.md §4.4.
func (r *Registry) Broadcast(frame wire.Frame) []error {
	r.mu.Lock()
	senders := make([]Sender, 0, len(r.byTransport))
	for s := range r.byTransport {
		senders = append(senders, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range senders {
		if err := s.Send(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// Count returns the number of live registrations, used by the Heartbeat
// Probe and status reporting.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byClientID)
}

// Snapshot returns the known sessions derived from currently registered
// clients, for callers that need a point-in-time view without holding
// the registry's lock.
func (r *Registry) Snapshot() []model.ClientRegistration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ClientRegistration, 0, len(r.byClientID))
	for _, reg := range r.byClientID {
		out = append(out, reg.ClientRegistration)
	}
	return out
}
