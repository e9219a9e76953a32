package registry_test

import (
	"errors"
	"testing"

	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/registry"
	"github.com/jelly-j/jellyj/internal/wire"
)

type fakeSender struct {
	sent []wire.Frame
	err  error
}

func (f *fakeSender) Send(frame wire.Frame) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, frame)
	return nil
}

func TestRegisterThenLookupClient(t *testing.T) {
	r := registry.New()
	s := &fakeSender{}
	reg := r.Register(s, "client-1", "work", model.EnvContext{}, "/tmp", "host", 123)
	if reg.ClientID != "client-1" {
		t.Fatalf("unexpected registration: %#v", reg)
	}

	got, ok := r.LookupClient("client-1")
	if !ok || got.ClientID != "client-1" {
		t.Fatalf("expected to find client-1, got %#v ok=%v", got, ok)
	}
}

func TestRegisterEvictsPriorTransportForSameClientID(t *testing.T) {
	r := registry.New()
	first := &fakeSender{}
	second := &fakeSender{}

	r.Register(first, "client-1", "work", model.EnvContext{}, "", "", 0)
	r.Register(second, "client-1", "work", model.EnvContext{}, "", "", 0)

	if _, ok := r.Lookup(first); ok {
		t.Fatalf("expected first transport to be evicted")
	}
	reg, ok := r.LookupClient("client-1")
	if !ok {
		t.Fatalf("expected client-1 to still be registered")
	}
	if err := r.Route("client-1", wire.Frame{Type: wire.TypePong}); !err {
		t.Fatalf("expected route to succeed")
	}
	if len(second.sent) != 1 {
		t.Fatalf("expected the second transport to receive the routed frame, got %#v / %#v", reg, second.sent)
	}
}

func TestUnregisterRemovesBothMaps(t *testing.T) {
	r := registry.New()
	s := &fakeSender{}
	r.Register(s, "client-1", "work", model.EnvContext{}, "", "", 0)

	r.Unregister(s)

	if _, ok := r.Lookup(s); ok {
		t.Fatalf("expected transport to be removed")
	}
	if _, ok := r.LookupClient("client-1"); ok {
		t.Fatalf("expected client id to be removed")
	}
}

func TestRouteDropsUnmatchedClientID(t *testing.T) {
	r := registry.New()
	if r.Route("no-such-client", wire.Frame{Type: wire.TypePong}) {
		t.Fatalf("expected route to an unregistered client to report false")
	}
}

func TestBroadcastCollectsSendErrorsButDeliversToAll(t *testing.T) {
	r := registry.New()
	failing := &fakeSender{err: errors.New("broken pipe")}
	ok := &fakeSender{}
	r.Register(failing, "client-1", "", model.EnvContext{}, "", "", 0)
	r.Register(ok, "client-2", "", model.EnvContext{}, "", "", 0)

	errs := r.Broadcast(wire.Frame{Type: wire.TypeModelUpdated})
	if len(errs) != 1 {
		t.Fatalf("expected exactly one broadcast error, got %d", len(errs))
	}
	if len(ok.sent) != 1 {
		t.Fatalf("expected the healthy transport to still receive the broadcast")
	}
}

func TestCountReflectsLiveRegistrations(t *testing.T) {
	r := registry.New()
	if r.Count() != 0 {
		t.Fatalf("expected empty registry to count 0")
	}
	r.Register(&fakeSender{}, "client-1", "", model.EnvContext{}, "", "", 0)
	r.Register(&fakeSender{}, "client-2", "", model.EnvContext{}, "", "", 0)
	if r.Count() != 2 {
		t.Fatalf("expected count 2, got %d", r.Count())
	}
}
