// Package daemonclient is the one client-side implementation of
// spec.md §4.2's wire protocol, shared by the Startup Supervisor's probe
// and the UI Client Session so neither re-implements socket dialing or
// frame routing. Grounded on agtmux's internal/appclient.Client for the
// unix-domain-socket dial pattern (New wraps net.Dialer.DialContext for
// "unix"), and on wingedpig-trellis-manager.go's Session.Subscribe/
// fanOut for distributing every frame the daemon sends to however many
// listeners (transcript renderer, a one-shot Ping waiter, ...) care
// about it.
package daemonclient

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/wire"
)

// subscriberBuffer mirrors wingedpig-trellis's buffered StreamEvent
// channel: large enough that a burst of chat_delta frames never blocks
// the read loop, small enough that a wedged subscriber is still bounded.
const subscriberBuffer = 64

// Client is one live connection to the daemon's Unix domain socket. All
// writes are serialized; all reads happen on a single background
// goroutine that fans every frame out to current subscribers.
type Client struct {
	conn net.Conn

	writeMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[chan wire.Frame]struct{}

	closeOnce sync.Once
	done      chan struct{}
	readErr   error
	readErrMu sync.Mutex
}

// Dial opens a Unix domain socket connection to socketPath and starts
// the background read loop. It does not register a client; call
// Register for that.
func Dial(ctx context.Context, socketPath string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemonclient: dial %s: %w", socketPath, err)
	}
	c := &Client{
		conn:        conn,
		subscribers: make(map[chan wire.Frame]struct{}),
		done:        make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	scanner := wire.NewScanner(c.conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := wire.ParseLine(line)
		if err != nil {
			continue
		}
		c.fanOut(frame)
	}
	if err := scanner.Err(); err != nil {
		c.readErrMu.Lock()
		c.readErr = err
		c.readErrMu.Unlock()
	}
}

func (c *Client) fanOut(frame wire.Frame) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subscribers {
		select {
		case ch <- frame:
		default:
			// Slow subscriber; drop rather than stall every other
			// subscriber and the read loop behind it.
		}
	}
}

// Subscribe returns a channel that receives every frame the daemon sends
// from this point on. Callers must Unsubscribe when done.
func (c *Client) Subscribe() chan wire.Frame {
	ch := make(chan wire.Frame, subscriberBuffer)
	c.subMu.Lock()
	c.subscribers[ch] = struct{}{}
	c.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (c *Client) Unsubscribe(ch chan wire.Frame) {
	c.subMu.Lock()
	delete(c.subscribers, ch)
	c.subMu.Unlock()
	close(ch)
}

// Done is closed once the read loop exits, whether because Close was
// called or the connection was lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadErr reports the error that ended the read loop, if any.
func (c *Client) ReadErr() error {
	c.readErrMu.Lock()
	defer c.readErrMu.Unlock()
	return c.readErr
}

// Close closes the underlying connection, which unblocks the read loop.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) send(frameType string, payload any) error {
	frame, err := wire.Encode(frameType, payload)
	if err != nil {
		return err
	}
	line, err := wire.MarshalLine(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(line)
	return err
}

// RegisterOptions carries the identifying information spec.md §4.2's
// register_client frame wants: the zellij session this UI is attached to,
// if any, plus the environment context the butler plugin surfaces.
type RegisterOptions struct {
	ClientID      string
	ZellijSession string
	ZellijEnv     *model.EnvContext
	CWD           string
	Hostname      string
	PID           int
}

// Register sends register_client and waits (bounded by ctx) for the
// daemon's registered frame followed by its history_snapshot, the
// fixed two-frame handshake every connection goes through before
// anything else is sent. It subscribes internally so it never races a
// caller's own Subscribe made immediately after Register returns.
func (c *Client) Register(ctx context.Context, opts RegisterOptions) (wire.RegisteredPayload, wire.HistorySnapshotPayload, error) {
	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	if err := c.send(wire.TypeRegisterClient, wire.RegisterClientPayload{
		ClientID:      opts.ClientID,
		ZellijSession: opts.ZellijSession,
		ZellijEnv:     opts.ZellijEnv,
		CWD:           opts.CWD,
		Hostname:      opts.Hostname,
		PID:           opts.PID,
	}); err != nil {
		return wire.RegisteredPayload{}, wire.HistorySnapshotPayload{}, err
	}

	var registered wire.RegisteredPayload
	if err := c.awaitFrame(ctx, ch, wire.TypeRegistered, &registered); err != nil {
		return wire.RegisteredPayload{}, wire.HistorySnapshotPayload{}, err
	}
	var snapshot wire.HistorySnapshotPayload
	if err := c.awaitFrame(ctx, ch, wire.TypeHistorySnap, &snapshot); err != nil {
		return registered, wire.HistorySnapshotPayload{}, err
	}
	return registered, snapshot, nil
}

// Ping sends a ping and waits for the matching pong, bounded by ctx.
// Used by the Startup Supervisor's liveness probe and by the UI's own
// handshake-timeout check.
func (c *Client) Ping(ctx context.Context) (wire.PongPayload, error) {
	ch := c.Subscribe()
	defer c.Unsubscribe(ch)

	requestID := uuid.NewString()
	if err := c.send(wire.TypePing, wire.PingPayload{RequestID: requestID}); err != nil {
		return wire.PongPayload{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return wire.PongPayload{}, ctx.Err()
		case frame, ok := <-ch:
			if !ok {
				return wire.PongPayload{}, fmt.Errorf("daemonclient: connection closed waiting for pong")
			}
			if frame.Type != wire.TypePong {
				continue
			}
			var pong wire.PongPayload
			if err := frame.Decode(&pong); err != nil {
				return wire.PongPayload{}, err
			}
			if pong.RequestID != requestID {
				continue
			}
			return pong, nil
		}
	}
}

// SendChat submits a chat_request with a freshly generated request ID,
// returning it so the caller can match chat_start/chat_delta/chat_end
// frames it receives on its own subscription.
func (c *Client) SendChat(clientID, text, zellijSession string, env *model.EnvContext) (string, error) {
	requestID := uuid.NewString()
	err := c.send(wire.TypeChatRequest, wire.ChatRequestPayload{
		RequestID:     requestID,
		ClientID:      clientID,
		Text:          text,
		ZellijSession: zellijSession,
		ZellijEnv:     env,
	})
	return requestID, err
}

// SetModel submits a set_model request; the caller observes the
// model_updated frame it's subscribed to, like any other client.
func (c *Client) SetModel(clientID string, alias model.ModelAlias) (string, error) {
	requestID := uuid.NewString()
	err := c.send(wire.TypeSetModel, wire.SetModelPayload{RequestID: requestID, ClientID: clientID, Alias: alias})
	return requestID, err
}

// NewSession submits new_session, clearing the daemon's resume token.
func (c *Client) NewSession(clientID, zellijSession string) (string, error) {
	requestID := uuid.NewString()
	err := c.send(wire.TypeNewSession, wire.NewSessionPayload{RequestID: requestID, ClientID: clientID, ZellijSession: zellijSession})
	return requestID, err
}

// awaitFrame blocks until a frame of wantType arrives on ch, decoding it
// into dst, or ctx is done, or the subscription channel is closed
// because the connection went away.
func (c *Client) awaitFrame(ctx context.Context, ch chan wire.Frame, wantType string, dst any) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-ch:
			if !ok {
				return fmt.Errorf("daemonclient: connection closed waiting for %q", wantType)
			}
			if frame.Type == wire.TypeError {
				var errPayload wire.ErrorPayload
				if decErr := frame.Decode(&errPayload); decErr == nil {
					return fmt.Errorf("daemonclient: daemon error: %s", errPayload.Message)
				}
				return fmt.Errorf("daemonclient: daemon returned an error frame")
			}
			if frame.Type != wantType {
				continue
			}
			return frame.Decode(dst)
		}
	}
}
