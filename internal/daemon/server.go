// Package daemon wires the Singleton Lock, the Wire Protocol, the History
// Store, the Client Registry, the Turn Queue & Executor, and the
// Heartbeat Probe into the single long-running process spec.md §4
// describes. Grounded on agtmux's daemon.Server for the overall
// lock-then-listen-then-accept lifecycle and its Start/Shutdown ordering
// (internal/daemon/server.go), and on its own ttyV2Session.readLoop for
// the per-connection "decode one frame, dispatch by Type, reply, keep
// reading unless the connection is gone" discipline — generalized from a
// websocket-upgraded HTTP handler to a raw Unix domain socket carrying
// NDJSON instead of agtmux's length-prefixed tty v2 frames.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jelly-j/jellyj/internal/config"
	"github.com/jelly-j/jellyj/internal/heartbeat"
	"github.com/jelly-j/jellyj/internal/history"
	"github.com/jelly-j/jellyj/internal/jlyerr"
	"github.com/jelly-j/jellyj/internal/lock"
	"github.com/jelly-j/jellyj/internal/model"
	"github.com/jelly-j/jellyj/internal/modelalias"
	"github.com/jelly-j/jellyj/internal/pluginrpc"
	"github.com/jelly-j/jellyj/internal/procrunner"
	"github.com/jelly-j/jellyj/internal/registry"
	"github.com/jelly-j/jellyj/internal/runtimeadapter"
	"github.com/jelly-j/jellyj/internal/state"
	"github.com/jelly-j/jellyj/internal/tools"
	"github.com/jelly-j/jellyj/internal/turn"
	"github.com/jelly-j/jellyj/internal/wire"
)

// queueCapacity bounds the Turn Queue; chat_request frames received once
// the queue is full are rejected with an error frame rather than blocking
// the connection's read loop indefinitely.
const queueCapacity = 64

type queuedTurn struct {
	req         model.TurnRequest
	sender      *connSender
	queuedAhead int
}

// Server owns every piece of daemon-resident state described in spec.md
// §3's ownership summary: the Lock Record, the Listening Endpoint, the
// Conversation State, the Turn Queue, and the History journal writer
// handle.
type Server struct {
	cfg config.Config
	log *zap.Logger

	lockHandle *lock.Handle
	listener   net.Listener

	history  *history.Store
	registry *registry.Registry
	executor *turn.Executor
	adapter  *runtimeadapter.Adapter
	plugin   *pluginrpc.Client
	procExec *procrunner.Executor
	probe    *heartbeat.Probe
	known    *heartbeat.KnownSessions
	audit    *AuditLog
	toolset  *tools.Toolset

	convMu sync.Mutex
	conv   model.ConversationState

	queue chan queuedTurn

	connsMu sync.Mutex
	conns   map[*connSender]struct{}

	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// Option customizes a Server built by New, the way the rest of the
// codebase's constructors take their dependencies explicitly rather than
// reaching for package-level defaults — here expressed as functional
// options since most callers want every default and only tests or an
// alternate Model Runtime want to override one collaborator.
type Option func(*Server)

// WithAdapter swaps the Model Runtime Adapter (and the Executor built on
// top of it) for one already holding its own BinaryPath override, the
// seam integration tests use to point the daemon at a fake `claude`.
func WithAdapter(adapter *runtimeadapter.Adapter) Option {
	return func(s *Server) {
		s.adapter = adapter
		s.executor = turn.NewExecutor(adapter)
	}
}

// New builds a Server and its full dependency graph from cfg. log may be
// nil, in which case a no-op logger is used.
func New(cfg config.Config, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	adapter := runtimeadapter.New()
	procExec := procrunner.NewExecutor(cfg)
	plugin := pluginrpc.New(procExec)
	known := heartbeat.NewKnownSessions()

	s := &Server{
		cfg:      cfg,
		log:      log,
		history:  history.New(cfg.HistoryPath),
		registry: registry.New(),
		executor: turn.NewExecutor(adapter),
		adapter:  adapter,
		plugin:   plugin,
		procExec: procExec,
		known:    known,
		audit:    NewAuditLog(cfg.AuditLogCapacity),
		toolset:  tools.New(cfg, plugin, procExec, log),
		queue:    make(chan queuedTurn, queueCapacity),
		conns:    make(map[*connSender]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	probe := heartbeat.NewProbe(plugin, s.adapter, procExec, s.executor, known, log)
	probe.InitialDelay = cfg.HeartbeatInitialDelay
	probe.Interval = cfg.HeartbeatInterval
	probe.KnownSessionTTL = cfg.KnownSessionIdleTTL
	probe.PluginOpTimeout = cfg.PluginOpTimeout
	s.probe = probe

	return s
}

// Run acquires the lock, opens the listening endpoint, and serves until ctx
// is cancelled or a fatal accept error occurs. It returns the reason for
// exit; ctx.Err() on a clean cancellation.
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		return jlyerr.IOf("daemon.Run", "create state dir: %w", err)
	}

	rec := model.LockRecord{Hostname: hostname(), CWD: cwd()}
	h, err := lock.Acquire(s.cfg.LockPath, rec, s.cfg.LockAcquireRetries, s.cfg.LockRetryDelay)
	if err != nil {
		return err
	}
	s.lockHandle = h
	defer s.lockHandle.Release()

	persisted, loadErr := state.Load(s.cfg.StatePath)
	if loadErr != nil {
		s.log.Warn("load persisted state failed", zap.Error(loadErr))
	}
	s.convMu.Lock()
	s.conv = model.ConversationState{
		ResumeToken:    persisted.SessionID,
		ModelAlias:     model.DefaultModelAlias,
		LastSessionTag: persisted.ZellijSession,
	}
	s.convMu.Unlock()

	if err := s.listen(); err != nil {
		return err
	}
	defer s.cleanupSocket()

	probeCtx, cancelProbe := context.WithCancel(ctx)
	defer cancelProbe()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.probe.Run(probeCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drainQueue(ctx)
	}()

	acceptErrCh := make(chan error, 1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		acceptErrCh <- s.acceptLoop(ctx)
	}()

	select {
	case <-ctx.Done():
		s.shutdown()
		s.wg.Wait()
		return ctx.Err()
	case err := <-acceptErrCh:
		s.shutdown()
		s.wg.Wait()
		return err
	}
}

func (s *Server) listen() error {
	if st, err := os.Lstat(s.cfg.SocketPath); err == nil {
		if st.Mode()&os.ModeSocket == 0 {
			return jlyerr.IOf("daemon.listen", "socket path exists and is not a unix socket: %s", s.cfg.SocketPath)
		}
		if err := os.Remove(s.cfg.SocketPath); err != nil {
			return jlyerr.IOf("daemon.listen", "remove stale socket: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return jlyerr.IOf("daemon.listen", "stat socket path: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return jlyerr.IOf("daemon.listen", "listen unix socket: %w", err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return jlyerr.IOf("daemon.listen", "chmod socket: %w", err)
	}
	s.listener = ln
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return jlyerr.IOf("daemon.acceptLoop", "accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// shutdown stops accepting, closes every live connection, and drains the
// Turn Queue, per spec.md §4.1's shutdown ordering. Socket removal and
// lock release happen in Run's deferred cleanup so they run exactly once
// regardless of which exit path fired.
func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		if s.listener != nil {
			s.listener.Close()
		}
		s.closeAllConns()
		close(s.queue)
	})
}

func (s *Server) cleanupSocket() {
	if s.cfg.SocketPath == "" {
		return
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		s.log.Warn("remove socket failed", zap.Error(err))
	}
}

// connSender is the Sender the registry holds for one live connection;
// writes are serialized through mu so concurrent replies (turn streaming
// plus a broadcast) never interleave partial lines.
type connSender struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *connSender) Send(f wire.Frame) error {
	line, err := wire.MarshalLine(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.conn.Write(line)
	return err
}

func (c *connSender) Close() error {
	return c.conn.Close()
}

func (s *Server) trackConn(c *connSender) {
	s.connsMu.Lock()
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(c *connSender) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]*connSender, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	sender := &connSender{conn: conn}
	s.trackConn(sender)
	defer func() {
		s.registry.Unregister(sender)
		s.untrackConn(sender)
		conn.Close()
	}()

	scanner := wire.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := wire.ParseLine(line)
		if err != nil {
			s.sendErrorFrame(sender, "", "malformed frame: "+err.Error())
			continue
		}
		s.audit.Record("in", frame.Type, string(frame.Payload), time.Now().UTC())
		if err := s.handleFrame(sender, frame); err != nil {
			s.log.Warn("handle frame failed", zap.String("type", frame.Type), zap.Error(err))
		}
	}
}

func (s *Server) handleFrame(sender *connSender, frame wire.Frame) error {
	if frame.Type != wire.TypeRegisterClient {
		if _, ok := s.registry.Lookup(sender); !ok {
			return s.sendErrorFrame(sender, "", "register_client required before "+frame.Type)
		}
	}
	switch frame.Type {
	case wire.TypeRegisterClient:
		return s.handleRegisterClient(sender, frame)
	case wire.TypeChatRequest:
		return s.handleChatRequest(sender, frame)
	case wire.TypeSetModel:
		return s.handleSetModel(sender, frame)
	case wire.TypeNewSession:
		return s.handleNewSession(sender, frame)
	case wire.TypePing:
		return s.handlePing(sender, frame)
	case wire.TypeTraceDump:
		return s.handleTraceDump(sender, frame)
	default:
		return s.sendErrorFrame(sender, "", fmt.Sprintf("unknown frame type %q", frame.Type))
	}
}

func (s *Server) handleRegisterClient(sender *connSender, frame wire.Frame) error {
	var p wire.RegisterClientPayload
	if err := frame.Decode(&p); err != nil {
		return s.sendErrorFrame(sender, "", err.Error())
	}

	env := model.EnvContext{}
	if p.ZellijEnv != nil {
		env = *p.ZellijEnv
	}
	reg := s.registry.Register(sender, p.ClientID, p.ZellijSession, env, p.CWD, p.Hostname, p.PID)
	s.known.Touch(reg.SessionTag, reg.Env, time.Now().UTC())

	s.convMu.Lock()
	alias := s.conv.ModelAlias
	s.convMu.Unlock()
	busy := s.executor.State() == turn.StateBusy

	if err := s.sendFrame(sender, wire.TypeRegistered, wire.RegisteredPayload{
		ClientID:  p.ClientID,
		DaemonPID: os.Getpid(),
		Model:     alias,
		Busy:      busy,
	}); err != nil {
		return err
	}

	entries, err := s.history.ReadSnapshot(s.cfg.HistorySnapshotLimit)
	if err != nil {
		s.log.Warn("read history snapshot failed", zap.Error(err))
		entries = nil
	}
	return s.sendFrame(sender, wire.TypeHistorySnap, wire.HistorySnapshotPayload{Entries: entries})
}

func (s *Server) handleChatRequest(sender *connSender, frame wire.Frame) error {
	var p wire.ChatRequestPayload
	if err := frame.Decode(&p); err != nil {
		return s.sendErrorFrame(sender, "", err.Error())
	}

	env := model.EnvContext{}
	if p.ZellijEnv != nil {
		env = *p.ZellijEnv
	}
	req := model.TurnRequest{
		RequestID:  p.RequestID,
		ClientID:   p.ClientID,
		Text:       p.Text,
		SessionTag: p.ZellijSession,
		Env:        env,
	}
	s.known.Touch(req.SessionTag, env, time.Now().UTC())

	queuedAhead := len(s.queue)
	if s.executor.State() == turn.StateBusy {
		queuedAhead++
	}

	select {
	case s.queue <- queuedTurn{req: req, sender: sender, queuedAhead: queuedAhead}:
		return nil
	default:
		return s.sendErrorFrame(sender, p.RequestID, "turn queue is full, try again shortly")
	}
}

func (s *Server) handleSetModel(sender *connSender, frame wire.Frame) error {
	var p wire.SetModelPayload
	if err := frame.Decode(&p); err != nil {
		return s.sendErrorFrame(sender, "", err.Error())
	}
	if !modelalias.Valid(p.Alias) {
		return s.sendErrorFrame(sender, p.RequestID, fmt.Sprintf("unknown model alias %q", p.Alias))
	}

	s.convMu.Lock()
	changed := s.conv.ModelAlias != p.Alias
	s.conv.ModelAlias = p.Alias
	s.convMu.Unlock()

	if changed {
		s.broadcastFrame(wire.TypeModelUpdated, wire.ModelUpdatedPayload{RequestID: p.RequestID, Alias: p.Alias})
	}
	return nil
}

func (s *Server) handleNewSession(sender *connSender, frame wire.Frame) error {
	var p wire.NewSessionPayload
	if err := frame.Decode(&p); err != nil {
		return s.sendErrorFrame(sender, "", err.Error())
	}

	if s.executor.State() != turn.StateIdle {
		return s.sendErrorFrame(sender, "", "cannot start a new session while a turn is in flight")
	}

	s.convMu.Lock()
	s.conv.ResumeToken = ""
	s.convMu.Unlock()
	s.persistConv()

	return s.sendFrame(sender, wire.TypeStatusNote, wire.StatusNotePayload{Message: "started a new conversation"})
}

func (s *Server) handlePing(sender *connSender, frame wire.Frame) error {
	var p wire.PingPayload
	if err := frame.Decode(&p); err != nil {
		return s.sendErrorFrame(sender, "", err.Error())
	}
	return s.sendFrame(sender, wire.TypePong, wire.PongPayload{RequestID: p.RequestID, DaemonPID: os.Getpid()})
}

// handleTraceDump answers the `jellyj daemon --trace-dump` escape hatch:
// a one-shot client connects, asks for the Audit Log ring, and disconnects.
func (s *Server) handleTraceDump(sender *connSender, frame wire.Frame) error {
	var p wire.TraceDumpPayload
	if err := frame.Decode(&p); err != nil {
		return s.sendErrorFrame(sender, "", err.Error())
	}

	snapshot := s.audit.Snapshot()
	entries := make([]wire.TraceDumpEntry, len(snapshot))
	for i, e := range snapshot {
		entries[i] = wire.TraceDumpEntry{
			Timestamp: e.Timestamp,
			Direction: e.Direction,
			FrameType: e.FrameType,
			Text:      e.Text,
		}
	}
	return s.sendFrame(sender, wire.TypeTraceDumpResult, wire.TraceDumpResultPayload{RequestID: p.RequestID, Entries: entries})
}

// drainQueue is the Turn Queue's single consumer: exactly one turn runs at
// a time, in enqueue order, for the lifetime of the server.
func (s *Server) drainQueue(ctx context.Context) {
	for qt := range s.queue {
		s.runTurn(ctx, qt.req, qt.sender, qt.queuedAhead)
	}
}

func (s *Server) runTurn(ctx context.Context, req model.TurnRequest, sender *connSender, queuedAhead int) {
	s.convMu.Lock()
	resumeToken := s.conv.ResumeToken
	alias := s.conv.ModelAlias
	lastTag := s.conv.LastSessionTag
	s.convMu.Unlock()

	modelID, err := modelalias.Resolve(alias)
	if err != nil {
		modelID = ""
	}

	if lastTag != "" && req.SessionTag != "" && req.SessionTag != lastTag {
		s.sendFrame(sender, wire.TypeStatusNote, wire.StatusNotePayload{
			Message: fmt.Sprintf("session switched: %s -> %s", lastTag, req.SessionTag),
		})
	}

	s.sendFrame(sender, wire.TypeChatStart, wire.ChatStartPayload{RequestID: req.RequestID, Model: alias, QueuedAhead: queuedAhead})

	if appendErr := s.history.Append(model.HistoryEntry{
		Timestamp: time.Now().UTC(), Role: model.RoleUser, Session: req.SessionTag, Text: req.Text,
	}); appendErr != nil {
		s.log.Warn("append user history entry failed", zap.Error(appendErr))
	}

	contextPrefix := turn.ContextPrefix(time.Now().UTC(), req.SessionTag, lastTag)

	cb := turn.Callbacks{
		OnStatusNote: func(message string) {
			s.sendFrame(sender, wire.TypeStatusNote, wire.StatusNotePayload{Message: message})
		},
		OnChatDelta: func(fragment string) {
			s.sendFrame(sender, wire.TypeChatDelta, wire.ChatDeltaPayload{RequestID: req.RequestID, Text: fragment})
		},
		OnToolUse: func(name string) {
			s.sendFrame(sender, wire.TypeToolUse, wire.ToolUsePayload{RequestID: req.RequestID, Name: name})
		},
		OnResultError: func(subtype string, errs []string) {
			s.sendFrame(sender, wire.TypeResultError, wire.ResultErrorPayload{RequestID: req.RequestID, Subtype: subtype, Errors: errs})
		},
		OnPermissionRequest: func(ctx context.Context, toolName, reason string) (bool, error) {
			return s.toolset.Authorize(ctx, toolName, reason)
		},
	}

	outcome, runErr := s.executor.Run(ctx, req, resumeToken, modelID, contextPrefix, cb)
	if runErr != nil {
		s.sendFrame(sender, wire.TypeResultError, wire.ResultErrorPayload{
			RequestID: req.RequestID, Subtype: "adapter_error", Errors: []string{runErr.Error()},
		})
		s.sendFrame(sender, wire.TypeChatEnd, wire.ChatEndPayload{RequestID: req.RequestID, OK: false, Model: alias})
		if appendErr := s.history.Append(model.HistoryEntry{
			Timestamp: time.Now().UTC(), Role: model.RoleError, Session: req.SessionTag, Text: runErr.Error(),
		}); appendErr != nil {
			s.log.Warn("append error history entry failed", zap.Error(appendErr))
		}
		return
	}

	if outcome.AssistantText != "" {
		if appendErr := s.history.Append(model.HistoryEntry{
			Timestamp: time.Now().UTC(), Role: model.RoleAssistant, Session: req.SessionTag, Text: outcome.AssistantText,
		}); appendErr != nil {
			s.log.Warn("append assistant history entry failed", zap.Error(appendErr))
		}
	}

	s.convMu.Lock()
	if outcome.NewResumeToken != "" {
		s.conv.ResumeToken = outcome.NewResumeToken
	}
	s.conv.LastSessionTag = req.SessionTag
	s.convMu.Unlock()
	s.persistConv()

	s.sendFrame(sender, wire.TypeChatEnd, wire.ChatEndPayload{RequestID: req.RequestID, OK: outcome.OK, Model: alias})
}

func (s *Server) persistConv() {
	s.convMu.Lock()
	st := model.PersistedState{SessionID: s.conv.ResumeToken, ZellijSession: s.conv.LastSessionTag}
	s.convMu.Unlock()
	if err := state.Save(s.cfg.StatePath, st); err != nil {
		s.log.Warn("persist state failed", zap.Error(err))
	}
}

func (s *Server) sendFrame(sender *connSender, frameType string, payload any) error {
	frame, err := wire.Encode(frameType, payload)
	if err != nil {
		return err
	}
	s.audit.Record("out", frameType, string(frame.Payload), time.Now().UTC())
	return sender.Send(frame)
}

func (s *Server) broadcastFrame(frameType string, payload any) {
	frame, err := wire.Encode(frameType, payload)
	if err != nil {
		s.log.Warn("encode broadcast frame failed", zap.Error(err))
		return
	}
	s.audit.Record("out", frameType, string(frame.Payload), time.Now().UTC())
	for _, sendErr := range s.registry.Broadcast(frame) {
		s.log.Debug("broadcast send failed", zap.Error(sendErr))
	}
}

func (s *Server) sendErrorFrame(sender *connSender, requestID, message string) error {
	return s.sendFrame(sender, wire.TypeError, wire.ErrorPayload{RequestID: requestID, Message: message})
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func cwd() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return dir
}
