// Package session owns the lifecycle of one realtime connection: it opens the
// transport, keeps remote session configuration in sync with local state and
// runs the single inbound event loop that feeds the assembler and the tool
// router.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-realtime/pkg/realtime/assembler"
	"github.com/vango-go/vai-realtime/pkg/realtime/conversation"
	"github.com/vango-go/vai-realtime/pkg/realtime/metrics"
	"github.com/vango-go/vai-realtime/pkg/realtime/protocol"
	"github.com/vango-go/vai-realtime/pkg/realtime/tools"
	"github.com/vango-go/vai-realtime/pkg/realtime/transport"
)

var (
	ErrNotOpen      = errors.New("realtime session is not open")
	ErrStopped      = errors.New("realtime session stopped while connecting")
	ErrUnknownScope = errors.New("unknown session config scope")
	ErrEmptyVoice   = errors.New("voice must not be empty")
)

type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateOpen    State = "open"
	StateError   State = "error"
)

// Scope selects which part of the remote session configuration an update
// re-specifies.
type Scope string

const (
	ScopeAll     Scope = "all"
	ScopeTools   Scope = "tools"
	ScopeVoice   Scope = "voice"
	ScopeEmotion Scope = "emotion"
)

const defaultConnectTimeout = 15 * time.Second

// Defaults seed the local session configuration.
type Defaults struct {
	Voice              string
	Persona            string
	Instructions       string
	Temperature        *float64
	Modalities         []string
	TranscriptionModel string
}

type Config struct {
	Transport transport.Negotiator
	Tools     *tools.Registry
	Store     conversation.Store
	Notifier  Notifier
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Defaults  Defaults

	ToolTimeout    time.Duration
	ConnectTimeout time.Duration

	// Observers. They run on the event loop or a tool goroutine and must not
	// block.
	OnEntry func(conversation.Entry)
	OnDraft func(assembler.Draft)
	OnState func(State)
}

// Agent is a wholesale replacement of the persona-bearing configuration.
type Agent struct {
	Instructions string
	Persona      string
	Voice        string
	Tools        *tools.Registry
}

// Snapshot is a copy of the local configuration and lifecycle state.
type Snapshot struct {
	ID           string
	State        State
	Muted        bool
	Voice        string
	Persona      string
	Instructions string
	Tools        []tools.Descriptor
}

type Session struct {
	id         string
	negotiator transport.Negotiator
	store      conversation.Store
	notifier   Notifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
	assembler  *assembler.Assembler
	router     *tools.Router

	connectTimeout time.Duration
	onEntry        func(conversation.Entry)
	onDraft        func(assembler.Draft)
	onState        func(State)

	// frameMu orders inbound mutations against the teardown flush.
	frameMu sync.Mutex
	loops   sync.WaitGroup

	mu            sync.Mutex
	state         State
	gen           uint64
	conn          *connection
	muted         bool
	voice         string
	persona       string
	instructions  string
	temperature   *float64
	modalities    []string
	transcription string
	registry      *tools.Registry
}

// connection is the per-open state. The event loop goroutine owns it.
type connection struct {
	ch     transport.Channel
	ctx    context.Context
	cancel context.CancelFunc
	synced atomic.Bool
	done   chan struct{}
}

func New(cfg Config) (*Session, error) {
	if cfg.Transport == nil {
		return nil, errors.New("session: transport negotiator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = conversation.NewMemoryStore("")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	id := "rts_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	logger := cfg.Logger.With("session_id", id)
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = logNotifier{logger: logger}
	}

	s := &Session{
		id:             id,
		negotiator:     cfg.Transport,
		store:          cfg.Store,
		notifier:       notifier,
		logger:         logger,
		metrics:        cfg.Metrics,
		connectTimeout: cfg.ConnectTimeout,
		onEntry:        cfg.OnEntry,
		onDraft:        cfg.OnDraft,
		onState:        cfg.OnState,
		state:          StateIdle,
		voice:          cfg.Defaults.Voice,
		persona:        cfg.Defaults.Persona,
		instructions:   cfg.Defaults.Instructions,
		temperature:    cfg.Defaults.Temperature,
		modalities:     append([]string(nil), cfg.Defaults.Modalities...),
		transcription:  cfg.Defaults.TranscriptionModel,
		registry:       cfg.Tools,
	}
	s.assembler = assembler.New(cfg.Store, assembler.Options{Logger: logger, Metrics: cfg.Metrics})
	s.router = tools.NewRouter(tools.RouterConfig{
		Registry: cfg.Tools,
		Sender:   s,
		Store:    cfg.Store,
		Timeout:  cfg.ToolTimeout,
		OnEntry:  s.entryCommitted,
		Logger:   logger,
		Metrics:  cfg.Metrics,
	})
	return s, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Muted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muted
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:           s.id,
		State:        s.state,
		Muted:        s.muted,
		Voice:        s.voice,
		Persona:      s.persona,
		Instructions: s.instructions,
	}
	reg := s.registry
	s.mu.Unlock()
	snap.Tools = reg.Descriptors()
	return snap
}

// Draft returns the in-progress assistant message, if any.
func (s *Session) Draft() (assembler.Draft, bool) {
	return s.assembler.Draft()
}

// History returns the last n committed entries.
func (s *Session) History(ctx context.Context, n int) ([]conversation.Entry, error) {
	return s.store.LastN(ctx, n)
}

// Connect opens a connection. It is a no-op while a connection is loading or
// open. From idle or error it negotiates a fresh channel.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateLoading || s.state == StateOpen {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	gen := s.gen
	s.state = StateLoading
	s.mu.Unlock()
	s.stateChanged(StateLoading)

	name := s.negotiator.Name()
	start := time.Now()
	openCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	ch, err := s.negotiator.Open(openCtx)
	cancel()
	if err != nil {
		s.metrics.RecordConnect(name, connectOutcome(err), time.Since(start))
		s.mu.Lock()
		current := s.gen == gen
		if current {
			s.state = StateError
		}
		s.mu.Unlock()
		if current {
			s.stateChanged(StateError)
			s.notify(LevelError, "could not connect to the realtime backend", err)
		}
		s.logger.Error("realtime connect failed", "transport", name, "error", err)
		return err
	}

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		_ = ch.Close()
		return ErrStopped
	}
	connCtx, connCancel := context.WithCancel(context.Background())
	conn := &connection{ch: ch, ctx: connCtx, cancel: connCancel, done: make(chan struct{})}
	s.conn = conn
	s.state = StateOpen
	muted := s.muted
	s.mu.Unlock()

	ch.SetMicEnabled(!muted)
	s.router.Reset()
	s.metrics.RecordConnect(name, "ok", time.Since(start))
	s.metrics.RecordSessionOpen()
	s.logger.Info("realtime session open", "transport", name, "duration", time.Since(start))
	s.stateChanged(StateOpen)

	s.loops.Add(1)
	go s.eventLoop(conn)
	return nil
}

func connectOutcome(err error) string {
	var ce *transport.ConnectError
	if errors.As(err, &ce) && ce.Stage != "" {
		return ce.Stage
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "error"
}

// Stop tears the connection down and returns to idle. Frames still queued on
// the old connection are discarded. Safe to call repeatedly.
func (s *Session) Stop() {
	s.mu.Lock()
	s.gen++
	conn := s.conn
	s.conn = nil
	prev := s.state
	s.mu.Unlock()

	if conn != nil {
		conn.cancel()
		if err := conn.ch.Close(); err != nil {
			s.logger.Warn("close realtime channel failed", "error", err)
		}
		s.frameMu.Lock()
		entry, flushed := s.assembler.Flush(context.Background())
		s.frameMu.Unlock()
		if flushed {
			s.entryCommitted(entry)
		}
		s.metrics.RecordSessionClose()
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	if prev != StateIdle {
		s.logger.Info("realtime session stopped", "previous_state", prev)
		s.stateChanged(StateIdle)
	}
}

// Wait blocks until every event loop has exited and every tool call
// dispatched so far has returned. Call it after Stop.
func (s *Session) Wait() {
	s.loops.Wait()
	s.router.Drain()
}

// SetMuted toggles the local capture track without touching the connection.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.ch.SetMicEnabled(!muted)
	}
	s.logger.Debug("mic toggled", "muted", muted)
}

func (s *Session) SetVoice(ctx context.Context, voice string) error {
	voice = strings.TrimSpace(voice)
	if voice == "" {
		s.notify(LevelWarning, "voice change ignored: no voice given", ErrEmptyVoice)
		return ErrEmptyVoice
	}
	s.mu.Lock()
	s.voice = voice
	s.mu.Unlock()
	return s.resync(ctx, ScopeVoice)
}

func (s *Session) SetPersona(ctx context.Context, persona string) error {
	s.mu.Lock()
	s.persona = strings.TrimSpace(persona)
	s.mu.Unlock()
	return s.resync(ctx, ScopeEmotion)
}

// SetTools replaces the tool catalog wholesale.
func (s *Session) SetTools(ctx context.Context, reg *tools.Registry) error {
	s.mu.Lock()
	s.registry = reg
	s.mu.Unlock()
	s.router.SetRegistry(reg)
	return s.resync(ctx, ScopeTools)
}

// SetAgent swaps instructions, persona, voice and tools together. Empty
// fields keep their current value except Tools, which is always replaced.
func (s *Session) SetAgent(ctx context.Context, agent Agent) error {
	s.mu.Lock()
	if v := strings.TrimSpace(agent.Instructions); v != "" {
		s.instructions = v
	}
	if v := strings.TrimSpace(agent.Persona); v != "" {
		s.persona = v
	}
	if v := strings.TrimSpace(agent.Voice); v != "" {
		s.voice = v
	}
	s.registry = agent.Tools
	s.mu.Unlock()
	s.router.SetRegistry(agent.Tools)
	return s.resync(ctx, ScopeAll)
}

// resync pushes scope when open. Before open the local value is kept and
// becomes authoritative on the first session.created.
func (s *Session) resync(ctx context.Context, scope Scope) error {
	if s.State() != StateOpen {
		return nil
	}
	return s.UpdateConfig(ctx, scope)
}

// UpdateConfig sends a session.update that fully re-specifies scope from the
// local configuration.
func (s *Session) UpdateConfig(ctx context.Context, scope Scope) error {
	cfg, err := s.sessionConfig(scope)
	if err != nil {
		return err
	}
	if err := s.Send(ctx, protocol.NewSessionUpdate(cfg)); err != nil {
		return fmt.Errorf("update session %s: %w", scope, err)
	}
	s.logger.Debug("session config synced", "scope", scope)
	return nil
}

func (s *Session) sessionConfig(scope Scope) (protocol.SessionConfig, error) {
	s.mu.Lock()
	voice := s.voice
	instructions := composeInstructions(s.instructions, s.persona)
	temperature := s.temperature
	modalities := append([]string(nil), s.modalities...)
	transcription := s.transcription
	reg := s.registry
	s.mu.Unlock()

	var cfg protocol.SessionConfig
	switch scope {
	case ScopeVoice:
		if voice == "" {
			return cfg, ErrEmptyVoice
		}
		cfg.Voice = voice
	case ScopeEmotion:
		cfg.Instructions = &instructions
	case ScopeTools:
		catalog, err := reg.ProtocolTools()
		if err != nil {
			return cfg, err
		}
		cfg.Tools = &catalog
		cfg.ToolChoice = "auto"
	case ScopeAll:
		catalog, err := reg.ProtocolTools()
		if err != nil {
			return cfg, err
		}
		cfg.Modalities = modalities
		cfg.Instructions = &instructions
		cfg.Voice = voice
		cfg.Tools = &catalog
		cfg.ToolChoice = "auto"
		cfg.Temperature = temperature
		if transcription != "" {
			cfg.InputAudioTranscription = &protocol.InputAudioTranscription{Model: transcription}
		}
	default:
		return cfg, fmt.Errorf("%w: %q", ErrUnknownScope, scope)
	}
	return cfg, nil
}

func composeInstructions(instructions, persona string) string {
	instructions = strings.TrimSpace(instructions)
	persona = strings.TrimSpace(persona)
	switch {
	case persona == "":
		return instructions
	case instructions == "":
		return "Persona and tone: " + persona
	default:
		return instructions + "\n\nPersona and tone: " + persona
	}
}

// SendText commits a user message and asks the backend to answer it.
func (s *Session) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if s.State() != StateOpen {
		s.notify(LevelWarning, "not connected: message not sent", ErrNotOpen)
		return ErrNotOpen
	}
	entry, err := s.store.Append(ctx, conversation.Entry{Content: conversation.Message{Role: "user", Text: text}})
	if err != nil {
		return fmt.Errorf("append user message: %w", err)
	}
	s.metrics.RecordEntry(string(conversation.KindMessage))
	s.entryCommitted(entry)
	if err := s.Send(ctx, protocol.NewTextMessage("user", text)); err != nil {
		return err
	}
	return s.Send(ctx, protocol.NewResponseCreate(nil))
}

// Send encodes ev and writes it to the open channel. When no channel is open
// it notifies the user and returns ErrNotOpen.
func (s *Session) Send(ctx context.Context, ev protocol.ClientEvent) error {
	typ := protocol.TypeOf(ev)
	s.mu.Lock()
	conn := s.conn
	open := s.state == StateOpen
	s.mu.Unlock()
	if !open || conn == nil {
		s.metrics.RecordOutbound(typ, "not_open")
		s.notify(LevelWarning, fmt.Sprintf("not connected: %s not sent", typ), ErrNotOpen)
		return ErrNotOpen
	}

	data, err := protocol.Encode(ev)
	if err != nil {
		s.metrics.RecordOutbound(typ, "error")
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := conn.ch.Send(ctx, data); err != nil {
		s.metrics.RecordOutbound(typ, "error")
		return fmt.Errorf("send %s: %w", typ, err)
	}
	s.metrics.RecordOutbound(typ, "ok")
	return nil
}

func (s *Session) eventLoop(conn *connection) {
	defer s.loops.Done()
	defer close(conn.done)
	for frame := range conn.ch.Inbound() {
		s.handleFrame(conn, frame)
	}
	s.connectionLost(conn)
}

// live runs fn unless conn has been torn down. Stop flushes under frameMu
// after cancelling, so nothing fn does can land after that flush.
func (s *Session) live(conn *connection, fn func()) bool {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if conn.ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

func (s *Session) handleFrame(conn *connection, frame []byte) {
	if conn.ctx.Err() != nil {
		return
	}
	ev, err := protocol.Decode(frame)
	if err != nil {
		code := "decode"
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			code = de.Code
		}
		s.metrics.RecordDecodeError(code)
		s.logger.Warn("dropping undecodable realtime frame", "error", err)
		return
	}
	_, unknown := ev.(protocol.Unknown)
	// Counted once handled so the counter never runs ahead of the loop.
	defer s.metrics.RecordInbound(ev.EventType(), unknown)

	ctx := conn.ctx
	// Commits must survive a Stop that races the write.
	storeCtx := context.WithoutCancel(ctx)
	switch e := ev.(type) {
	case protocol.SessionCreated:
		if !conn.synced.CompareAndSwap(false, true) {
			s.logger.Debug("repeat session.created ignored")
			return
		}
		if err := s.UpdateConfig(ctx, ScopeAll); err != nil {
			s.logger.Error("initial session sync failed", "error", err)
		}
	case protocol.SessionUpdated:
		s.logger.Debug("remote session updated")
	case protocol.TranscriptDelta:
		var (
			entry     conversation.Entry
			committed bool
			draft     assembler.Draft
			hasDraft  bool
		)
		if !s.live(conn, func() {
			entry, committed = s.assembler.Delta(storeCtx, e.ResponseID, e.Text)
			draft, hasDraft = s.assembler.Draft()
		}) {
			return
		}
		if committed {
			s.entryCommitted(entry)
		}
		if hasDraft && s.onDraft != nil {
			s.onDraft(draft)
		}
	case protocol.TranscriptDone:
		var (
			entry     conversation.Entry
			committed bool
		)
		s.live(conn, func() {
			entry, committed = s.assembler.Done(storeCtx, e.ResponseID)
		})
		if committed {
			s.entryCommitted(entry)
		}
	case protocol.ToolInvoked:
		s.live(conn, func() { s.router.Dispatch(ctx, e) })
	case protocol.ResponseDone:
		s.live(conn, func() {
			for _, call := range e.ToolCalls() {
				s.router.Dispatch(ctx, call)
			}
		})
	case protocol.InputTranscriptDone:
		var (
			entry     conversation.Entry
			committed bool
		)
		s.live(conn, func() { entry, committed = s.commitUserAudio(storeCtx, e) })
		if committed {
			s.entryCommitted(entry)
		}
	case protocol.ServerError:
		s.logger.Warn("realtime server error", "code", e.Code, "message", e.Message, "param", e.Param)
		s.notify(LevelWarning, "realtime backend error: "+e.Message, nil)
	case protocol.Unknown:
		s.logger.Debug("unknown realtime event ignored", "event_type", e.Type)
	}
}

func (s *Session) commitUserAudio(ctx context.Context, e protocol.InputTranscriptDone) (conversation.Entry, bool) {
	if strings.TrimSpace(e.Transcript) == "" {
		return conversation.Entry{}, false
	}
	entry, err := s.store.Append(ctx, conversation.Entry{
		Content: conversation.UserAudio{ItemID: e.ItemID, Transcript: e.Transcript},
	})
	if err != nil {
		s.logger.Error("commit user transcript failed", "item_id", e.ItemID, "error", err)
		return conversation.Entry{}, false
	}
	s.metrics.RecordEntry(string(conversation.KindUserAudio))
	return entry, true
}

// connectionLost handles the inbound stream ending. A deliberate Stop has
// already detached conn, so only remote or transport failures land here.
func (s *Session) connectionLost(conn *connection) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.gen++
	s.state = StateError
	s.mu.Unlock()

	conn.cancel()
	_ = conn.ch.Close()
	s.flushDraft()
	s.metrics.RecordSessionClose()
	s.logger.Error("realtime connection lost")
	s.stateChanged(StateError)
	s.notify(LevelError, "realtime connection lost", transport.ErrChannelClosed)
}

func (s *Session) flushDraft() {
	if entry, ok := s.assembler.Flush(context.Background()); ok {
		s.entryCommitted(entry)
	}
}

func (s *Session) entryCommitted(entry conversation.Entry) {
	if s.onEntry != nil {
		s.onEntry(entry)
	}
}

func (s *Session) stateChanged(state State) {
	if s.onState != nil {
		s.onState(state)
	}
}

func (s *Session) notify(level Level, msg string, err error) {
	s.notifier.Notify(Notification{Level: level, Message: msg, Err: err})
}
