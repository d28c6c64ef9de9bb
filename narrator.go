/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const (
	defaultNarrationURL   = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"
	defaultNarrationModel = "models/gemini-2.5-flash-preview-native-audio-dialog"

	emojiToolName = "show_emoji"

	// Reconnect this far ahead of a go-away cutoff.
	goAwayMargin = 2 * time.Second

	narratorWriteTimeout = 10 * time.Second
)

var (
	errNotConnected   = errors.New("narrator not connected")
	errReconnectLimit = errors.New("narration reconnect limit reached")
)

// persona selects the narrator's voice and character.
type persona struct {
	ID    string
	Name  string
	Voice string
	Style string
}

var personas = map[string]persona{
	"quill": {
		ID:    "quill",
		Name:  "Quill",
		Voice: "Puck",
		Style: "Warm, quick-witted, and gently teasing; you love terrible puns.",
	},
	"maximus": {
		ID:    "maximus",
		Name:  "Maximus Trivia",
		Voice: "Charon",
		Style: "A bombastic arena announcer who treats every question like a heavyweight title match.",
	},
	"sage": {
		ID:    "sage",
		Name:  "Aunt Sage",
		Voice: "Kore",
		Style: "A dry, unimpressed librarian who is secretly delighted by weird facts.",
	},
}

func personaByID(id string) (persona, bool) {
	p, ok := personas[id]
	return p, ok
}

func systemInstruction(p persona, familyFriendly bool) string {
	var b strings.Builder

	b.WriteString("You are ")
	b.WriteString(p.Name)
	b.WriteString(", the host of a live trivia gameshow where players invent lies and vote for the truth. ")
	b.WriteString(p.Style)

	if familyFriendly {
		b.WriteString(" Keep every line family-friendly: no innuendo, no profanity.")
	} else {
		b.WriteString(" A little adult sass is welcome; keep it cheeky, never cruel.")
	}

	b.WriteString(" Speak each line you are given exactly once, quickly, with energy, and add at most one short quip of your own.")
	b.WriteString(" When a moment deserves a visual reaction, call the " + emojiToolName + " tool instead of describing it.")

	return b.String()
}

// Wire frames, client to service.

type clientFrame struct {
	Setup         *setupPayload         `json:"setup,omitempty"`
	ClientContent *clientContentPayload `json:"clientContent,omitempty"`
}

type setupPayload struct {
	Model             string             `json:"model"`
	GenerationConfig  *generationConfig  `json:"generationConfig,omitempty"`
	SystemInstruction *content           `json:"systemInstruction,omitempty"`
	Tools             []tool             `json:"tools,omitempty"`
	SessionResumption *sessionResumption `json:"sessionResumption,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoice `json:"prebuiltVoiceConfig"`
}

type prebuiltVoice struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts,omitempty"`
}

type part struct {
	Text         string        `json:"text,omitempty"`
	InlineData   *inlineData   `json:"inlineData,omitempty"`
	FunctionCall *functionCall `json:"functionCall,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

type functionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type tool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Parameters  *schema `json:"parameters,omitempty"`
}

type schema struct {
	Type        string             `json:"type"`
	Description string             `json:"description,omitempty"`
	Properties  map[string]*schema `json:"properties,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

type sessionResumption struct {
	Handle string `json:"handle,omitempty"`
}

type clientContentPayload struct {
	Turns        []content `json:"turns,omitempty"`
	TurnComplete bool      `json:"turnComplete"`
}

// Wire frames, service to client.

type serverFrame struct {
	SetupComplete           *struct{}                `json:"setupComplete,omitempty"`
	ServerContent           *serverContentPayload    `json:"serverContent,omitempty"`
	SessionResumptionUpdate *sessionResumptionUpdate `json:"sessionResumptionUpdate,omitempty"`
	GoAway                  *goAwayPayload           `json:"goAway,omitempty"`
}

type serverContentPayload struct {
	ModelTurn    *content `json:"modelTurn,omitempty"`
	TurnComplete bool     `json:"turnComplete,omitempty"`
}

type sessionResumptionUpdate struct {
	NewHandle string `json:"newHandle,omitempty"`
	Resumable bool   `json:"resumable,omitempty"`
}

type goAwayPayload struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

func emojiTool() tool {
	return tool{
		FunctionDeclarations: []functionDeclaration{{
			Name:        emojiToolName,
			Description: "Display a single emoji reaction on the host screen.",
			Parameters: &schema{
				Type: "object",
				Properties: map[string]*schema{
					"emoji":   {Type: "string", Description: "The emoji to display."},
					"context": {Type: "string", Description: "Short label for why the emoji fits the moment."},
				},
				Required: []string{"emoji"},
			},
		}},
	}
}

// Every service response decodes into exactly one of these kinds.

type narratorEventKind int

const (
	narratorSetupComplete narratorEventKind = iota
	narratorAudio
	narratorText
	narratorToolCall
	narratorSessionUpdate
	narratorGoAway
	narratorTurnComplete
	narratorClosed
)

func (k narratorEventKind) String() string {
	switch k {
	case narratorSetupComplete:
		return "setup_complete"
	case narratorAudio:
		return "audio"
	case narratorText:
		return "text"
	case narratorToolCall:
		return "tool_call"
	case narratorSessionUpdate:
		return "session_update"
	case narratorGoAway:
		return "go_away"
	case narratorTurnComplete:
		return "turn_complete"
	case narratorClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type narratorEvent struct {
	kind     narratorEventKind
	audio    []byte
	text     string
	emoji    string
	label    string
	handle   string
	timeLeft time.Duration
	err      error
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateConnected
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type narratorConfig struct {
	URL            string
	APIKey         string
	Model          string
	Persona        persona
	FamilyFriendly bool

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	MaxReconnects     int
	KeepaliveInterval time.Duration
	ResponseTimeout   time.Duration
	QueueLimit        int
	HandshakeTimeout  time.Duration
}

func defaultNarratorConfig() narratorConfig {
	return narratorConfig{
		URL:               defaultNarrationURL,
		Model:             defaultNarrationModel,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		MaxReconnects:     8,
		KeepaliveInterval: 15 * time.Second,
		ResponseTimeout:   30 * time.Second,
		QueueLimit:        32,
		HandshakeTimeout:  10 * time.Second,
	}
}

// narrator keeps one duplex session to the speech service alive for a
// room: setup handshake on connect, one spoken turn in flight at a time,
// keepalives while idle, proactive replacement on go-away, and backoff
// reconnects on abnormal closure. Lines requested while offline queue
// and flush in order once setup completes again.
type narrator struct {
	cfg    narratorConfig
	log    zerolog.Logger
	clock  clockwork.Clock
	dialer *websocket.Dialer

	events chan narratorEvent
	done   chan struct{}

	mu           sync.Mutex
	conn         *websocket.Conn
	state        connState
	generation   uint64
	ready        bool
	turnOpen     bool
	handle       string
	attempts     int
	lastResponse time.Time
	queue        []string
	retryTimer   clockwork.Timer
	goAwayTimer  clockwork.Timer
	closed       bool
}

func newNarrator(cfg narratorConfig, log zerolog.Logger, clock clockwork.Clock) *narrator {
	return &narrator{
		cfg:    cfg,
		log:    log,
		clock:  clock,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		events: make(chan narratorEvent, 64),
		done:   make(chan struct{}),
	}
}

// connect establishes the first connection. Call once; reconnection is
// handled internally from then on.
func (n *narrator) connect() {
	n.mu.Lock()
	gen := n.bumpGenerationLocked()
	n.state = stateConnecting
	n.mu.Unlock()

	go n.dial(gen)
}

// speak requests a spoken turn for the given text. While offline, or
// while a prior turn is still open, the text queues and flushes in order.
func (n *narrator) speak(text string) {
	if text == "" {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || n.state == stateClosed {
		return
	}

	if n.ready && !n.turnOpen {
		n.sendTurnLocked(text)
		return
	}

	if len(n.queue) >= n.cfg.QueueLimit {
		n.log.Warn().Msg("narration queue full; dropping oldest line")
		n.queue = n.queue[1:]
	}
	n.queue = append(n.queue, text)
}

// close tears the session down for good, cancelling keepalive and
// reconnect timers. Safe to call more than once.
func (n *narrator) close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	if n.retryTimer != nil {
		n.retryTimer.Stop()
	}
	if n.goAwayTimer != nil {
		n.goAwayTimer.Stop()
	}

	n.teardownLocked()
	n.state = stateClosed
	n.generation++
	close(n.done)
}

func (n *narrator) currentState() connState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *narrator) currentHandle() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.handle
}

// idle reports whether every requested turn has completed and nothing
// is waiting to be sent.
func (n *narrator) idle() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.turnOpen && len(n.queue) == 0
}

func (n *narrator) bumpGenerationLocked() uint64 {
	n.generation++
	return n.generation
}

func (n *narrator) endpoint() string {
	if n.cfg.APIKey == "" {
		return n.cfg.URL
	}

	sep := "?"
	if strings.Contains(n.cfg.URL, "?") {
		sep = "&"
	}

	return n.cfg.URL + sep + "key=" + url.QueryEscape(n.cfg.APIKey)
}

func (n *narrator) dial(gen uint64) {
	n.mu.Lock()
	if n.closed || gen != n.generation {
		n.mu.Unlock()
		return
	}
	handle := n.handle
	n.state = stateConnecting
	n.mu.Unlock()

	conn, resp, err := n.dialer.Dial(n.endpoint(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		n.log.Warn().Err(err).Int("status", status).Msg("narration dial failed")

		n.mu.Lock()
		defer n.mu.Unlock()
		if n.closed || gen != n.generation {
			return
		}
		n.scheduleRetryLocked()
		return
	}

	n.mu.Lock()
	if n.closed || gen != n.generation {
		n.mu.Unlock()
		conn.Close()
		return
	}
	n.conn = conn
	n.state = stateConnected
	n.lastResponse = n.clock.Now()
	err = n.writeLocked(setupFrame(n.cfg, handle))
	n.mu.Unlock()

	if err != nil {
		n.log.Warn().Err(err).Msg("narration setup write failed")
		n.disconnected(gen, err)
		return
	}

	n.log.Info().Bool("resume", handle != "").Msg("narration connected")

	go n.readLoop(gen, conn)
	go n.keepaliveLoop(gen)
}

func setupFrame(cfg narratorConfig, handle string) clientFrame {
	setup := &setupPayload{
		Model: cfg.Model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{
					PrebuiltVoiceConfig: prebuiltVoice{VoiceName: cfg.Persona.Voice},
				},
			},
		},
		SystemInstruction: &content{
			Parts: []part{{Text: systemInstruction(cfg.Persona, cfg.FamilyFriendly)}},
		},
		Tools: []tool{emojiTool()},
		// An empty handle still requests resumability for the fresh session.
		SessionResumption: &sessionResumption{Handle: handle},
	}

	return clientFrame{Setup: setup}
}

func (n *narrator) writeLocked(v any) error {
	if n.conn == nil {
		return errNotConnected
	}
	_ = n.conn.SetWriteDeadline(time.Now().Add(narratorWriteTimeout))
	return n.conn.WriteJSON(v)
}

func (n *narrator) sendTurnLocked(text string) {
	frame := clientFrame{
		ClientContent: &clientContentPayload{
			Turns:        []content{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	}

	if err := n.writeLocked(frame); err != nil {
		n.log.Warn().Err(err).Msg("narration turn write failed")
		n.queue = append([]string{text}, n.queue...)
		return
	}

	n.turnOpen = true
	n.lastResponse = n.clock.Now()
}

func (n *narrator) flushLocked() {
	if !n.ready || n.turnOpen || len(n.queue) == 0 {
		return
	}

	next := n.queue[0]
	n.queue = n.queue[1:]
	n.sendTurnLocked(next)
}

func (n *narrator) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			n.disconnected(gen, err)
			return
		}

		n.handleFrame(gen, data)
	}
}

func (n *narrator) handleFrame(gen uint64, data []byte) {
	var frame serverFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		n.log.Debug().Err(err).Msg("narration frame malformed")
		return
	}

	n.mu.Lock()
	if n.closed || gen != n.generation {
		n.mu.Unlock()
		return
	}
	n.lastResponse = n.clock.Now()
	n.mu.Unlock()

	switch {
	case frame.SetupComplete != nil:
		n.mu.Lock()
		n.ready = true
		n.attempts = 0
		n.flushLocked()
		n.mu.Unlock()
		n.emit(narratorEvent{kind: narratorSetupComplete})

	case frame.ServerContent != nil:
		n.handleServerContent(frame.ServerContent)

	case frame.SessionResumptionUpdate != nil:
		if next := frame.SessionResumptionUpdate.NewHandle; next != "" {
			n.mu.Lock()
			n.handle = next
			n.mu.Unlock()
			n.emit(narratorEvent{kind: narratorSessionUpdate, handle: next})
		}

	case frame.GoAway != nil:
		left := parseTimeLeft(frame.GoAway.TimeLeft)
		n.log.Info().Dur("time_left", left).Msg("narration service going away; replacing connection early")
		n.emit(narratorEvent{kind: narratorGoAway, timeLeft: left})
		n.scheduleGoAwayReconnect(left)
	}
}

func (n *narrator) handleServerContent(sc *serverContentPayload) {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			switch {
			case p.InlineData != nil && len(p.InlineData.Data) > 0:
				n.log.Debug().Str("size", humanReadableSize(int64(len(p.InlineData.Data)))).Msg("narration audio chunk")
				n.emit(narratorEvent{kind: narratorAudio, audio: p.InlineData.Data})

			case p.FunctionCall != nil:
				n.emitToolCall(p.FunctionCall)

			case p.Text != "":
				n.emit(narratorEvent{kind: narratorText, text: p.Text})
			}
		}
	}

	if sc.TurnComplete {
		n.mu.Lock()
		wasOpen := n.turnOpen
		n.turnOpen = false
		n.flushLocked()
		n.mu.Unlock()

		// Only a requested turn reports completion upstream.
		if wasOpen {
			n.emit(narratorEvent{kind: narratorTurnComplete})
		}
	}
}

func (n *narrator) emitToolCall(call *functionCall) {
	if call.Name != emojiToolName {
		n.log.Debug().Str("tool", call.Name).Msg("narration requested unknown tool")
		return
	}

	emoji, _ := call.Args["emoji"].(string)
	label, _ := call.Args["context"].(string)
	if emoji == "" {
		return
	}

	n.emit(narratorEvent{kind: narratorToolCall, emoji: emoji, label: label})
}

func (n *narrator) keepaliveLoop(gen uint64) {
	ticker := n.clock.NewTicker(n.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return

		case <-ticker.Chan():
			n.mu.Lock()
			if n.closed || gen != n.generation {
				n.mu.Unlock()
				return
			}

			if n.turnOpen && n.clock.Since(n.lastResponse) > n.cfg.ResponseTimeout {
				n.teardownLocked()
				n.log.Warn().Msg("narration response overdue; forcing reconnect")
				n.scheduleRetryLocked()
				n.mu.Unlock()
				return
			}

			if n.ready && !n.turnOpen {
				keepalive := clientFrame{ClientContent: &clientContentPayload{TurnComplete: false}}
				if err := n.writeLocked(keepalive); err != nil {
					n.teardownLocked()
					n.log.Warn().Err(err).Msg("narration keepalive failed; reconnecting")
					n.scheduleRetryLocked()
					n.mu.Unlock()
					return
				}
			}
			n.mu.Unlock()
		}
	}
}

// disconnected handles an unexpected read or write failure on the
// connection owned by generation gen. Stale generations are ignored.
func (n *narrator) disconnected(gen uint64, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed || gen != n.generation {
		return
	}

	n.teardownLocked()

	if !retryableClose(err) {
		n.log.Warn().Err(err).Msg("narration session closed; not retrying")
		n.handle = ""
		n.state = stateClosed
		n.generation++
		n.emit(narratorEvent{kind: narratorClosed, err: err})
		return
	}

	n.log.Warn().Err(err).Msg("narration connection lost; retrying")
	n.scheduleRetryLocked()
}

// scheduleGoAwayReconnect replaces the connection shortly before the
// service's advertised cutoff, keeping the resumable handle.
func (n *narrator) scheduleGoAwayReconnect(timeLeft time.Duration) {
	lead := timeLeft - goAwayMargin
	if lead < 0 {
		lead = 0
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	if n.goAwayTimer != nil {
		n.goAwayTimer.Stop()
	}

	n.goAwayTimer = n.clock.AfterFunc(lead, func() {
		n.mu.Lock()
		defer n.mu.Unlock()

		if n.closed {
			return
		}

		n.teardownLocked()
		n.attempts = 0
		next := n.bumpGenerationLocked()
		n.state = stateConnecting
		go n.dial(next)
	})
}

func (n *narrator) scheduleRetryLocked() {
	n.attempts++
	if n.cfg.MaxReconnects > 0 && n.attempts > n.cfg.MaxReconnects {
		n.log.Error().Int("attempts", n.attempts-1).Msg("narration reconnect limit reached; giving up")
		n.state = stateClosed
		n.handle = ""
		n.generation++
		n.emit(narratorEvent{kind: narratorClosed, err: errReconnectLimit})
		return
	}

	delay := withJitter(backoffFor(n.attempts, n.cfg.InitialBackoff, n.cfg.MaxBackoff))
	n.log.Info().Int("attempt", n.attempts).Dur("delay", delay).Msg("narration reconnect scheduled")

	next := n.bumpGenerationLocked()
	n.state = stateConnecting

	if n.retryTimer != nil {
		n.retryTimer.Stop()
	}
	n.retryTimer = n.clock.AfterFunc(delay, func() {
		n.dial(next)
	})
}

func (n *narrator) teardownLocked() {
	if n.conn != nil {
		_ = n.conn.Close()
		n.conn = nil
	}
	n.ready = false
	n.turnOpen = false
	n.state = stateDisconnected
}

func (n *narrator) emit(ev narratorEvent) {
	select {
	case n.events <- ev:
	default:
		n.log.Debug().Stringer("kind", ev.kind).Msg("narration event dropped; consumer behind")
	}
}

// backoffFor returns the base reconnect delay for the given attempt,
// doubling from initial and capped at ceiling.
func backoffFor(attempt int, initial, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}

	if delay > ceiling {
		delay = ceiling
	}
	return delay
}

func withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	return d + rand.N(d/4+1)
}

// retryableClose reports whether a connection failure is worth retrying:
// transient server-side close codes, keyword-matched close reasons, and
// plain network errors qualify; deliberate closures do not.
func retryableClose(err error) bool {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return true
	}

	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway:
		return false
	case websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater:
		return true
	}

	reason := strings.ToLower(ce.Text)
	for _, hint := range []string{"deadline expired", "try again", "unavailable", "internal error"} {
		if strings.Contains(reason, hint) {
			return true
		}
	}

	return false
}

func parseTimeLeft(s string) time.Duration {
	if s == "" {
		return 0
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	if secs, err := strconv.ParseFloat(strings.TrimSuffix(s, "s"), 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}

	return 0
}
