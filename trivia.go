// Triviabox
//
// A Fibbage-style bluffing game. The host opens a room on a big screen and
// players join from their phones with a 4-letter room code. Each question,
// every player submits a convincing lie; the lies are mixed with the real
// answer (padded with house decoys) and everyone votes for the truth.
// Finding the truth pays 1000 points times the round multiplier; every
// player fooled by your lie pays you 500 times the multiplier.
//
// Features:
// - Single WebSocket endpoint: /path/ws; the first message binds the
//   socket as host (join_host) or player (join_player)
// - Host screen at /path, players join at /path/join/:room
// - 4-letter room codes via crypto/rand, ambiguous glyphs excluded,
//   with server-side collision check
// - One event-loop goroutine per room; timers, narration events, and
//   grace-period removals are delivered into it as wake messages
// - Optional AI narrator over a duplex speech session; audio is
//   forwarded to the host as it arrives
// - Auto-progress paces intro/reveal/scoreboard beats on narration
//   completion, with a fallback timer racing it under a shared epoch
// - Disconnected players are kept for a grace period and can reconnect
//   by name with score and submissions intact; rooms die with the host
// - Rooms auto-reaped after a configurable idle timeout
// - In-browser QR button to share the join URL, backed by go-qrcode

package main

import (
	_ "embed"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
	"github.com/skip2/go-qrcode"
)

const (
	// Extra fallback headroom while narration is expected to pace a beat.
	paceNarrationSlack = 20 * time.Second

	// Small gap after scheduled audio runs out before a beat completes.
	narrationTail = 500 * time.Millisecond
)

// Outbound event names. game_state is built in session.go.
const (
	eventRoomCreated     = "room_created"
	eventRoomCheckResult = "room_check_result"
	eventJoined          = "joined"
	eventGameState       = "game_state"
	eventTimerSync       = "timer_sync"
	eventAudioChunk      = "audio_chunk"
	eventAudioComplete   = "audio_complete"
	eventShowEmoji       = "show_emoji"
	eventError           = "error"
	eventPong            = "pong"
)

// Messages coming from clients
type clientMessage struct {
	Type       string `json:"type"`                 // "join_host", "join_player", "check_room", "submit_lie", "submit_vote", "request_next", "set_auto_progress", "ping"
	RoomCode   string `json:"roomCode,omitempty"`   // all but join_host/ping
	PlayerName string `json:"playerName,omitempty"` // join_player
	Lie        string `json:"lie,omitempty"`        // submit_lie
	ChoiceID   string `json:"choiceId,omitempty"`   // submit_vote
	Enabled    *bool  `json:"enabled,omitempty"`    // set_auto_progress
}

// Messages sent to clients

type roomCreatedMessage struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
}

type roomCheckResultMessage struct {
	Type     string `json:"type"`
	RoomCode string `json:"roomCode"`
	Active   bool   `json:"active"`
}

// Sent to a single client once its join is accepted, so it knows its
// stable player id for the rest of the room's life.
type joinedMessage struct {
	Type       string `json:"type"`
	RoomCode   string `json:"roomCode"`
	PlayerID   string `json:"playerId"`
	PlayerName string `json:"playerName"`
}

type timerSyncMessage struct {
	Type      string `json:"type"`
	Remaining int    `json:"remaining"` // seconds
	Total     int    `json:"total"`
}

// audioChunkMessage carries one PCM chunk to the host; Data is base64 on
// the wire.
type audioChunkMessage struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

type audioCompleteMessage struct {
	Type string `json:"type"`
}

type showEmojiMessage struct {
	Type    string `json:"type"`
	Emoji   string `json:"emoji"`
	Context string `json:"context,omitempty"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type string `json:"type"`
}

type Client struct {
	conn *websocket.Conn
	send chan any
}

// deliver queues a message for this client only, reporting false if its
// send buffer is full.
func (c *Client) deliver(msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

type joinRequest struct {
	client *Client
	name   string
}

type actionRequest struct {
	client *Client
	msg    clientMessage
}

type wakeKind int

const (
	wakePhaseExpired wakeKind = iota
	wakePace
	wakeRemovePlayer
)

// wakeEvent is a delayed continuation delivered into the room loop.
// Stale events are discarded there via the phase or epoch guard.
type wakeEvent struct {
	kind   wakeKind
	phase  gamePhase
	epoch  uint64
	player string
}

// room owns one trivia session: a single event-loop goroutine applies
// every mutation, so the session itself needs no locking. The mutex
// guards only the client set and the idle timestamp, which the reaper
// and timer goroutines touch from outside.
type room struct {
	code     string
	cfg      *Config
	log      zerolog.Logger
	registry *roomRegistry
	clock    clockwork.Clock

	session   *session
	countdown *countdown
	timeline  *audioTimeline
	narrator  *narrator

	register chan *Client
	unreg    chan *Client
	joins    chan joinRequest
	actions  chan actionRequest
	wake     chan wakeEvent

	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	// Loop-owned after construction.
	host         *Client
	playerOf     map[*Client]string
	paceEpoch    uint64
	paceArmed    bool
	paceTimer    clockwork.Timer
	narratorDead bool

	mu         sync.Mutex
	clients    map[*Client]bool
	createdAt  time.Time
	lastActive time.Time
}

func newRoom(cfg *Config, code string, host *Client, registry *roomRegistry, bank *questionBank, clock clockwork.Clock, log zerolog.Logger) *room {
	now := clock.Now()

	r := &room{
		code:       code,
		cfg:        cfg,
		log:        log,
		registry:   registry,
		clock:      clock,
		host:       host,
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		joins:      make(chan joinRequest),
		actions:    make(chan actionRequest),
		wake:       make(chan wakeEvent, 16),
		quit:       make(chan struct{}),
		done:       make(chan struct{}),
		playerOf:   make(map[*Client]string),
		clients:    map[*Client]bool{host: true},
		createdAt:  now,
		lastActive: now,
	}

	r.countdown = newCountdown(clock)
	r.timeline = newAudioTimeline(clock, narrationSampleRate, scheduleLead)

	timing := defaultTiming()
	if cfg.lieTimeout > 0 {
		timing.LieInput = cfg.lieTimeout
	}
	if cfg.voteTimeout > 0 {
		timing.Voting = cfg.voteTimeout
	}

	r.session = newSession(bank, timing, cfg.autoProgress, log)
	r.session.hooks = sessionHooks{
		publish:    r.publishState,
		narrate:    r.narrate,
		startTimer: r.startPhaseTimer,
		stopTimer:  r.countdown.stop,
		pace:       r.armPace,
		cancelPace: r.cancelPace,
	}

	if cfg.narratorKey != "" {
		ncfg := defaultNarratorConfig()
		if cfg.narratorURL != "" {
			ncfg.URL = cfg.narratorURL
		}
		if cfg.narratorModel != "" {
			ncfg.Model = cfg.narratorModel
		}
		ncfg.APIKey = cfg.narratorKey
		ncfg.Persona = cfg.narratorPersona
		ncfg.FamilyFriendly = cfg.familyFriendly

		r.narrator = newNarrator(ncfg, log, clock)
		r.narrator.connect()
	}

	return r
}

// stop asks the room loop to exit; safe from any goroutine.
func (r *room) stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
}

func (r *room) run() {
	defer r.teardown()

	r.narrate(roomOpenLine(r.code))
	r.publishState()

	var narration <-chan narratorEvent
	if r.narrator != nil {
		narration = r.narrator.events
	}

	for {
		select {
		case c := <-r.register:
			r.addClient(c)

		case c := <-r.unreg:
			if r.dropClient(c) {
				return
			}

		case jr := <-r.joins:
			r.handleJoin(jr)

		case ar := <-r.actions:
			r.handleAction(ar)

		case ev := <-r.wake:
			r.handleWake(ev)

		case ev := <-narration:
			r.handleNarration(ev)

		case <-r.quit:
			return
		}
	}
}

func (r *room) teardown() {
	r.registry.detach(r.code)

	r.countdown.stop()
	if r.paceTimer != nil {
		r.paceTimer.Stop()
	}
	if r.narrator != nil {
		r.narrator.close()
	}

	r.mu.Lock()
	for c := range r.clients {
		delete(r.clients, c)
		close(c.send)
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
	r.mu.Unlock()

	close(r.done)
	r.log.Info().Msg("room closed")
}

func (r *room) touch() {
	r.mu.Lock()
	r.lastActive = r.clock.Now()
	r.mu.Unlock()
}

func (r *room) idleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastActive
}

func (r *room) addClient(c *Client) {
	r.mu.Lock()
	r.clients[c] = true
	r.lastActive = r.clock.Now()
	r.mu.Unlock()

	c.deliver(r.session.stateView(r.code))
}

// dropClient handles a departed socket. Reports true when it was the
// host's, which ends the room.
func (r *room) dropClient(c *Client) bool {
	r.mu.Lock()
	if _, ok := r.clients[c]; ok {
		delete(r.clients, c)
		close(c.send)
	}
	r.lastActive = r.clock.Now()
	r.mu.Unlock()

	if c == r.host {
		r.log.Info().Msg("host disconnected; closing room")
		return true
	}

	if id, ok := r.playerOf[c]; ok {
		delete(r.playerOf, c)
		r.session.disconnect(id)
		r.scheduleRemoval(id)
	}

	return false
}

// scheduleRemoval drops the player's record if they have not reconnected
// before the grace period ends.
func (r *room) scheduleRemoval(playerID string) {
	if r.cfg.playerTimeout <= 0 {
		return
	}

	r.clock.AfterFunc(r.cfg.playerTimeout, func() {
		r.deliverWake(wakeEvent{kind: wakeRemovePlayer, player: playerID})
	})
}

func (r *room) deliverWake(ev wakeEvent) {
	select {
	case r.wake <- ev:
	case <-r.done:
	}
}

func (r *room) handleJoin(jr joinRequest) {
	r.touch()

	p, err := r.session.join(jr.name)
	if err != nil {
		jr.client.deliver(errorMessage{Type: eventError, Message: err.Error()})
		return
	}

	r.playerOf[jr.client] = p.ID
	jr.client.deliver(joinedMessage{
		Type:       eventJoined,
		RoomCode:   r.code,
		PlayerID:   p.ID,
		PlayerName: p.Name,
	})
	r.log.Info().Str("player", p.Name).Msg("player joined")
}

// handleAction routes a validated inbound action to the session. Host
// commands from player sockets, and player actions from sockets without
// a bound player, are dropped.
func (r *room) handleAction(ar actionRequest) {
	r.touch()

	c := ar.client
	msg := ar.msg

	var err error

	switch msg.Type {
	case "request_next":
		if c != r.host {
			return
		}
		err = r.session.advance()

	case "set_auto_progress":
		if c != r.host {
			return
		}
		r.session.setAutoProgress(msg.Enabled != nil && *msg.Enabled)

	case "submit_lie":
		id, ok := r.playerOf[c]
		if !ok {
			return
		}
		err = r.session.submitLie(id, msg.Lie)

	case "submit_vote":
		id, ok := r.playerOf[c]
		if !ok {
			return
		}
		err = r.session.submitVote(id, msg.ChoiceID)
	}

	if err != nil {
		c.deliver(errorMessage{Type: eventError, Message: err.Error()})
	}
}

func (r *room) handleWake(ev wakeEvent) {
	switch ev.kind {
	case wakePhaseExpired:
		r.touch()
		r.session.timerExpired(ev.phase)

	case wakePace:
		if !r.paceArmed || ev.epoch != r.paceEpoch {
			return
		}
		r.paceArmed = false
		r.paceEpoch++
		r.touch()
		r.session.paceFired()

	case wakeRemovePlayer:
		r.session.remove(ev.player)
	}
}

func (r *room) handleNarration(ev narratorEvent) {
	switch ev.kind {
	case narratorAudio:
		if _, err := r.timeline.schedule(ev.audio); err != nil {
			r.log.Debug().Err(err).Msg("unplayable narration chunk")
			return
		}
		r.sendHost(audioChunkMessage{Type: eventAudioChunk, Data: ev.audio})

	case narratorTurnComplete:
		r.sendHost(audioCompleteMessage{Type: eventAudioComplete})
		r.maybeFinishPaceBeat()

	case narratorToolCall:
		r.broadcast(showEmojiMessage{Type: eventShowEmoji, Emoji: ev.emoji, Context: ev.label})

	case narratorText:
		r.log.Debug().Str("text", ev.text).Msg("narration text")

	case narratorClosed:
		r.log.Warn().Err(ev.err).Msg("narration unavailable for the rest of this room")
		r.narratorDead = true
	}
}

// Session hooks. All called on the room loop.

func (r *room) publishState() {
	r.broadcast(r.session.stateView(r.code))
}

func (r *room) narrate(line string) {
	if r.narrator == nil {
		return
	}

	r.narrator.speak(line)
}

func (r *room) startPhaseTimer(total time.Duration) {
	phase := r.session.phase

	r.countdown.start(total,
		func(remaining, total time.Duration) {
			r.broadcast(timerSyncMessage{
				Type:      eventTimerSync,
				Remaining: int(remaining / time.Second),
				Total:     int(total / time.Second),
			})
		},
		func() {
			r.deliverWake(wakeEvent{kind: wakePhaseExpired, phase: phase})
		})
}

// armPace starts an auto-progress beat: the fallback timer below races
// narration completion (maybeFinishPaceBeat), and whichever delivers a
// wake with the current epoch first wins.
func (r *room) armPace(delay time.Duration) {
	r.paceEpoch++
	epoch := r.paceEpoch
	r.paceArmed = true

	fallback := delay
	if r.narrator != nil && !r.narratorDead {
		fallback += paceNarrationSlack
	}

	if r.paceTimer != nil {
		r.paceTimer.Stop()
	}
	r.paceTimer = r.clock.AfterFunc(fallback, func() {
		r.deliverWake(wakeEvent{kind: wakePace, epoch: epoch})
	})
}

func (r *room) cancelPace() {
	r.paceEpoch++
	r.paceArmed = false

	if r.paceTimer != nil {
		r.paceTimer.Stop()
	}
}

// maybeFinishPaceBeat completes the current beat once the narrator has
// nothing further queued, waiting out whatever audio is still scheduled
// so speech is not cut off.
func (r *room) maybeFinishPaceBeat() {
	if !r.paceArmed || r.narrator == nil || !r.narrator.idle() {
		return
	}

	epoch := r.paceEpoch
	wait := r.timeline.remaining() + narrationTail

	r.clock.AfterFunc(wait, func() {
		r.deliverWake(wakeEvent{kind: wakePace, epoch: epoch})
	})
}

func (r *room) broadcast(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for client := range r.clients {
		select {
		case client.send <- msg:
		default:
			delete(r.clients, client)
			close(client.send)
		}
	}
}

func (r *room) sendHost(msg any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.clients[r.host] {
		return
	}

	select {
	case r.host.send <- msg:
	default:
		delete(r.clients, r.host)
		close(r.host.send)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection and runs the read pump. The first
// join_host or join_player message binds the socket to a room.
func serveWS(registry *roomRegistry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			registry.log.Debug().Err(err).Msg("websocket upgrade failed")
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
		}

		go client.writePump()
		client.readPump(registry)
	}
}

func (c *Client) readPump(registry *roomRegistry) {
	var bound *room

	defer func() {
		if bound != nil {
			select {
			case bound.unreg <- c:
			case <-bound.done:
			}
		}
		_ = c.conn.Close()
	}()

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "ping":
			c.deliver(pongMessage{Type: eventPong})

		case "check_room":
			code := normalizeRoomCode(msg.RoomCode)
			c.deliver(roomCheckResultMessage{
				Type:     eventRoomCheckResult,
				RoomCode: code,
				Active:   registry.lookup(code) != nil,
			})

		case "join_host":
			if bound != nil {
				continue
			}
			bound = registry.createRoom(c)

		case "join_player":
			if bound != nil {
				continue
			}

			room := registry.lookup(normalizeRoomCode(msg.RoomCode))
			if room == nil {
				c.deliver(errorMessage{Type: eventError, Message: "room not found"})
				continue
			}

			select {
			case room.register <- c:
			case <-room.done:
				c.deliver(errorMessage{Type: eventError, Message: "room not found"})
				continue
			}
			bound = room

			select {
			case room.joins <- joinRequest{client: c, name: msg.PlayerName}:
			case <-room.done:
			}

		case "submit_lie", "submit_vote", "request_next", "set_auto_progress":
			if bound == nil {
				continue
			}

			select {
			case bound.actions <- actionRequest{client: c, msg: msg}:
			case <-bound.done:
			}

		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

func normalizeRoomCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// QR handler: generates a PNG QR code for the current join URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomCode := ps.ByName("room")
	if roomCode == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../join/:room/qr; strip trailing "/qr" to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed assets/trivia/host.html
var hostHTML []byte

//go:embed assets/trivia/play.html
var playHTML []byte

//go:embed assets/trivia/app.css
var triviaCSS []byte

//go:embed assets/trivia/app.js
var triviaJS []byte

func getPageHandler(cfg *Config, body []byte) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(body)
	}
}

func getStaticHandler(cfg *Config, contentType string, body []byte) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(body)
	}
}
