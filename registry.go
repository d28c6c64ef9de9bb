/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog"
)

// Room codes avoid glyphs that read ambiguously on a phone screen
// (I, L, O).
const roomCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ"

const roomCodeLength = 4

// roomRegistry holds the set of live rooms keyed by room code, so each
// hosted game is its own isolated session. Constructed once at startup
// and injected wherever rooms are created or resolved.
type roomRegistry struct {
	cfg   *Config
	bank  *questionBank
	log   zerolog.Logger
	clock clockwork.Clock

	mu    sync.Mutex
	rooms map[string]*room
}

func newRoomRegistry(cfg *Config, bank *questionBank, log zerolog.Logger, clock clockwork.Clock) *roomRegistry {
	rr := &roomRegistry{
		cfg:   cfg,
		bank:  bank,
		log:   log,
		clock: clock,
		rooms: make(map[string]*room),
	}

	if cfg.sessionTimeout > 0 {
		go rr.reaperLoop()
	}

	return rr
}

// createRoom opens a fresh room with the given socket as its host and
// starts the room loop.
func (rr *roomRegistry) createRoom(host *Client) *room {
	code := rr.newRoomCode()
	log := rr.log.With().Str("room", code).Logger()

	r := newRoom(rr.cfg, code, host, rr, rr.bank, rr.clock, log)

	rr.mu.Lock()
	rr.rooms[code] = r
	rr.mu.Unlock()

	go r.run()

	host.deliver(roomCreatedMessage{Type: eventRoomCreated, RoomCode: code})

	log.Info().Msg("room created")

	return r
}

func (rr *roomRegistry) lookup(code string) *room {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	return rr.rooms[code]
}

// detach forgets a room; called from the room's own teardown.
func (rr *roomRegistry) detach(code string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	delete(rr.rooms, code)
}

func (rr *roomRegistry) count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	return len(rr.rooms)
}

// newRoomCode generates a crypto-random room code and ensures it doesn't
// collide with existing rooms.
func (rr *roomRegistry) newRoomCode() string {
	for {
		out := make([]byte, roomCodeLength)
		for i := range out {
			out[i] = roomCodeAlphabet[cryptoIndex(len(roomCodeAlphabet))]
		}
		code := string(out)

		rr.mu.Lock()
		_, exists := rr.rooms[code]
		rr.mu.Unlock()

		if !exists {
			return code
		}
	}
}

// reaperLoop periodically closes rooms that have been idle longer than
// the session timeout. The room's own teardown detaches it.
func (rr *roomRegistry) reaperLoop() {
	ticker := rr.clock.NewTicker(rr.cfg.sessionTimeout / 2)
	defer ticker.Stop()

	for range ticker.Chan() {
		cutoff := rr.clock.Now().Add(-rr.cfg.sessionTimeout)

		rr.mu.Lock()
		stale := make([]*room, 0)
		for _, r := range rr.rooms {
			if r.idleSince().Before(cutoff) {
				stale = append(stale, r)
			}
		}
		rr.mu.Unlock()

		for _, r := range stale {
			rr.log.Info().Str("room", r.code).Msg("reaping idle room")
			r.stop()
		}
	}
}

// registerTriviaGame sets up routes so that:
//   - $path                → host screen (HTML)
//   - $path/ws             → WebSocket for hosts and players
//   - $path/join/:room     → player client (HTML)
//   - $path/join/:room/qr  → PNG QR code for that join URL
func registerTriviaGame(cfg *Config, path string, mux *httprouter.Router, log zerolog.Logger) error {
	bank, err := loadQuestionBank()
	if err != nil {
		return err
	}

	registry := newRoomRegistry(cfg, bank, log, clockwork.NewRealClock())

	// Host screen
	mux.GET(cfg.prefix+path, getPageHandler(cfg, hostHTML))

	// Shared websocket for hosts and players
	mux.GET(cfg.prefix+path+"/ws", serveWS(registry))

	// Player client and its QR code
	mux.GET(cfg.prefix+path+"/join/:room", getPageHandler(cfg, playHTML))
	mux.GET(cfg.prefix+path+"/join/:room/qr", qrHandler)

	// Shared assets (no room code in route)
	mux.GET(cfg.prefix+"/assets/trivia/app.css", getStaticHandler(cfg, "text/css; charset=utf-8", triviaCSS))
	mux.GET(cfg.prefix+"/assets/trivia/app.js", getStaticHandler(cfg, "application/javascript; charset=utf-8", triviaJS))

	return nil
}
