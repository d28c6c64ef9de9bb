/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// stubClient is a Client without a socket. A collector goroutine drains
// the send channel so broadcasts never see a full buffer, collecting
// every message for inspection.
type stubClient struct {
	c *Client

	mu     sync.Mutex
	msgs   []any
	closed bool
}

func newStubClient() *stubClient {
	sc := &stubClient{c: &Client{send: make(chan any, 8)}}

	go func() {
		for msg := range sc.c.send {
			sc.mu.Lock()
			sc.msgs = append(sc.msgs, msg)
			sc.mu.Unlock()
		}

		sc.mu.Lock()
		sc.closed = true
		sc.mu.Unlock()
	}()

	return sc
}

func (sc *stubClient) isClosed() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	return sc.closed
}

// latestState returns the most recent game_state this client received.
func (sc *stubClient) latestState() (gameStateView, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for i := len(sc.msgs) - 1; i >= 0; i-- {
		if st, ok := sc.msgs[i].(gameStateView); ok {
			return st, true
		}
	}

	return gameStateView{}, false
}

func (sc *stubClient) find(match func(any) bool) (any, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	for _, m := range sc.msgs {
		if match(m) {
			return m, true
		}
	}

	return nil, false
}

func awaitPhase(t *testing.T, sc *stubClient, phase gamePhase) gameStateView {
	t.Helper()

	var got gameStateView

	require.Eventuallyf(t, func() bool {
		st, ok := sc.latestState()
		if !ok || st.Phase != phase {
			return false
		}

		got = st

		return true
	}, 2*time.Second, 5*time.Millisecond, "never reached phase %s", phase)

	return got
}

func awaitJoined(t *testing.T, sc *stubClient) joinedMessage {
	t.Helper()

	var got joinedMessage

	require.Eventually(t, func() bool {
		m, ok := sc.find(func(m any) bool {
			_, isJoined := m.(joinedMessage)
			return isJoined
		})
		if !ok {
			return false
		}

		got = m.(joinedMessage)

		return true
	}, 2*time.Second, 5*time.Millisecond, "join was never acknowledged")

	return got
}

func awaitErrorText(t *testing.T, sc *stubClient, text string) {
	t.Helper()

	require.Eventuallyf(t, func() bool {
		_, ok := sc.find(func(m any) bool {
			em, isErr := m.(errorMessage)
			return isErr && em.Message == text
		})

		return ok
	}, 2*time.Second, 5*time.Millisecond, "error %q was never delivered", text)
}

func awaitTimerTotal(t *testing.T, sc *stubClient, total int) {
	t.Helper()

	require.Eventuallyf(t, func() bool {
		_, ok := sc.find(func(m any) bool {
			ts, isTimer := m.(timerSyncMessage)
			return isTimer && ts.Total == total
		})

		return ok
	}, 2*time.Second, 5*time.Millisecond, "no timer sync with total %d", total)
}

func newTestRegistry(clock clockwork.Clock, autoProgress bool) *roomRegistry {
	cfg := &Config{
		autoProgress:   autoProgress,
		lieTimeout:     45 * time.Second,
		voteTimeout:    25 * time.Second,
		playerTimeout:  time.Minute,
		sessionTimeout: time.Hour,
	}

	return newRoomRegistry(cfg, testBank(), zerolog.Nop(), clock)
}

func createTestRoom(t *testing.T, rr *roomRegistry) (*stubClient, *room) {
	t.Helper()

	host := newStubClient()
	r := rr.createRoom(host.c)
	require.NotNil(t, r)

	t.Cleanup(func() {
		r.stop()
		<-r.done
	})

	return host, r
}

func joinTestPlayer(t *testing.T, r *room, name string) (*stubClient, joinedMessage) {
	t.Helper()

	sc := newStubClient()
	r.register <- sc.c
	r.joins <- joinRequest{client: sc.c, name: name}

	return sc, awaitJoined(t, sc)
}

func sendAction(r *room, c *Client, msg clientMessage) {
	r.actions <- actionRequest{client: c, msg: msg}
}

func TestCreateRoomDeliversCodeAndState(t *testing.T) {
	rr := newTestRegistry(clockwork.NewFakeClock(), false)
	host, r := createTestRoom(t, rr)

	require.Len(t, r.code, roomCodeLength)
	for _, ch := range r.code {
		require.Contains(t, roomCodeAlphabet, string(ch))
	}

	require.Same(t, r, rr.lookup(r.code))
	require.Equal(t, 1, rr.count())

	require.Eventually(t, func() bool {
		_, ok := host.find(func(m any) bool {
			rc, isCreated := m.(roomCreatedMessage)
			return isCreated && rc.RoomCode == r.code
		})

		return ok
	}, 2*time.Second, 5*time.Millisecond)

	st := awaitPhase(t, host, phaseLobby)
	require.Equal(t, r.code, st.RoomCode)
	require.Empty(t, st.Players)
	require.False(t, st.AutoProgress)
	require.Nil(t, st.Question)
}

func TestUnknownRoomLookup(t *testing.T) {
	rr := newTestRegistry(clockwork.NewFakeClock(), false)
	_, r := createTestRoom(t, rr)

	require.Nil(t, rr.lookup("ZZZZ"))
	require.NotNil(t, rr.lookup(r.code))
}

func TestPlayerJoinFlow(t *testing.T) {
	rr := newTestRegistry(clockwork.NewFakeClock(), false)
	host, r := createTestRoom(t, rr)

	_, joined := joinTestPlayer(t, r, "ana")
	require.Equal(t, r.code, joined.RoomCode)
	require.Equal(t, "ana", joined.PlayerName)
	require.NotEmpty(t, joined.PlayerID)

	require.Eventually(t, func() bool {
		st, ok := host.latestState()
		return ok && len(st.Players) == 1
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := host.latestState()
	require.Equal(t, "ana", st.Players[0].Name)
	require.True(t, st.Players[0].Connected)

	// The same name, however cased, cannot join twice while connected.
	dup := newStubClient()
	r.register <- dup.c
	r.joins <- joinRequest{client: dup.c, name: "ANA"}
	awaitErrorText(t, dup, errNameTaken.Error())

	// The rejected socket never became a player.
	st, _ = host.latestState()
	require.Len(t, st.Players, 1)
}

func TestHostRunsFullQuestion(t *testing.T) {
	rr := newTestRegistry(clockwork.NewFakeClock(), false)
	host, r := createTestRoom(t, rr)

	ana, anaJoined := joinTestPlayer(t, r, "ana")
	ben, benJoined := joinTestPlayer(t, r, "ben")

	// LOBBY -> ROUND_INTRO
	sendAction(r, host.c, clientMessage{Type: "request_next"})
	intro := awaitPhase(t, host, phaseRoundIntro)
	require.NotNil(t, intro.Question)
	require.Equal(t, 1, intro.Question.Number)
	require.Equal(t, 1, intro.Question.Round)
	require.Empty(t, intro.Question.Answer)

	// ROUND_INTRO -> LIE_INPUT, with a synced lie timer.
	sendAction(r, host.c, clientMessage{Type: "request_next"})
	lying := awaitPhase(t, ana, phaseLieInput)
	awaitTimerTotal(t, host, 45)

	var qn int
	_, err := fmt.Sscanf(lying.Question.Prompt, "Test prompt %d is ___.", &qn)
	require.NoError(t, err)
	answer := fmt.Sprintf("real answer %d", qn)

	// Submitting the actual answer as a lie is rejected.
	sendAction(r, ana.c, clientMessage{Type: "submit_lie", Lie: answer})
	awaitErrorText(t, ana, errTooCloseToTruth.Error())

	sendAction(r, ana.c, clientMessage{Type: "submit_lie", Lie: "a convincing lie"})
	sendAction(r, ben.c, clientMessage{Type: "submit_lie", Lie: "a feeble lie"})

	// Both lies in ends the phase early.
	voting := awaitPhase(t, host, phaseVoting)
	awaitTimerTotal(t, host, 25)
	require.Len(t, voting.Lies, optionTarget)
	require.Empty(t, voting.Question.Answer)
	for _, o := range voting.Lies {
		require.False(t, o.Truth)
		require.Empty(t, o.Author)
		require.Empty(t, o.Votes)
	}

	// Lie options are keyed by their author's player id.
	texts := make(map[string]string, len(voting.Lies))
	for _, o := range voting.Lies {
		texts[o.ID] = o.Text
	}
	require.Equal(t, "a convincing lie", texts[anaJoined.PlayerID])
	require.Equal(t, "a feeble lie", texts[benJoined.PlayerID])
	require.Equal(t, answer, texts[truthOptionID])

	sendAction(r, ana.c, clientMessage{Type: "submit_vote", ChoiceID: truthOptionID})
	sendAction(r, ben.c, clientMessage{Type: "submit_vote", ChoiceID: anaJoined.PlayerID})

	// All votes in moves to REVEAL; ana's voted lie is uncovered first,
	// the truth stays masked.
	reveal := awaitPhase(t, host, phaseReveal)
	require.Equal(t, []string{anaJoined.PlayerID}, reveal.Revealed)

	for _, o := range reveal.Lies {
		switch o.ID {
		case anaJoined.PlayerID:
			require.Equal(t, "ana", o.Author)
			require.Equal(t, []string{"ben"}, o.Votes)
		case truthOptionID:
			require.False(t, o.Truth)
			require.Empty(t, o.Votes)
		}
	}

	// Next step uncovers the truth.
	sendAction(r, host.c, clientMessage{Type: "request_next"})
	require.Eventually(t, func() bool {
		st, ok := host.latestState()
		return ok && len(st.Revealed) == 2
	}, 2*time.Second, 5*time.Millisecond)

	st, _ := host.latestState()
	require.Equal(t, phaseReveal, st.Phase)
	for _, o := range st.Lies {
		if o.ID == truthOptionID {
			require.True(t, o.Truth)
			require.Equal(t, []string{"ana"}, o.Votes)
		}
	}

	// Sequence exhausted: the next step lands on the mini scoreboard with
	// the scores applied. ana found the truth and fooled ben.
	sendAction(r, host.c, clientMessage{Type: "request_next"})
	mini := awaitPhase(t, host, phaseMiniScoreboard)
	require.Equal(t, answer, mini.Question.Answer)

	scores := make(map[string]int, len(mini.Players))
	gains := make(map[string]int, len(mini.Players))
	for _, p := range mini.Players {
		scores[p.Name] = p.Score
		gains[p.Name] = p.Gained
	}
	require.Equal(t, truthPoints+foolingPoints, scores["ana"])
	require.Equal(t, truthPoints+foolingPoints, gains["ana"])
	require.Zero(t, scores["ben"])

	// Mid-round advance goes straight to the next question's lie input.
	sendAction(r, host.c, clientMessage{Type: "request_next"})
	next := awaitPhase(t, host, phaseLieInput)
	require.Equal(t, 2, next.Question.Number)
	require.Empty(t, next.Lies)
	for _, p := range next.Players {
		require.False(t, p.Submitted)
	}
}

func TestPlayerCannotDriveGame(t *testing.T) {
	rr := newTestRegistry(clockwork.NewFakeClock(), false)
	host, r := createTestRoom(t, rr)

	ana, _ := joinTestPlayer(t, r, "ana")

	sendAction(r, ana.c, clientMessage{Type: "request_next"})

	require.Never(t, func() bool {
		st, ok := host.latestState()
		return ok && st.Phase != phaseLobby
	}, 150*time.Millisecond, 10*time.Millisecond)

	enabled := true
	sendAction(r, ana.c, clientMessage{Type: "set_auto_progress", Enabled: &enabled})

	require.Never(t, func() bool {
		st, ok := host.latestState()
		return ok && st.AutoProgress
	}, 150*time.Millisecond, 10*time.Millisecond)
}

func TestUnboundSocketActionsIgnored(t *testing.T) {
	rr := newTestRegistry(clockwork.NewFakeClock(), false)
	host, r := createTestRoom(t, rr)

	_, _ = joinTestPlayer(t, r, "ana")

	// Start lie input so there is something to submit to.
	sendAction(r, host.c, clientMessage{Type: "request_next"})
	sendAction(r, host.c, clientMessage{Type: "request_next"})
	awaitPhase(t, host, phaseLieInput)

	// A registered socket that never joined has no player bound, so its
	// submissions are dropped without so much as an error.
	lurker := newStubClient()
	r.register <- lurker.c
	sendAction(r, lurker.c, clientMessage{Type: "submit_lie", Lie: "ghost lie"})

	require.Never(t, func() bool {
		_, ok := lurker.find(func(m any) bool {
			_, isErr := m.(errorMessage)
			return isErr
		})
		if ok {
			return true
		}

		st, stOk := host.latestState()

		return stOk && st.Phase != phaseLieInput
	}, 150*time.Millisecond, 10*time.Millisecond)
}

func TestDisconnectMarksAwayThenRemoves(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rr := newTestRegistry(clock, false)
	host, r := createTestRoom(t, rr)

	ana, _ := joinTestPlayer(t, r, "ana")

	r.unreg <- ana.c

	require.Eventually(t, func() bool {
		st, ok := host.latestState()
		return ok && len(st.Players) == 1 && !st.Players[0].Connected
	}, 2*time.Second, 5*time.Millisecond, "player was not marked away")

	require.Eventually(t, ana.isClosed, 2*time.Second, 5*time.Millisecond)

	// Once the grace period runs out the record is dropped. The waiters
	// here are the reaper ticker and the scheduled removal.
	clock.BlockUntil(2)
	clock.Advance(time.Minute)

	require.Eventually(t, func() bool {
		st, ok := host.latestState()
		return ok && len(st.Players) == 0
	}, 2*time.Second, 5*time.Millisecond, "player was not removed after the grace period")
}

func TestReconnectKeepsIdentity(t *testing.T) {
	rr := newTestRegistry(clockwork.NewFakeClock(), false)
	host, r := createTestRoom(t, rr)

	first, firstJoined := joinTestPlayer(t, r, "ana")

	r.unreg <- first.c
	require.Eventually(t, func() bool {
		st, ok := host.latestState()
		return ok && len(st.Players) == 1 && !st.Players[0].Connected
	}, 2*time.Second, 5*time.Millisecond)

	// Rejoining by name, any case, resumes the same player record.
	second, secondJoined := joinTestPlayer(t, r, "Ana")
	require.Equal(t, firstJoined.PlayerID, secondJoined.PlayerID)
	require.Equal(t, "ana", secondJoined.PlayerName)

	require.Eventually(t, func() bool {
		st, ok := second.latestState()
		return ok && len(st.Players) == 1 && st.Players[0].Connected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHostLeaveClosesRoom(t *testing.T) {
	rr := newTestRegistry(clockwork.NewFakeClock(), false)
	host, r := createTestRoom(t, rr)

	ana, _ := joinTestPlayer(t, r, "ana")

	r.unreg <- host.c
	<-r.done

	require.Nil(t, rr.lookup(r.code))
	require.Zero(t, rr.count())

	require.Eventually(t, host.isClosed, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, ana.isClosed, 2*time.Second, 5*time.Millisecond)
}

func TestAutoProgressFallbackAdvancesIntro(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rr := newTestRegistry(clock, true)
	host, r := createTestRoom(t, rr)

	_, _ = joinTestPlayer(t, r, "ana")

	sendAction(r, host.c, clientMessage{Type: "request_next"})
	intro := awaitPhase(t, host, phaseRoundIntro)
	require.True(t, intro.AutoProgress)

	// Without a narrator the pace fallback fires after the intro delay.
	// The waiters are the reaper ticker and the pace timer.
	clock.BlockUntil(2)
	clock.Advance(defaultTiming().Intro)

	awaitPhase(t, host, phaseLieInput)
}

func TestLieTimeoutFillsAndMovesOn(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rr := newTestRegistry(clock, false)
	host, r := createTestRoom(t, rr)

	_, _ = joinTestPlayer(t, r, "ana")

	sendAction(r, host.c, clientMessage{Type: "request_next"})
	sendAction(r, host.c, clientMessage{Type: "request_next"})
	awaitPhase(t, host, phaseLieInput)
	awaitTimerTotal(t, host, 45)

	// The waiters are the reaper ticker and the countdown's own ticker.
	clock.BlockUntil(2)
	clock.Advance(45 * time.Second)

	voting := awaitPhase(t, host, phaseVoting)

	var placeholder bool
	for _, o := range voting.Lies {
		if o.Text == placeholderLie {
			placeholder = true
		}
	}
	require.True(t, placeholder, "missing lie was not filled in")
}

func TestIdleRoomsAreReaped(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rr := newTestRegistry(clock, false)
	host, r := createTestRoom(t, rr)
	code := r.code

	// Pump the clock in reaper-period steps until the idle cutoff has
	// passed and the room is gone.
	require.Eventually(t, func() bool {
		clock.Advance(30 * time.Minute)
		return rr.lookup(code) == nil
	}, 2*time.Second, 10*time.Millisecond, "idle room was never reaped")

	<-r.done
	require.Eventually(t, host.isClosed, 2*time.Second, 5*time.Millisecond)
}

func TestActiveRoomsSurviveReaper(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rr := newTestRegistry(clock, false)
	_, r := createTestRoom(t, rr)

	// Half the session timeout passes, then someone interacts.
	clock.BlockUntil(1)
	clock.Advance(30 * time.Minute)
	_, _ = joinTestPlayer(t, r, "ana")

	clock.Advance(40 * time.Minute)

	require.Never(t, func() bool {
		return rr.lookup(r.code) == nil
	}, 200*time.Millisecond, 10*time.Millisecond, "an active room was reaped")
}

func TestNewRoomCodeProperties(t *testing.T) {
	rr := newTestRegistry(clockwork.NewFakeClock(), false)

	for range 50 {
		code := rr.newRoomCode()
		require.Len(t, code, roomCodeLength)
		for _, ch := range code {
			require.Contains(t, roomCodeAlphabet, string(ch))
		}
	}
}

func TestNormalizeRoomCode(t *testing.T) {
	require.Equal(t, "ABCD", normalizeRoomCode(" abcd "))
	require.Equal(t, "ABCD", normalizeRoomCode("AbCd"))
	require.Equal(t, "", normalizeRoomCode("   "))
}
