// Trivia session state machine.
//
// One session per room, mutated only from the owning room's event loop.
// Side effects (broadcasts, narration, timers, pacing) go through the
// injected hooks so the machine itself stays synchronous and testable.

package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type gamePhase string

const (
	phaseLobby          gamePhase = "LOBBY"
	phaseRoundIntro     gamePhase = "ROUND_INTRO"
	phaseLieInput       gamePhase = "LIE_INPUT"
	phaseVoting         gamePhase = "VOTING"
	phaseReveal         gamePhase = "REVEAL"
	phaseMiniScoreboard gamePhase = "MINI_SCOREBOARD"
	phaseScoreboard     gamePhase = "SCOREBOARD"
)

const (
	truthOptionID = "truth"

	truthPoints   = 1000
	foolingPoints = 500

	// Answer options are padded with decoys up to this size; player
	// lies are never dropped to fit it.
	optionTarget = 5

	maxNameLength = 20
	maxLieLength  = 80

	placeholderLie = "FORGOT TO ANSWER"
)

var (
	errNameRequired    = errors.New("a name is required to join")
	errNameTooLong     = errors.New("that name is too long")
	errNameTaken       = errors.New("that name is already playing")
	errNoPlayers       = errors.New("at least one player is needed to start")
	errTooCloseToTruth = errors.New("too close to the truth, try another lie")
)

// player is a participant's game record. The ID is assigned at first
// join and survives reconnection; transport identity is bound to it one
// layer up.
type player struct {
	ID        string
	Name      string
	Score     int
	Gained    int
	Lie       string
	Vote      string
	Connected bool
}

func (p *player) award(points int) {
	p.Score += points
	p.Gained += points
}

// answerOption is one entry on the voting board: the truth, a player's
// lie, or a house decoy.
type answerOption struct {
	ID     string
	Text   string
	Truth  bool
	Author string
	Votes  []string
}

// sessionHooks are the side effects a transition may request. All run
// synchronously on the room loop.
type sessionHooks struct {
	publish    func()
	narrate    func(line string)
	startTimer func(total time.Duration)
	stopTimer  func()
	pace       func(delay time.Duration)
	cancelPace func()
}

type sessionTiming struct {
	LieInput   time.Duration
	Voting     time.Duration
	Intro      time.Duration
	RevealStep time.Duration
	Scoreboard time.Duration
}

func defaultTiming() sessionTiming {
	return sessionTiming{
		LieInput:   45 * time.Second,
		Voting:     25 * time.Second,
		Intro:      6 * time.Second,
		RevealStep: 4 * time.Second,
		Scoreboard: 8 * time.Second,
	}
}

type session struct {
	log    zerolog.Logger
	hooks  sessionHooks
	timing sessionTiming

	phase        gamePhase
	autoProgress bool

	players map[string]*player
	order   []string

	bank      *questionBank
	questions []Question
	current   int

	options  []answerOption
	sequence []string
	revealed []string
}

func newSession(bank *questionBank, timing sessionTiming, autoProgress bool, log zerolog.Logger) *session {
	return &session{
		log:          log,
		timing:       timing,
		phase:        phaseLobby,
		autoProgress: autoProgress,
		players:      make(map[string]*player),
		bank:         bank,
		questions:    bank.draw(),
	}
}

func (s *session) setPhase(p gamePhase) {
	s.phase = p
	s.log.Debug().Str("phase", string(p)).Msg("phase entered")
}

// join adds a new player, or reconnects a departed one matched by name
// with score and submission state intact.
func (s *session) join(name string) (*player, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errNameRequired
	}
	if len([]rune(name)) > maxNameLength {
		return nil, errNameTooLong
	}

	if existing := s.playerByName(name); existing != nil {
		if existing.Connected {
			return nil, errNameTaken
		}

		existing.Connected = true
		s.log.Debug().Str("player", existing.Name).Msg("player reconnected")
		s.hooks.publish()
		return existing, nil
	}

	p := &player{
		ID:        uuid.NewString(),
		Name:      name,
		Connected: true,
	}
	s.players[p.ID] = p
	s.order = append(s.order, p.ID)

	if s.phase == phaseLobby {
		s.hooks.narrate(playerJoinedLine(p.Name))
	}
	s.hooks.publish()

	return p, nil
}

// disconnect marks a player as away without touching their record, then
// re-checks completion since the remaining players may all have acted.
func (s *session) disconnect(id string) {
	p := s.players[id]
	if p == nil {
		return
	}

	p.Connected = false
	s.log.Debug().Str("player", p.Name).Msg("player disconnected")

	s.checkCompletion()
	s.hooks.publish()
}

// remove drops a player's record once the disconnect grace period runs
// out. A player who reconnected in the meantime is kept.
func (s *session) remove(id string) {
	p := s.players[id]
	if p == nil || p.Connected {
		return
	}

	delete(s.players, id)
	for i, pid := range s.order {
		if pid == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.log.Debug().Str("player", p.Name).Msg("player removed")

	s.checkCompletion()
	s.hooks.publish()
}

// advance applies the host's "next" command for the current phase. In
// LIE_INPUT and VOTING it acts as an early timer expiry.
func (s *session) advance() error {
	switch s.phase {
	case phaseLobby:
		return s.startGame()
	case phaseRoundIntro:
		s.toLieInput()
	case phaseLieInput:
		s.toVoting()
	case phaseVoting:
		s.toReveal()
	case phaseReveal:
		s.revealNext()
	case phaseMiniScoreboard:
		s.advanceQuestion()
	case phaseScoreboard:
		s.resetToLobby()
	}

	return nil
}

// timerExpired resolves a phase timer that ran to zero. Expiries from a
// phase the room already left are dropped.
func (s *session) timerExpired(phase gamePhase) {
	if s.phase != phase {
		return
	}

	switch phase {
	case phaseLieInput:
		s.toVoting()
	case phaseVoting:
		s.toReveal()
	}
}

// paceFired resolves an auto-progress beat, either narration finishing
// or the fallback delay elapsing.
func (s *session) paceFired() {
	if !s.autoProgress {
		return
	}

	switch s.phase {
	case phaseRoundIntro:
		s.toLieInput()
	case phaseReveal:
		s.revealNext()
	case phaseMiniScoreboard:
		s.advanceQuestion()
	}
}

func (s *session) submitLie(id, text string) error {
	if s.phase != phaseLieInput {
		return nil
	}

	p := s.players[id]
	if p == nil || p.Lie != "" {
		return nil
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if runes := []rune(text); len(runes) > maxLieLength {
		text = string(runes[:maxLieLength])
	}

	if strings.EqualFold(text, s.questions[s.current].Answer) {
		return errTooCloseToTruth
	}

	p.Lie = text
	s.log.Debug().Str("player", p.Name).Msg("lie recorded")

	if s.allSubmitted() {
		s.toVoting()
		return nil
	}

	s.hooks.publish()
	return nil
}

func (s *session) submitVote(id, choiceID string) error {
	if s.phase != phaseVoting {
		return nil
	}

	p := s.players[id]
	if p == nil || p.Vote != "" {
		return nil
	}

	opt := s.optionByID(choiceID)
	if opt == nil || opt.Author == p.ID {
		return nil
	}

	p.Vote = choiceID
	s.log.Debug().Str("player", p.Name).Msg("vote recorded")

	if s.allVoted() {
		s.toReveal()
		return nil
	}

	s.hooks.publish()
	return nil
}

func (s *session) setAutoProgress(enabled bool) {
	if s.autoProgress == enabled {
		return
	}
	s.autoProgress = enabled

	if !enabled {
		s.hooks.cancelPace()
	} else {
		switch s.phase {
		case phaseRoundIntro:
			s.hooks.pace(s.timing.Intro)
		case phaseReveal:
			s.hooks.pace(s.timing.RevealStep)
		case phaseMiniScoreboard:
			s.hooks.pace(s.timing.Scoreboard)
		}
	}

	s.hooks.publish()
}

func (s *session) startGame() error {
	if s.phase != phaseLobby {
		return nil
	}
	if s.connectedCount() == 0 {
		return errNoPlayers
	}

	for _, id := range s.order {
		p := s.players[id]
		p.Score, p.Gained, p.Lie, p.Vote = 0, 0, "", ""
	}
	s.current = 0

	s.toRoundIntro()
	return nil
}

func (s *session) toRoundIntro() {
	s.hooks.cancelPace()
	s.setPhase(phaseRoundIntro)

	s.hooks.narrate(roundIntroLine(roundFor(s.current), multiplierFor(s.current), finalRound(s.current)))
	s.hooks.publish()

	if s.autoProgress {
		s.hooks.pace(s.timing.Intro)
	}
}

func (s *session) toLieInput() {
	s.hooks.cancelPace()
	s.setPhase(phaseLieInput)

	s.hooks.narrate(questionLine(s.questions[s.current]))
	s.hooks.startTimer(s.timing.LieInput)
	s.hooks.publish()
}

// toVoting closes lie input: players without a submission get the
// placeholder, the option board is built and shuffled, and the voting
// timer starts.
func (s *session) toVoting() {
	s.hooks.stopTimer()
	s.hooks.cancelPace()

	for _, id := range s.order {
		if p := s.players[id]; p.Lie == "" {
			p.Lie = placeholderLie
		}
	}

	s.options = buildOptions(s.questions[s.current], s.playersInOrder())
	s.sequence = nil
	s.revealed = nil

	s.setPhase(phaseVoting)
	s.hooks.narrate(votingLine(len(s.options)))
	s.hooks.startTimer(s.timing.Voting)
	s.hooks.publish()
}

// toReveal closes voting: missing votes are auto-assigned, scores are
// applied, and the reveal sequence is computed before the first step.
func (s *session) toReveal() {
	s.hooks.stopTimer()
	s.hooks.cancelPace()

	s.autoVote()
	s.tallyVotes()
	s.score()

	s.sequence = revealSequence(s.options)
	s.revealed = make([]string, 0, len(s.sequence))
	s.setPhase(phaseReveal)

	s.revealNext()
}

// revealNext uncovers the next entry in the reveal sequence, or moves to
// the mini scoreboard once the truth is out.
func (s *session) revealNext() {
	if len(s.revealed) >= len(s.sequence) {
		s.toMiniScoreboard()
		return
	}

	id := s.sequence[len(s.revealed)]
	s.revealed = append(s.revealed, id)

	if o := s.optionByID(id); o != nil {
		if o.Truth {
			s.hooks.narrate(revealTruthLine(o.Text, s.voterNames(*o)))
		} else {
			s.hooks.narrate(revealLieLine(o.Text, s.authorName(*o), s.voterNames(*o)))
		}
	}

	s.hooks.publish()

	if s.autoProgress {
		s.hooks.pace(s.timing.RevealStep)
	}
}

func (s *session) toMiniScoreboard() {
	s.hooks.cancelPace()
	s.setPhase(phaseMiniScoreboard)

	names, top := s.leaders()
	s.hooks.narrate(miniScoreboardLine(s.current+1, names, top))
	s.hooks.publish()

	if s.autoProgress {
		s.hooks.pace(s.timing.Scoreboard)
	}
}

// advanceQuestion clears per-question state and moves the pointer:
// a fresh round gets an intro, a mid-round question goes straight to
// lie input, and an exhausted corpus ends the game.
func (s *session) advanceQuestion() {
	s.hooks.cancelPace()

	for _, id := range s.order {
		p := s.players[id]
		p.Lie, p.Vote, p.Gained = "", "", 0
	}
	s.options = nil
	s.sequence = nil
	s.revealed = nil

	s.current++

	switch {
	case s.current >= len(s.questions):
		s.toScoreboard()
	case roundStartsAt(s.current):
		s.toRoundIntro()
	default:
		s.toLieInput()
	}
}

func (s *session) toScoreboard() {
	s.hooks.stopTimer()
	s.hooks.cancelPace()
	s.setPhase(phaseScoreboard)

	names, top := s.leaders()
	s.hooks.narrate(finalScoreboardLine(names, top))
	s.hooks.publish()
}

func (s *session) resetToLobby() {
	s.hooks.stopTimer()
	s.hooks.cancelPace()

	for _, id := range s.order {
		p := s.players[id]
		p.Score, p.Gained, p.Lie, p.Vote = 0, 0, "", ""
	}
	s.options = nil
	s.sequence = nil
	s.revealed = nil
	s.current = 0
	s.questions = s.bank.draw()

	s.setPhase(phaseLobby)
	s.hooks.publish()
}

// checkCompletion re-evaluates "everyone has acted" for the current
// phase over connected players only.
func (s *session) checkCompletion() {
	switch s.phase {
	case phaseLieInput:
		if s.allSubmitted() {
			s.toVoting()
		}
	case phaseVoting:
		if s.allVoted() {
			s.toReveal()
		}
	}
}

func (s *session) allSubmitted() bool {
	connected := 0
	for _, id := range s.order {
		p := s.players[id]
		if !p.Connected {
			continue
		}
		if p.Lie == "" {
			return false
		}
		connected++
	}

	return connected > 0
}

func (s *session) allVoted() bool {
	connected := 0
	for _, id := range s.order {
		p := s.players[id]
		if !p.Connected {
			continue
		}
		if p.Vote == "" {
			return false
		}
		connected++
	}

	return connected > 0
}

// autoVote assigns a random non-self, non-truth vote to connected
// players who never voted, falling back to the truth when no such
// option exists.
func (s *session) autoVote() {
	for _, id := range s.order {
		p := s.players[id]
		if !p.Connected || p.Vote != "" {
			continue
		}

		pool := make([]string, 0, len(s.options))
		for _, o := range s.options {
			if o.Truth || o.Author == p.ID {
				continue
			}
			pool = append(pool, o.ID)
		}

		if len(pool) == 0 {
			p.Vote = truthOptionID
			continue
		}
		p.Vote = pool[cryptoIndex(len(pool))]
	}
}

func (s *session) tallyVotes() {
	for i := range s.options {
		s.options[i].Votes = nil
	}

	for _, id := range s.order {
		p := s.players[id]
		if p.Vote == "" {
			continue
		}
		if o := s.optionByID(p.Vote); o != nil {
			o.Votes = append(o.Votes, p.ID)
		}
	}
}

// score applies the round's awards: truth voters earn the truth bounty,
// lie authors earn the fooling bounty per voter caught. Decoy votes pay
// nobody.
func (s *session) score() {
	mult := multiplierFor(s.current)

	for i := range s.options {
		o := &s.options[i]

		switch {
		case o.Truth:
			for _, voterID := range o.Votes {
				if voter := s.players[voterID]; voter != nil {
					voter.award(truthPoints * mult)
				}
			}
		case o.Author != "":
			if author := s.players[o.Author]; author != nil {
				author.award(foolingPoints * mult * len(o.Votes))
			}
		}
	}
}

// buildOptions assembles the voting board: the truth, one entry per
// submitted lie, and decoys padding the set to optionTarget, shuffled.
// Decoys that duplicate a player's lie are skipped.
func buildOptions(q Question, players []*player) []answerOption {
	options := []answerOption{{ID: truthOptionID, Text: q.Answer, Truth: true}}

	for _, p := range players {
		if p.Lie == "" {
			continue
		}
		options = append(options, answerOption{ID: p.ID, Text: p.Lie, Author: p.ID})
	}

	decoys := append([]string(nil), q.Decoys...)
	cryptoShuffle(len(decoys), func(i, j int) {
		decoys[i], decoys[j] = decoys[j], decoys[i]
	})

	for i := 0; len(options) < optionTarget && i < len(decoys); i++ {
		if optionTextTaken(decoys[i], options) {
			continue
		}
		options = append(options, answerOption{
			ID:   "decoy-" + strconv.Itoa(i+1),
			Text: decoys[i],
		})
	}

	cryptoShuffle(len(options), func(i, j int) {
		options[i], options[j] = options[j], options[i]
	})

	return options
}

func optionTextTaken(text string, options []answerOption) bool {
	for _, o := range options {
		if strings.EqualFold(strings.TrimSpace(text), strings.TrimSpace(o.Text)) {
			return true
		}
	}

	return false
}

// revealSequence orders the voted-on lies randomly with the truth always
// last. Options nobody voted for never appear, except the truth.
func revealSequence(options []answerOption) []string {
	lies := make([]string, 0, len(options))
	truth := ""

	for _, o := range options {
		if o.Truth {
			truth = o.ID
			continue
		}
		if len(o.Votes) > 0 {
			lies = append(lies, o.ID)
		}
	}

	cryptoShuffle(len(lies), func(i, j int) {
		lies[i], lies[j] = lies[j], lies[i]
	})

	return append(lies, truth)
}

func (s *session) playersInOrder() []*player {
	out := make([]*player, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.players[id])
	}

	return out
}

func (s *session) playerByName(name string) *player {
	for _, id := range s.order {
		if strings.EqualFold(s.players[id].Name, name) {
			return s.players[id]
		}
	}

	return nil
}

func (s *session) optionByID(id string) *answerOption {
	for i := range s.options {
		if s.options[i].ID == id {
			return &s.options[i]
		}
	}

	return nil
}

func (s *session) connectedCount() int {
	count := 0
	for _, id := range s.order {
		if s.players[id].Connected {
			count++
		}
	}

	return count
}

func (s *session) voterNames(o answerOption) []string {
	names := make([]string, 0, len(o.Votes))
	for _, id := range o.Votes {
		if p := s.players[id]; p != nil {
			names = append(names, p.Name)
		}
	}

	return names
}

func (s *session) authorName(o answerOption) string {
	if p := s.players[o.Author]; p != nil {
		return p.Name
	}

	return ""
}

// leaders returns the names sharing the current top score. Empty when
// nobody has scored yet.
func (s *session) leaders() ([]string, int) {
	top := 0
	var names []string

	for _, id := range s.order {
		p := s.players[id]
		switch {
		case p.Score > top:
			top = p.Score
			names = []string{p.Name}
		case p.Score == top && p.Score > 0:
			names = append(names, p.Name)
		}
	}

	return names, top
}

// Public view types broadcast as game_state. Lie authorship and the
// truth flag stay hidden until the option is revealed; the answer text
// only appears once REVEAL has finished.

type gameStateView struct {
	Type         string        `json:"type"`
	RoomCode     string        `json:"roomCode"`
	Phase        gamePhase     `json:"phase"`
	Players      []playerView  `json:"players"`
	AutoProgress bool          `json:"autoProgress"`
	Question     *questionView `json:"question,omitempty"`
	Lies         []optionView  `json:"lies"`
	Revealed     []string      `json:"revealed"`
}

type playerView struct {
	Name      string `json:"name"`
	Score     int    `json:"score"`
	Gained    int    `json:"gained,omitempty"`
	Connected bool   `json:"connected"`
	Submitted bool   `json:"submitted"`
}

type questionView struct {
	Category   string `json:"category"`
	Prompt     string `json:"prompt"`
	Number     int    `json:"number"`
	Total      int    `json:"total"`
	Round      int    `json:"round"`
	Multiplier int    `json:"multiplier"`
	Final      bool   `json:"final"`
	Answer     string `json:"answer,omitempty"`
}

type optionView struct {
	ID     string   `json:"id"`
	Text   string   `json:"text"`
	Truth  bool     `json:"truth,omitempty"`
	Author string   `json:"author,omitempty"`
	Votes  []string `json:"votes,omitempty"`
}

// stateView builds the public snapshot broadcast to every participant.
func (s *session) stateView(roomCode string) gameStateView {
	players := make([]playerView, 0, len(s.order))
	for _, id := range s.order {
		p := s.players[id]
		players = append(players, playerView{
			Name:      p.Name,
			Score:     p.Score,
			Gained:    p.Gained,
			Connected: p.Connected,
			Submitted: s.acted(p),
		})
	}

	view := gameStateView{
		Type:         eventGameState,
		RoomCode:     roomCode,
		Phase:        s.phase,
		Players:      players,
		AutoProgress: s.autoProgress,
		Lies:         []optionView{},
		Revealed:     []string{},
	}

	if s.phase != phaseLobby && s.current < len(s.questions) {
		q := s.questions[s.current]
		qv := &questionView{
			Category:   q.Category,
			Prompt:     q.Prompt,
			Number:     s.current + 1,
			Total:      len(s.questions),
			Round:      roundFor(s.current),
			Multiplier: multiplierFor(s.current),
			Final:      finalRound(s.current),
		}
		if s.phase == phaseMiniScoreboard || s.phase == phaseScoreboard {
			qv.Answer = q.Answer
		}
		view.Question = qv
	}

	switch s.phase {
	case phaseVoting:
		for _, o := range s.options {
			view.Lies = append(view.Lies, optionView{ID: o.ID, Text: o.Text})
		}

	case phaseReveal:
		shown := make(map[string]bool, len(s.revealed))
		for _, id := range s.revealed {
			shown[id] = true
		}

		for _, o := range s.options {
			ov := optionView{ID: o.ID, Text: o.Text}
			if shown[o.ID] {
				ov.Truth = o.Truth
				ov.Author = s.authorName(o)
				ov.Votes = s.voterNames(o)
			}
			view.Lies = append(view.Lies, ov)
		}
		view.Revealed = append(view.Revealed, s.revealed...)
	}

	return view
}

func (s *session) acted(p *player) bool {
	switch s.phase {
	case phaseLieInput:
		return p.Lie != ""
	case phaseVoting:
		return p.Vote != ""
	default:
		return false
	}
}

// Narration lines. Persona and tone come from the narrator's system
// instruction; these stay neutral.

func roomOpenLine(code string) string {
	letters := strings.Join(strings.Split(code, ""), ", ")
	return fmt.Sprintf("Welcome to the show! Grab your phone and join with room code %s. I'll wait. Dramatically.", letters)
}

func playerJoinedLine(name string) string {
	return fmt.Sprintf("%s has joined the game!", name)
}

func roundIntroLine(round, multiplier int, final bool) string {
	if final {
		return "This is it, the final question! Triple points on the line, and nobody is safe."
	}

	return fmt.Sprintf("Round %d! Finding the truth is worth %d points, and every player you fool earns you %d.",
		round, truthPoints*multiplier, foolingPoints*multiplier)
}

func questionLine(q Question) string {
	spoken := q.Spoken
	if spoken == "" {
		spoken = q.Prompt
	}

	return fmt.Sprintf("From the category %s: %s Players, make up your most convincing lie now!", q.Category, spoken)
}

func votingLine(count int) string {
	return fmt.Sprintf("The lies are in! %d answers on the board and only one is true. Find it!", count)
}

func revealLieLine(text, author string, fooled []string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Quote: %s. Unquote.", text)

	if len(fooled) > 0 {
		fmt.Fprintf(&b, " %s fell for it!", joinNames(fooled))
	} else {
		b.WriteString(" Nobody bit.")
	}

	if author == "" {
		b.WriteString(" That one came from a player who already left.")
	} else {
		fmt.Fprintf(&b, " A complete fabrication by %s!", author)
	}

	return b.String()
}

func revealTruthLine(answer string, right []string) string {
	if len(right) == 0 {
		return fmt.Sprintf("And the truth was: %s! Nobody found it. The lies win this one.", answer)
	}

	return fmt.Sprintf("And the truth was: %s! Points to %s for seeing through the nonsense.", answer, joinNames(right))
}

func miniScoreboardLine(questionNumber int, leaders []string, top int) string {
	switch len(leaders) {
	case 0:
		return "Scores so far: everyone is still at zero. Inspiring stuff."
	case 1:
		return fmt.Sprintf("After question %d, %s leads with %d points!", questionNumber, leaders[0], top)
	default:
		return fmt.Sprintf("After question %d, %s are tied at %d points!", questionNumber, joinNames(leaders), top)
	}
}

func finalScoreboardLine(winners []string, top int) string {
	switch len(winners) {
	case 0:
		return "That's the game! Somehow, nobody scored a single point. Incredible."
	case 1:
		return fmt.Sprintf("That's the game! Your champion of lies and truth: %s, with %d points!", winners[0], top)
	default:
		return fmt.Sprintf("That's the game! We have a tie: %s share the crown with %d points each!", joinNames(winners), top)
	}
}

func joinNames(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
	}
}
