/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"fmt"
)

// A game always runs this many questions: three rounds of three plus a
// single-question final.
const questionsPerGame = 10

//go:embed assets/trivia/questions.json
var questionCorpus []byte

// Question is one immutable record from the pre-authored corpus. Prompt
// is the on-screen fill-in-the-blank text, Spoken the shorter variant
// the narrator reads aloud, and Decoys the house lies used to pad the
// answer options.
type Question struct {
	Category string   `json:"category"`
	Prompt   string   `json:"prompt"`
	Spoken   string   `json:"spoken"`
	Answer   string   `json:"answer"`
	Decoys   []string `json:"decoys"`
}

type questionBank struct {
	questions []Question
}

func loadQuestionBank() (*questionBank, error) {
	var questions []Question
	if err := json.Unmarshal(questionCorpus, &questions); err != nil {
		return nil, fmt.Errorf("parsing question corpus: %w", err)
	}

	if len(questions) < questionsPerGame {
		return nil, fmt.Errorf("question corpus too small: have %d, need %d", len(questions), questionsPerGame)
	}

	for i, q := range questions {
		if q.Prompt == "" || q.Answer == "" {
			return nil, fmt.Errorf("question %d is missing a prompt or answer", i)
		}
	}

	return &questionBank{questions: questions}, nil
}

// draw selects a fresh random game's worth of questions.
func (b *questionBank) draw() []Question {
	picked := make([]Question, len(b.questions))
	copy(picked, b.questions)

	cryptoShuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})

	return picked[:questionsPerGame:questionsPerGame]
}

// cryptoShuffle performs an in-place Fisher-Yates shuffle using crypto/rand.
func cryptoShuffle(n int, swap func(i, j int)) {
	for i := n - 1; i > 0; i-- {
		swap(i, cryptoIndex(i+1))
	}
}

// cryptoIndex returns a uniform random index in [0, n), rejecting draws
// that would bias the modulo.
func cryptoIndex(n int) int {
	if n <= 1 {
		return 0
	}

	limit := 256 - (256 % n)
	for {
		var b [1]byte
		if _, err := rand.Read(b[:]); err != nil {
			return 0
		}
		if int(b[0]) < limit {
			return int(b[0]) % n
		}
	}
}

// Round addressing is a pure function of the question index; nothing else
// tracks round state. Questions come in threes, with the last question
// standing alone as the final round.

func roundFor(idx int) int {
	if finalRound(idx) {
		return 4
	}
	return idx/3 + 1
}

func multiplierFor(idx int) int {
	switch {
	case idx < 3:
		return 1
	case idx < 6:
		return 2
	default:
		return 3
	}
}

func roundStartsAt(idx int) bool {
	return idx == 0 || idx == 3 || idx == 6 || idx == questionsPerGame-1
}

func finalRound(idx int) bool {
	return idx == questionsPerGame-1
}

func questionInRound(idx int) int {
	if finalRound(idx) {
		return 1
	}
	return idx%3 + 1
}
