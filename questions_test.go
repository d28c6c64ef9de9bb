/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadQuestionBank(t *testing.T) {
	bank, err := loadQuestionBank()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(bank.questions), questionsPerGame)

	for _, q := range bank.questions {
		require.NotEmpty(t, q.Category)
		require.NotEmpty(t, q.Prompt)
		require.NotEmpty(t, q.Answer)
		// Enough decoys to pad a single-player board to the target.
		require.GreaterOrEqual(t, len(q.Decoys), optionTarget-2)
	}
}

func TestDrawSelectsUniqueGame(t *testing.T) {
	bank, err := loadQuestionBank()
	require.NoError(t, err)

	drawn := bank.draw()
	require.Len(t, drawn, questionsPerGame)

	prompts := map[string]bool{}
	inBank := map[string]bool{}
	for _, q := range bank.questions {
		inBank[q.Prompt] = true
	}

	for _, q := range drawn {
		require.False(t, prompts[q.Prompt], "question drawn twice: %q", q.Prompt)
		prompts[q.Prompt] = true
		require.True(t, inBank[q.Prompt])
	}
}

func TestDrawLeavesBankIntact(t *testing.T) {
	bank := testBank()
	before := len(bank.questions)

	_ = bank.draw()
	_ = bank.draw()

	require.Len(t, bank.questions, before)
}

func TestRoundAddressing(t *testing.T) {
	cases := []struct {
		idx        int
		round      int
		multiplier int
		starts     bool
		final      bool
		inRound    int
	}{
		{idx: 0, round: 1, multiplier: 1, starts: true, inRound: 1},
		{idx: 1, round: 1, multiplier: 1, inRound: 2},
		{idx: 2, round: 1, multiplier: 1, inRound: 3},
		{idx: 3, round: 2, multiplier: 2, starts: true, inRound: 1},
		{idx: 5, round: 2, multiplier: 2, inRound: 3},
		{idx: 6, round: 3, multiplier: 3, starts: true, inRound: 1},
		{idx: 8, round: 3, multiplier: 3, inRound: 3},
		{idx: 9, round: 4, multiplier: 3, starts: true, final: true, inRound: 1},
	}

	for _, tc := range cases {
		require.Equal(t, tc.round, roundFor(tc.idx), "roundFor(%d)", tc.idx)
		require.Equal(t, tc.multiplier, multiplierFor(tc.idx), "multiplierFor(%d)", tc.idx)
		require.Equal(t, tc.starts, roundStartsAt(tc.idx), "roundStartsAt(%d)", tc.idx)
		require.Equal(t, tc.final, finalRound(tc.idx), "finalRound(%d)", tc.idx)
		require.Equal(t, tc.inRound, questionInRound(tc.idx), "questionInRound(%d)", tc.idx)
	}
}

func TestCryptoIndexBounds(t *testing.T) {
	for _, n := range []int{1, 2, 3, 23, 200} {
		for range 256 {
			got := cryptoIndex(n)
			require.GreaterOrEqual(t, got, 0)
			require.Less(t, got, n)
		}
	}
}

func TestCryptoShufflePermutes(t *testing.T) {
	values := []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	cryptoShuffle(len(values), func(i, j int) {
		values[i], values[j] = values[j], values[i]
	})

	require.ElementsMatch(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, values)

	// Degenerate sizes must not panic.
	cryptoShuffle(0, func(i, j int) { t.Fatal("swap called for empty input") })
	cryptoShuffle(1, func(i, j int) { t.Fatal("swap called for single element") })
}
