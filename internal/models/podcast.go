// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package models

// Speaker identifiers for podcast turns.
const (
	SpeakerHost  = "host"
	SpeakerGuest = "guest"
)

// Podcast turn limits. The model is allowed to overshoot up to
// MaxGeneratedTurns; scripts are trimmed to SafeTurnLimit turns of at most
// MaxTurnRunes runes each before being handed to audio synthesis, since
// overly long scripts cause synthesis timeouts.
const (
	MinTurns          = 8
	MaxTurns          = 16
	MaxGeneratedTurns = 32
	SafeTurnLimit     = 10
	MaxTurnRunes      = 500
)

// PodcastTurn is one utterance in a two-host conversation.
type PodcastTurn struct {
	Speaker string `json:"speaker" validate:"required,oneof=host guest"`
	Text    string `json:"text" validate:"required"`
}

// PodcastScript is the podcast-script producer response after trimming:
// 8-16 alternating turns.
type PodcastScript struct {
	Turns []PodcastTurn `json:"turns" validate:"required,min=8,max=16,dive"`
}

// GeneratedPodcastScript is the relaxed shape accepted straight from the
// model, which sometimes returns more turns than requested.
type GeneratedPodcastScript struct {
	Turns []PodcastTurn `json:"turns" validate:"required,min=8,max=32,dive"`
}

// TrimForSynthesis reduces a generated script to the safe turn and length
// limits. The result must still satisfy the strict PodcastScript constraints
// before being sent downstream.
func (g GeneratedPodcastScript) TrimForSynthesis() PodcastScript {
	turns := g.Turns
	if len(turns) > SafeTurnLimit {
		turns = turns[:SafeTurnLimit]
	}
	trimmed := make([]PodcastTurn, len(turns))
	for i, turn := range turns {
		runes := []rune(turn.Text)
		if len(runes) > MaxTurnRunes {
			turn.Text = string(runes[:MaxTurnRunes])
		}
		trimmed[i] = turn
	}
	return PodcastScript{Turns: trimmed}
}
