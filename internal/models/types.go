// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

// Package models defines the shared data shapes for generated learning
// content and the structural constraints producers must satisfy.
package models

// Topic is one expertise or content topic. The id is derived from the title
// once at creation (slug plus random disambiguator) and never recomputed; it
// is the join key across the whole fingerprint space.
type Topic struct {
	ID          string `json:"id"`
	Title       string `json:"title" validate:"required"`
	Description string `json:"description" validate:"required"`
	ImagePrompt string `json:"imagePrompt" validate:"required"`
	ImageURL    string `json:"imageUrl,omitempty"`
}

// ContentTopics groups the per-medium topics generated for one expertise
// area: one to read about, one to listen to, one to watch.
type ContentTopics struct {
	Reading Topic `json:"reading" validate:"required"`
	Audio   Topic `json:"audio" validate:"required"`
	Video   Topic `json:"video" validate:"required"`
}

// User is the looked-up social profile of a handle.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username" validate:"required"`
	Name      string `json:"name"`
	Bio       string `json:"bio,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
	Followers int    `json:"followers,omitempty"`
	Following int    `json:"following,omitempty"`
}

// Post is one public post used for expertise inference.
type Post struct {
	ID        string `json:"id"`
	Text      string `json:"text" validate:"required"`
	CreatedAt string `json:"createdAt,omitempty"`
	Likes     int    `json:"likes,omitempty"`
}

// UserLookup is the profile-lookup producer response.
type UserLookup struct {
	User  User   `json:"user" validate:"required"`
	Posts []Post `json:"tweets" validate:"required,min=1"`
}

// TopicsWithProfile is the topic-generator producer response: exactly four
// broad expertise topics plus a short profile descriptor.
type TopicsWithProfile struct {
	ProfileDescription string  `json:"profileDescription" validate:"required"`
	Topics             []Topic `json:"topics" validate:"required,len=4,dive"`
}

// Profile is the assembled learning profile shown to the visitor.
type Profile struct {
	ID                 string  `json:"id"`
	Handle             string  `json:"handle"`
	Name               string  `json:"name"`
	Bio                string  `json:"bio,omitempty"`
	AvatarURL          string  `json:"avatarUrl,omitempty"`
	ProfileDescription string  `json:"profileDescription"`
	Topics             []Topic `json:"topics"`
}

// QuizQuestion is one multiple-choice question.
type QuizQuestion struct {
	Question      string   `json:"question" validate:"required"`
	Options       []string `json:"options" validate:"len=4,dive,required"`
	CorrectAnswer int      `json:"correctAnswer" validate:"min=0,max=3"`
	Explanation   string   `json:"explanation" validate:"required"`
}

// Quiz is the quiz-generator producer response: 8-12 questions progressing
// from basic to advanced.
type Quiz struct {
	Questions []QuizQuestion `json:"questions" validate:"required,min=8,max=12,dive"`
}

// Slide is one slideshow slide with its narration transcript.
type Slide struct {
	ID              string   `json:"id,omitempty"`
	Title           string   `json:"title" validate:"required"`
	Bullets         []string `json:"bullets" validate:"min=2,max=5,dive,required"`
	AudioTranscript string   `json:"audioTranscript" validate:"required"`
}

// Slideshow is the slideshow-generator producer response: exactly ten slides
// telling one cohesive story.
type Slideshow struct {
	Slides []Slide `json:"slides" validate:"required,len=10,dive"`
}

// Mindmap is the mindmap-generator producer response.
type Mindmap struct {
	Markdown string `json:"markdown" validate:"required"`
}

// Reading is a fully streamed reading article. Partial streams are never
// persisted, so a Reading value always holds the complete text.
type Reading struct {
	Text string `json:"text" validate:"required"`
}
