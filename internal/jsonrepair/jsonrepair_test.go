// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package jsonrepair

import (
	"errors"
	"testing"

	"github.com/goccy/go-json"
)

func TestRepairPassthroughValidJSON(t *testing.T) {
	raw := []byte(`{"turns":[{"speaker":"host","text":"hi"}]}`)
	out, err := Repair(raw)
	if err != nil {
		t.Fatalf("Repair() error: %v", err)
	}
	if string(out) != string(raw) {
		t.Errorf("valid input should pass through unchanged, got %q", out)
	}
}

func TestRepairStripsTrailingProse(t *testing.T) {
	raw := []byte(`{"turns":[{"speaker":"host","text":"hi"}]}  Hope this helps!`)
	out, err := Repair(raw)
	if err != nil {
		t.Fatalf("Repair() error: %v", err)
	}

	var doc struct {
		Turns []struct {
			Speaker string `json:"speaker"`
			Text    string `json:"text"`
		} `json:"turns"`
	}
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("repaired output does not parse: %v", err)
	}
	if len(doc.Turns) != 1 || doc.Turns[0].Speaker != "host" {
		t.Errorf("unexpected repaired document: %+v", doc)
	}
}

func TestRepairStripsLeadingProse(t *testing.T) {
	raw := []byte(`Sure, here is the quiz you asked for: {"questions":[]}`)
	out, err := Repair(raw)
	if err != nil {
		t.Fatalf("Repair() error: %v", err)
	}
	if !json.Valid(out) {
		t.Errorf("repaired output invalid: %q", out)
	}
}

func TestRepairAppendsMissingBrace(t *testing.T) {
	raw := []byte(`{"questions":[{"question":"q1","options":["a","b","c","d"]}]`)
	out, err := Repair(raw)
	if err != nil {
		t.Fatalf("Repair() error: %v", err)
	}
	if !json.Valid(out) {
		t.Errorf("repaired output invalid: %q", out)
	}
}

func TestRepairStripsCodeFences(t *testing.T) {
	raw := []byte("```json\n{\"markdown\":\"# Heat\"}\n```")
	out, err := Repair(raw)
	if err != nil {
		t.Fatalf("Repair() error: %v", err)
	}

	var doc map[string]string
	if err := json.Unmarshal(out, &doc); err != nil {
		t.Fatalf("repaired output does not parse: %v", err)
	}
	if doc["markdown"] != "# Heat" {
		t.Errorf("markdown = %q, want # Heat", doc["markdown"])
	}
}

func TestRepairRejectsTruncatedString(t *testing.T) {
	raw := []byte(`{"turns":[{"speaker":"host","text":"we were just sayi`)
	if _, err := Repair(raw); !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("expected ErrUnrecoverable, got %v", err)
	}
}

func TestRepairRejectsPlainProse(t *testing.T) {
	raw := []byte(`I could not generate the content you asked for.`)
	if _, err := Repair(raw); !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("expected ErrUnrecoverable, got %v", err)
	}
}

func TestParseInto(t *testing.T) {
	type quiz struct {
		Questions []string `json:"questions"`
	}

	var direct quiz
	if err := ParseInto([]byte(`{"questions":["a"]}`), &direct); err != nil {
		t.Fatalf("direct parse failed: %v", err)
	}

	var repaired quiz
	if err := ParseInto([]byte(`{"questions":["a"]} trailing`), &repaired); err != nil {
		t.Fatalf("repaired parse failed: %v", err)
	}
	if len(repaired.Questions) != 1 {
		t.Errorf("questions = %v, want one element", repaired.Questions)
	}

	var bad quiz
	if err := ParseInto([]byte(`nope`), &bad); !errors.Is(err, ErrUnrecoverable) {
		t.Errorf("expected ErrUnrecoverable, got %v", err)
	}
}
