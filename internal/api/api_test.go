// Xpert - Learning Profiles with Write-Once Content Caching
// Copyright 2026 Xpert Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/xpertlabs/xpert

package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/xpertlabs/xpert/internal/blobstore"
	"github.com/xpertlabs/xpert/internal/cache"
	"github.com/xpertlabs/xpert/internal/config"
	"github.com/xpertlabs/xpert/internal/models"
	"github.com/xpertlabs/xpert/internal/orchestrator"
	"github.com/xpertlabs/xpert/internal/prefetch"
	"github.com/xpertlabs/xpert/internal/producers"
)

type upstreamCounts struct {
	lookup        atomic.Int32
	topics        atomic.Int32
	contentTopics atomic.Int32
	quiz          atomic.Int32
	script        atomic.Int32
	reading       atomic.Int32
	slideshow     atomic.Int32
	image         atomic.Int32
}

func validQuiz() models.Quiz {
	quiz := models.Quiz{Questions: make([]models.QuizQuestion, 8)}
	for i := range quiz.Questions {
		quiz.Questions[i] = models.QuizQuestion{
			Question:      fmt.Sprintf("q%d", i),
			Options:       []string{"a", "b", "c", "d"},
			CorrectAnswer: i % 4,
			Explanation:   "because",
		}
	}
	return quiz
}

func validTurns(n int) []models.PodcastTurn {
	turns := make([]models.PodcastTurn, n)
	for i := range turns {
		speaker := models.SpeakerHost
		if i%2 == 1 {
			speaker = models.SpeakerGuest
		}
		turns[i] = models.PodcastTurn{Speaker: speaker, Text: "turn"}
	}
	return turns
}

func validSlides() []models.Slide {
	slides := make([]models.Slide, 10)
	for i := range slides {
		slides[i] = models.Slide{
			Title:           fmt.Sprintf("Slide %d", i),
			Bullets:         []string{"one", "two"},
			AudioTranscript: "narration",
		}
	}
	return slides
}

func newUpstream(t *testing.T, counts *upstreamCounts) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/lookup", func(w http.ResponseWriter, r *http.Request) {
		counts.lookup.Add(1)
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["username"] == "ghost" {
			http.Error(w, "no such user", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(models.UserLookup{
			User:  models.User{ID: "u1", Username: "adadev", Name: "Ada"},
			Posts: []models.Post{{ID: "p1", Text: "register allocation"}},
		})
	})
	mux.HandleFunc("/topics/generate", func(w http.ResponseWriter, r *http.Request) {
		counts.topics.Add(1)
		topics := make([]models.Topic, 4)
		for i := range topics {
			topics[i] = models.Topic{
				Title:       fmt.Sprintf("Topic %d", i),
				Description: "d",
				ImagePrompt: "p",
			}
		}
		json.NewEncoder(w).Encode(models.TopicsWithProfile{
			ProfileDescription: "compiler person",
			Topics:             topics,
		})
	})
	mux.HandleFunc("/topics/content", func(w http.ResponseWriter, r *http.Request) {
		counts.contentTopics.Add(1)
		json.NewEncoder(w).Encode(models.ContentTopics{
			Reading: models.Topic{Title: "Parsing Deep Dive", Description: "d", ImagePrompt: "p"},
			Audio:   models.Topic{Title: "Parsing on Air", Description: "d", ImagePrompt: "p"},
			Video:   models.Topic{Title: "Parsing Visually", Description: "d", ImagePrompt: "p"},
		})
	})
	mux.HandleFunc("/content/quiz", func(w http.ResponseWriter, r *http.Request) {
		counts.quiz.Add(1)
		json.NewEncoder(w).Encode(validQuiz())
	})
	mux.HandleFunc("/content/slideshow", func(w http.ResponseWriter, r *http.Request) {
		counts.slideshow.Add(1)
		json.NewEncoder(w).Encode(models.Slideshow{Slides: validSlides()})
	})
	mux.HandleFunc("/content/podcast/script", func(w http.ResponseWriter, r *http.Request) {
		counts.script.Add(1)
		json.NewEncoder(w).Encode(models.GeneratedPodcastScript{Turns: validTurns(12)})
	})
	mux.HandleFunc("/content/image", func(w http.ResponseWriter, r *http.Request) {
		counts.image.Add(1)
		json.NewEncoder(w).Encode(map[string]string{"imageUrl": "data:image/png;base64,aGVsbG8="})
	})
	mux.HandleFunc("/content/reading", func(w http.ResponseWriter, r *http.Request) {
		counts.reading.Add(1)
		fmt.Fprint(w, "A complete article about parsing.")
	})
	mux.HandleFunc("/content/mindmap", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.Mindmap{Markdown: "# Compilers"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type fakeSnapshots struct {
	cleared atomic.Int32
}

func (f *fakeSnapshots) Clear() error {
	f.cleared.Add(1)
	return nil
}

type testEnv struct {
	api     *httptest.Server
	counts  *upstreamCounts
	blobs   *blobstore.Store
	snaps   *fakeSnapshots
	c       *cache.Cache
	svc     *orchestrator.Service
	handler *Handler
}

func newEnv(t *testing.T, warm *prefetch.Scheduler) *testEnv {
	t.Helper()
	counts := &upstreamCounts{}
	upstream := newUpstream(t, counts)

	blobs, err := blobstore.OpenInMemory(upstream.Client())
	if err != nil {
		t.Fatalf("open blobstore: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	c := cache.New()
	clients := producers.NewClient(producers.Options{BaseURL: upstream.URL, Timeout: 5 * time.Second})
	svc := orchestrator.New(c, nil, blobs, clients)
	snaps := &fakeSnapshots{}
	handler := NewHandler(svc, c, blobs, snaps, nil, nil, warm)

	srv := httptest.NewServer(Router(handler, config.ServerConfig{
		CORSOrigins: []string{"*"},
	}))
	t.Cleanup(srv.Close)

	return &testEnv{api: srv, counts: counts, blobs: blobs, snaps: snaps, c: c, svc: svc, handler: handler}
}

func (e *testEnv) post(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := e.api.Client().Post(e.api.URL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := e.api.Client().Get(e.api.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeEnvelope(t *testing.T, resp *http.Response, data interface{}) APIResponse {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var env APIResponse
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v\nbody: %s", err, raw)
	}
	if data != nil && env.Data != nil {
		inner, err := json.Marshal(env.Data)
		if err != nil {
			t.Fatalf("re-marshal data: %v", err)
		}
		if err := json.Unmarshal(inner, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return env
}

func TestLookupUser(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.post(t, "/api/v1/users/lookup", map[string]string{"username": "@AdaDev "})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Request-ID"); got == "" {
		t.Error("missing X-Request-ID header")
	}

	var lookup models.UserLookup
	env1 := decodeEnvelope(t, resp, &lookup)
	if env1.Status != "ok" {
		t.Errorf("envelope status = %q, want ok", env1.Status)
	}
	if lookup.User.Username != "adadev" {
		t.Errorf("username = %q, want adadev", lookup.User.Username)
	}
}

func TestLookupUnknownHandleIs404(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.post(t, "/api/v1/users/lookup", map[string]string{"username": "ghost"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	env1 := decodeEnvelope(t, resp, nil)
	if env1.Status != "error" || env1.Error == nil || env1.Error.Code != "not_found" {
		t.Errorf("envelope = %+v, want error/not_found", env1)
	}
}

func TestMalformedBodyIs400(t *testing.T) {
	env := newEnv(t, nil)

	resp, err := env.api.Client().Post(env.api.URL+"/api/v1/users/lookup", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMissingUsernameIs400(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.post(t, "/api/v1/users/lookup", map[string]string{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	env1 := decodeEnvelope(t, resp, nil)
	if env1.Error == nil || env1.Error.Code != "invalid_request" {
		t.Errorf("error = %+v, want invalid_request", env1.Error)
	}
}

func quizRequest() map[string]string {
	return map[string]string{
		"username":       "adadev",
		"expertiseTopic": "Compilers",
		"title":          "Parsing Deep Dive",
	}
}

func TestQuizServedFromCacheOnRepeat(t *testing.T) {
	env := newEnv(t, nil)

	for i := 0; i < 3; i++ {
		resp := env.post(t, "/api/v1/quiz/generate", quizRequest())
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, resp.StatusCode)
		}
		var quiz models.Quiz
		decodeEnvelope(t, resp, &quiz)
		if len(quiz.Questions) != 8 {
			t.Fatalf("request %d: got %d questions, want 8", i, len(quiz.Questions))
		}
	}
	if got := env.counts.quiz.Load(); got != 1 {
		t.Errorf("quiz generator ran %d times, want 1", got)
	}
}

func TestTopicsAndProfile(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.post(t, "/api/v1/topics/generate", map[string]string{"username": "adadev"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("topics status = %d, want 200", resp.StatusCode)
	}
	var topics models.TopicsWithProfile
	decodeEnvelope(t, resp, &topics)
	if len(topics.Topics) != 4 {
		t.Fatalf("got %d topics, want 4", len(topics.Topics))
	}
	for _, topic := range topics.Topics {
		if topic.ID == "" {
			t.Errorf("topic %q missing minted ID", topic.Title)
		}
	}

	resp = env.get(t, "/api/v1/profile?username=adadev")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("profile status = %d, want 200", resp.StatusCode)
	}
	var profile models.Profile
	decodeEnvelope(t, resp, &profile)
	if profile.Handle != "adadev" || len(profile.Topics) != 4 {
		t.Errorf("profile = %+v, want handle adadev with 4 topics", profile)
	}

	// Both endpoints share the lookup and topics fingerprints.
	if got := env.counts.lookup.Load(); got != 1 {
		t.Errorf("lookup ran %d times, want 1", got)
	}
	if got := env.counts.topics.Load(); got != 1 {
		t.Errorf("topics ran %d times, want 1", got)
	}
}

func TestReadingIsPlainText(t *testing.T) {
	env := newEnv(t, nil)

	q := url.Values{}
	q.Set("username", "adadev")
	q.Set("expertiseTopic", "Compilers")
	q.Set("title", "Parsing Deep Dive")
	resp := env.get(t, "/api/v1/reading?"+q.Encode())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q, want text/plain", ct)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "A complete article about parsing." {
		t.Errorf("body = %q", body)
	}
}

func TestReadingMissingParamsIs400(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.get(t, "/api/v1/reading?username=adadev")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestPodcastScriptETagRevalidation(t *testing.T) {
	env := newEnv(t, nil)

	q := url.Values{}
	q.Set("username", "adadev")
	q.Set("expertiseTopic", "Compilers")
	q.Set("title", "Parsing on Air")
	path := env.api.URL + "/api/v1/podcast/script?" + q.Encode()

	resp, err := env.api.Client().Get(path)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag on resolved script")
	}

	req, _ := http.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("If-None-Match", etag)
	resp2, err := env.api.Client().Do(req)
	if err != nil {
		t.Fatalf("revalidation GET: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotModified {
		t.Fatalf("status = %d, want 304", resp2.StatusCode)
	}
	if got := env.counts.script.Load(); got != 1 {
		t.Errorf("script generator ran %d times, want 1", got)
	}
}

func TestImageGenerationAndBlobServing(t *testing.T) {
	env := newEnv(t, nil)

	topic := models.Topic{
		ID:          "topic-compilers",
		Title:       "Compilers",
		Description: "d",
		ImagePrompt: "a compiler",
	}
	resp := env.post(t, "/api/v1/image/generate", map[string]interface{}{"topic": topic})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var ref orchestrator.BlobRef
	decodeEnvelope(t, resp, &ref)
	if ref.BlobID == "" {
		t.Fatal("missing blobId in response")
	}
	if strings.HasPrefix(ref.SourceURL, "data:") {
		t.Errorf("data URI leaked into sourceUrl: %q", ref.SourceURL)
	}

	blob := env.get(t, "/api/v1/blobs/"+ref.BlobID)
	if blob.StatusCode != http.StatusOK {
		t.Fatalf("blob status = %d, want 200", blob.StatusCode)
	}
	if cc := blob.Header.Get("Cache-Control"); !strings.Contains(cc, "immutable") {
		t.Errorf("Cache-Control = %q, want immutable", cc)
	}
	payload, _ := io.ReadAll(blob.Body)
	if string(payload) != "hello" {
		t.Errorf("payload = %q, want hello", payload)
	}
}

func TestUnknownBlobIs404(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.get(t, "/api/v1/blobs/nope")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCacheStatsAndClear(t *testing.T) {
	env := newEnv(t, nil)

	env.post(t, "/api/v1/quiz/generate", quizRequest())

	resp := env.get(t, "/api/v1/cache/stats")
	var stats cacheStats
	decodeEnvelope(t, resp, &stats)
	if stats.Entries == 0 {
		t.Error("stats.entries = 0 after a resolve")
	}
	if stats.Degraded {
		t.Error("degraded = true, want false")
	}

	clearResp := env.post(t, "/api/v1/cache/clear", map[string]string{})
	if clearResp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d, want 200", clearResp.StatusCode)
	}
	if env.snaps.cleared.Load() != 1 {
		t.Error("snapshot store was not cleared")
	}

	// The quiz is gone from every tier, so the generator runs again.
	env.post(t, "/api/v1/quiz/generate", quizRequest())
	if got := env.counts.quiz.Load(); got != 2 {
		t.Errorf("quiz generator ran %d times after clear, want 2", got)
	}
}

func TestHealth(t *testing.T) {
	env := newEnv(t, nil)

	resp := env.get(t, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var health map[string]interface{}
	decodeEnvelope(t, resp, &health)
	if health["status"] != "ok" {
		t.Errorf("health = %+v", health)
	}
}

func TestContentTopicsWarmsArtifacts(t *testing.T) {
	warm := prefetch.New(prefetch.WithWindow(2))
	env := newEnv(t, warm)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go warm.Serve(ctx)

	resp := env.post(t, "/api/v1/content/generate", map[string]interface{}{
		"username": "adadev",
		"topic": models.Topic{
			ID:          "topic-compilers",
			Title:       "Compilers",
			Description: "d",
			ImagePrompt: "p",
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// The reading article and podcast script fall inside the warm window.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if env.counts.reading.Load() == 1 && env.counts.script.Load() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := env.counts.reading.Load(); got != 1 {
		t.Errorf("reading generator ran %d times, want 1 (prefetched)", got)
	}
	if got := env.counts.script.Load(); got != 1 {
		t.Errorf("script generator ran %d times, want 1 (prefetched)", got)
	}
	// The slideshow sits past the window and stays cold.
	if got := env.counts.slideshow.Load(); got != 0 {
		t.Errorf("slideshow generator ran %d times, want 0", got)
	}

	// A real request for the prefetched article hits the cache.
	q := url.Values{}
	q.Set("username", "adadev")
	q.Set("expertiseTopic", "Compilers")
	q.Set("title", "Parsing Deep Dive")
	env.get(t, "/api/v1/reading?" + q.Encode())
	if got := env.counts.reading.Load(); got != 1 {
		t.Errorf("reading generator ran %d times after real request, want 1", got)
	}
}

func TestSlideshowGeneratedOnceAndValid(t *testing.T) {
	env := newEnv(t, nil)

	req := map[string]string{
		"username":       "adadev",
		"expertiseTopic": "Compilers",
		"title":          "Parsing Visually",
	}
	for i := 0; i < 2; i++ {
		resp := env.post(t, "/api/v1/slideshow/generate", req)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, resp.StatusCode)
		}
		var deck models.Slideshow
		decodeEnvelope(t, resp, &deck)
		if len(deck.Slides) != 10 {
			t.Fatalf("request %d: got %d slides, want 10", i, len(deck.Slides))
		}
		for _, slide := range deck.Slides {
			if slide.AudioTranscript == "" {
				t.Fatalf("slide %q has no transcript", slide.Title)
			}
		}
	}
	if got := env.counts.slideshow.Load(); got != 1 {
		t.Errorf("slideshow generator ran %d times, want 1", got)
	}
}
