package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/examhub/internal/scoring"
)

func TestParseGrade(t *testing.T) {
	tests := []struct {
		name          string
		raw           string
		wantScore     float64
		wantHeuristic bool
	}{
		{"json", `{"score": 6.5, "feedback": "Good range."}`, 6.5, false},
		{"json clamped", `{"score": 11, "feedback": "x"}`, 9, false},
		{"json without score", `{"feedback": "Average work."}`, 5, true},
		{"marker", "Solid essay.\nScore: 7", 7, false},
		{"keywords", "Poor grammar throughout.", 3, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseGrade(tt.raw)
			if got.Score != tt.wantScore {
				t.Errorf("Score = %v, want %v", got.Score, tt.wantScore)
			}
			if got.Heuristic != tt.wantHeuristic {
				t.Errorf("Heuristic = %v, want %v", got.Heuristic, tt.wantHeuristic)
			}
		})
	}
}

// newFakeAPI serves the two OpenAI endpoints the client uses plus an audio file.
func newFakeAPI(t *testing.T, chatReply string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode chat request: %v", err)
		}
		if len(req.Messages) == 0 || !strings.Contains(req.Messages[0].Content, "IELTS examiner") {
			t.Errorf("unexpected system prompt: %+v", req.Messages)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": chatReply}},
			},
		})
	})
	mux.HandleFunc("/v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if got := r.FormValue("model"); got != "whisper-1" {
			t.Errorf("model = %q, want whisper-1", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"text": "I like travelling with my family."}`))
	})
	mux.HandleFunc("/audio/answer.mp3", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ID3fakeaudio"))
	})
	mux.HandleFunc("/audio/missing.mp3", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGradeText(t *testing.T) {
	srv := newFakeAPI(t, `{"score": 7, "feedback": "Clear and well organised."}`)
	c := New(srv.URL+"/v1", "test-key", "gpt-4o-mini")

	got, err := c.GradeText(context.Background(), scoring.GradeRequest{
		Skill:  "WRITING",
		Prompt: "Some people think...",
		Answer: "I agree because...",
	})
	if err != nil {
		t.Fatalf("GradeText: %v", err)
	}
	if got.Score != 7 || got.Feedback != "Clear and well organised." || got.Heuristic {
		t.Errorf("unexpected assessment: %+v", got)
	}
}

func TestTranscribe(t *testing.T) {
	srv := newFakeAPI(t, "")
	c := New(srv.URL+"/v1", "test-key", "gpt-4o-mini")

	text, err := c.Transcribe(context.Background(), srv.URL+"/audio/answer.mp3")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if text != "I like travelling with my family." {
		t.Errorf("unexpected transcript %q", text)
	}

	if _, err := c.Transcribe(context.Background(), srv.URL+"/audio/missing.mp3"); err == nil {
		t.Error("expected error for missing audio")
	}
}

func TestTranscribeRejectsOversizedAudio(t *testing.T) {
	srv := newFakeAPI(t, "")
	c := New(srv.URL+"/v1", "test-key", "gpt-4o-mini")
	c.maxAudio = 4

	_, err := c.Transcribe(context.Background(), srv.URL+"/audio/answer.mp3")
	if !errors.Is(err, ErrAudioTooLarge) {
		t.Fatalf("expected ErrAudioTooLarge, got %v", err)
	}

	// Without a Content-Length the body itself is measured.
	chunked := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ID3"))
		w.(http.Flusher).Flush()
		w.Write([]byte("fakeaudio"))
	}))
	defer chunked.Close()
	if _, err := c.Transcribe(context.Background(), chunked.URL+"/answer.mp3"); !errors.Is(err, ErrAudioTooLarge) {
		t.Fatalf("expected ErrAudioTooLarge for chunked body, got %v", err)
	}
}

func TestGradeTextAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"message": "overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := New(srv.URL+"/v1", "test-key", "gpt-4o-mini")

	if _, err := c.GradeText(context.Background(), scoring.GradeRequest{Skill: "WRITING", Prompt: "p", Answer: "a"}); err == nil {
		t.Error("expected error from failing API")
	}
}
