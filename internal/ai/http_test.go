package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func completionsHandler(t *testing.T, reply string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Role != "user" {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": reply}},
			},
		})
	}
}

func TestInvoke(t *testing.T) {
	srv := httptest.NewServer(completionsHandler(t, "the answer"))
	defer srv.Close()

	c := NewHTTPClient([]string{srv.URL}, "key", "default-model", time.Second)
	got, err := c.Invoke(context.Background(), Request{Instructions: "do it", Context: "with this", Model: "m1"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "the answer" {
		t.Fatalf("got %q", got)
	}
}

func TestInvokeFallsBackOn404(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer dead.Close()
	live := httptest.NewServer(completionsHandler(t, "from the second root"))
	defer live.Close()

	c := NewHTTPClient([]string{dead.URL, live.URL}, "", "m", time.Second)
	got, err := c.Invoke(context.Background(), Request{Instructions: "i", Context: "c"})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got != "from the second root" {
		t.Fatalf("got %q", got)
	}
}

func TestInvokeRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewHTTPClient([]string{srv.URL}, "", "m", time.Second)
	_, err := c.Invoke(context.Background(), Request{Instructions: "i", Context: "c"})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected rate limited, got %v", err)
	}
}

func TestInvokeGatewayTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer srv.Close()

	c := NewHTTPClient([]string{srv.URL}, "", "m", time.Second)
	_, err := c.Invoke(context.Background(), Request{Instructions: "i", Context: "c"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestInvokeProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "model overloaded"},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient([]string{srv.URL}, "", "m", time.Second)
	_, err := c.Invoke(context.Background(), Request{Instructions: "i", Context: "c"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestInvokeAllEndpointsDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := NewHTTPClient([]string{srv.URL, srv.URL}, "", "m", time.Second)
	_, err := c.Invoke(context.Background(), Request{Instructions: "i", Context: "c"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestInvokeUsesDefaultModel(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c := NewHTTPClient([]string{srv.URL}, "", "fallback-model", time.Second)
	if _, err := c.Invoke(context.Background(), Request{Instructions: "i", Context: "c"}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if gotModel != "fallback-model" {
		t.Fatalf("model = %q", gotModel)
	}
}
