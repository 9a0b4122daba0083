package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"voice-notes-go/internal/types"
)

func TestOpenAIProviderChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key" {
			t.Errorf("auth header = %q", r.Header.Get("Authorization"))
		}
		var req openAIRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		if req.Model != "gpt-test" || len(req.Messages) != 2 || req.ResponseFormat["type"] != "json_object" {
			t.Errorf("request = %+v", req)
		}
		fmt.Fprint(w, `{"model":"gpt-test","choices":[{"message":{"role":"assistant","content":"{\"ok\":true}"}}],"usage":{"total_tokens":7}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("primary", srv.URL+"/v1/", "key", "gpt-test")
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{System("s"), User("u")}, JSON: true})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != `{"ok":true}` || resp.Usage.TotalTokens != 7 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestOpenAIProviderClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		contentType string
		body        string
		class       types.Class
		reason      string
	}{
		{"overloaded", 503, "application/json", `{"error":{"message":"overloaded"}}`, types.ClassTransient, types.ReasonOverloaded},
		{"rate limited", 429, "application/json", `{"error":{"message":"slow down"}}`, types.ClassRateLimited, types.ReasonRateLimited},
		{"model missing", 400, "application/json", `{"error":{"message":"The model foo does not exist"}}`, types.ClassPermanent, types.ReasonModelNotFound},
		{"not found", 404, "application/json", `{}`, types.ClassPermanent, types.ReasonModelNotFound},
		{"html page with 200", 200, "text/html", `<html><body>Bad gateway</body></html>`, types.ClassTransient, types.ReasonErrorPage},
		{"html page without header", 502, "", `<!DOCTYPE html><html>`, types.ClassTransient, types.ReasonErrorPage},
		{"garbage", 200, "application/json", `not json`, types.ClassTransient, types.ReasonMalformed},
		{"no choices", 200, "application/json", `{"choices":[]}`, types.ClassTransient, types.ReasonMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.contentType != "" {
					w.Header().Set("Content-Type", tt.contentType)
				}
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			p := NewOpenAIProvider("primary", srv.URL, "", "m")
			_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{User("x")}})
			var pe *types.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want ProviderError", err)
			}
			if pe.Class != tt.class || pe.Reason != tt.reason {
				t.Errorf("classified %v/%s, want %v/%s", pe.Class, pe.Reason, tt.class, tt.reason)
			}
			if pe.Provider != "primary" {
				t.Errorf("provider = %q", pe.Provider)
			}
		})
	}
}
