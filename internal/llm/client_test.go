package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func completionJSON(contents ...string) []byte {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	type choice struct {
		Index        int    `json:"index"`
		Message      msg    `json:"message"`
		FinishReason string `json:"finish_reason"`
	}
	out := struct {
		ID      string   `json:"id"`
		Object  string   `json:"object"`
		Choices []choice `json:"choices"`
	}{ID: "cmpl-1", Object: "chat.completion", Choices: []choice{}}
	for i, c := range contents {
		out.Choices = append(out.Choices, choice{Index: i, Message: msg{Role: "assistant", Content: c}, FinishReason: "stop"})
	}
	b, _ := json.Marshal(out)
	return b
}

func TestChat_ReturnsFirstChoice(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q, want /chat/completions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionJSON(`{"intent":"greeting"}`))
	}))
	defer srv.Close()

	c := New("sk-test", srv.URL)
	schema := &Schema{Type: "object", Properties: map[string]SchemaProperty{"intent": {Type: "string"}}}
	out, err := c.Chat(context.Background(), "gpt-test", []Message{
		{Role: "system", Content: "classify"},
		{Role: "user", Content: "hi"},
	}, schema)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != `{"intent":"greeting"}` {
		t.Errorf("Chat() = %q", out)
	}

	if got["model"] != "gpt-test" {
		t.Errorf("model = %v, want gpt-test", got["model"])
	}
	msgs, _ := got["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("sent %d messages, want 2", len(msgs))
	}
	rf, _ := got["response_format"].(map[string]any)
	if rf["type"] != "json_schema" {
		t.Errorf("response_format.type = %v, want json_schema", rf["type"])
	}
}

func TestChat_NoSchemaOmitsResponseFormat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionJSON("plain reply"))
	}))
	defer srv.Close()

	out, err := New("k", srv.URL).Chat(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if out != "plain reply" {
		t.Errorf("Chat() = %q", out)
	}
	if _, ok := got["response_format"]; ok {
		t.Error("response_format sent without a schema")
	}
}

func TestChat_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(completionJSON())
	}))
	defer srv.Close()

	_, err := New("k", srv.URL).Chat(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, nil)
	if !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestChat_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer srv.Close()

	_, err := New("k", srv.URL).Chat(context.Background(), "m", []Message{{Role: "user", Content: "x"}}, nil)
	if err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}
