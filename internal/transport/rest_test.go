package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Fatalf("expected missing base url error")
	}
	if _, err := NewClient(ClientConfig{BaseURL: "not-a-url"}); err == nil {
		t.Fatalf("expected invalid base url error")
	}
}

func TestClientJSONRoundTrip(t *testing.T) {
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("opencode:secret"))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/session":
			_ = json.NewEncoder(w).Encode([]map[string]any{{"id": "ses_1"}})
		case r.Method == http.MethodPost && r.URL.Path == "/session/ses_1/message":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["text"] != "hi" {
				http.Error(w, "bad body", http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case r.Method == http.MethodDelete && r.URL.Path == "/session/ses_1":
			_ = json.NewEncoder(w).Encode(true)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{
		BaseURL: server.URL + "/",
		Headers: BasicAuth{Token: "secret"},
		Timeout: 2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	ctx := context.Background()

	var sessions []map[string]any
	if err := client.Get(ctx, "session", &sessions); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(sessions) != 1 || sessions[0]["id"] != "ses_1" {
		t.Fatalf("unexpected sessions: %+v", sessions)
	}

	var ack map[string]any
	if err := client.Post(ctx, "/session/ses_1/message", map[string]any{"text": "hi"}, &ack); err != nil {
		t.Fatalf("Post with empty body: %v", err)
	}

	var deleted bool
	if err := client.Delete(ctx, "/session/ses_1", &deleted); err != nil || !deleted {
		t.Fatalf("Delete: %v %v", deleted, err)
	}

	err = client.Get(ctx, "/missing", nil)
	var reqErr *RequestError
	if !errors.As(err, &reqErr) || reqErr.StatusCode != http.StatusNotFound || reqErr.Path != "/missing" {
		t.Fatalf("expected not found request error, got %v", err)
	}
}

func TestBasicAuthWithoutTokenSendsNothing(t *testing.T) {
	if headers := (BasicAuth{Username: "x"}).Headers(); len(headers) != 0 {
		t.Fatalf("expected no headers, got %v", headers)
	}
	var nilFunc HeaderFunc
	if nilFunc.Headers() != nil {
		t.Fatalf("expected nil headers from nil func")
	}
}
