package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

// --- helper tests ---

func TestTruncate(t *testing.T) {
	tests := []struct {
		s    string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly10!", 10, "exactly10!"},
		{"this is a long string", 10, "this is..."},
		{"abc", 3, "abc"},
		{"abcd", 3, "abc"},
		{"", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.s, func(t *testing.T) {
			got := truncate(tt.s, tt.max)
			if got != tt.want {
				t.Errorf("truncate(%q, %d) = %q, want %q", tt.s, tt.max, got, tt.want)
			}
		})
	}
}

func TestDash(t *testing.T) {
	if got := dash(""); got != "-" {
		t.Errorf("dash(\"\") = %q, want %q", got, "-")
	}
	if got := dash("x"); got != "x" {
		t.Errorf("dash(\"x\") = %q, want %q", got, "x")
	}
}

// --- principal resolution ---

func TestResolvedPrincipal_Flag(t *testing.T) {
	oldPrincipal := principal
	defer func() { principal = oldPrincipal }()

	principal = "from-flag"
	t.Setenv("QUORUM_PRINCIPAL", "from-env")

	if got := resolvedPrincipal(); got != "from-flag" {
		t.Errorf("resolvedPrincipal() = %q, want %q (flag should have priority)", got, "from-flag")
	}
}

func TestResolvedPrincipal_EnvVar(t *testing.T) {
	oldPrincipal := principal
	defer func() { principal = oldPrincipal }()

	principal = ""
	t.Setenv("QUORUM_PRINCIPAL", "from-env")

	if got := resolvedPrincipal(); got != "from-env" {
		t.Errorf("resolvedPrincipal() = %q, want %q", got, "from-env")
	}
}

func TestResolvedPrincipal_Default(t *testing.T) {
	oldPrincipal := principal
	defer func() { principal = oldPrincipal }()

	principal = ""
	t.Setenv("QUORUM_PRINCIPAL", "")

	if got := resolvedPrincipal(); got != "" {
		t.Errorf("resolvedPrincipal() = %q, want empty", got)
	}
}

// --- client behavior ---

func TestClientSendsPrincipalHeader(t *testing.T) {
	var receivedHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeader = r.Header.Get("X-User-Principal")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	client := &quorumClient{baseURL: srv.URL, principal: "alice", http: srv.Client()}

	var result map[string]any
	if err := client.getJSON("/api/quorum/v1/requests", &result); err != nil {
		t.Fatalf("getJSON failed: %v", err)
	}

	if receivedHeader != "alice" {
		t.Errorf("X-User-Principal header = %q, want %q", receivedHeader, "alice")
	}
}

func TestClientNoPrincipalHeaderWhenEmpty(t *testing.T) {
	var hasHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasHeader = r.Header["X-User-Principal"]
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	client := &quorumClient{baseURL: srv.URL, principal: "", http: srv.Client()}

	var result map[string]any
	if err := client.getJSON("/healthz", &result); err != nil {
		t.Fatalf("getJSON failed: %v", err)
	}

	if hasHeader {
		t.Error("X-User-Principal header should not be set")
	}
}

func TestClientPostAccepts201(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if body["changeType"] != "token.create" {
			t.Errorf("changeType = %v, want token.create", body["changeType"])
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"requestId": "req-1",
			"status":    "PENDING",
		})
	}))
	defer srv.Close()

	client := &quorumClient{baseURL: srv.URL, principal: "carol", http: srv.Client()}

	body := map[string]any{"changeType": "token.create", "entityId": "tok-1"}
	var result map[string]any
	if err := client.postJSON("/api/quorum/v1/requests", body, &result); err != nil {
		t.Fatalf("postJSON failed: %v", err)
	}

	if result["requestId"] != "req-1" {
		t.Errorf("requestId = %v, want req-1", result["requestId"])
	}
}

func TestClientPutSendsPrincipal(t *testing.T) {
	var receivedHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		receivedHeader = r.Header.Get("X-User-Principal")
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"id": "dave", "active": true})
	}))
	defer srv.Close()

	client := &quorumClient{baseURL: srv.URL, principal: "root", http: srv.Client()}

	var result map[string]any
	err := client.putJSON("/api/quorum/v1/validators/dave", map[string]any{"role": "VALIDATOR"}, &result)
	if err != nil {
		t.Fatalf("putJSON failed: %v", err)
	}

	if receivedHeader != "root" {
		t.Errorf("X-User-Principal header = %q, want %q", receivedHeader, "root")
	}
}

func TestClientErrorHandling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"error": "duplicate vote"})
	}))
	defer srv.Close()

	client := &quorumClient{baseURL: srv.URL, http: srv.Client()}

	var result map[string]any
	err := client.postJSON("/api/quorum/v1/requests/x/votes", map[string]string{"decision": "APPROVED"}, &result)
	if err == nil {
		t.Fatal("expected error for 409 response")
	}
	if !strings.Contains(err.Error(), "409") {
		t.Errorf("error should contain status code, got: %v", err)
	}
	if !strings.Contains(err.Error(), "duplicate vote") {
		t.Errorf("error should contain server message, got: %v", err)
	}
}

func TestClientNotFoundHandling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "request not found"})
	}))
	defer srv.Close()

	client := &quorumClient{baseURL: srv.URL, http: srv.Client()}

	_, err := client.getRaw("/api/quorum/v1/requests/ghost")
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("error should contain status code, got: %v", err)
	}
}

// --- command tree ---

func TestRootCommandTree(t *testing.T) {
	subNames := make(map[string]bool)
	for _, sub := range rootCmd.Commands() {
		subNames[sub.Name()] = true
	}

	for _, want := range []string{"requests", "validators", "rules", "entities", "health"} {
		if !subNames[want] {
			t.Errorf("expected %q subcommand on root", want)
		}
	}
}

func TestRequestsCommandTree(t *testing.T) {
	subNames := make(map[string]bool)
	for _, sub := range requestsCmd.Commands() {
		subNames[sub.Name()] = true
	}

	for _, want := range []string{"submit", "list", "get", "approve", "reject", "execute", "cancel", "timeline"} {
		if !subNames[want] {
			t.Errorf("expected %q subcommand under requests", want)
		}
	}
}

func TestSubmitRequiresTypeAndEntity(t *testing.T) {
	if f := requestsSubmitCmd.Flags().Lookup("type"); f == nil {
		t.Fatal("expected --type flag on submit")
	}
	if f := requestsSubmitCmd.Flags().Lookup("entity"); f == nil {
		t.Fatal("expected --entity flag on submit")
	}

	required := requestsSubmitCmd.Flags().Lookup("type").Annotations[cobra.BashCompOneRequiredFlag]
	if len(required) == 0 || required[0] != "true" {
		t.Error("--type should be marked required")
	}
}
