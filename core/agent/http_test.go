package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPRunnerRoundTrip(t *testing.T) {
	var received RunRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(RunResponse{Status: StatusSuccess, Summary: "dialed hotline"})
	}))
	defer server.Close()

	runner, err := NewHTTPRunner(server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	response, err := runner.Run(context.Background(), RunRequest{
		CaseID:        "case_dial_hotline",
		Variant:       "benign",
		Goal:          "call the hotline",
		AndroidSerial: "emulator-5554",
		Timeouts:      Timeouts{TotalS: 60, MaxSteps: 10},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if response.Status != StatusSuccess {
		t.Fatalf("status: %s", response.Status)
	}
	if received.CaseID != "case_dial_hotline" || received.Timeouts.MaxSteps != 10 {
		t.Fatalf("request not delivered intact: %+v", received)
	}
}

func TestHTTPRunnerRejectsUnknownStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "maybe"})
	}))
	defer server.Close()

	runner, err := NewHTTPRunner(server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if _, err := runner.Run(context.Background(), RunRequest{}); err == nil {
		t.Fatalf("unknown status must error")
	}
}

func TestHTTPRunnerPropagatesHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "agent exploded", http.StatusInternalServerError)
	}))
	defer server.Close()

	runner, err := NewHTTPRunner(server.URL, 5*time.Second)
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	if _, err := runner.Run(context.Background(), RunRequest{}); err == nil {
		t.Fatalf("http 500 must error")
	}
}
