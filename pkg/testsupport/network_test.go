package testsupport

import (
	"errors"
	"io"
	"net/http"
	"testing"
)

func TestNetwork_OnlineAndOffline(t *testing.T) {
	network := NewNetwork(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "pong")
	}))

	req, _ := http.NewRequest(http.MethodGet, "https://example.com/ping", nil)
	resp, err := network.RoundTrip(req)
	if err != nil {
		t.Fatalf("round trip failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "pong" {
		t.Errorf("expected pong, got %q", body)
	}

	network.SetOffline(true)
	if _, err := network.RoundTrip(req); !errors.Is(err, ErrOffline) {
		t.Errorf("expected ErrOffline, got %v", err)
	}

	if got := network.Count("GET https://example.com/ping"); got != 2 {
		t.Errorf("expected 2 recorded requests, got %d", got)
	}

	network.Reset()
	if len(network.Requests()) != 0 {
		t.Errorf("expected no requests after reset, got %v", network.Requests())
	}
}
