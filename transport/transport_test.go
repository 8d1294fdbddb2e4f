package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInboundTextPrefersSelection(t *testing.T) {
	in := Inbound{Content: "free text", SelectedOption: "1"}
	if got := in.Text(); got != "1" {
		t.Errorf("Text() = %q", got)
	}
	in.SelectedOption = ""
	if got := in.Text(); got != "free text" {
		t.Errorf("Text() = %q", got)
	}
}

func TestGatewaySend(t *testing.T) {
	var got outboundPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Error(err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "secret")
	msg := Buttons("¿Disponible?", "Sí", "No")
	if err := g.Send(context.Background(), "+593999", msg); err != nil {
		t.Fatal(err)
	}
	if got.To != "+593999" || got.Response != "¿Disponible?" {
		t.Errorf("payload = %+v", got)
	}
	if got.UI == nil || len(got.UI.Buttons) != 2 {
		t.Errorf("buttons missing: %+v", got.UI)
	}
	if auth != "Bearer secret" {
		t.Errorf("auth header = %q", auth)
	}
}

func TestGatewaySendFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := NewGateway(srv.URL, "")
	if err := g.Send(context.Background(), "+593999", Text("hola")); err == nil {
		t.Fatal("expected error on 502")
	}
}
