package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/puckettventures/converse/internal/models"
)

func TestDeliverSignsPayload(t *testing.T) {
	var (
		gotBody []byte
		gotSig  string
		gotEvt  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get("X-Webhook-Signature")
		gotEvt = r.Header.Get("X-Webhook-Event")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := NewDispatcher(time.Second, "whsec_test")
	event := models.WebhookEvent{SessionID: "s1", Status: models.SessionCompleted, MergedFile: "audio/s1/merged/s1-merged.mp3"}
	if err := d.Deliver(context.Background(), srv.URL, "narration.completed", event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mac := hmac.New(sha256.New, []byte("whsec_test"))
	mac.Write(gotBody)
	if want := "sha256=" + hex.EncodeToString(mac.Sum(nil)); gotSig != want {
		t.Fatalf("signature = %q, want %q", gotSig, want)
	}
	if gotEvt != "narration.completed" {
		t.Fatalf("event header = %q", gotEvt)
	}
	var decoded models.WebhookEvent
	if err := json.Unmarshal(gotBody, &decoded); err != nil || decoded != event {
		t.Fatalf("body = %s (err %v)", gotBody, err)
	}
}

func TestDeliverUnsignedWithoutSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Webhook-Signature") != "" {
			t.Errorf("unexpected signature header")
		}
	}))
	defer srv.Close()

	if err := NewDispatcher(0, "").Deliver(context.Background(), srv.URL, "narration.failed", models.WebhookEvent{SessionID: "s1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeliverReturnsErrorOnFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if err := NewDispatcher(time.Second, "").Deliver(context.Background(), srv.URL, "narration.failed", models.WebhookEvent{SessionID: "s1"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}
