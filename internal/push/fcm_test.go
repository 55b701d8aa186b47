package push

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	return string(pem.EncodeToMemory(block))
}

func TestSendExchangesAssertionAndPostsMessage(t *testing.T) {
	var tokenCalls, sendCalls atomic.Int64
	var lastAuth string
	var lastMessage map[string]any

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "urn:ietf:params:oauth:grant-type:jwt-bearer" {
			t.Errorf("unexpected grant_type %q", got)
		}
		// RS256 JWT assertion: three dot-separated base64 segments.
		if parts := strings.Split(r.PostForm.Get("assertion"), "."); len(parts) != 3 {
			t.Errorf("malformed assertion")
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "expires_in": 3600})
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		lastAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&lastMessage); err != nil {
			t.Errorf("decode message: %v", err)
		}
		w.Write([]byte(`{"name":"projects/p/messages/1"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, err := NewFCM(FCMConfig{
		ProjectID:   "p",
		ClientEmail: "svc@p.iam.gserviceaccount.com",
		PrivateKey:  testKeyPEM(t),
		TokenURL:    srv.URL + "/token",
		Endpoint:    srv.URL + "/send",
		APNSTopic:   "com.example.app",
	})
	if err != nil {
		t.Fatalf("new fcm: %v", err)
	}

	n := Notification{
		Token: "device-1",
		Title: "Incoming voice call",
		Body:  "Aisha is calling you",
		Data:  map[string]string{"type": "incoming_call", "callId": "call-1"},
	}
	if err := f.Send(context.Background(), n); err != nil {
		t.Fatalf("send: %v", err)
	}

	if lastAuth != "Bearer at-1" {
		t.Fatalf("unexpected authorization header %q", lastAuth)
	}
	msg, ok := lastMessage["message"].(map[string]any)
	if !ok {
		t.Fatalf("missing message object: %+v", lastMessage)
	}
	if msg["token"] != "device-1" {
		t.Fatalf("unexpected device token: %v", msg["token"])
	}
	notif := msg["notification"].(map[string]any)
	if notif["title"] != n.Title || notif["body"] != n.Body {
		t.Fatalf("unexpected notification block: %+v", notif)
	}
	data := msg["data"].(map[string]any)
	if data["callId"] != "call-1" || data["click_action"] != "INCOMING_CALL_ACTION" || data["priority"] != "high" {
		t.Fatalf("unexpected data block: %+v", data)
	}
	apns := msg["apns"].(map[string]any)
	headers := apns["headers"].(map[string]any)
	if headers["apns-topic"] != "com.example.app" {
		t.Fatalf("unexpected apns headers: %+v", headers)
	}

	// Second send reuses the cached bearer token.
	if err := f.Send(context.Background(), n); err != nil {
		t.Fatalf("second send: %v", err)
	}
	if tokenCalls.Load() != 1 {
		t.Fatalf("expected one token exchange, got %d", tokenCalls.Load())
	}
	if sendCalls.Load() != 2 {
		t.Fatalf("expected two sends, got %d", sendCalls.Load())
	}
}

func TestSendRequiresDeviceToken(t *testing.T) {
	f, err := NewFCM(FCMConfig{
		ProjectID:   "p",
		ClientEmail: "svc@p.iam.gserviceaccount.com",
		PrivateKey:  testKeyPEM(t),
		TokenURL:    "http://127.0.0.1:0/token",
	})
	if err != nil {
		t.Fatalf("new fcm: %v", err)
	}
	if err := f.Send(context.Background(), Notification{Title: "x"}); err == nil {
		t.Fatalf("expected error for missing token")
	}
}

func TestSendSurfacesRejection(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "at-1", "expires_in": 3600})
	})
	mux.HandleFunc("/send", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"status":"UNREGISTERED"}}`, http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f, err := NewFCM(FCMConfig{
		ProjectID:   "p",
		ClientEmail: "svc@p.iam.gserviceaccount.com",
		PrivateKey:  testKeyPEM(t),
		TokenURL:    srv.URL + "/token",
		Endpoint:    srv.URL + "/send",
	})
	if err != nil {
		t.Fatalf("new fcm: %v", err)
	}

	err = f.Send(context.Background(), Notification{Token: "gone"})
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Fatalf("expected a 404 send error, got %v", err)
	}
}

func TestNewFCMRejectsBadKey(t *testing.T) {
	if _, err := NewFCM(FCMConfig{PrivateKey: "not a pem"}); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}
