package push

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	fcmScope     = "https://www.googleapis.com/auth/firebase.messaging"
	assertionTTL = time.Hour
	tokenSlack   = time.Minute
	clickAction  = "INCOMING_CALL_ACTION"
	apnsCategory = "INCOMING_CALL"
	callsChannel = "calls"
)

// FCM sends notifications through the Firebase Cloud Messaging HTTP v1 API,
// authenticating with a service-account key: an RS256-signed JWT assertion
// is exchanged for a bearer token, cached until shortly before expiry.
type FCM struct {
	projectID   string
	clientEmail string
	key         *rsa.PrivateKey
	tokenURL    string
	endpoint    string
	apnsTopic   string
	httpc       *http.Client

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

type FCMConfig struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string // PEM
	TokenURL    string
	Endpoint    string // override for tests
	APNSTopic   string
}

func NewFCM(cfg FCMConfig) (*FCM, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", cfg.ProjectID)
	}
	return &FCM{
		projectID:   cfg.ProjectID,
		clientEmail: cfg.ClientEmail,
		key:         key,
		tokenURL:    cfg.TokenURL,
		endpoint:    endpoint,
		apnsTopic:   cfg.APNSTopic,
		httpc:       &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (f *FCM) Send(ctx context.Context, n Notification) error {
	if n.Token == "" {
		return fmt.Errorf("no device token")
	}
	token, err := f.bearer(ctx)
	if err != nil {
		return fmt.Errorf("fcm auth: %w", err)
	}

	data := map[string]string{
		"click_action":      clickAction,
		"priority":          "high",
		"content-available": "1",
		"sound":             "default",
	}
	for k, v := range n.Data {
		data[k] = v
	}

	msg := map[string]any{
		"message": map[string]any{
			"token": n.Token,
			"notification": map[string]string{
				"title": n.Title,
				"body":  n.Body,
			},
			"data": data,
			"android": map[string]any{
				"priority": "high",
				"notification": map[string]any{
					"sound":        "default",
					"channel_id":   callsChannel,
					"click_action": clickAction,
				},
			},
			"apns": map[string]any{
				"headers": map[string]string{
					"apns-priority":  "10",
					"apns-push-type": "background",
					"apns-topic":     f.apnsTopic,
				},
				"payload": map[string]any{
					"aps": map[string]any{
						"alert":             map[string]string{"title": n.Title, "body": n.Body},
						"sound":             "default",
						"category":          apnsCategory,
						"content-available": 1,
						"mutable-content":   1,
					},
				},
			},
		},
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("fcm send: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// bearer returns a cached access token, refreshing it through the OAuth
// JWT-bearer grant when stale.
func (f *FCM) bearer(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accessToken != "" && time.Now().Before(f.expiresAt.Add(-tokenSlack)) {
		return f.accessToken, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss":   f.clientEmail,
		"scope": fcmScope,
		"aud":   f.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionTTL).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
	if err != nil {
		return "", fmt.Errorf("sign assertion: %w", err)
	}

	form := url.Values{
		"grant_type": {"urn:ietf:params:oauth:grant-type:jwt-bearer"},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := f.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("token exchange: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", err
	}
	if tok.AccessToken == "" {
		return "", fmt.Errorf("token exchange: empty access token")
	}
	f.accessToken = tok.AccessToken
	f.expiresAt = now.Add(time.Duration(tok.ExpiresIn) * time.Second)
	return f.accessToken, nil
}
