package remote

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of a pushed delivery.
const SignatureHeader = "X-Convsync-Signature"

// MaxPayloadBytes bounds one feed frame or webhook body.
const MaxPayloadBytes = 1 << 20

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifySignature verifies an HMAC-SHA256 signature of body, optionally
// prefixed with "sha256=". Uses constant-time comparison.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	expected := hex.EncodeToString(mac.Sum(nil))

	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the signature header value for body.
func Sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseDelivery parses a pushed envelope into an Event.
func ParseDelivery(body string) (Event, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Event{}, fmt.Errorf("invalid JSON in webhook body: %w", err)
	}
	if env.Type == "" {
		return Event{}, fmt.Errorf("missing type field in webhook payload")
	}
	ev, err := env.Decode()
	if err != nil {
		return Event{}, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return ev, nil
}

// ============================================================================
// WebhookReceiver
// ============================================================================

// WebhookReceiver is an EventSource fed by signed HTTP deliveries, for
// deployments that push events instead of holding a socket open.
type WebhookReceiver struct {
	secret string
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
	events chan Event
}

var _ EventSource = (*WebhookReceiver)(nil)

// NewWebhookReceiver creates a receiver buffering up to buffer events.
func NewWebhookReceiver(secret string, buffer int, logger *zap.Logger) (*WebhookReceiver, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookReceiver{
		secret: secret,
		logger: logger,
		events: make(chan Event, buffer),
	}, nil
}

// Events returns the delivered events. The channel is closed by Close.
func (w *WebhookReceiver) Events() <-chan Event {
	return w.events
}

// Close stops accepting deliveries.
func (w *WebhookReceiver) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.closed {
		w.closed = true
		close(w.events)
	}
}

// Handle processes one delivery (verify + parse + enqueue).
// Returns the status code and response body for the caller to write.
func (w *WebhookReceiver) Handle(body, signature string) (int, any) {
	if !VerifySignature(body, signature, w.secret) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	ev, err := ParseDelivery(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return http.StatusServiceUnavailable, map[string]string{"error": "Receiver closed"}
	}
	select {
	case w.events <- ev:
	default:
		w.logger.Warn("webhook buffer full, rejecting delivery", zap.String("type", string(ev.Type)))
		return http.StatusServiceUnavailable, map[string]string{"error": "Buffer full"}
	}
	return http.StatusOK, map[string]bool{"ok": true}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	rcv, _ := remote.NewWebhookReceiver("secret", 0, logger)
//	http.Handle("/webhook", rcv.HTTPHandler())
func (w *WebhookReceiver) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, MaxPayloadBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(rw, http.StatusRequestEntityTooLarge, map[string]string{"error": "Body too large"})
				return
			}
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
