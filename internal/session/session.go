// Package session implements the device session protocol: a challenge and
// response handshake that establishes a per-controller session secret over a
// mutually authenticated channel, and HMAC verification of every subsequent
// signed request.
package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/portcullis-systems/portcullis/internal/keys"
	"github.com/portcullis-systems/portcullis/internal/repository"
)

var (
	// ErrNoClientCert means the transport carried no client certificate
	// proof. A handshake without one is rejected outright.
	ErrNoClientCert = errors.New("client certificate required")

	// ErrUnknownDevice means the device identifier is not registered.
	ErrUnknownDevice = errors.New("device not registered")

	// ErrNoSession means the device has no established session or presented
	// a stale session token; it must re-handshake.
	ErrNoSession = errors.New("session invalid")

	// ErrBadSignature means the request signature did not verify. This is a
	// reportable security event, not a routine failure.
	ErrBadSignature = errors.New("request integrity compromised")
)

// Handshake is the result of a successful session establishment.
type Handshake struct {
	SessionToken string    `json:"session_token"`
	ServerTime   time.Time `json:"server_time"`
	Nonce        string    `json:"nonce"`
}

// SignedRequest is the signed tuple every post-handshake device request
// carries.
type SignedRequest struct {
	BadgeUID     string `json:"badge_uid"`
	DeviceID     string `json:"device_id"`
	Nonce        string `json:"nonce"`
	SessionToken string `json:"session_token"`
	HMAC         string `json:"hmac"`
}

// Manager owns session establishment and request verification. Safe for
// concurrent use; the session store is the only shared state.
type Manager struct {
	doors repository.DoorStore
}

// NewManager returns a manager backed by the given door store.
func NewManager(doors repository.DoorStore) *Manager {
	return &Manager{doors: doors}
}

// Establish runs the handshake for a device. The caller passes whether the
// transport presented a verified client certificate; absence is a hard
// failure before any lookup. A new secret overwrites any previous session.
func (m *Manager) Establish(ctx context.Context, deviceID string, clientCertPresent bool) (*Handshake, error) {
	if !clientCertPresent {
		return nil, ErrNoClientCert
	}

	if _, err := m.doors.GetDoorByDeviceID(ctx, deviceID); err != nil {
		if errors.Is(err, repository.ErrDoorNotFound) {
			return nil, ErrUnknownDevice
		}
		return nil, fmt.Errorf("device lookup failed: %w", err)
	}

	secret, err := keys.SessionSecret()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session secret: %w", err)
	}

	if err := m.doors.SetSessionKey(ctx, deviceID, secret); err != nil {
		return nil, fmt.Errorf("failed to store session secret: %w", err)
	}

	nonce, err := keys.Nonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &Handshake{
		SessionToken: secret,
		ServerTime:   time.Now().UTC(),
		Nonce:        nonce,
	}, nil
}

// Verify checks a signed request against the device's stored session secret.
// On success it returns the secret so the caller can sign the response.
// A token mismatch returns ErrNoSession (stale or missing session); a
// signature mismatch returns ErrBadSignature.
func (m *Manager) Verify(ctx context.Context, req *SignedRequest) (string, error) {
	stored, err := m.doors.GetSessionKey(ctx, req.DeviceID)
	if err != nil {
		if errors.Is(err, repository.ErrDoorNotFound) {
			return "", ErrUnknownDevice
		}
		return "", fmt.Errorf("session lookup failed: %w", err)
	}

	if stored == "" || subtle.ConstantTimeCompare([]byte(stored), []byte(req.SessionToken)) != 1 {
		return "", ErrNoSession
	}

	expected := Sign(stored, req.BadgeUID+req.DeviceID+req.Nonce+req.SessionToken)
	if !hmac.Equal([]byte(expected), []byte(req.HMAC)) {
		return "", ErrBadSignature
	}

	return stored, nil
}

// SignResponse signs the decision sent back to the device so firmware can
// detect tampering on the return path.
func SignResponse(secret, nonce string, granted bool) string {
	return Sign(secret, nonce+strconv.FormatBool(granted))
}

// Sign computes the hex HMAC-SHA256 of message under secret.
func Sign(secret, message string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
