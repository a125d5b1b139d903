// Package session runs the activation and bearer-token state machine. The
// callback chain of the historical flow (policy fetch, key generation,
// enrollment, token refresh) is an explicit sequence here so each
// transition stays testable on its own.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"iotdc/internal/transport"
	"iotdc/internal/trust"
)

// State names the device's position in the activation lifecycle.
type State int

const (
	StateUnactivated State = iota
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateActivating:
		return "ACTIVATING"
	case StateActivated:
		return "ACTIVATED"
	default:
		return "UNACTIVATED"
	}
}

var (
	ErrAlreadyActivated = errors.New("session: already activated")
	ErrNotActivated     = errors.New("session: not activated")
	ErrActivationFailed = errors.New("session: activation failed")
)

// Capability URNs appended to the model list during enrollment.
const (
	DirectActivationURN   = "urn:oracle:iot:dcd:capability:direct_activation"
	IndirectActivationURN = "urn:oracle:iot:dcd:capability:indirect_activation"
)

// Session owns the bearer token and the device/server clock delta. It
// fronts the raw transport both as a token source for the Bearer decorator
// and as the identity provider for the MQTT adapter.
type Session struct {
	store  *trust.Store
	logger *slog.Logger

	mu       sync.Mutex
	adapter  transport.Adapter
	state    State
	bearer   string
	delta    time.Duration
	deltaSet bool
}

func New(store *trust.Store, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{store: store, logger: logger}
	if store.IsActivated() {
		s.state = StateActivated
	}
	return s
}

// Bind attaches the raw transport. The session is built before the
// transport because the MQTT adapter needs the session as its identity.
func (s *Session) Bind(adapter transport.Adapter) {
	s.mu.Lock()
	s.adapter = adapter
	s.mu.Unlock()
}

// Authenticated wraps the raw transport with the 401 refresh-and-retry
// bearer decorator.
func (s *Session) Authenticated() transport.Adapter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return transport.NewBearer(s.adapter, s, s.logger)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Bearer returns the "{token_type} {access_token}" header value of the
// last successful refresh.
func (s *Session) Bearer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bearer
}

// ServerDelta is the cached device-to-server clock offset.
func (s *Session) ServerDelta() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delta
}

// ServerTime is the device's estimate of the server clock.
func (s *Session) ServerTime() time.Time {
	return time.Now().Add(s.ServerDelta())
}

// ID is the topic and assertion identity: the endpoint ID once activated,
// the client ID before.
func (s *Session) ID() string {
	if s.store.IsActivated() {
		return s.store.EndpointID()
	}
	return s.store.ClientID()
}

func (s *Session) IsActivated() bool { return s.store.IsActivated() }

// ClientAssertion issues a signed identity claim with the expiry corrected
// for server clock skew.
func (s *Session) ClientAssertion() (string, error) {
	return s.store.ClientAssertion(s.ServerDelta())
}

// RefreshBearer renews the token for the current activation state.
func (s *Session) RefreshBearer(ctx context.Context) error {
	return s.refresh(ctx, false)
}

type tokenResponse struct {
	TokenType   string `json:"token_type"`
	AccessToken string `json:"access_token"`
}

// refresh posts the client-credentials grant. A 400 carrying the server's
// currentTime means the assertion expiry was outside the server's window:
// the clock delta is computed and cached exactly once, then the refresh is
// retried with the corrected expiry.
func (s *Session) refresh(ctx context.Context, activation bool) error {
	body, err := s.postToken(ctx, activation)
	if transport.StatusCode(err) == 400 {
		if delta, ok := serverDeltaFrom(err); ok && !s.deltaCached() {
			s.setDelta(delta)
			s.logger.Info("server clock delta cached", "delta", delta)
			body, err = s.postToken(ctx, activation)
		}
	}
	if err != nil {
		// A persistent 400 on the activation-scoped grant means the stored
		// endpoint credentials are stale; clear them so the next attempt
		// re-enrolls from the shared secret.
		if activation && transport.StatusCode(err) == 400 {
			if rerr := s.store.Reset(); rerr != nil {
				s.logger.Error("credential reset failed", "error", rerr)
			} else {
				s.logger.Warn("activation token rejected, credentials reset")
			}
		}
		return fmt.Errorf("session: token refresh: %w", err)
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return fmt.Errorf("session: parse token response: %w", err)
	}
	s.mu.Lock()
	s.bearer = tok.TokenType + " " + tok.AccessToken
	s.mu.Unlock()
	return nil
}

func (s *Session) postToken(ctx context.Context, activation bool) ([]byte, error) {
	assertion, err := s.ClientAssertion()
	if err != nil {
		return nil, err
	}
	form := "grant_type=client_credentials" +
		"&client_assertion_type=urn%3Aietf%3Aparams%3Aoauth%3Aclient-assertion-type%3Ajwt-bearer" +
		"&client_assertion=" + assertion
	if activation {
		form += "&scope=oracle%2Fiot%2Factivation"
	}
	s.mu.Lock()
	adapter := s.adapter
	s.mu.Unlock()
	return adapter.Request(ctx, transport.RequestOptions{
		Method:  "POST",
		Path:    "oauth2/token",
		Headers: map[string]string{"Content-Type": "application/x-www-form-urlencoded"},
	}, []byte(form))
}

func (s *Session) deltaCached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deltaSet
}

func (s *Session) setDelta(d time.Duration) {
	s.mu.Lock()
	s.delta = d
	s.deltaSet = true
	s.mu.Unlock()
}

// serverDeltaFrom extracts the clock offset from a 400 body that carries
// the server's currentTime in epoch milliseconds.
func serverDeltaFrom(err error) (time.Duration, bool) {
	var se *transport.StatusError
	if !errors.As(err, &se) {
		return 0, false
	}
	var body struct {
		CurrentTime int64 `json:"currentTime"`
	}
	if json.Unmarshal(se.Body, &body) != nil || body.CurrentTime == 0 {
		return 0, false
	}
	return time.Until(time.UnixMilli(body.CurrentTime)), true
}

type activationPolicy struct {
	KeyType       string `json:"keyType"`
	KeySize       int    `json:"keySize"`
	HashAlgorithm string `json:"hashAlgorithm"`
}

type activationResponse struct {
	EndpointState string `json:"endpointState"`
	EndpointID    string `json:"endpointId"`
	Certificate   string `json:"certificate"`
}

// Activate performs the one-time enrollment handshake. A device that is
// already activated fails immediately, before any network traffic.
func (s *Session) Activate(ctx context.Context, modelURNs []string) error {
	s.mu.Lock()
	if s.state == StateActivated || s.store.IsActivated() {
		s.mu.Unlock()
		return ErrAlreadyActivated
	}
	if s.state == StateActivating {
		s.mu.Unlock()
		return fmt.Errorf("%w: activation already in progress", ErrActivationFailed)
	}
	s.state = StateActivating
	s.mu.Unlock()

	err := s.activate(ctx, modelURNs)
	s.mu.Lock()
	if err != nil {
		s.state = StateUnactivated
	} else {
		s.state = StateActivated
	}
	s.mu.Unlock()
	return err
}

func (s *Session) activate(ctx context.Context, modelURNs []string) error {
	if err := s.refresh(ctx, true); err != nil {
		return err
	}
	policy, err := s.fetchPolicy(ctx)
	if err != nil {
		return err
	}
	if err := s.store.GenerateKeyPair(policy.KeyType, policy.KeySize); err != nil && !errors.Is(err, trust.ErrKeyPairExists) {
		return fmt.Errorf("session: %w", err)
	}
	payload, err := s.activationPayload(policy, modelURNs)
	if err != nil {
		return err
	}
	body, err := s.Authenticated().Request(ctx, transport.RequestOptions{
		Method: "POST",
		Path:   "activation/direct?createDraft=false",
	}, payload)
	if err != nil {
		return fmt.Errorf("session: direct activation: %w", err)
	}
	var resp activationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("session: parse activation response: %w", err)
	}
	if resp.EndpointState != "ACTIVATED" {
		return fmt.Errorf("%w: endpoint state %q", ErrActivationFailed, resp.EndpointState)
	}
	var certDER []byte
	if resp.Certificate != "" {
		certDER, err = base64.StdEncoding.DecodeString(resp.Certificate)
		if err != nil {
			return fmt.Errorf("session: decode issued certificate: %w", err)
		}
	}
	if err := s.store.SetEndpointCredentials(resp.EndpointID, certDER); err != nil {
		return fmt.Errorf("session: store endpoint credentials: %w", err)
	}
	s.logger.Info("device activated", "endpointId", resp.EndpointID)
	// Post-activation requests authenticate as the endpoint.
	return s.refresh(ctx, false)
}

func (s *Session) fetchPolicy(ctx context.Context) (*activationPolicy, error) {
	path := fmt.Sprintf("activation/policy?OSName=%s&OSVersion=unknown", runtime.GOOS)
	body, err := s.Authenticated().Request(ctx, transport.RequestOptions{
		Method: "GET",
		Path:   path,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("session: activation policy: %w", err)
	}
	var policy activationPolicy
	if err := json.Unmarshal(body, &policy); err != nil {
		return nil, fmt.Errorf("session: parse activation policy: %w", err)
	}
	return &policy, nil
}

// activationPayload builds the certification-request-shaped enrollment
// body. The signature proves possession of both the shared secret and the
// freshly generated private key: the signed bytes are the request header
// fields, the secret-keyed hash of the client ID, and the raw public key.
func (s *Session) activationPayload(policy *activationPolicy, modelURNs []string) ([]byte, error) {
	clientID := s.store.ClientID()
	pubDER, err := s.store.PublicKeyDER()
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	secretHash, err := s.store.SignWithSharedSecret([]byte(clientID), "sha256")
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	signed := []byte(clientID + "\n" + policy.KeyType + "\nX.509\nHmacSHA256\n")
	signed = append(signed, secretHash...)
	signed = append(signed, pubDER...)
	signature, err := s.store.SignWithPrivateKey(signed, "sha256")
	if err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}

	models := append([]string{}, modelURNs...)
	models = append(models, DirectActivationURN)
	return json.Marshal(map[string]any{
		"certificationRequestInfo": map[string]any{
			"subject": clientID,
			"subjectPublicKeyInfo": map[string]any{
				"algorithm":           policy.KeyType,
				"publicKey":           base64.StdEncoding.EncodeToString(pubDER),
				"format":              "X.509",
				"secretHashAlgorithm": "HmacSHA256",
			},
			"attributes": map[string]any{},
		},
		"signatureAlgorithm": policy.HashAlgorithm,
		"signature":          base64.StdEncoding.EncodeToString(signature),
		"deviceModels":       models,
	})
}

// RegisterIndirect enrolls a downstream device through an activated
// gateway and returns the endpoint ID assigned to it.
func (s *Session) RegisterIndirect(ctx context.Context, hardwareID string, metadata map[string]any, modelURNs []string) (string, error) {
	if !s.IsActivated() {
		return "", ErrNotActivated
	}
	payload := map[string]any{
		"hardwareId":   hardwareID,
		"deviceModels": modelURNs,
	}
	for k, v := range metadata {
		if _, taken := payload[k]; !taken {
			payload[k] = v
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("session: encode registration: %w", err)
	}
	resp, err := s.Authenticated().Request(ctx, transport.RequestOptions{
		Method: "POST",
		Path:   "activation/indirect/device?createDraft=false",
	}, body)
	if err != nil {
		return "", fmt.Errorf("session: indirect registration: %w", err)
	}
	var out activationResponse
	if err := json.Unmarshal(resp, &out); err != nil {
		return "", fmt.Errorf("session: parse registration response: %w", err)
	}
	if out.EndpointState != "ACTIVATED" {
		return "", fmt.Errorf("%w: endpoint state %q", ErrActivationFailed, out.EndpointState)
	}
	return out.EndpointID, nil
}
