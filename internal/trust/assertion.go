package trust

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AssertionAudience is the fixed audience the token endpoint expects.
const AssertionAudience = "oracle/iot/oauth2/token"

// assertionTTL bounds how long a client assertion stays usable.
const assertionTTL = 15 * time.Minute

// ClientAssertion issues the signed identity claim presented to the token
// endpoint. Before activation the device only holds the shared secret, so
// the assertion is HMAC-signed with the client ID as subject; once
// activated it is RSA-signed with the endpoint ID as subject. serverDelta
// shifts the expiry so the claim stays valid under device/server clock
// skew.
func (s *Store) ClientAssertion(serverDelta time.Duration) (string, error) {
	id := s.assets.ClientID
	method := jwt.SigningMethod(jwt.SigningMethodHS256)
	var key any = []byte(s.assets.SharedSecret)
	if s.assets.IsActivated() {
		if s.assets.PrivateKey == nil {
			return "", ErrNoKeyPair
		}
		id = s.assets.EndpointID
		method = jwt.SigningMethodRS256
		key = s.assets.PrivateKey
	}
	exp := time.Now().Add(serverDelta).Add(assertionTTL)
	token := jwt.NewWithClaims(method, jwt.MapClaims{
		"iss": id,
		"sub": id,
		"aud": AssertionAudience,
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("trust: sign client assertion: %w", err)
	}
	return signed, nil
}
