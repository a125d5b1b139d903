// Package trust owns the device's credential set: client identity, shared
// secret, key pair, certificate and trust anchors. It persists them in an
// encrypted, integrity-signed container and produces the signed client
// assertions the token endpoint expects.
package trust

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"time"

	_ "crypto/md5"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
)

// Assets is the in-memory credential set. EndpointID being non-empty is the
// definition of "activated"; key generation happens at most once per
// credential lifetime.
type Assets struct {
	ClientID     string
	SharedSecret string
	ServerHost   string
	ServerPort   int
	ServerScheme string

	EndpointID   string
	PrivateKey   *rsa.PrivateKey
	Certificate  *x509.Certificate
	TrustAnchors []string
}

// ServerURI renders the scheme://host:port base the transports dial.
func (a *Assets) ServerURI() string {
	return fmt.Sprintf("%s://%s:%d", a.ServerScheme, a.ServerHost, a.ServerPort)
}

// IsActivated reports whether the device holds a server-assigned endpoint ID.
func (a *Assets) IsActivated() bool { return a.EndpointID != "" }

// AssetsFromURI seeds a credential set with the server coordinates parsed
// from a scheme://host:port URI.
func AssetsFromURI(raw string) (Assets, error) {
	var a Assets
	if err := a.setServerURI(raw); err != nil {
		return Assets{}, err
	}
	return a, nil
}

// hashFor maps the wire algorithm names onto crypto hashes.
func hashFor(alg string) (crypto.Hash, error) {
	switch strings.ToLower(alg) {
	case "md5":
		return crypto.MD5, nil
	case "sha1":
		return crypto.SHA1, nil
	case "sha256":
		return crypto.SHA256, nil
	case "sha512":
		return crypto.SHA512, nil
	case "sha512/224":
		return crypto.SHA512_224, nil
	case "sha512/256":
		return crypto.SHA512_256, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
}

// generateKeyPair creates the device's RSA key pair. Only RSA is accepted;
// the activation policy never asks for anything else.
func (a *Assets) generateKeyPair(algorithm string, bits int) error {
	if a.PrivateKey != nil {
		return ErrKeyPairExists
	}
	if !strings.EqualFold(algorithm, "RSA") {
		return fmt.Errorf("%w: key algorithm %q", ErrUnsupportedAlgorithm, algorithm)
	}
	key, err := rsa.GenerateKey(randomSource(), bits)
	if err != nil {
		return fmt.Errorf("generate key pair: %w", err)
	}
	a.PrivateKey = key
	return nil
}

// setEndpointCredentials stores the endpoint identity issued by activation.
// When the server returns no certificate a one-year self-signed one is
// minted in its place.
func (a *Assets) setEndpointCredentials(endpointID string, certDER []byte) error {
	if a.PrivateKey == nil {
		return ErrNoKeyPair
	}
	if len(certDER) == 0 {
		now := time.Now()
		tmpl := &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: a.ClientID},
			NotBefore:    now,
			NotAfter:     now.AddDate(1, 0, 0),
		}
		der, err := x509.CreateCertificate(randomSource(), tmpl, tmpl, &a.PrivateKey.PublicKey, a.PrivateKey)
		if err != nil {
			return fmt.Errorf("self-signed certificate: %w", err)
		}
		certDER = der
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse certificate: %w", err)
	}
	a.EndpointID = endpointID
	a.Certificate = cert
	return nil
}

// signWithPrivateKey hashes data with the named algorithm and signs the
// digest with the device's RSA key.
func (a *Assets) signWithPrivateKey(data []byte, alg string) ([]byte, error) {
	if a.PrivateKey == nil {
		return nil, ErrNoKeyPair
	}
	h, err := hashFor(alg)
	if err != nil {
		return nil, err
	}
	d := h.New()
	d.Write(data)
	sig, err := rsa.SignPKCS1v15(randomSource(), a.PrivateKey, h, d.Sum(nil))
	if err != nil {
		return nil, fmt.Errorf("sign with private key: %w", err)
	}
	return sig, nil
}

// signWithSharedSecret computes an HMAC over data keyed by the shared secret.
func (a *Assets) signWithSharedSecret(data []byte, alg string) ([]byte, error) {
	h, err := hashFor(alg)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(h.New, []byte(a.SharedSecret))
	mac.Write(data)
	return mac.Sum(nil), nil
}

// publicKeyDER is the SubjectPublicKeyInfo encoding sent in the activation
// request.
func (a *Assets) publicKeyDER() ([]byte, error) {
	if a.PrivateKey == nil {
		return nil, ErrNoKeyPair
	}
	der, err := x509.MarshalPKIXPublicKey(&a.PrivateKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode public key: %w", err)
	}
	return der, nil
}

// reset clears the endpoint identity and keys while keeping the client ID,
// shared secret and anchors, returning the device to the pre-activation
// state.
func (a *Assets) reset() {
	a.EndpointID = ""
	a.PrivateKey = nil
	a.Certificate = nil
}
