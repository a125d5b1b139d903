package trust

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	jsonKDFIterations = 1000
	storeKeyLen       = 16
)

// Store binds a credential set to its on-disk container. Every mutating
// operation persists before returning; a failed save is a hard error.
type Store struct {
	path     string
	password string
	unified  bool
	assets   Assets
}

// Open loads an existing store from path. The integrity signature is
// verified before any field is trusted.
func Open(path, password string) (*Store, error) {
	s := &Store{path: path, password: password}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Provision writes a brand-new store holding the pre-activation credential
// set. An existing file at path is refused.
func Provision(path, password string, a Assets) (*Store, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("trust: store %s already exists", path)
	}
	s := &Store{path: path, password: password, assets: a}
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ClientID() string       { return s.assets.ClientID }
func (s *Store) EndpointID() string     { return s.assets.EndpointID }
func (s *Store) ServerHost() string     { return s.assets.ServerHost }
func (s *Store) ServerPort() int        { return s.assets.ServerPort }
func (s *Store) ServerScheme() string   { return s.assets.ServerScheme }
func (s *Store) ServerURI() string      { return s.assets.ServerURI() }
func (s *Store) IsActivated() bool      { return s.assets.IsActivated() }
func (s *Store) TrustAnchors() []string { return append([]string(nil), s.assets.TrustAnchors...) }

// CertificatePEM renders the endpoint certificate, or "" before activation.
func (s *Store) CertificatePEM() string { return s.assets.certificatePEM() }

// PublicKeyDER exposes the SubjectPublicKeyInfo bytes for the activation
// request.
func (s *Store) PublicKeyDER() ([]byte, error) { return s.assets.publicKeyDER() }

// GenerateKeyPair creates the device key pair and persists the store.
func (s *Store) GenerateKeyPair(algorithm string, bits int) error {
	if err := s.assets.generateKeyPair(algorithm, bits); err != nil {
		return err
	}
	if err := s.save(); err != nil {
		s.assets.PrivateKey = nil
		return err
	}
	return nil
}

// SetEndpointCredentials records the activation result and persists.
func (s *Store) SetEndpointCredentials(endpointID string, certDER []byte) error {
	if err := s.assets.setEndpointCredentials(endpointID, certDER); err != nil {
		return err
	}
	return s.save()
}

// SignWithPrivateKey hash-then-signs data with the device key.
func (s *Store) SignWithPrivateKey(data []byte, alg string) ([]byte, error) {
	return s.assets.signWithPrivateKey(data, alg)
}

// SignWithSharedSecret computes an HMAC over data with the shared secret.
func (s *Store) SignWithSharedSecret(data []byte, alg string) ([]byte, error) {
	return s.assets.signWithSharedSecret(data, alg)
}

// Reset drops the endpoint identity and keys, keeping the client identity,
// and persists the cleared state.
func (s *Store) Reset() error {
	s.assets.reset()
	return s.save()
}

type storeFile struct {
	ClientID     string   `json:"clientId"`
	ServerHost   string   `json:"serverHost"`
	ServerPort   int      `json:"serverPort"`
	ServerScheme string   `json:"serverScheme"`
	SharedSecret string   `json:"sharedSecret"`
	TrustAnchors []string `json:"trustAnchors"`
	KeyPair      string   `json:"keyPair,omitempty"`
	Signature    string   `json:"signature"`
}

type keyBundle struct {
	EndpointID  string `json:"endpointId"`
	PrivateKey  string `json:"privateKey"`
	Certificate string `json:"certificate,omitempty"`
}

func (s *Store) derivedKey() []byte {
	return pbkdf2.Key([]byte(s.password), nil, jsonKDFIterations, storeKeyLen, sha1.New)
}

func (f *storeFile) signedContent() []byte {
	var b strings.Builder
	b.WriteString(f.ClientID)
	b.WriteString(f.ServerHost)
	b.WriteString(strconv.Itoa(f.ServerPort))
	b.WriteString(f.ServerScheme)
	b.WriteString(f.SharedSecret)
	b.WriteString(strings.Join(f.TrustAnchors, ""))
	b.WriteString(f.KeyPair)
	return []byte(b.String())
}

func (s *Store) load() error {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("trust: read store: %w", err)
	}
	if looksUnified(s.path, raw) {
		a, err := decodeUnified(raw, s.password)
		if err != nil {
			return err
		}
		s.assets = *a
		s.unified = true
		return nil
	}

	var f storeFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("trust: parse store: %w", err)
	}
	key := s.derivedKey()
	mac := hmac.New(sha256.New, key)
	mac.Write(f.signedContent())
	want, err := hex.DecodeString(f.Signature)
	if err != nil || !hmac.Equal(mac.Sum(nil), want) {
		return ErrStoreTampered
	}

	secret, err := decryptHex(key, f.SharedSecret)
	if err != nil {
		return err
	}
	a := Assets{
		ClientID:     f.ClientID,
		SharedSecret: string(secret),
		ServerHost:   f.ServerHost,
		ServerPort:   f.ServerPort,
		ServerScheme: f.ServerScheme,
		TrustAnchors: f.TrustAnchors,
	}
	if f.KeyPair != "" {
		plain, err := decryptHex(key, f.KeyPair)
		if err != nil {
			return err
		}
		var kb keyBundle
		if err := json.Unmarshal(plain, &kb); err != nil {
			return fmt.Errorf("trust: parse key bundle: %w", err)
		}
		keyDER, _ := pem.Decode([]byte(kb.PrivateKey))
		if keyDER == nil {
			return fmt.Errorf("trust: key bundle holds no PEM key")
		}
		pk, err := x509.ParsePKCS8PrivateKey(keyDER.Bytes)
		if err != nil {
			return fmt.Errorf("trust: parse private key: %w", err)
		}
		a.PrivateKey, err = asRSA(pk)
		if err != nil {
			return err
		}
		a.EndpointID = kb.EndpointID
		if kb.Certificate != "" {
			certDER, _ := pem.Decode([]byte(kb.Certificate))
			if certDER == nil {
				return fmt.Errorf("trust: key bundle holds no PEM certificate")
			}
			a.Certificate, err = x509.ParseCertificate(certDER.Bytes)
			if err != nil {
				return fmt.Errorf("trust: parse certificate: %w", err)
			}
		}
	}
	s.assets = a
	return nil
}

func (s *Store) save() error {
	if s.unified {
		out, err := encodeUnified(&s.assets, s.password)
		if err != nil {
			return err
		}
		return s.writeFile(out)
	}
	key := s.derivedKey()
	f := storeFile{
		ClientID:     s.assets.ClientID,
		ServerHost:   s.assets.ServerHost,
		ServerPort:   s.assets.ServerPort,
		ServerScheme: s.assets.ServerScheme,
		TrustAnchors: s.assets.TrustAnchors,
	}
	enc, err := encryptHex(key, []byte(s.assets.SharedSecret))
	if err != nil {
		return err
	}
	f.SharedSecret = enc
	if s.assets.PrivateKey != nil {
		keyDER, err := x509.MarshalPKCS8PrivateKey(s.assets.PrivateKey)
		if err != nil {
			return fmt.Errorf("trust: encode private key: %w", err)
		}
		kb := keyBundle{
			EndpointID: s.assets.EndpointID,
			PrivateKey: string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})),
		}
		if s.assets.Certificate != nil {
			kb.Certificate = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: s.assets.Certificate.Raw}))
		}
		plain, err := json.Marshal(kb)
		if err != nil {
			return fmt.Errorf("trust: encode key bundle: %w", err)
		}
		if f.KeyPair, err = encryptHex(key, plain); err != nil {
			return err
		}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(f.signedContent())
	f.Signature = hex.EncodeToString(mac.Sum(nil))

	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("trust: encode store: %w", err)
	}
	return s.writeFile(out)
}

// writeFile replaces the store atomically so a crash mid-save never leaves
// a half-written container behind.
func (s *Store) writeFile(out []byte) error {
	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("trust: create store dir: %w", err)
	}
	if err := os.WriteFile(tmp, out, 0o600); err != nil {
		return fmt.Errorf("trust: write store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("trust: replace store: %w", err)
	}
	return nil
}

// The compatibility container encrypts with AES-128-CBC under the derived
// key and a zero IV; the HMAC signature over the whole file is what actually
// protects it.
func encryptHex(key, plain []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("trust: cipher: %w", err)
	}
	padded := pkcs7Pad(plain, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, padded)
	return hex.EncodeToString(out), nil
}

func decryptHex(key []byte, encoded string) ([]byte, error) {
	raw, err := hex.DecodeString(encoded)
	if err != nil || len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrBadPassword
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("trust: cipher: %w", err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, raw)
	return pkcs7Unpad(out)
}

func asRSA(pk any) (*rsa.PrivateKey, error) {
	key, ok := pk.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: stored key is %T", ErrUnsupportedAlgorithm, pk)
	}
	return key, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadPassword
	}
	n := int(b[len(b)-1])
	if n == 0 || n > len(b) {
		return nil, ErrBadPassword
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrBadPassword
		}
	}
	return b[:len(b)-n], nil
}
