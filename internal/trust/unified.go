package trust

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// The unified container is the tag-length-value alternative to the JSON
// store: one version byte, base64(IV || AES-128-CBC ciphertext), a newline
// and a comment marker. The IV doubles as the PBKDF2 salt.
const (
	unifiedVersion       = 33
	unifiedKDFIterations = 10000
)

const (
	tagServerURI = iota + 1
	tagClientID
	tagSharedSecret
	tagEndpointID
	tagTrustAnchor
	tagPrivateKey
	tagPublicKey
)

func looksUnified(path string, raw []byte) bool {
	if strings.HasSuffix(path, ".json") {
		return false
	}
	return len(raw) > 0 && raw[0] == unifiedVersion
}

func decodeUnified(raw []byte, password string) (*Assets, error) {
	if len(raw) < 2 || raw[0] != unifiedVersion {
		return nil, fmt.Errorf("trust: unsupported store version")
	}
	body := raw[1:]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[:i]
	}
	blob, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(body)))
	if err != nil {
		return nil, fmt.Errorf("trust: decode store body: %w", err)
	}
	if len(blob) < aes.BlockSize || (len(blob)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, ErrBadPassword
	}
	iv := blob[:aes.BlockSize]
	key := pbkdf2.Key([]byte(password), iv, unifiedKDFIterations, storeKeyLen, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("trust: cipher: %w", err)
	}
	plain := make([]byte, len(blob)-aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, blob[aes.BlockSize:])
	plain, err = pkcs7Unpad(plain)
	if err != nil {
		return nil, err
	}

	a := &Assets{}
	var privDER []byte
	for len(plain) > 0 {
		if len(plain) < 3 {
			return nil, ErrBadPassword
		}
		tag := plain[0]
		n := int(binary.BigEndian.Uint16(plain[1:3]))
		if len(plain) < 3+n {
			return nil, ErrBadPassword
		}
		val := plain[3 : 3+n]
		plain = plain[3+n:]
		switch tag {
		case tagServerURI:
			if err := a.setServerURI(string(val)); err != nil {
				return nil, err
			}
		case tagClientID:
			a.ClientID = string(val)
		case tagSharedSecret:
			a.SharedSecret = string(val)
		case tagEndpointID:
			a.EndpointID = string(val)
		case tagTrustAnchor:
			a.TrustAnchors = append(a.TrustAnchors, string(val))
		case tagPrivateKey:
			privDER = append([]byte(nil), val...)
		case tagPublicKey:
			// derivable from the private key record
		default:
			return nil, fmt.Errorf("trust: unknown store tag %d", tag)
		}
	}
	if privDER != nil {
		pk, err := x509.ParsePKCS8PrivateKey(privDER)
		if err != nil {
			return nil, fmt.Errorf("trust: parse private key: %w", err)
		}
		if a.PrivateKey, err = asRSA(pk); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func encodeUnified(a *Assets, password string) ([]byte, error) {
	var tlv bytes.Buffer
	put := func(tag byte, val []byte) {
		var hdr [3]byte
		hdr[0] = tag
		binary.BigEndian.PutUint16(hdr[1:], uint16(len(val)))
		tlv.Write(hdr[:])
		tlv.Write(val)
	}
	put(tagServerURI, []byte(a.ServerURI()))
	put(tagClientID, []byte(a.ClientID))
	put(tagSharedSecret, []byte(a.SharedSecret))
	if a.EndpointID != "" {
		put(tagEndpointID, []byte(a.EndpointID))
	}
	for _, anchor := range a.TrustAnchors {
		put(tagTrustAnchor, []byte(anchor))
	}
	if a.PrivateKey != nil {
		privDER, err := x509.MarshalPKCS8PrivateKey(a.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("trust: encode private key: %w", err)
		}
		put(tagPrivateKey, privDER)
		pubDER, err := a.publicKeyDER()
		if err != nil {
			return nil, err
		}
		put(tagPublicKey, pubDER)
	}

	iv := make([]byte, aes.BlockSize)
	if err := readRandom(iv); err != nil {
		return nil, fmt.Errorf("trust: iv: %w", err)
	}
	key := pbkdf2.Key([]byte(password), iv, unifiedKDFIterations, storeKeyLen, sha1.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("trust: cipher: %w", err)
	}
	padded := pkcs7Pad(tlv.Bytes(), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	var out bytes.Buffer
	out.WriteByte(unifiedVersion)
	out.WriteString(base64.StdEncoding.EncodeToString(append(iv, ct...)))
	out.WriteString("\n#")
	return out.Bytes(), nil
}

func (a *Assets) setServerURI(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("trust: parse server uri: %w", err)
	}
	a.ServerScheme = u.Scheme
	a.ServerHost = u.Hostname()
	if p := u.Port(); p != "" {
		a.ServerPort, err = strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("trust: parse server port: %w", err)
		}
	}
	return nil
}

// certificatePEM renders the stored certificate, if any.
func (a *Assets) certificatePEM() string {
	if a.Certificate == nil {
		return ""
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.Certificate.Raw}))
}
