package onboard

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"net/url"
	"os"
	"strings"

	"github.com/juju/errors"
)

// ParsePrivateKey accepts PKCS#1 or PKCS#8 RSA key in PEM.
func ParsePrivateKey(b []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.NotValidf("private key PEM")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Annotate(err, "private key")
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.NotValidf("private key type=%T", k)
	}
	return rk, nil
}

// ParsePublicKey accepts PKIX or PKCS#1 RSA public key in PEM.
func ParsePublicKey(b []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.NotValidf("public key PEM")
	}
	if k, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Annotate(err, "public key")
	}
	rk, ok := k.(*rsa.PublicKey)
	if !ok {
		return nil, errors.NotValidf("public key type=%T", k)
	}
	return rk, nil
}

func ReadPrivateKeyFile(path string) (*rsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	k, err := ParsePrivateKey(b)
	return k, errors.Annotatef(err, "file=%s", path)
}

func ReadPublicKeyFile(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	k, err := ParsePublicKey(b)
	return k, errors.Annotatef(err, "file=%s", path)
}

// Sign returns hex encoded SHA256withRSA signature of body, value of SignatureHeader.
func Sign(key *rsa.PrivateKey, body []byte) (string, error) {
	sum := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		return "", errors.Annotate(err, "sign")
	}
	return hex.EncodeToString(sig), nil
}

// SignReturn produces signature as authorization page does, for tests and mock broker.
func SignReturn(key *rsa.PrivateKey, state, token string) (string, error) {
	sum := sha256.Sum256([]byte(state + token))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	if err != nil {
		return "", errors.Annotate(err, "sign")
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// verifyReturn checks authorization page signature over state+token.
// Signature may arrive still URL-encoded.
func verifyReturn(key *rsa.PublicKey, state, token, signature string) error {
	if strings.ContainsRune(signature, '%') {
		if s, err := url.QueryUnescape(signature); err == nil {
			signature = s
		}
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return errors.Wrapf(err, ErrSignatureInvalid, "signature decode %v", err)
	}
	sum := sha256.Sum256([]byte(state + token))
	if err = rsa.VerifyPKCS1v15(key, crypto.SHA256, sum[:], sig); err != nil {
		return errors.Wrapf(err, ErrSignatureInvalid, "signature %v", err)
	}
	return nil
}
