package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	pkcs12enc "software.sslmate.com/src/go-pkcs12"
)

const TestSecret = "test-secret"

type TestOptions struct {
	Gateway   string
	Host      string
	Port      string
	Measures  string
	Commands  string
	NotBefore time.Time
	NotAfter  time.Time
	PEM       bool
}

// NewTestDocument issues self-signed client certificate wrapped into document.
func NewTestDocument(t testing.TB, opt TestOptions) *Document {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if opt.NotBefore.IsZero() {
		opt.NotBefore = time.Now().Add(-time.Hour)
	}
	if opt.NotAfter.IsZero() {
		opt.NotAfter = time.Now().Add(24 * time.Hour)
	}
	if opt.Gateway == "" {
		opt.Gateway = GatewayHTTP
	}
	endpoint := uuid.NewString()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: endpoint},
		NotBefore:    opt.NotBefore,
		NotAfter:     opt.NotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	auth := Authentication{Type: TypeP12, Secret: TestSecret}
	if opt.PEM {
		keyDER, err := x509.MarshalECPrivateKey(key)
		if err != nil {
			t.Fatal(err)
		}
		auth.Type = TypePEM
		auth.Secret = ""
		auth.Certificate = string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})) +
			string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	} else {
		p12, err := pkcs12enc.LegacyDES.Encode(key, cert, nil, TestSecret)
		if err != nil {
			t.Fatal(err)
		}
		auth.Certificate = base64.StdEncoding.EncodeToString(p12)
	}

	return &Document{
		DeviceAlternateID:     uuid.NewString(),
		CapabilityAlternateID: uuid.NewString(),
		SensorAlternateID:     endpoint,
		ConnectionCriteria: ConnectionCriteria{
			GatewayID: opt.Gateway,
			Host:      opt.Host,
			Port:      json.Number(opt.Port),
			ClientID:  endpoint,
			Measures:  defaultString(opt.Measures, "measures/"+endpoint),
			Commands:  defaultString(opt.Commands, "commands/"+endpoint),
		},
		Authentication: auth,
	}
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}
