// Package credentials holds per-endpoint connection document issued by onboarding.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/arclient/transport"
	"github.com/temoto/arclient/wire"
	"golang.org/x/crypto/pkcs12"
)

const (
	GatewayMQTT = "2"
	GatewayHTTP = "3"

	TypeP12 = "P12"
	TypePEM = "PEM"
)

var (
	ErrCertificateExpired     = fmt.Errorf("certificate expired")
	ErrCertificateNotYetValid = fmt.Errorf("certificate not yet valid")
	ErrConnectionExpired      = fmt.Errorf("connection expired, onboard endpoint again")
	ErrUnknownGateway         = fmt.Errorf("unknown gateway")
)

type ConnectionCriteria struct {
	GatewayID string      `json:"gatewayId"`
	Host      string      `json:"host"`
	Port      json.Number `json:"port,omitempty"`
	ClientID  string      `json:"clientId"`
	// MQTT topic or HTTP URL
	Measures string `json:"measures"`
	Commands string `json:"commands"`
}

type Authentication struct {
	Type        string `json:"type"`
	Secret      string `json:"secret"`
	Certificate string `json:"certificate"`
}

type Document struct {
	DeviceAlternateID     string             `json:"deviceAlternateId"`
	CapabilityAlternateID string             `json:"capabilityAlternateId"`
	SensorAlternateID     string             `json:"sensorAlternateId"`
	ConnectionCriteria    ConnectionCriteria `json:"connectionCriteria"`
	Authentication        Authentication     `json:"authentication"`
}

func Parse(b []byte) (*Document, error) {
	d := &Document{}
	if err := d.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Document) MarshalBinary() ([]byte, error) {
	b, err := json.Marshal(d)
	return b, errors.Annotate(err, "credentials marshal")
}

func (d *Document) UnmarshalBinary(b []byte) error {
	if err := json.Unmarshal(b, d); err != nil {
		return errors.Annotate(err, "credentials parse")
	}
	return d.Validate()
}

func (d *Document) Validate() error {
	if d.SensorAlternateID == "" {
		return errors.NotValidf("credentials sensorAlternateId empty")
	}
	if d.ConnectionCriteria.Measures == "" || d.ConnectionCriteria.Commands == "" {
		return errors.NotValidf("credentials connectionCriteria measures=%q commands=%q",
			d.ConnectionCriteria.Measures, d.ConnectionCriteria.Commands)
	}
	if d.Authentication.Certificate == "" {
		return errors.NotValidf("credentials authentication certificate empty")
	}
	if _, err := d.Gateway(); err != nil {
		return err
	}
	return nil
}

// Gateway maps connectionCriteria.gatewayId to transport.
func (d *Document) Gateway() (transport.Kind, error) {
	switch d.ConnectionCriteria.GatewayID {
	case GatewayMQTT:
		return transport.KindPush, nil
	case GatewayHTTP:
		return transport.KindPoll, nil
	}
	return transport.KindInvalid, errors.Annotatef(ErrUnknownGateway, "gatewayId=%q", d.ConnectionCriteria.GatewayID)
}

func (d *Document) Addressing() wire.Addressing {
	return wire.Addressing{
		SensorAlternateID:     d.SensorAlternateID,
		CapabilityAlternateID: d.CapabilityAlternateID,
	}
}

// BrokerURL is MQTT server address. Host with explicit scheme is kept as is.
func (d *Document) BrokerURL() string {
	cc := d.ConnectionCriteria
	host := cc.Host
	if !strings.Contains(host, "://") {
		host = "tls://" + host
	}
	if cc.Port != "" {
		host += ":" + cc.Port.String()
	}
	return host
}

// EndpointID is onboarded endpoint identity, MQTT client id.
func (d *Document) EndpointID() string {
	if d.ConnectionCriteria.ClientID != "" {
		return d.ConnectionCriteria.ClientID
	}
	return d.SensorAlternateID
}

// KeyPair decodes client certificate and private key.
func (d *Document) KeyPair() (tls.Certificate, error) {
	auth := d.Authentication
	switch strings.ToUpper(auth.Type) {
	case TypeP12, "":
		raw, err := base64.StdEncoding.DecodeString(auth.Certificate)
		if err != nil {
			return tls.Certificate{}, errors.Annotate(err, "credentials P12 base64")
		}
		blocks, err := pkcs12.ToPEM(raw, auth.Secret)
		if err != nil {
			return tls.Certificate{}, errors.Annotate(err, "credentials P12 decode")
		}
		return keyPairFromBlocks(blocks, "")

	case TypePEM:
		rest := []byte(auth.Certificate)
		blocks := make([]*pem.Block, 0, 2)
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			blocks = append(blocks, block)
		}
		return keyPairFromBlocks(blocks, auth.Secret)
	}
	return tls.Certificate{}, errors.NotValidf("credentials authentication type=%s", auth.Type)
}

func keyPairFromBlocks(blocks []*pem.Block, secret string) (tls.Certificate, error) {
	var certPEM, keyPEM []byte
	for _, block := range blocks {
		switch {
		case block.Type == "CERTIFICATE":
			certPEM = append(certPEM, pem.EncodeToMemory(block)...)
		case strings.HasSuffix(block.Type, "PRIVATE KEY"):
			//nolint:staticcheck
			if x509.IsEncryptedPEMBlock(block) {
				der, err := x509.DecryptPEMBlock(block, []byte(secret))
				if err != nil {
					return tls.Certificate{}, errors.Annotate(err, "credentials private key decrypt")
				}
				block = &pem.Block{Type: block.Type, Bytes: der}
			}
			keyPEM = pem.EncodeToMemory(block)
		}
	}
	if certPEM == nil || keyPEM == nil {
		return tls.Certificate{}, errors.NotFoundf("credentials certificate=%t key=%t", certPEM != nil, keyPEM != nil)
	}
	c, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return c, errors.Annotate(err, "credentials key pair")
	}
	if c.Leaf == nil {
		if c.Leaf, err = x509.ParseCertificate(c.Certificate[0]); err != nil {
			return c, errors.Annotate(err, "credentials certificate")
		}
	}
	return c, nil
}

func (d *Document) Certificate() (*x509.Certificate, error) {
	c, err := d.KeyPair()
	if err != nil {
		return nil, err
	}
	return c.Leaf, nil
}

// CheckValidity reports certificate state at now.
func (d *Document) CheckValidity(now time.Time) error {
	cert, err := d.Certificate()
	if err != nil {
		return err
	}
	return checkValidity(cert, now)
}

func checkValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) {
		return errors.Annotatef(ErrCertificateNotYetValid, "not_before=%s", cert.NotBefore.Format(time.RFC3339))
	}
	if now.After(cert.NotAfter) {
		return errors.Annotatef(ErrCertificateExpired, "not_after=%s", cert.NotAfter.Format(time.RFC3339))
	}
	return nil
}

// TLSConfig pins client certificate. Nil roots means system pool.
func (d *Document) TLSConfig(roots *x509.CertPool) (*tls.Config, error) {
	c, err := d.KeyPair()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{c},
		RootCAs:      roots,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
