package credentials

import (
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/transport"
)

func TestParseDocument(t *testing.T) {
	t.Parallel()

	const input = `{
  "deviceAlternateId": "dev-1",
  "capabilityAlternateId": "cap-1",
  "sensorAlternateId": "sensor-1",
  "connectionCriteria": {
    "gatewayId": "2",
    "host": "broker.example.com",
    "port": "8883",
    "clientId": "client-1",
    "measures": "measures/client-1",
    "commands": "commands/client-1"
  },
  "authentication": {"type": "P12", "secret": "s", "certificate": "AAAA"}
}`
	d, err := Parse([]byte(input))
	require.NoError(t, err)
	kind, err := d.Gateway()
	require.NoError(t, err)
	assert.Equal(t, transport.KindPush, kind)
	assert.Equal(t, "tls://broker.example.com:8883", d.BrokerURL())
	assert.Equal(t, "client-1", d.EndpointID())
	assert.Equal(t, "sensor-1", d.Addressing().SensorAlternateID)
	assert.Equal(t, "cap-1", d.Addressing().CapabilityAlternateID)
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		input string
	}{
		{"syntax", `{`},
		{"no-sensor", `{"connectionCriteria":{"gatewayId":"3","measures":"m","commands":"c"},"authentication":{"certificate":"x"}}`},
		{"no-urls", `{"sensorAlternateId":"s","connectionCriteria":{"gatewayId":"3"},"authentication":{"certificate":"x"}}`},
		{"gateway", `{"sensorAlternateId":"s","connectionCriteria":{"gatewayId":"9","measures":"m","commands":"c"},"authentication":{"certificate":"x"}}`},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(c.input))
			require.Error(t, err)
		})
	}
	_, err := Parse([]byte(cases[3].input))
	assert.Equal(t, ErrUnknownGateway, errors.Cause(err))
}

func TestKeyPair(t *testing.T) {
	t.Parallel()

	for _, isPEM := range []bool{false, true} {
		isPEM := isPEM
		name := "p12"
		if isPEM {
			name = "pem"
		}
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			d := NewTestDocument(t, TestOptions{PEM: isPEM})
			c, err := d.KeyPair()
			require.NoError(t, err)
			require.NotNil(t, c.Leaf)
			assert.Equal(t, d.SensorAlternateID, c.Leaf.Subject.CommonName)

			conf, err := d.TLSConfig(nil)
			require.NoError(t, err)
			assert.Len(t, conf.Certificates, 1)
		})
	}
}

func TestKeyPairWrongSecret(t *testing.T) {
	t.Parallel()

	d := NewTestDocument(t, TestOptions{})
	d.Authentication.Secret = "wrong"
	_, err := d.KeyPair()
	require.Error(t, err)
}

func TestCheckValidity(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cases := []struct {
		name      string
		notBefore time.Time
		notAfter  time.Time
		expect    error
	}{
		{"valid", now.Add(-time.Hour), now.Add(time.Hour), nil},
		{"expired", now.Add(-2 * time.Hour), now.Add(-time.Hour), ErrCertificateExpired},
		{"future", now.Add(time.Hour), now.Add(2 * time.Hour), ErrCertificateNotYetValid},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()
			d := NewTestDocument(t, TestOptions{NotBefore: c.notBefore, NotAfter: c.notAfter})
			err := d.CheckValidity(now)
			assert.Equal(t, c.expect, errors.Cause(err))
		})
	}
}

func TestStore(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	s, err := NewStore(t.TempDir(), "", log)
	require.NoError(t, err)

	d, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, d)

	orig := NewTestDocument(t, TestOptions{Gateway: GatewayMQTT, Host: "tcp://127.0.0.1", Port: "1883"})
	require.NoError(t, s.Save(orig))
	loaded, err := s.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, orig, loaded)
	assert.Equal(t, "tcp://127.0.0.1:1883", loaded.BrokerURL())
}
