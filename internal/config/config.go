// Package config reads arclient HCL configuration.
package config

import (
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/temoto/arclient/connection"
	"github.com/temoto/arclient/credentials"
	"github.com/temoto/arclient/helpers"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/onboard"
	"github.com/temoto/arclient/outbox"
	"github.com/temoto/arclient/transport"
	"github.com/temoto/arclient/wire"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Application struct {
		ID                     string `hcl:"id"`
		CertificationVersionID string `hcl:"certification_version_id"`
		PrivateKeyFile         string `hcl:"private_key_file"`
		BrokerPublicKeyFile    string `hcl:"broker_public_key_file"`
		RedirectURI            string `hcl:"redirect_uri"`
		CertificateType        string `hcl:"certificate_type"`
	} `hcl:"application"`

	Environment struct {
		AuthURL           string `hcl:"auth_url"`
		OnboardURL        string `hcl:"onboard_url"`
		SecuredOnboardURL string `hcl:"secured_onboard_url"`
		VerifyURL         string `hcl:"verify_url"`
		RevokeURL         string `hcl:"revoke_url"`
		// empty means system pool
		RootCAFile string `hcl:"root_ca_file"`
	} `hcl:"environment"`

	Transport struct {
		Codec             string `hcl:"codec"`
		NetworkTimeoutSec int    `hcl:"network_timeout_sec"`
		KeepaliveSec      int    `hcl:"keepalive_sec"`
		PollIntervalMs    int    `hcl:"poll_interval_ms"`
		MaxSessionAgeSec  int    `hcl:"max_session_age_sec"`
		StormCount        int    `hcl:"storm_count"`
		StormWindowSec    int    `hcl:"storm_window_sec"`
		RequestTimeoutSec int    `hcl:"request_timeout_sec"`
	} `hcl:"transport"`

	Persist struct {
		Root string `hcl:"root"`
	} `hcl:"persist"`

	MockBroker struct {
		MQTTListen string `hcl:"mqtt_listen"`
		HTTPListen string `hcl:"http_listen"`
		PageSize   int    `hcl:"page_size"`
	} `hcl:"mock_broker"`

	// credentials.GatewayMQTT or GatewayHTTP requested at onboarding
	Gateway      string `hcl:"gateway"`
	Timezone     string `hcl:"timezone"`
	LogDebug     bool   `hcl:"log_debug"`
	MQTTLogDebug bool   `hcl:"mqtt_log_debug"`

	_copy_guard sync.Mutex //nolint:unused
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[source.Name] = struct{}{}
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			err = errors.NotFoundf("config required name=%s path=%s", source.Name, norm)
			*errs = append(*errs, err)
			return
		}
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	err = hcl.Unmarshal(bs, c)
	if err != nil {
		err = errors.Annotatef(err, "config unmarshal source=%s content='%s'", source.Name, string(bs))
		*errs = append(*errs, err)
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		includeNorm := fs.Normalize(include.Name)
		if _, ok := c.includeSeen[includeNorm]; ok {
			err = errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name)
			*errs = append(*errs, err)
			continue
		}
		c.read(log, fs, include, errs)
	}
}

func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("code error ReadConfig() without names")
	}

	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{
		includeSeen: make(map[string]struct{}),
	}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

func MustReadConfig(log *log2.Log, fs FullReader, names ...string) *Config {
	c, err := ReadConfig(log, fs, names...)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return c
}

func (c *Config) Codec() (wire.Codec, error) { return wire.ParseCodec(c.Transport.Codec) }

func (c *Config) RootCAs() (*x509.CertPool, error) {
	path := c.Environment.RootCAFile
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "root_ca_file")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(b) {
		return nil, errors.NotValidf("root_ca_file=%s no certificates", path)
	}
	return pool, nil
}

// ConnectionOptions fills everything except Credentials and OnNotification.
func (c *Config) ConnectionOptions(log, libLog *log2.Log) (connection.Options, error) {
	codec, err := c.Codec()
	if err != nil {
		return connection.Options{}, err
	}
	roots, err := c.RootCAs()
	if err != nil {
		return connection.Options{}, err
	}
	t := &c.Transport
	return connection.Options{
		Log:            log,
		LibLog:         libLog,
		RootCAs:        roots,
		Codec:          codec,
		NetworkTimeout: helpers.IntSecondDefault(t.NetworkTimeoutSec, transport.DefaultNetworkTimeout),
		Keepalive:      helpers.IntSecondDefault(t.KeepaliveSec, transport.DefaultKeepalive),
		PollInterval:   helpers.IntMillisecondDefault(t.PollIntervalMs, transport.DefaultPollInterval),
		MaxSessionAge:  helpers.IntSecondDefault(t.MaxSessionAgeSec, transport.DefaultMaxSessionAge),
		StormCount:     t.StormCount,
		StormWindow:    helpers.IntSecondDefault(t.StormWindowSec, transport.DefaultStormWindow),
	}, nil
}

// OnboardOptions loads application keys when configured.
func (c *Config) OnboardOptions(log *log2.Log) (onboard.Options, error) {
	opt := onboard.Options{
		Log:                    log,
		ApplicationID:          c.Application.ID,
		CertificationVersionID: c.Application.CertificationVersionID,
		CertificateType:        c.Application.CertificateType,
		AuthURL:                c.Environment.AuthURL,
		OnboardURL:             c.Environment.OnboardURL,
		SecuredOnboardURL:      c.Environment.SecuredOnboardURL,
		VerifyURL:              c.Environment.VerifyURL,
		RevokeURL:              c.Environment.RevokeURL,
		Gateway:                c.Gateway,
		Timezone:               c.Timezone,
	}
	var err error
	if path := c.Application.PrivateKeyFile; path != "" {
		if opt.PrivateKey, err = onboard.ReadPrivateKeyFile(path); err != nil {
			return opt, err
		}
	}
	if path := c.Application.BrokerPublicKeyFile; path != "" {
		if opt.BrokerPublicKey, err = onboard.ReadPublicKeyFile(path); err != nil {
			return opt, err
		}
	}
	return opt, nil
}

func (c *Config) CredentialsStore(log *log2.Log) (*credentials.Store, error) {
	return credentials.NewStore(c.Persist.Root, "", log)
}

func (c *Config) OutboxOptions(log *log2.Log) outbox.Options {
	return outbox.Options{
		Log:            log,
		Path:           filepath.Join(c.Persist.Root, "outbox"),
		RequestTimeout: helpers.IntSecondDefault(c.Transport.RequestTimeoutSec, outbox.DefaultRequestTimeout),
	}
}

// RequestTimeout is default deadline for one logical request.
func (c *Config) RequestTimeout() time.Duration {
	return helpers.IntSecondDefault(c.Transport.RequestTimeoutSec, connection.DefaultRequestTimeout)
}
