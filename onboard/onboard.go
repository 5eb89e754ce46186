// Package onboard exchanges registration code for endpoint credentials and revokes endpoints.
package onboard

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/arclient/credentials"
	"github.com/temoto/arclient/log2"
)

const (
	ApplicationIDHeader = "X-Agrirouter-ApplicationId"
	SignatureHeader     = "X-Agrirouter-Signature"

	CertificateTypeP12 = "P12"
	CertificateTypePEM = "PEM"

	DefaultTimeout = 20 * time.Second
	maxBody        = 1 << 20
)

var (
	ErrStateMismatch       = fmt.Errorf("state mismatch")
	ErrSignatureInvalid    = fmt.Errorf("signature verification failed")
	ErrInvalidTokenContent = fmt.Errorf("invalid token content")
	ErrRegistrationExpired = fmt.Errorf("registration code expired")
	ErrAccountMismatch     = fmt.Errorf("account mismatch")
	ErrSessionStep         = fmt.Errorf("onboarding step out of order")
)

type Options struct {
	Log    *log2.Log
	Client *http.Client

	ApplicationID          string
	CertificationVersionID string
	// required for secured onboarding and revocation
	PrivateKey *rsa.PrivateKey
	// verifies authorization page return
	BrokerPublicKey *rsa.PublicKey

	AuthURL           string
	OnboardURL        string
	SecuredOnboardURL string
	VerifyURL         string
	RevokeURL         string

	// credentials.GatewayMQTT or GatewayHTTP
	Gateway         string
	CertificateType string
	Timezone        string
}

type Client struct {
	opt Options
	log *log2.Log
}

func New(opt Options) (*Client, error) {
	if opt.ApplicationID == "" {
		return nil, errors.NotValidf("onboard ApplicationID empty")
	}
	if opt.Client == nil {
		opt.Client = &http.Client{Timeout: DefaultTimeout}
	}
	if opt.Gateway == "" {
		opt.Gateway = credentials.GatewayMQTT
	}
	if opt.CertificateType == "" {
		opt.CertificateType = CertificateTypeP12
	}
	if opt.Timezone == "" {
		opt.Timezone = "+00:00"
	}
	return &Client{opt: opt, log: opt.Log}, nil
}

// BrokerError is non-success HTTP answer of onboarding service.
type BrokerError struct {
	Status     int
	StatusLine string
	Message    string
}

func (e *BrokerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("broker status=%d: %s", e.Status, e.Message)
	}
	return "broker " + e.StatusLine
}

func AsBrokerError(err error) (*BrokerError, bool) {
	be, ok := errors.Cause(err).(*BrokerError)
	return be, ok
}

// parseBrokerError extracts {"error":{"message":...}}, status line otherwise.
func parseBrokerError(resp *http.Response, body []byte) *BrokerError {
	e := &BrokerError{Status: resp.StatusCode, StatusLine: resp.Status}
	var doc struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &doc) == nil {
		e.Message = strings.TrimSpace(doc.Error.Message)
	}
	return e
}

type onboardRequest struct {
	ID                     string `json:"id"`
	ApplicationID          string `json:"applicationId"`
	CertificationVersionID string `json:"certificationVersionId"`
	GatewayID              string `json:"gatewayId"`
	CertificateType        string `json:"certificateType"`
	TimeZone               string `json:"timeZone"`
	UTCTimestamp           string `json:"utcTimestamp"`
}

type verifyResponse struct {
	AccountID string `json:"accountId"`
}

type revokeRequest struct {
	AccountID    string   `json:"accountId"`
	EndpointIDs  []string `json:"endpointIds"`
	UTCTimestamp string   `json:"UTCTimestamp"`
	TimeZone     string   `json:"timeZone"`
}

func (c *Client) newOnboardRequest(endpointID string) onboardRequest {
	return onboardRequest{
		ID:                     endpointID,
		ApplicationID:          c.opt.ApplicationID,
		CertificationVersionID: c.opt.CertificationVersionID,
		GatewayID:              c.opt.Gateway,
		CertificateType:        c.opt.CertificateType,
		TimeZone:               c.opt.Timezone,
		UTCTimestamp:           utcTimestamp(time.Now()),
	}
}

func utcTimestamp(t time.Time) string { return t.UTC().Format("2006-01-02T15:04:05.000Z") }

// Onboard is unsigned onboarding with registration code as bearer token.
func (c *Client) Onboard(ctx context.Context, regcode, endpointID string) (*credentials.Document, error) {
	if regcode == "" || endpointID == "" {
		return nil, errors.NotValidf("onboard regcode=%q endpoint=%q", regcode, endpointID)
	}
	body, err := json.Marshal(c.newOnboardRequest(endpointID))
	if err != nil {
		return nil, errors.Trace(err)
	}
	b, err := c.do(ctx, http.MethodPost, c.opt.OnboardURL, body, regcode, false, http.StatusCreated)
	if err != nil {
		return nil, errors.Annotatef(err, "onboard endpoint=%s", endpointID)
	}
	doc, err := credentials.Parse(b)
	return doc, errors.Annotatef(err, "onboard endpoint=%s", endpointID)
}

// Revoke removes endpoints of account. Broker answers 204 on success.
func (c *Client) Revoke(ctx context.Context, accountID string, endpointIDs ...string) error {
	if accountID == "" || len(endpointIDs) == 0 {
		return errors.NotValidf("revoke account=%q endpoints=%v", accountID, endpointIDs)
	}
	body, err := json.Marshal(revokeRequest{
		AccountID:    accountID,
		EndpointIDs:  endpointIDs,
		UTCTimestamp: utcTimestamp(time.Now()),
		TimeZone:     c.opt.Timezone,
	})
	if err != nil {
		return errors.Trace(err)
	}
	_, err = c.do(ctx, http.MethodDelete, c.opt.RevokeURL, body, "", true, http.StatusNoContent)
	return errors.Annotatef(err, "revoke account=%s", accountID)
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, bearer string, signed bool, expect int) ([]byte, error) {
	if url == "" {
		return nil, errors.NotValidf("%s url empty", method)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Trace(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if signed {
		if c.opt.PrivateKey == nil {
			return nil, errors.NotValidf("signed request without PrivateKey")
		}
		sig, err := Sign(c.opt.PrivateKey, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set(ApplicationIDHeader, c.opt.ApplicationID)
		req.Header.Set(SignatureHeader, sig)
	}
	c.log.Debugf("onboard %s %s size=%d", method, url, len(body))
	resp, err := c.opt.Client.Do(req)
	if err != nil {
		return nil, errors.Annotatef(err, "%s %s", method, url)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Annotatef(err, "%s %s read", method, url)
	}
	c.log.Debugf("onboard %s %s status=%d size=%d", method, url, resp.StatusCode, len(b))
	if resp.StatusCode != expect {
		return nil, parseBrokerError(resp, b)
	}
	return b, nil
}
