package onboard

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/temoto/arclient/credentials"
)

type step uint8

const (
	stepRedirect step = iota
	stepReturned
	stepDone
)

// Token is content of authorization page return token.
type Token struct {
	Account string    `json:"account"`
	RegCode string    `json:"regcode"`
	Expires time.Time `json:"expires"`
}

// EncodeToken is what authorization page does, for tests and mock broker.
func EncodeToken(t Token) (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", errors.Trace(err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeToken(s string) (Token, error) {
	var t Token
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return t, errors.Annotate(err, "base64")
	}
	if err = json.Unmarshal(b, &t); err != nil {
		return t, errors.Annotate(err, "json")
	}
	if t.Account == "" || t.RegCode == "" || t.Expires.IsZero() {
		return t, errors.NotValidf("token account=%q regcode=%q expires=%v", t.Account, t.RegCode, t.Expires)
	}
	return t, nil
}

// Session is one secured onboarding attempt:
// RedirectURL, then ReadReturn with authorization page result, then Onboard.
type Session struct {
	c           *Client
	step        step
	State       string
	RedirectURI string
	EndpointID  string
	Token       Token
}

// NewSession generates random state. Empty endpointID generates one too.
func (c *Client) NewSession(redirectURI, endpointID string) *Session {
	if endpointID == "" {
		endpointID = uuid.NewString()
	}
	return &Session{
		c:           c,
		State:       uuid.NewString(),
		RedirectURI: redirectURI,
		EndpointID:  endpointID,
	}
}

// RedirectURL is broker authorization page for user. No network involved.
func (s *Session) RedirectURL() string {
	q := url.Values{}
	q.Set("response_type", "onboard")
	q.Set("state", s.State)
	if s.RedirectURI != "" {
		q.Set("redirect_uri", s.RedirectURI)
	}
	return s.c.opt.AuthURL + "/application/" + url.PathEscape(s.c.opt.ApplicationID) + "/authorize?" + q.Encode()
}

// ReadReturn verifies authorization page result. State is checked before signature.
func (s *Session) ReadReturn(state, token, signature string) error {
	if s.step != stepRedirect {
		return errors.Annotatef(ErrSessionStep, "read return step=%d", s.step)
	}
	if state != s.State {
		return errors.Annotatef(ErrStateMismatch, "expected=%s actual=%s", s.State, state)
	}
	if s.c.opt.BrokerPublicKey == nil {
		return errors.NotValidf("onboard BrokerPublicKey")
	}
	if err := verifyReturn(s.c.opt.BrokerPublicKey, state, token, signature); err != nil {
		return err
	}
	t, err := decodeToken(token)
	if err != nil {
		return errors.Wrapf(err, ErrInvalidTokenContent, "token %v", err)
	}
	s.Token = t
	s.step = stepReturned
	return nil
}

// Onboard verifies account then requests credentials, both calls signed.
func (s *Session) Onboard(ctx context.Context) (*credentials.Document, error) {
	if s.step != stepReturned {
		return nil, errors.Annotatef(ErrSessionStep, "onboard step=%d", s.step)
	}
	if !time.Now().Before(s.Token.Expires) {
		return nil, errors.Annotatef(ErrRegistrationExpired, "expires=%s", s.Token.Expires.Format(time.RFC3339))
	}
	c := s.c
	body, err := json.Marshal(c.newOnboardRequest(s.EndpointID))
	if err != nil {
		return nil, errors.Trace(err)
	}

	b, err := c.do(ctx, http.MethodPost, c.opt.VerifyURL, body, s.Token.RegCode, true, http.StatusOK)
	if err != nil {
		return nil, errors.Annotatef(err, "verify endpoint=%s", s.EndpointID)
	}
	var v verifyResponse
	if err = json.Unmarshal(b, &v); err != nil {
		return nil, errors.Annotatef(err, "verify endpoint=%s response", s.EndpointID)
	}
	if v.AccountID != s.Token.Account {
		return nil, errors.Annotatef(ErrAccountMismatch, "expected=%s actual=%s", s.Token.Account, v.AccountID)
	}

	b, err = c.do(ctx, http.MethodPost, c.opt.SecuredOnboardURL, body, s.Token.RegCode, true, http.StatusCreated)
	if err != nil {
		return nil, errors.Annotatef(err, "secured onboard endpoint=%s", s.EndpointID)
	}
	doc, err := credentials.Parse(b)
	if err != nil {
		return nil, errors.Annotatef(err, "secured onboard endpoint=%s", s.EndpointID)
	}
	s.step = stepDone
	return doc, nil
}
