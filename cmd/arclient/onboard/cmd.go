package onboard

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/skip2/go-qrcode"
	"github.com/temoto/arclient/cmd/arclient/subcmd"
	"github.com/temoto/arclient/credentials"
	"github.com/temoto/arclient/internal/config"
	"github.com/temoto/arclient/log2"
	onboard_api "github.com/temoto/arclient/onboard"
)

var Mod = subcmd.Mod{
	Name:  "onboard",
	Usage: "-regcode X | -secured [-return URL]  register endpoint, store credentials",
	Main:  Main,
}

var RevokeMod = subcmd.Mod{
	Name:  "revoke",
	Usage: "-account A [-endpoint E,...]  revoke endpoints, default the stored one",
	Main:  Revoke,
}

func Main(ctx context.Context, config *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	fs := subcmd.FlagSet("onboard")
	flagRegcode := fs.String("regcode", "", "registration code, unsigned onboarding")
	flagSecured := fs.Bool("secured", false, "secured onboarding through authorization page")
	flagEndpoint := fs.String("endpoint", "", "endpoint id, default random")
	flagReturn := fs.String("return", "", "authorization page return URL or query, default read from stdin")
	flagQR := fs.Bool("qr", isatty.IsTerminal(os.Stdout.Fd()), "print redirect URL as QR code")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*flagRegcode == "") == !*flagSecured {
		return errors.NotValidf("exactly one of -regcode or -secured")
	}

	store, err := config.CredentialsStore(log)
	if err != nil {
		return err
	}
	opt, err := config.OnboardOptions(log)
	if err != nil {
		return err
	}
	client, err := onboard_api.New(opt)
	if err != nil {
		return err
	}

	var doc *credentials.Document
	if *flagSecured {
		doc, err = secured(ctx, client, config.Application.RedirectURI, *flagEndpoint, *flagReturn, *flagQR)
	} else {
		endpoint := *flagEndpoint
		if endpoint == "" {
			endpoint = uuid.NewString()
		}
		doc, err = client.Onboard(ctx, *flagRegcode, endpoint)
	}
	if err != nil {
		return err
	}
	if err = store.Save(doc); err != nil {
		return errors.Annotate(err, "credentials save")
	}
	cert, err := doc.Certificate()
	if err != nil {
		return err
	}
	log.Infof("onboarded endpoint=%s not_after=%s", doc.EndpointID(), cert.NotAfter)
	return nil
}

func secured(ctx context.Context, client *onboard_api.Client, redirectURI, endpoint, ret string, qr bool) (*credentials.Document, error) {
	s := client.NewSession(redirectURI, endpoint)
	u := s.RedirectURL()
	fmt.Printf("open authorization page:\n%s\n", u)
	if qr {
		q, err := qrcode.New(u, qrcode.Medium)
		if err != nil {
			return nil, errors.Annotate(err, "qrcode")
		}
		fmt.Print(q.ToSmallString(false))
	}

	if ret == "" {
		fmt.Print("paste return URL: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return nil, errors.Annotate(err, "read return")
		}
		ret = strings.TrimSpace(line)
	}
	state, token, signature, err := parseReturn(ret)
	if err != nil {
		return nil, err
	}
	if err = s.ReadReturn(state, token, signature); err != nil {
		return nil, err
	}
	return s.Onboard(ctx)
}

// parseReturn accepts full redirect URL or just its query.
func parseReturn(s string) (state, token, signature string, err error) {
	if i := strings.IndexByte(s, '?'); i >= 0 {
		s = s[i+1:]
	}
	q, err := url.ParseQuery(s)
	if err != nil {
		return "", "", "", errors.Annotate(err, "return query")
	}
	if e := q.Get("error"); e != "" {
		return "", "", "", errors.Errorf("authorization page error=%s", e)
	}
	state, token = q.Get("state"), q.Get("token")
	// base64 '+' decoded as space by query parser
	signature = strings.ReplaceAll(q.Get("signature"), " ", "+")
	if state == "" || token == "" || signature == "" {
		return "", "", "", errors.NotValidf("return query without state, token or signature")
	}
	return state, token, signature, nil
}

func Revoke(ctx context.Context, config *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	fs := subcmd.FlagSet("revoke")
	flagAccount := fs.String("account", "", "account id")
	flagEndpoint := fs.String("endpoint", "", "comma separated endpoint ids")
	if err := fs.Parse(args); err != nil {
		return err
	}

	account := *flagAccount
	if account == "" {
		return errors.NotValidf("-account empty")
	}
	var endpoints []string
	if *flagEndpoint != "" {
		endpoints = strings.Split(*flagEndpoint, ",")
	} else {
		store, err := config.CredentialsStore(log)
		if err != nil {
			return err
		}
		doc, err := store.Load()
		if err != nil {
			return err
		}
		if doc == nil {
			return errors.NotFoundf("revoke without -endpoint needs stored credentials")
		}
		endpoints = []string{doc.EndpointID()}
	}

	opt, err := config.OnboardOptions(log)
	if err != nil {
		return err
	}
	client, err := onboard_api.New(opt)
	if err != nil {
		return err
	}
	if err = client.Revoke(ctx, account, endpoints...); err != nil {
		return err
	}
	log.Infof("revoked account=%s endpoints=%v", account, endpoints)
	return nil
}
