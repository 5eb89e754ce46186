package broker

import (
	"context"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/arclient/cmd/arclient/subcmd"
	"github.com/temoto/arclient/internal/config"
	"github.com/temoto/arclient/internal/mockbroker"
	"github.com/temoto/arclient/log2"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMQTTListen = "tcp://127.0.0.1:1883"
	DefaultHTTPListen = "127.0.0.1:8080"
)

var Mod = subcmd.Mod{
	Name:  "mock-broker",
	Usage: "[-endpoint id=name,...]  in-process broker for local development",
	Main:  Main,
}

func Main(ctx context.Context, config *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	fs := subcmd.FlagSet("mock-broker")
	flagEndpoint := fs.String("endpoint", "", "comma separated id=name endpoints to register")
	if err := fs.Parse(args); err != nil {
		return err
	}
	codec, err := config.Codec()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := mockbroker.New(mockbroker.Options{
		Log:      log,
		Codec:    codec,
		PageSize: config.MockBroker.PageSize,
	})
	for _, ep := range strings.Split(*flagEndpoint, ",") {
		if ep == "" {
			continue
		}
		id, name, _ := strings.Cut(ep, "=")
		b.Router.Register(id, name)
	}

	mqttListen := config.MockBroker.MQTTListen
	if mqttListen == "" {
		mqttListen = DefaultMQTTListen
	}
	addr, err := b.ListenMQTT(ctx, mqttListen)
	if err != nil {
		return errors.Annotatef(err, "mqtt listen=%s", mqttListen)
	}
	defer b.Close()

	srv := &http.Server{Addr: config.MockBroker.HTTPListen, Handler: b.HTTP, ReadHeaderTimeout: 10 * time.Second}
	if srv.Addr == "" {
		srv.Addr = DefaultHTTPListen
	}
	log.Infof("mock-broker mqtt=%s http=%s codec=%s", addr, srv.Addr, codec)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return errors.Annotatef(err, "http listen=%s", srv.Addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		return srv.Close()
	})
	return g.Wait()
}
