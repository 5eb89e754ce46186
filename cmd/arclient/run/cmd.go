package run

import (
	"context"
	"expvar"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/arclient/cmd/arclient/subcmd"
	"github.com/temoto/arclient/connection"
	"github.com/temoto/arclient/internal/config"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/outbox"
	"github.com/temoto/arclient/request"
	"golang.org/x/sync/errgroup"
)

var Mod = subcmd.Mod{
	Name:  "run",
	Usage: "[-expvar-listen addr]  stay connected, confirm pushed messages",
	Main:  Main,
}

// published once per process, expvar panics on duplicate names
var statVar = new(connStat)

func init() { expvar.Publish("arclient_session", statVar) }

func Main(ctx context.Context, config *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	fs := subcmd.FlagSet("run")
	flagExpvar := fs.String("expvar-listen", "", "serve /debug/vars on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ob, err := outbox.Open(config.OutboxOptions(log))
	if err != nil {
		return err
	}
	defer ob.Close()

	c, err := subcmd.OpenConnection(ctx, config, func(_ *connection.Connection, msgs []request.Received) {
		onNotification(log, ob, msgs)
	})
	if err != nil {
		return err
	}
	defer c.Close()
	statVar.set(c)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ob.Run(gctx, c) })
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-c.Done():
			if err := c.Err(); err != nil {
				return err
			}
			return errors.Errorf("connection closed")
		}
	})
	if *flagExpvar != "" {
		srv := &http.Server{Addr: *flagExpvar, Handler: expvar.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			err := srv.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return errors.Annotate(err, "expvar listen")
		})
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}

	subcmd.SdNotify(daemon.SdNotifyReady)
	log.Infof("running endpoint=%s transport=%s", c.EndpointID(), c.Kind())
	err = g.Wait()
	subcmd.SdNotify(daemon.SdNotifyStopping)
	log.Infof("stopping err=%v", err)
	return err
}

// onNotification queues confirmation of every part of pushed messages.
// Payload handling is log only.
func onNotification(log *log2.Log, ob *outbox.Outbox, msgs []request.Received) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		log.Infof("received message id=%s sender=%s type=%s size=%d",
			m.Header.MessageID, m.Header.SenderID, m.Header.TechnicalMessageType, len(m.Payload))
		ids = append(ids, m.MessageIDs...)
	}
	if err := ob.Confirm(ids...); err != nil {
		log.Errorf("outbox confirm ids=%v err=%v", ids, err)
	}
}
