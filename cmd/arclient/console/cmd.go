package console

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/temoto/arclient/cmd/arclient/subcmd"
	"github.com/temoto/arclient/connection"
	"github.com/temoto/arclient/helpers/cli"
	"github.com/temoto/arclient/internal/config"
	"github.com/temoto/arclient/log2"
	"github.com/temoto/arclient/request"
	"github.com/temoto/arclient/transport"
	"github.com/temoto/arclient/wire"
)

const modName = "console"

var Mod = subcmd.Mod{Name: modName, Usage: "interactive requests over stored credentials", Main: Main}

var suggests = []prompt.Suggest{
	{Text: "caps", Description: "caps type:send|receive|both... announce capabilities"},
	{Text: "subscribe", Description: "subscribe type... push delivery of message types"},
	{Text: "list", Description: "list [all] [type] endpoints"},
	{Text: "query", Description: "query [id...] fetch messages, confirm them"},
	{Text: "headers", Description: "headers [id...] list mailbox headers"},
	{Text: "confirm", Description: "confirm id..."},
	{Text: "delete", Description: "delete id..."},
	{Text: "send", Description: "send type file [mode] [recipient...]"},
	{Text: "stat", Description: "session counters"},
	{Text: "validity", Description: "certificate validity"},
}

func Main(ctx context.Context, config *config.Config, args []string) error {
	log := log2.ContextValueLogger(ctx)
	c, err := subcmd.OpenConnection(ctx, config, func(_ *connection.Connection, msgs []request.Received) {
		for _, m := range msgs {
			log.Infof("notification %s", formatReceived(m))
		}
	})
	if err != nil {
		return err
	}
	defer c.Close()

	e := &executor{
		c:       c,
		log:     log,
		appID:   config.Application.ID,
		version: config.Application.CertificationVersionID,
		timeout: config.RequestTimeout(),
	}
	cli.MainLoop(modName, func(line string) { e.exec(ctx, line) }, cli.Complete(suggests), func() { _ = c.Close() })
	return nil
}

type executor struct {
	c       *connection.Connection
	log     *log2.Log
	appID   string
	version string
	timeout time.Duration
}

func (e *executor) exec(ctx context.Context, line string) {
	words := strings.Fields(line)
	if len(words) == 0 {
		return
	}
	tbegin := time.Now()
	err := e.run(ctx, words[0], words[1:])
	if err != nil {
		e.log.Errorf("%s err=%s", words[0], errors.ErrorStack(err))
		return
	}
	e.log.Debugf("%s duration=%v", words[0], time.Since(tbegin))
}

func (e *executor) run(ctx context.Context, cmd string, args []string) error {
	switch cmd {
	case "caps":
		b := request.Capabilities(e.appID, e.version).PushNotifications(e.c.Kind() == transport.KindPush)
		for _, arg := range args {
			typ, dir, err := parseCapability(arg)
			if err != nil {
				return err
			}
			b.Add(typ, dir)
		}
		return e.single(ctx, b.Build)

	case "subscribe":
		b := request.Subscription()
		for _, typ := range args {
			b.Add(typ)
		}
		return e.single(ctx, b.Build)

	case "list":
		b := request.ListEndpoints()
		for _, arg := range args {
			if arg == "all" {
				b.Unfiltered(true)
			} else {
				b.Filter(arg, wire.DirectionReceive)
			}
		}
		inst, err := b.Build()
		if err != nil {
			return err
		}
		if err = e.c.Do(ctx, inst, e.timeout); err != nil {
			return err
		}
		for _, ep := range inst.Endpoints() {
			fmt.Printf("%s name=%q type=%s status=%s types=%d\n", ep.ID, ep.Name, ep.Type, ep.Status, len(ep.Messages))
		}
		return nil

	case "query":
		inst, err := request.MessageQuery().Messages(args...).Build()
		if err != nil {
			return err
		}
		if err = e.c.Do(ctx, inst, e.timeout); err != nil {
			return err
		}
		for _, m := range inst.Messages() {
			fmt.Println(formatReceived(m))
		}
		if open := inst.Incomplete(); len(open) != 0 {
			fmt.Printf("incomplete chunked contexts=%v\n", open)
		}
		return nil

	case "headers":
		inst, err := request.HeaderQuery().Messages(args...).Build()
		if err != nil {
			return err
		}
		if err = e.c.Do(ctx, inst, e.timeout); err != nil {
			return err
		}
		for _, h := range inst.Headers() {
			fmt.Printf("%s sender=%s type=%s size=%d sent=%s\n",
				h.MessageID, h.SenderID, h.TechnicalMessageType, h.PayloadSize, h.SentAt.Format(time.RFC3339))
		}
		return nil

	case "confirm":
		return e.single(ctx, func() (*request.Ack, error) { return request.Confirm(args...) })

	case "delete":
		return e.single(ctx, request.Delete().Messages(args...).Build)

	case "send":
		if len(args) < 2 {
			return errors.NotValidf("usage: send type file [mode] [recipient...]")
		}
		payload, err := os.ReadFile(args[1])
		if err != nil {
			return errors.Trace(err)
		}
		b := request.Publish(args[0], payload)
		if len(args) >= 3 {
			mode, err := wire.ParseMode(args[2])
			if err != nil {
				return err
			}
			b.Mode(mode).To(args[3:]...)
		}
		inst, err := b.Build()
		if err != nil {
			return err
		}
		if err = e.c.Do(ctx, inst, e.timeout*time.Duration(inst.Parts())); err != nil {
			return errors.Annotatef(err, "acked=%d/%d", inst.Acked(), inst.Parts())
		}
		fmt.Printf("sent parts=%d ids=%v\n", inst.Parts(), inst.MessageIDs())
		return nil

	case "stat":
		fmt.Println(e.c.Stat().String())
		return nil

	case "validity":
		fmt.Printf("endpoint=%s not_before=%s not_after=%s\n",
			e.c.EndpointID(), e.c.NotBefore().Format(time.RFC3339), e.c.NotAfter().Format(time.RFC3339))
		return e.c.CheckValidity()
	}
	return errors.NotSupportedf("command=%s", cmd)
}

func (e *executor) single(ctx context.Context, build func() (*request.Ack, error)) error {
	inst, err := build()
	if err != nil {
		return err
	}
	if err = e.c.Do(ctx, inst, e.timeout); err != nil {
		return err
	}
	r := inst.Response()
	fmt.Printf("ok id=%s type=%v code=%d\n", inst.MessageID(), r.Envelope.Type, r.Envelope.ResponseCode)
	return nil
}

// parseCapability reads type:direction, default direction is send+receive.
func parseCapability(s string) (string, wire.Direction, error) {
	// technical message types contain colons, direction is the last part
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		switch strings.ToLower(s[i+1:]) {
		case "send":
			return s[:i], wire.DirectionSend, nil
		case "receive":
			return s[:i], wire.DirectionReceive, nil
		case "both":
			return s[:i], wire.DirectionSendReceive, nil
		}
	}
	if s == "" {
		return "", 0, errors.NotValidf("capability empty")
	}
	return s, wire.DirectionSendReceive, nil
}

func formatReceived(m request.Received) string {
	h := &m.Header
	return "message id=" + h.MessageID + " sender=" + h.SenderID + " type=" + h.TechnicalMessageType +
		" parts=" + strconv.Itoa(len(m.MessageIDs)) + " size=" + strconv.Itoa(len(m.Payload))
}
