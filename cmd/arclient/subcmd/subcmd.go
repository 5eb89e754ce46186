// Support sub-commands in arclient application.
// It's simple but fine so far.
package subcmd

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/temoto/arclient/connection"
	"github.com/temoto/arclient/internal/config"
	"github.com/temoto/arclient/log2"
)

type Mod struct {
	Name  string
	Usage string
	Main  func(ctx context.Context, config *config.Config, args []string) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown command='%s'", command)
	}
	return found, nil
}

func Usage(modules []Mod) string {
	var b strings.Builder
	b.WriteString("commands:\n")
	for _, m := range modules {
		fmt.Fprintf(&b, "  %-12s %s\n", m.Name, m.Usage)
	}
	return b.String()
}

func SdNotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}

// FlagSet returns flag set that reports errors instead of exit.
func FlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

// OpenConnection loads stored credentials and opens connection with configured transport options.
func OpenConnection(ctx context.Context, config *config.Config, fun connection.NotificationFunc) (*connection.Connection, error) {
	log := log2.ContextValueLogger(ctx)
	store, err := config.CredentialsStore(log)
	if err != nil {
		return nil, err
	}
	doc, err := store.Load()
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errors.NotFoundf("credentials, run onboard first")
	}
	var libLog *log2.Log
	if config.MQTTLogDebug {
		libLog = log.Clone(log2.LDebug)
		libLog.SetPrefix("mqtt: ")
	}
	opt, err := config.ConnectionOptions(log, libLog)
	if err != nil {
		return nil, err
	}
	opt.Credentials = doc
	opt.OnNotification = fun
	return connection.Open(opt)
}
