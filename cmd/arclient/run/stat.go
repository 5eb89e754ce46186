package run

import (
	"sync/atomic"

	"github.com/temoto/arclient/connection"
)

// connStat is expvar.Var over current connection counters.
type connStat struct {
	c atomic.Pointer[connection.Connection]
}

func (s *connStat) set(c *connection.Connection) { s.c.Store(c) }

func (s *connStat) String() string {
	c := s.c.Load()
	if c == nil {
		return "null"
	}
	return c.Stat().String()
}
