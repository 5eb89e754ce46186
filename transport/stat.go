package transport

// Complex values are read and modified atomically, but not consistently,
// i.e. it is possible to read .Count=1 .Size=0 because Size has not updated yet.

import (
	"expvar"
	"fmt"
)

type Category uint8

const (
	CategoryRequest Category = iota
	CategoryNotification
)

type SessionStat struct {
	Conn      expvar.Int
	Reconnect expvar.Int
	Recv      Counters
	Send      Counters
	// transport bytes including codec overhead
	RawIn  expvar.Int
	RawOut expvar.Int
}

func (ss *SessionStat) Add(other *SessionStat) {
	ss.Conn.Add(other.Conn.Value())
	ss.Reconnect.Add(other.Reconnect.Value())
	ss.Recv.Add(&other.Recv)
	ss.Send.Add(&other.Send)
	ss.RawIn.Add(other.RawIn.Value())
	ss.RawOut.Add(other.RawOut.Value())
}

func (ss *SessionStat) Value() (r SessionStat) {
	r.Conn.Set(ss.Conn.Value())
	r.Reconnect.Set(ss.Reconnect.Value())
	r.Recv.Set(ss.Recv.Value())
	r.Send.Set(ss.Send.Value())
	r.RawIn.Set(ss.RawIn.Value())
	r.RawOut.Set(ss.RawOut.Value())
	return
}

// String is JSON, so *SessionStat is expvar.Var.
func (ss *SessionStat) String() string {
	return fmt.Sprintf(`{"conn":%d,"reconnect":%d,"raw_in":%d,"raw_out":%d,"recv":%s,"send":%s}`,
		ss.Conn.Value(), ss.Reconnect.Value(), ss.RawIn.Value(), ss.RawOut.Value(),
		ss.Recv.String(), ss.Send.String())
}

type Counters struct {
	Request      CountSizePair
	Notification CountSizePair
	Total        CountSizePair
	// response for id nobody waits on
	Unknown expvar.Int
	Invalid expvar.Int
	Dropped expvar.Int
}

func (c *Counters) Add(c2 *Counters) {
	c.Request.Add(&c2.Request)
	c.Notification.Add(&c2.Notification)
	c.Total.Add(&c2.Total)
	c.Unknown.Add(c2.Unknown.Value())
	c.Invalid.Add(c2.Invalid.Value())
	c.Dropped.Add(c2.Dropped.Value())
}

func (c *Counters) Register(cat Category, size int) {
	c.Total.Count.Add(1)
	c.Total.Size.Add(int64(size))
	category := &c.Request
	if cat == CategoryNotification {
		category = &c.Notification
	}
	category.Count.Add(1)
	category.Size.Add(int64(size))
}

func (c *Counters) Set(new Counters) {
	c.Request.Set(new.Request.Value())
	c.Notification.Set(new.Notification.Value())
	c.Total.Set(new.Total.Value())
	c.Unknown.Set(new.Unknown.Value())
	c.Invalid.Set(new.Invalid.Value())
	c.Dropped.Set(new.Dropped.Value())
}

func (c *Counters) Value() (r Counters) {
	r.Request = c.Request.Value()
	r.Notification = c.Notification.Value()
	r.Total = c.Total.Value()
	r.Unknown.Set(c.Unknown.Value())
	r.Invalid.Set(c.Invalid.Value())
	r.Dropped.Set(c.Dropped.Value())
	return
}

func (c *Counters) String() string {
	return fmt.Sprintf(`{"request.count":%d,"request.size":%d,"notification.count":%d,"notification.size":%d,"total.count":%d,"total.size":%d,"unknown":%d,"invalid":%d,"dropped":%d}`,
		c.Request.Count.Value(), c.Request.Size.Value(),
		c.Notification.Count.Value(), c.Notification.Size.Value(),
		c.Total.Count.Value(), c.Total.Size.Value(),
		c.Unknown.Value(), c.Invalid.Value(), c.Dropped.Value())
}

type CountSizePair struct {
	Count expvar.Int
	Size  expvar.Int
}

func (csp *CountSizePair) Add(other *CountSizePair) {
	csp.Count.Add(other.Count.Value())
	csp.Size.Add(other.Size.Value())
}

func (csp *CountSizePair) Value() (r CountSizePair) {
	r.Count.Set(csp.Count.Value())
	r.Size.Set(csp.Size.Value())
	return
}

func (csp *CountSizePair) Set(new CountSizePair) {
	csp.Count.Set(new.Count.Value())
	csp.Size.Set(new.Size.Value())
}
