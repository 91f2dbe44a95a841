package cdpcontrol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-json-experiment/json/jsontext"
)

func TestConnCallWithoutSocket(t *testing.T) {
	c := newCDPConn("http://example.com/")
	if c.base != "http://example.com" {
		t.Fatalf("base = %q; want trailing slash trimmed", c.base)
	}
	if err := c.call(context.Background(), "", "Browser.getVersion", nil, nil); !errors.Is(err, errNotConnected) {
		t.Fatalf("call() error = %v; want errNotConnected", err)
	}
	if c.alive() {
		t.Fatal("alive() = true before connect")
	}
}

func TestConnListenersUnsubscribe(t *testing.T) {
	c := newCDPConn("http://example.com")
	var got []string
	off := c.on("Page.loadEventFired", func(sid string, _ jsontext.Value) { got = append(got, sid) })

	c.emit("Page.loadEventFired", "S1", nil)
	c.emit("Page.frameNavigated", "S1", nil)
	off()
	c.emit("Page.loadEventFired", "S2", nil)

	if len(got) != 1 || got[0] != "S1" {
		t.Fatalf("events = %v; want [S1]", got)
	}
}

func TestConnFailWakesWaiters(t *testing.T) {
	c := newCDPConn("http://example.com")
	ch := make(chan reply, 1)
	c.waiters[7] = ch

	c.fail()

	select {
	case r := <-ch:
		if !errors.Is(r.err, errConnClosed) {
			t.Fatalf("reply error = %v; want errConnClosed", r.err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
	if len(c.waiters) != 0 {
		t.Fatalf("waiters left = %d; want 0", len(c.waiters))
	}
}

func TestConnResolveReportsProtocolError(t *testing.T) {
	c := newCDPConn("http://example.com")
	ch := make(chan reply, 1)
	c.waiters[3] = ch

	var f frame
	f.ID = 3
	f.Error = &struct {
		Code    int64  `json:"code"`
		Message string `json:"message"`
	}{Code: -32000, Message: "No session with given id"}
	c.resolve(f)

	r := <-ch
	if r.err == nil || r.err.Error() != "No session with given id" {
		t.Fatalf("reply error = %v", r.err)
	}
}
