package lspmux

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// newTestMux registers "echo", a cat process that reflects every frame we
// write back at us, and "crash", which exits immediately.
func newTestMux(t *testing.T) *Mux {
	t.Helper()
	m := NewMux(WithLogger(zaptest.NewLogger(t)), WithKillGrace(200*time.Millisecond))
	require.NoError(t, m.RegisterServer("echo", ServerConfig{Command: "cat"}))
	require.NoError(t, m.RegisterServer("crash", ServerConfig{
		Command: "sh",
		Args:    []string{"-c", "sleep 0.2; exit 1"},
	}))
	t.Cleanup(func() { _ = m.Shutdown() })
	return m
}

func TestMux_AttachUnknownServer(t *testing.T) {
	m := NewMux(WithLogger(zaptest.NewLogger(t)))

	_, err := m.Attach("nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoServer)

	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, "nope", srvErr.Name)
}

func TestMux_RegisterInvalidConfig(t *testing.T) {
	m := NewMux(WithLogger(zaptest.NewLogger(t)))
	assert.Error(t, m.RegisterServer("bad", ServerConfig{}))
}

func TestMux_SharedConnection(t *testing.T) {
	requireUnix(t)
	m := newTestMux(t)

	h1, err := m.Attach("echo")
	require.NoError(t, err)
	defer h1.Detach()

	h2, err := m.Attach("echo")
	require.NoError(t, err)
	defer h2.Detach()

	assert.NotEqual(t, h1.ID(), h2.ID())
	assert.Equal(t, 2, m.AttachCount("echo"))

	// Both handles observe traffic from the one shared process.
	got1 := make(chan Notification, 4)
	got2 := make(chan Notification, 4)
	sub1, err := h1.Subscribe(Wildcard, func(n Notification) { got1 <- n })
	require.NoError(t, err)
	defer h1.Unsubscribe(sub1)
	sub2, err := h2.Subscribe(Wildcard, func(n Notification) { got2 <- n })
	require.NoError(t, err)
	defer h2.Unsubscribe(sub2)

	// cat reflects the notification straight back.
	require.NoError(t, h1.Notify(context.Background(), "test/ping", map[string]int{"n": 1}))

	for i, ch := range []chan Notification{got1, got2} {
		select {
		case n := <-ch:
			assert.Equal(t, "test/ping", n.Method)
		case <-time.After(2 * time.Second):
			t.Fatalf("handle %d never saw the echoed notification", i+1)
		}
	}

	// Exactly one frame went over the wire, so exactly one copy each.
	select {
	case n := <-got1:
		t.Fatalf("duplicate delivery: %s", n.Method)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMux_LastDetachTearsDown(t *testing.T) {
	requireUnix(t)
	m := newTestMux(t)

	h1, err := m.Attach("echo")
	require.NoError(t, err)
	h2, err := m.Attach("echo")
	require.NoError(t, err)

	lost := h1.Lost()

	h1.Detach()
	assert.Equal(t, 1, m.AttachCount("echo"))

	// Connection is still up for h2.
	select {
	case <-lost:
		t.Fatal("connection torn down while a handle remains")
	case <-time.After(100 * time.Millisecond):
	}

	h2.Detach()

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("connection not torn down after last detach")
	}
	assert.Equal(t, 0, m.AttachCount("echo"))
}

func TestMux_DetachIdempotent(t *testing.T) {
	requireUnix(t)
	m := newTestMux(t)

	h1, err := m.Attach("echo")
	require.NoError(t, err)
	h2, err := m.Attach("echo")
	require.NoError(t, err)
	defer h2.Detach()

	h1.Detach()
	h1.Detach()
	h1.Detach()

	// Repeated detaches must not steal h2's reference.
	assert.Equal(t, 1, m.AttachCount("echo"))

	_, err = h1.Request(context.Background(), "m", nil)
	assert.ErrorIs(t, err, ErrHandleDetached)
	assert.ErrorIs(t, h1.Notify(context.Background(), "m", nil), ErrHandleDetached)
	_, err = h1.Subscribe(Wildcard, func(Notification) {})
	assert.ErrorIs(t, err, ErrHandleDetached)
}

func TestMux_RespawnAfterDeath(t *testing.T) {
	requireUnix(t)
	m := newTestMux(t)

	h1, err := m.Attach("crash")
	require.NoError(t, err)
	defer h1.Detach()

	select {
	case <-h1.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("crash never observed")
	}
	require.Error(t, h1.Err())

	// The dead connection is gone; attaching again spawns a fresh one.
	h2, err := m.Attach("crash")
	require.NoError(t, err)
	defer h2.Detach()
	assert.NotEqual(t, h1.conn, h2.conn)
}

func TestMux_DetachSubscriptionsRemoved(t *testing.T) {
	requireUnix(t)
	m := newTestMux(t)

	h1, err := m.Attach("echo")
	require.NoError(t, err)
	h2, err := m.Attach("echo")
	require.NoError(t, err)
	defer h2.Detach()

	got1 := make(chan Notification, 4)
	_, err = h1.Subscribe(Wildcard, func(n Notification) { got1 <- n })
	require.NoError(t, err)

	got2 := make(chan Notification, 4)
	sub2, err := h2.Subscribe(Wildcard, func(n Notification) { got2 <- n })
	require.NoError(t, err)
	defer h2.Unsubscribe(sub2)

	h1.Detach()

	require.NoError(t, h2.Notify(context.Background(), "test/after-detach", nil))

	select {
	case <-got2:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving handle never saw the echo")
	}

	select {
	case n := <-got1:
		t.Fatalf("detached handle still receiving: %s", n.Method)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMux_Shutdown(t *testing.T) {
	requireUnix(t)
	m := newTestMux(t)

	h, err := m.Attach("echo")
	require.NoError(t, err)

	require.NoError(t, m.Shutdown())

	select {
	case <-h.Lost():
	case <-time.After(2 * time.Second):
		t.Fatal("connection survived shutdown")
	}

	_, err = m.Attach("echo")
	assert.ErrorIs(t, err, ErrMuxShutdown)
	assert.ErrorIs(t, m.RegisterServer("x", ServerConfig{Command: "cat"}), ErrMuxShutdown)

	// Shutdown twice is fine.
	assert.NoError(t, m.Shutdown())
}

func TestMux_Infos(t *testing.T) {
	requireUnix(t)
	m := newTestMux(t)

	h, err := m.Attach("echo")
	require.NoError(t, err)
	defer h.Detach()

	infos := m.Infos()
	require.Len(t, infos, 1)
	assert.Equal(t, "echo", infos[0].Name)
	assert.Equal(t, ConnLive, infos[0].State)
	assert.Equal(t, 1, infos[0].Attached)
	assert.Equal(t, 0, infos[0].Pending)
}

func TestMux_RegisterConfig(t *testing.T) {
	m := NewMux(WithLogger(zaptest.NewLogger(t)))
	cfg := &Config{Servers: map[string]ServerConfig{
		"a": {Command: "cat"},
		"b": {Command: "cat", Args: []string{"-u"}},
	}}
	require.NoError(t, m.RegisterConfig(cfg))

	// Registered names are attachable (spawn errors aside).
	requireUnix(t)
	h, err := m.Attach("a")
	require.NoError(t, err)
	h.Detach()
	require.NoError(t, m.Shutdown())
}

func TestMux_ConcurrentAttachSharesOneConnection(t *testing.T) {
	requireUnix(t)
	m := newTestMux(t)

	const attachers = 8
	handles := make(chan *Handle, attachers)
	for g := 0; g < attachers; g++ {
		go func() {
			h, err := m.Attach("echo")
			if err != nil {
				t.Errorf("Attach: %v", err)
				handles <- nil
				return
			}
			handles <- h
		}()
	}

	var conns = make(map[*ServerConnection]bool)
	for g := 0; g < attachers; g++ {
		select {
		case h := <-handles:
			require.NotNil(t, h)
			defer h.Detach()
			conns[h.conn] = true
		case <-time.After(5 * time.Second):
			t.Fatal("attach timed out")
		}
	}

	// Racing attaches may each spawn, but exactly one connection survives
	// and every handle ends up on it.
	assert.Len(t, conns, 1)
	assert.Equal(t, attachers, m.AttachCount("echo"))
}

func TestMux_ConcurrentAttachDetach(t *testing.T) {
	requireUnix(t)
	m := newTestMux(t)

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 10; i++ {
				h, err := m.Attach("echo")
				if err != nil {
					if errors.Is(err, ErrMuxShutdown) {
						return
					}
					t.Errorf("Attach: %v", err)
					return
				}
				h.Detach()
			}
		}()
	}
	for g := 0; g < 8; g++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("timeout")
		}
	}
	assert.Equal(t, 0, m.AttachCount("echo"))
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "starting", ConnStarting.String())
	assert.Equal(t, "live", ConnLive.String())
	assert.Equal(t, "draining", ConnDraining.String())
	assert.Equal(t, "terminated", ConnTerminated.String())
	assert.Equal(t, "unknown", ConnState(99).String())
}
