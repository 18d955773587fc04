package chatclient

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/linechat/chatserver"
	"github.com/cyberinferno/linechat/linetransport"
	"github.com/cyberinferno/linechat/protocol"
)

const waitFor = 2 * time.Second

func startChatServer(t *testing.T) string {
	t.Helper()

	srv := chatserver.NewServer(chatserver.Options{Addr: "127.0.0.1:0", WriteTimeout: time.Second})
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv.Addr().String()
}

// scriptedServer accepts one connection and runs script on it.
func scriptedServer(t *testing.T, script func(tr *linetransport.Transport)) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}

		tr := linetransport.New(conn)
		defer func() { _ = tr.Close() }()
		script(tr)
	}()

	return ln.Addr().String()
}

func connect(t *testing.T, addr, nick string) (*Client, *Inbox) {
	t.Helper()

	c := New(DefaultConfig(addr), nil)
	t.Cleanup(func() { _ = c.Close() })

	inbox := NewInbox()
	c.OnLine(inbox.Handler())

	_, err := c.Connect(context.Background(), nick)
	require.NoError(t, err)

	return c, inbox
}

// collect waits until n lines have arrived and returns them.
func collect(t *testing.T, inbox *Inbox, n int) []string {
	t.Helper()

	var got []string
	require.Eventually(t, func() bool {
		got = append(got, inbox.Drain()...)
		return len(got) >= n
	}, waitFor, 10*time.Millisecond, "got %v", got)

	return got
}

func waitDone(t *testing.T, c *Client) {
	t.Helper()

	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("receive loop did not exit")
	}
}

func TestClient_Session(t *testing.T) {
	addr := startChatServer(t)

	alice, aliceIn := connect(t, addr, "alice")
	assert.Equal(t, "alice", alice.Nickname())
	assert.Equal(t, Connected, alice.State())
	assert.True(t, alice.Alive())
	assert.Equal(t, []string{protocol.JoinNotice("alice")}, collect(t, aliceIn, 1))

	bob, bobIn := connect(t, addr, "alice")
	assert.Equal(t, "alice_2", bob.Nickname())
	assert.Equal(t, []string{protocol.JoinNotice("alice_2")}, collect(t, bobIn, 1))
	assert.Equal(t, []string{protocol.JoinNotice("alice_2")}, collect(t, aliceIn, 1))

	t.Run("chat reaches both clients", func(t *testing.T) {
		quit, err := alice.Submit("hello")
		require.NoError(t, err)
		assert.False(t, quit)

		assert.Equal(t, []string{"alice> hello"}, collect(t, aliceIn, 1))
		assert.Equal(t, []string{"alice> hello"}, collect(t, bobIn, 1))
	})

	t.Run("shorthand becomes a whisper", func(t *testing.T) {
		_, err := bob.Submit("@alice psst")
		require.NoError(t, err)

		assert.Equal(t, []string{"(귓속말)alice_2> psst"}, collect(t, aliceIn, 1))
		assert.Equal(t, []string{"(귓속말->alice)alice_2> psst"}, collect(t, bobIn, 1))
	})

	t.Run("roster lines are tracked", func(t *testing.T) {
		assert.Nil(t, alice.Roster())

		_, err := alice.Submit(protocol.WhoCommand)
		require.NoError(t, err)

		assert.Equal(t, []string{"접속자: alice, alice_2"}, collect(t, aliceIn, 1))
		assert.Equal(t, []string{"alice", "alice_2"}, alice.Roster())
	})

	t.Run("quit marker ends the session quietly", func(t *testing.T) {
		quit, err := bob.Submit(protocol.QuitMarker)
		require.NoError(t, err)
		assert.True(t, quit)

		waitDone(t, bob)
		assert.False(t, bob.Alive())
		assert.Equal(t, Disconnected, bob.State())
		assert.Zero(t, bobIn.Len(), "BYE must not be surfaced")

		assert.Equal(t, []string{protocol.LeaveNotice("alice_2")}, collect(t, aliceIn, 1))

		_, err = bob.Submit("anyone?")
		assert.ErrorIs(t, err, ErrNotConnected)
	})
}

func TestClient_ServerGoesAway(t *testing.T) {
	addr := scriptedServer(t, func(tr *linetransport.Transport) {
		_ = tr.SendLine(protocol.NickPrompt)
		nick, _ := tr.ReceiveLine()
		_ = tr.SendLine(protocol.NickAssignedLine(nick))
		_ = tr.SendLine("last words")
	})

	c, inbox := connect(t, addr, "zed")
	waitDone(t, c)

	assert.Equal(t, []string{"last words", DisconnectNotice}, collect(t, inbox, 2))
	assert.False(t, c.Alive())
	assert.Equal(t, Disconnected, c.State())
}

func TestClient_ProtocolMismatch(t *testing.T) {
	t.Run("wrong prompt", func(t *testing.T) {
		addr := scriptedServer(t, func(tr *linetransport.Transport) {
			_ = tr.SendLine("HELLO")
			_, _ = tr.ReceiveLine()
		})

		c := New(DefaultConfig(addr), nil)
		defer func() { _ = c.Close() }()

		_, err := c.Connect(context.Background(), "alice")
		require.ErrorIs(t, err, ErrProtocolMismatch)

		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "prompt", perr.Step)
		assert.Equal(t, "HELLO", perr.Received)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("wrong assignment", func(t *testing.T) {
		addr := scriptedServer(t, func(tr *linetransport.Transport) {
			_ = tr.SendLine(protocol.NickPrompt)
			_, _ = tr.ReceiveLine()
			_ = tr.SendLine("WELCOME")
			_, _ = tr.ReceiveLine()
		})

		c := New(DefaultConfig(addr), nil)
		defer func() { _ = c.Close() }()

		_, err := c.Connect(context.Background(), "alice")
		var perr *ProtocolError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "assignment", perr.Step)
		assert.Contains(t, perr.Error(), `received "WELCOME"`)
	})

	t.Run("client is reusable after a failed attempt", func(t *testing.T) {
		bad := scriptedServer(t, func(tr *linetransport.Transport) {
			_ = tr.SendLine("HELLO")
		})
		good := startChatServer(t)

		c := New(DefaultConfig(bad), nil)
		defer func() { _ = c.Close() }()

		_, err := c.Connect(context.Background(), "alice")
		require.Error(t, err)

		c.config.Address = good
		nick, err := c.Connect(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, "alice", nick)
	})
}

func TestClient_ConnectFailures(t *testing.T) {
	t.Run("dial error", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		c := New(DefaultConfig(addr), nil)
		defer func() { _ = c.Close() }()

		_, err = c.Connect(context.Background(), "alice")
		require.Error(t, err)
		assert.Contains(t, err.Error(), addr)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("silent server times out", func(t *testing.T) {
		addr := scriptedServer(t, func(tr *linetransport.Transport) {
			_, _ = tr.ReceiveLine()
		})

		cfg := DefaultConfig(addr)
		cfg.HandshakeTimeout = 100 * time.Millisecond
		c := New(cfg, nil)
		defer func() { _ = c.Close() }()

		_, err := c.Connect(context.Background(), "alice")
		require.Error(t, err)

		var netErr net.Error
		require.True(t, errors.As(err, &netErr))
		assert.True(t, netErr.Timeout())
	})

	t.Run("context cancels the handshake", func(t *testing.T) {
		addr := scriptedServer(t, func(tr *linetransport.Transport) {
			_, _ = tr.ReceiveLine()
		})

		cfg := DefaultConfig(addr)
		cfg.HandshakeTimeout = 0
		c := New(cfg, nil)
		defer func() { _ = c.Close() }()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := c.Connect(ctx, "alice")
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Equal(t, Disconnected, c.State())
	})

	t.Run("second connect is rejected", func(t *testing.T) {
		addr := startChatServer(t)
		c, _ := connect(t, addr, "alice")

		_, err := c.Connect(context.Background(), "again")
		assert.ErrorIs(t, err, ErrAlreadyConnected)
	})
}

func TestClient_Submit(t *testing.T) {
	t.Run("not connected", func(t *testing.T) {
		c := New(DefaultConfig("127.0.0.1:1"), nil)
		_, err := c.Submit("hi")
		assert.ErrorIs(t, err, ErrNotConnected)
	})

	t.Run("empty input is skipped", func(t *testing.T) {
		c := New(DefaultConfig("127.0.0.1:1"), nil)
		quit, err := c.Submit("")
		assert.NoError(t, err)
		assert.False(t, quit)
	})

	t.Run("embedded newline is refused", func(t *testing.T) {
		addr := startChatServer(t)
		c, _ := connect(t, addr, "alice")

		_, err := c.Submit("a\nb")
		assert.ErrorIs(t, err, linetransport.ErrEmbeddedNewline)
	})
}

func TestClient_RunTransmit(t *testing.T) {
	addr := startChatServer(t)
	watcher, watcherIn := connect(t, addr, "watcher")
	collect(t, watcherIn, 1)

	sender, _ := connect(t, addr, "sender")
	collect(t, watcherIn, 1)

	err := sender.RunTransmit(strings.NewReader("one\n\ntwo\n"))
	require.NoError(t, err)
	waitDone(t, sender)

	assert.Equal(t, []string{
		"sender> one",
		"sender> two",
		protocol.LeaveNotice("sender"),
	}, collect(t, watcherIn, 3))
	assert.True(t, watcher.Alive())
}

func TestClient_RunTransmitStopsAtQuit(t *testing.T) {
	addr := startChatServer(t)
	c, _ := connect(t, addr, "a")

	err := c.RunTransmit(strings.NewReader("/종료\nnever sent\n"))
	require.NoError(t, err)
	waitDone(t, c)
	assert.False(t, c.Alive())
}

func TestClient_RunTransmitLongLine(t *testing.T) {
	addr := startChatServer(t)
	watcher, watcherIn := connect(t, addr, "watcher")
	collect(t, watcherIn, 1)

	sender, _ := connect(t, addr, "sender")
	collect(t, watcherIn, 1)

	long := strings.Repeat("가", 100*1024)
	err := sender.RunTransmit(strings.NewReader(long + "\r\nlast"))
	require.NoError(t, err)
	waitDone(t, sender)

	assert.Equal(t, []string{
		"sender> " + long,
		"sender> last",
		protocol.LeaveNotice("sender"),
	}, collect(t, watcherIn, 3))
	assert.True(t, watcher.Alive())
}

func TestClient_SystemLinesAreFlagged(t *testing.T) {
	addr := scriptedServer(t, func(tr *linetransport.Transport) {
		_ = tr.SendLine(protocol.NickPrompt)
		nick, _ := tr.ReceiveLine()
		_ = tr.SendLine(protocol.NickAssignedLine(nick))
		_ = tr.SendLine(protocol.JoinNotice(nick))
		_ = tr.SendLine("kim> hi")
	})

	var mu sync.Mutex
	flags := map[string]bool{}

	c := New(DefaultConfig(addr), nil)
	t.Cleanup(func() { _ = c.Close() })
	c.OnLine(func(e LineReceivedEvent) {
		mu.Lock()
		defer mu.Unlock()
		flags[e.Line] = e.System
	})

	_, err := c.Connect(context.Background(), "lee")
	require.NoError(t, err)
	waitDone(t, c)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]bool{
		protocol.JoinNotice("lee"): true,
		"kim> hi":                  false,
		DisconnectNotice:           true,
	}, flags)
}

func TestClient_Disconnect(t *testing.T) {
	addr := startChatServer(t)
	other, otherIn := connect(t, addr, "other")
	collect(t, otherIn, 1)

	c, inbox := connect(t, addr, "me")
	collect(t, otherIn, 1)
	collect(t, inbox, 1)

	require.NoError(t, c.Disconnect())
	waitDone(t, c)

	assert.Equal(t, []string{protocol.LeaveNotice("me")}, collect(t, otherIn, 1))
	assert.NotContains(t, inbox.Drain(), DisconnectNotice)
	assert.Equal(t, Disconnected, c.State())
	assert.True(t, other.Alive())

	nick, err := c.Connect(context.Background(), "me")
	require.NoError(t, err)
	assert.Equal(t, "me", nick)
}

func TestClient_Close(t *testing.T) {
	addr := startChatServer(t)
	c, _ := connect(t, addr, "a")

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())

	_, err := c.Submit("hi")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = c.Connect(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestClient_CloseDuringConnectedHandler(t *testing.T) {
	addr := startChatServer(t)

	entered := make(chan struct{})
	c := New(DefaultConfig(addr), nil)
	c.OnConnectionState(func(e ConnectionStateEvent) {
		if e.State == Connected {
			close(entered)
			time.Sleep(100 * time.Millisecond)
		}
	})

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		<-entered
		_ = c.Close()
	}()

	_, err := c.Connect(context.Background(), "a")
	require.NoError(t, err)

	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}

	select {
	case <-c.Done():
	default:
		t.Fatal("receive goroutine still running after Close returned")
	}
	assert.Equal(t, Closed, c.State())
}

func TestClient_StateEvents(t *testing.T) {
	addr := startChatServer(t)

	var mu sync.Mutex
	var states []ConnectionState

	c := New(DefaultConfig(addr), nil)
	c.OnConnectionState(func(e ConnectionStateEvent) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, e.State)
		assert.Equal(t, addr, e.Address)
	})

	_, err := c.Connect(context.Background(), "a")
	require.NoError(t, err)
	require.NoError(t, c.Close())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []ConnectionState{Connecting, Handshaking, Connected, Closed}, states)
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "Disconnected", Disconnected.String())
	assert.Equal(t, "Connecting", Connecting.String())
	assert.Equal(t, "Handshaking", Handshaking.String())
	assert.Equal(t, "Connected", Connected.String())
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Unknown", ConnectionState(9).String())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("127.0.0.1:50007")
	assert.Equal(t, "127.0.0.1:50007", cfg.Address)
	assert.Equal(t, 10*time.Second, cfg.ConnectionTimeout)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, cfg.WriteTimeout)
}
