// ABOUTME: Tests for the connection registry, IP policy, and addressed delivery
// ABOUTME: Uses an in-memory socket and bus to observe frames and notifications

package registry

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/flowlink/internal/bus"
)

// mockSocket records writes and close calls.
type mockSocket struct {
	mu      sync.Mutex
	frames  [][]byte
	closes  []int
	reasons []string
	sendErr error
}

func (m *mockSocket) Send(_ context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.frames = append(m.frames, data)
	return nil
}

func (m *mockSocket) Close(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, code)
	m.reasons = append(m.reasons, reason)
	return nil
}

func (m *mockSocket) sent() []bus.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bus.Message, 0, len(m.frames))
	for _, f := range m.frames {
		msg, err := bus.Decode(f)
		if err == nil {
			out = append(out, msg)
		}
	}
	return out
}

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) handle(m bus.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) all() []bus.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.Message(nil), r.msgs...)
}

func newTestRegistry(t *testing.T, policy *Policy) (*Registry, *recorder) {
	t.Helper()
	b := bus.NewMemoryBus(nil)
	t.Cleanup(func() { _ = b.Close() })
	rec := &recorder{}
	b.On(bus.TypeDisconnect, rec.handle)
	return New(b, policy, nil, nil), rec
}

func TestRegisterAndLookup(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)

	a := NewConnection("10.0.0.5:40000", "red", "", &mockSocket{})
	b := NewConnection("10.0.0.6:40001", "red", "node-red", &mockSocket{})
	c := NewConnection("10.0.0.7:40002", "blue", "", &mockSocket{})

	for _, conn := range []*Connection{a, b, c} {
		require.NoError(t, reg.Register(conn))
	}

	assert.Equal(t, 3, reg.Count())
	assert.Equal(t, StateOpen, a.State())
	assert.Equal(t, DefaultPlatform, a.Platform)
	assert.Equal(t, "red:10.0.0.5:40000", a.Ident())
	assert.Equal(t, []string{"10.0.0.5:40000", "10.0.0.6:40001"}, reg.FindByName("red"))
	assert.Equal(t, []string{"10.0.0.7:40002"}, reg.FindByName("blue"))
	assert.Empty(t, reg.FindByName("green"))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg, rec := newTestRegistry(t, nil)
	sock := &mockSocket{}
	conn := NewConnection("10.0.0.5:40000", "red", "", sock)
	require.NoError(t, reg.Register(conn))

	d := Disconnect{Code: 1000, Reason: "connection closed", Clean: true}
	assert.True(t, reg.Unregister(conn, d))
	assert.False(t, reg.Unregister(conn, d))

	assert.Equal(t, 0, reg.Count())
	assert.Equal(t, StateClosed, conn.State())
	assert.Equal(t, []int{1000}, sock.closes)

	events := rec.all()
	require.Len(t, events, 1, "exactly one disconnect notification")
	assert.Equal(t, "10.0.0.5:40000", events[0].DataString("peer"))
	assert.Equal(t, "connection closed", events[0].DataString("reason"))
	assert.Empty(t, reg.FindByName("red"))
}

func TestUnregisterOnlyRemovesThatConnection(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	a := NewConnection("10.0.0.5:40000", "red", "", &mockSocket{})
	b := NewConnection("10.0.0.5:40001", "red", "", &mockSocket{})
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))

	reg.Unregister(a, Disconnect{Reason: "bye"})

	_, ok := reg.Get(b.Peer)
	assert.True(t, ok)
	assert.Equal(t, []string{b.Peer}, reg.FindByName("red"))
}

func TestUnregisterDefaultsCloseCode(t *testing.T) {
	reg, rec := newTestRegistry(t, nil)
	sock := &mockSocket{}
	conn := NewConnection("10.0.0.5:40000", "red", "", sock)
	require.NoError(t, reg.Register(conn))

	reg.Unregister(conn, Disconnect{Reason: "kicked"})

	assert.Equal(t, []int{DefaultCloseCode}, sock.closes)
	assert.EqualValues(t, DefaultCloseCode, rec.all()[0].Data["code"])
}

func TestReRegisterReplacesEntry(t *testing.T) {
	reg, rec := newTestRegistry(t, nil)
	oldSock := &mockSocket{}
	old := NewConnection("10.0.0.5:40000", "red", "", oldSock)
	fresh := NewConnection("10.0.0.5:40000", "red", "", &mockSocket{})

	require.NoError(t, reg.Register(old))
	require.NoError(t, reg.Register(fresh))

	got, ok := reg.Get("10.0.0.5:40000")
	require.True(t, ok)
	assert.Same(t, fresh, got)
	assert.Equal(t, 1, reg.Count())
	assert.Equal(t, []int{DefaultCloseCode}, oldSock.closes)
	assert.False(t, reg.Unregister(old, Disconnect{}), "stale connection must not remove its replacement")
	assert.Len(t, rec.all(), 1)
}

func TestPolicyBlacklist(t *testing.T) {
	policy, err := NewPolicy([]string{"10.0.0.5", "192.168.0.0/16"}, true)
	require.NoError(t, err)
	reg, rec := newTestRegistry(t, policy)

	tests := []struct {
		peer    string
		wantErr error
	}{
		{"10.0.0.5:40000", ErrBlacklisted},
		{"192.168.4.2:1234", ErrBlacklisted},
		{"[::ffff:10.0.0.5]:80", ErrBlacklisted},
		{"10.0.0.6:40000", nil},
	}

	for _, tt := range tests {
		t.Run(tt.peer, func(t *testing.T) {
			sock := &mockSocket{}
			conn := NewConnection(tt.peer, "red", "", sock)
			err := reg.Register(conn)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			_, stored := reg.Get(tt.peer)
			assert.False(t, stored)
			assert.Equal(t, []int{DefaultCloseCode}, sock.closes)
			assert.Equal(t, []string{ReasonBlacklisted}, sock.reasons)
			assert.Equal(t, StateClosed, conn.State())
		})
	}

	assert.Len(t, rec.all(), 3)
}

func TestPolicyWhitelist(t *testing.T) {
	policy, err := NewPolicy([]string{"10.0.0.0/24"}, false)
	require.NoError(t, err)
	reg, _ := newTestRegistry(t, policy)

	sock := &mockSocket{}
	err = reg.Register(NewConnection("172.16.0.1:5000", "red", "", sock))
	assert.ErrorIs(t, err, ErrNotWhitelisted)
	assert.Equal(t, []string{ReasonUnknownIP}, sock.reasons)

	assert.NoError(t, reg.Register(NewConnection("10.0.0.9:5000", "red", "", &mockSocket{})))
	assert.Equal(t, 1, reg.Count())
}

func TestPolicyEmptyWhitelistAdmitsNobody(t *testing.T) {
	policy, err := NewPolicy(nil, false)
	require.NoError(t, err)
	assert.ErrorIs(t, policy.Check("127.0.0.1:1"), ErrNotWhitelisted)

	var none *Policy
	assert.NoError(t, none.Check("127.0.0.1:1"))
}

func TestNewPolicyRejectsGarbage(t *testing.T) {
	_, err := NewPolicy([]string{"not-an-ip"}, true)
	assert.Error(t, err)
}

func TestPeerIP(t *testing.T) {
	tests := []struct {
		peer    string
		want    string
		wantErr bool
	}{
		{"10.0.0.5:40000", "10.0.0.5", false},
		{"[::1]:8080", "::1", false},
		{"10.0.0.5", "10.0.0.5", false},
		{"pipe", "", true},
	}
	for _, tt := range tests {
		got, err := PeerIP(tt.peer)
		if (err != nil) != tt.wantErr {
			t.Errorf("PeerIP(%q) error = %v, wantErr %v", tt.peer, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got.String() != tt.want {
			t.Errorf("PeerIP(%q) = %s, want %s", tt.peer, got, tt.want)
		}
	}
}

func TestSendTo(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	sock := &mockSocket{}
	conn := NewConnection("10.0.0.5:40000", "red", "", sock)
	require.NoError(t, reg.Register(conn))
	ctx := context.Background()

	msg := bus.New("ask", map[string]any{"utterance": "hello"}, nil)
	assert.True(t, reg.SendTo(ctx, conn.Peer, msg))
	assert.False(t, reg.SendTo(ctx, "10.9.9.9:1", msg))
	assert.ErrorIs(t, reg.Send(ctx, "10.9.9.9:1", msg), ErrUnknownPeer)

	sent := sock.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ask", sent[0].Type)
	assert.Equal(t, "hello", sent[0].DataString("utterance"))
}

func TestSendAfterCloseFails(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	conn := NewConnection("10.0.0.5:40000", "red", "", &mockSocket{})
	require.NoError(t, reg.Register(conn))
	reg.Unregister(conn, Disconnect{})

	assert.Error(t, conn.SendMessage(context.Background(), bus.New("ask", nil, nil)))
}

func TestBroadcast(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	good1 := &mockSocket{}
	bad := &mockSocket{sendErr: errors.New("broken pipe")}
	good2 := &mockSocket{}

	require.NoError(t, reg.Register(NewConnection("10.0.0.1:1", "a", "", good1)))
	require.NoError(t, reg.Register(NewConnection("10.0.0.2:1", "b", "", bad)))
	require.NoError(t, reg.Register(NewConnection("10.0.0.3:1", "c", "", good2)))

	n := reg.Broadcast(context.Background(), bus.New("ask", nil, nil))
	assert.Equal(t, 2, n)
	assert.Len(t, good1.sent(), 1)
	assert.Len(t, good2.sent(), 1)

	late := &mockSocket{}
	require.NoError(t, reg.Register(NewConnection("10.0.0.4:1", "d", "", late)))
	assert.Empty(t, late.sent(), "peer registered after the broadcast receives nothing")
}

func TestBroadcastNoClients(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	assert.Equal(t, 0, reg.Broadcast(context.Background(), bus.New("ask", nil, nil)))
}

func TestCloseAll(t *testing.T) {
	reg, rec := newTestRegistry(t, nil)
	socks := []*mockSocket{{}, {}}
	require.NoError(t, reg.Register(NewConnection("10.0.0.1:1", "a", "", socks[0])))
	require.NoError(t, reg.Register(NewConnection("10.0.0.2:1", "b", "", socks[1])))

	reg.CloseAll("server shutdown")

	assert.Equal(t, 0, reg.Count())
	for _, s := range socks {
		assert.Equal(t, []string{"server shutdown"}, s.reasons)
	}
	assert.Len(t, rec.all(), 2)
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	reg, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			conn := NewConnection("10.0.1."+strconv.Itoa(i)+":1", "n", "", &mockSocket{})
			_ = reg.Register(conn)
			reg.Unregister(conn, Disconnect{Reason: "done"})
		}(i)
		go func() {
			defer wg.Done()
			reg.Broadcast(ctx, bus.New("ask", nil, nil))
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, reg.Count())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "State(9)", State(9).String())
}
