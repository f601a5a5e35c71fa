package control

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFlow implements FlowController and records calls.
type fakeFlow struct {
	mu      sync.Mutex
	flowing bool
	halts   int
	resumes int
}

func (f *fakeFlow) Halt() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flowing = false
	f.halts++
}

func (f *fakeFlow) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flowing = true
	f.resumes++
}

func (f *fakeFlow) Flowing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flowing
}

func (f *fakeFlow) counts() (halts, resumes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.halts, f.resumes
}

func startControl(t *testing.T, flow FlowController) *Server {
	t.Helper()

	srv := New("127.0.0.1:0", flow)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go func() {
		if err := srv.ListenAndServe(ctx); err != nil {
			t.Errorf("control ListenAndServe: %v", err)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("control server did not bind in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv
}

// roundTrip sends one command on a fresh connection and returns the
// response line.
func roundTrip(t *testing.T, srv *Server, cmd string) string {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(cmd + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func TestControl_Ping(t *testing.T) {
	t.Parallel()

	srv := startControl(t, &fakeFlow{flowing: true})
	assert.Equal(t, "OK|PONG", roundTrip(t, srv, "PING"))
}

func TestControl_HaltAndResume(t *testing.T) {
	t.Parallel()

	flow := &fakeFlow{flowing: true}
	srv := startControl(t, flow)

	assert.Equal(t, "OK|HALTED", roundTrip(t, srv, "HALT"))
	halts, _ := flow.counts()
	assert.Equal(t, 1, halts)
	assert.Equal(t, "OK|HALTED", roundTrip(t, srv, "STATUS"))

	assert.Equal(t, "OK|FLOWING", roundTrip(t, srv, "RESUME"))
	_, resumes := flow.counts()
	assert.Equal(t, 1, resumes)
	assert.Equal(t, "OK|FLOWING", roundTrip(t, srv, "STATUS"))
}

func TestControl_Status(t *testing.T) {
	t.Parallel()

	srv := startControl(t, &fakeFlow{flowing: true})
	assert.Equal(t, "OK|FLOWING", roundTrip(t, srv, "STATUS"))
}

func TestControl_UnknownCommand(t *testing.T) {
	t.Parallel()

	srv := startControl(t, &fakeFlow{})
	assert.Equal(t, "ERROR|Unknown command: REBOOT", roundTrip(t, srv, "REBOOT"))
}

func TestControl_CaseInsensitive(t *testing.T) {
	t.Parallel()

	srv := startControl(t, &fakeFlow{flowing: true})
	assert.Equal(t, "OK|PONG", roundTrip(t, srv, "ping"))
}

func TestControl_OneCommandPerConnection(t *testing.T) {
	t.Parallel()

	srv := startControl(t, &fakeFlow{flowing: true})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("PING\nSTATUS\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)

	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "OK|PONG", strings.TrimSpace(line))

	// The server closes after one response; the second command is
	// never answered.
	_, err = reader.ReadString('\n')
	assert.Error(t, err)
}
