package transport

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/brakerun/convoy/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendUDPAndServeUDPRoundTrip(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	port := ln.LocalAddr().(*net.UDPAddr).Port
	ln.Close()

	received := make(chan *protocol.Envelope, 1)
	done := make(chan struct{})
	go ServeUDP("127.0.0.1", port, done, func(h *protocol.Envelope, from net.Addr) {
		received <- h
	}, nil)
	defer close(done)

	time.Sleep(50 * time.Millisecond)

	hb := protocol.HeartbeatMessage(3, 1234.5)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	require.NoError(t, SendUDP(addr, hb))

	select {
	case h := <-received:
		assert.Equal(t, protocol.TypeHeartbeat, h.Type)
		require.NotNil(t, h.WorkerID)
		assert.Equal(t, 3, *h.WorkerID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for heartbeat")
	}
}

func TestSendHeartbeatsStopsOnSignal(t *testing.T) {
	ln, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	port := ln.LocalAddr().(*net.UDPAddr).Port

	received := make(chan struct{}, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			_, _, err := ln.ReadFromUDP(buf)
			if err != nil {
				return
			}
			received <- struct{}{}
		}
	}()
	defer ln.Close()

	stop := make(chan struct{})
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	go SendHeartbeats(1, addr, 10*time.Millisecond, stop, nil)

	time.Sleep(60 * time.Millisecond)
	close(stop)

	select {
	case <-received:
	case <-time.After(1 * time.Second):
		t.Fatal("expected at least one heartbeat before stop")
	}
}
