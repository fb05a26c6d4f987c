package transport

import (
	"fmt"
	"net"
	"time"

	"github.com/brakerun/convoy/internal/logger"
	"github.com/brakerun/convoy/internal/protocol"
	"golang.org/x/time/rate"
)

// SendUDP fire-and-forgets header as a single JSON datagram to addr. A
// dropped heartbeat is not retried — the next one arrives in Interval
// seconds regardless.
func SendUDP(addr string, header *protocol.Envelope) error {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return fmt.Errorf("dial udp %s: %w", addr, err)
	}
	defer conn.Close()

	data, err := protocol.Marshal(header)
	if err != nil {
		return err
	}

	_, err = conn.Write(data)
	return err
}

// SendHeartbeats emits a heartbeat to dispatcherAddr every interval until
// stop is closed.
func SendHeartbeats(workerID int, dispatcherAddr string, interval time.Duration, stop <-chan struct{}, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			hb := protocol.HeartbeatMessage(workerID, float64(time.Now().UnixNano())/1e9)
			if err := SendUDP(dispatcherAddr, hb); err != nil && log != nil {
				log.Warn("heartbeat send failed: %v", err)
			}
		}
	}
}

// UDPHeartbeatHandler processes one decoded heartbeat.
type UDPHeartbeatHandler func(header *protocol.Envelope, from net.Addr)

// maxUDPDatagram bounds a single recvfrom buffer; heartbeats are tiny
// JSON objects so this is generous headroom, not a real limit.
const maxUDPDatagram = 4096

// udpRateLimit caps inbound heartbeat processing so a misbehaving or
// malicious sender flooding the socket can't starve the dispatcher's
// goroutines — a hardening the reference heartbeat loop never needed
// since it had no adversarial sender to worry about.
const udpRateLimit = 200 // datagrams per second, per listener

// ServeUDP listens for heartbeat datagrams until ctxDone fires.
func ServeUDP(host string, port int, ctxDone <-chan struct{}, handler UDPHeartbeatHandler, log *logger.Logger) error {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp %s: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listen udp %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctxDone
		conn.Close()
	}()

	limiter := rate.NewLimiter(rate.Limit(udpRateLimit), udpRateLimit)
	buf := make([]byte, maxUDPDatagram)

	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctxDone:
				return nil
			default:
				return err
			}
		}

		if !limiter.Allow() {
			if log != nil {
				log.Warn("dropping udp datagram from %s: rate limit exceeded", from)
			}
			continue
		}

		header, err := protocol.Unmarshal(buf[:n])
		if err != nil {
			if log != nil {
				log.Warn("dropping malformed udp datagram from %s: %v", from, err)
			}
			continue
		}

		handler(header, from)
	}
}
