package nchs

import (
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultPort is the lobby port hosts listen on when none is given.
	DefaultPort uint16 = 7777

	recvBufferSize = 8192
)

// ErrPortOverflow is returned when binding a lobby port whose successor
// does not fit in a uint16. The frame-sync transport always claims port+1.
var ErrPortOverflow = errors.New("nchs: engine port would overflow")

// Socket owns the lobby's UDP conn. Reads never block: Poll drains
// whatever the kernel has buffered and queues decoded messages.
type Socket struct {
	conn  *net.UDPConn
	queue []inbound
	buf   []byte
	log   zerolog.Logger
}

type inbound struct {
	msg  Message
	addr *net.UDPAddr
}

// BindSocket binds the lobby socket on every interface at port.
func BindSocket(port uint16, log zerolog.Logger) (*Socket, error) {
	if port >= math.MaxUint16 {
		return nil, fmt.Errorf("%w: lobby port %d", ErrPortOverflow, port)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, fmt.Errorf("nchs: bind port %d: %w", port, err)
	}
	return &Socket{conn: conn, buf: make([]byte, recvBufferSize), log: log}, nil
}

// BindAnySocket binds on an ephemeral port, for guests.
func BindAnySocket(log zerolog.Logger) (*Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("nchs: bind ephemeral: %w", err)
	}
	s := &Socket{conn: conn, buf: make([]byte, recvBufferSize), log: log}
	if s.Port() >= math.MaxUint16 {
		conn.Close()
		return nil, fmt.Errorf("%w: ephemeral port %d", ErrPortOverflow, s.Port())
	}
	return s, nil
}

// Port reports the bound lobby port.
func (s *Socket) Port() uint16 {
	return uint16(s.conn.LocalAddr().(*net.UDPAddr).Port)
}

// EnginePort is the port the frame-sync transport will use after handoff.
func (s *Socket) EnginePort() uint16 {
	return s.Port() + 1
}

// Send frames msg and writes it to addr as one datagram.
func (s *Socket) Send(msg Message, addr *net.UDPAddr) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	if _, err := s.conn.WriteToUDP(frame, addr); err != nil {
		return fmt.Errorf("nchs: send %s to %s: %w", msg.MessageKind(), addr, err)
	}
	return nil
}

// Poll returns the next queued message, draining the kernel buffer first.
// Malformed datagrams are logged and dropped.
func (s *Socket) Poll() (Message, *net.UDPAddr, bool) {
	s.pump()
	if len(s.queue) == 0 {
		return nil, nil, false
	}
	in := s.queue[0]
	s.queue = s.queue[1:]
	return in.msg, in.addr, true
}

func (s *Socket) pump() {
	for {
		s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(s.buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return
			}
			s.log.Warn().Err(err).Msg("lobby socket read")
			return
		}
		frame := make([]byte, n)
		copy(frame, s.buf[:n])
		msg, err := Decode(frame)
		if err != nil {
			s.log.Warn().Err(err).Stringer("from", addr).Msg("dropping malformed datagram")
			continue
		}
		s.queue = append(s.queue, inbound{msg: msg, addr: addr})
	}
}

// Close releases the underlying conn.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// IntoEngineConn closes the lobby socket and rebinds the same interface at
// EnginePort, handing the raw conn to the frame-sync transport. The Socket
// must not be used afterwards.
func (s *Socket) IntoEngineConn() (*net.UDPConn, error) {
	local := s.conn.LocalAddr().(*net.UDPAddr)
	enginePort := s.EnginePort()
	if err := s.conn.Close(); err != nil {
		return nil, fmt.Errorf("nchs: release lobby socket: %w", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: local.IP, Port: int(enginePort)})
	if err != nil {
		return nil, fmt.Errorf("nchs: rebind engine port %d: %w", enginePort, err)
	}
	return conn, nil
}

// PublicIP guesses the machine's routable address by opening a throwaway
// UDP conn toward a public resolver. No packet is sent.
func PublicIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, fmt.Errorf("nchs: discover local ip: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}
