package core

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// rawDatagramSize is the largest UDP payload the endpoint will read; it
// comfortably covers a fragmented packet header plus MTU-sized payload.
const rawDatagramSize = 2048

// Datagram is one received UDP packet, handed to the reliability layer
// for header parsing and reassembly.
type Datagram struct {
	Addr *net.UDPAddr
	Data []byte
}

// Endpoint is the C1 datagram transport: a single bound UDP socket shared
// by all connections the node maintains, grounded on the teacher's
// connection_pool.go dial/listen plumbing but built on raw net.UDPConn
// instead of libp2p (§4.1 mandates a custom transport).
type Endpoint struct {
	log  *logrus.Logger
	conn *net.UDPConn

	lossSim *LossSimulator

	recvCh  chan Datagram
	closing chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewEndpoint binds a UDP socket at addr ("host:port", "" host binds all
// interfaces) and returns an Endpoint ready for Start.
func NewEndpoint(addr string, log *logrus.Logger) (*Endpoint, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, NewError(KindTransport, "resolve udp addr", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, NewError(KindTransport, "listen udp", err)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Endpoint{
		log:     log,
		conn:    conn,
		recvCh:  make(chan Datagram, 256),
		closing: make(chan struct{}),
	}, nil
}

// WithLossSimulator attaches a fault-injection wrapper (test use only,
// §8 "Loss recovery"/"Interest management" scenarios).
func (e *Endpoint) WithLossSimulator(sim *LossSimulator) *Endpoint {
	e.lossSim = sim
	return e
}

// LocalAddr reports the bound local address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Start launches the receive loop.
func (e *Endpoint) Start() {
	e.wg.Add(1)
	go e.readLoop()
}

// Stop closes the socket and waits for the receive loop to exit.
func (e *Endpoint) Stop() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.closing)
	err := e.conn.Close()
	e.wg.Wait()
	return err
}

// Recv returns the channel of inbound datagrams.
func (e *Endpoint) Recv() <-chan Datagram {
	return e.recvCh
}

// Send writes raw bytes to addr, applying the loss simulator if attached.
func (e *Endpoint) Send(addr *net.UDPAddr, data []byte) error {
	if e.lossSim != nil && e.lossSim.DropOutbound() {
		return nil
	}
	_, err := e.conn.WriteToUDP(data, addr)
	if err != nil {
		return NewError(KindTransport, "send udp", err)
	}
	return nil
}

func (e *Endpoint) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, rawDatagramSize)
	for {
		select {
		case <-e.closing:
			return
		default:
		}
		e.conn.SetReadDeadline(time.Now().Add(250 * time.Millisecond))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-e.closing:
				return
			default:
				e.log.WithError(err).Warn("endpoint: read error")
				continue
			}
		}
		if e.lossSim != nil && e.lossSim.DropInbound() {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		dg := Datagram{Addr: addr, Data: data}
		if e.lossSim != nil {
			for _, dup := range e.lossSim.Duplicate(dg) {
				e.deliver(dup)
			}
			continue
		}
		e.deliver(dg)
	}
}

func (e *Endpoint) deliver(dg Datagram) {
	select {
	case e.recvCh <- dg:
	case <-e.closing:
	default:
		e.log.Warn("endpoint: recv buffer full, dropping datagram")
	}
}
