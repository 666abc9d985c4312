// Package gateway owns the tracker-facing listeners: one TCP (and optionally
// UDP) socket per registered protocol, per-connection stream reassembly and
// decoding, IMEI binding, ACK write-back and downlink command draining.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/trackhaus/fleetd/internal/metrics"
	"github.com/trackhaus/fleetd/internal/model"
	"github.com/trackhaus/fleetd/internal/protocol"
	"github.com/trackhaus/fleetd/internal/store"
)

// PositionSink receives every decoded position.
type PositionSink interface {
	HandlePosition(ctx context.Context, protocol string, pos *model.NormalizedPosition)
}

// GatewayStore is the slice of persistence the gateway needs: device
// resolution for command draining and the command queue transitions.
type GatewayStore interface {
	DeviceByIMEI(ctx context.Context, imei string) (*model.Device, error)
	PendingCommands(ctx context.Context, deviceID int64) ([]model.Command, error)
	MarkCommandSent(ctx context.Context, id int64) error
	MarkCommandAcked(ctx context.Context, deviceID int64, response string) error
	RecordCommandFailure(ctx context.Context, id int64) error
	MarkOffline(ctx context.Context, deviceID int64) error
}

// Config configures the gateway.
type Config struct {
	Logger   *slog.Logger
	Registry *protocol.Registry
	Sink     PositionSink
	Store    GatewayStore

	// Host is the listen interface, empty for all.
	Host string
	// ReadTimeout is the idle deadline on tracker connections.
	ReadTimeout time.Duration
	// DisableCommands turns off downlink command draining.
	DisableCommands bool
}

// Validate applies defaults and rejects unusable configs.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("gateway: logger is required")
	}
	if c.Registry == nil {
		return errors.New("gateway: decoder registry is required")
	}
	if c.Sink == nil {
		return errors.New("gateway: position sink is required")
	}
	if c.Store == nil {
		return errors.New("gateway: store is required")
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 300 * time.Second
	}
	return nil
}

// binding is one live connection bound to an IMEI. Writes go through the
// mutex so a command drain and an ACK never interleave.
type binding struct {
	mu       sync.Mutex
	conn     net.Conn
	deviceID int64
}

func (b *binding) write(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.conn.Write(data)
	return err
}

// Gateway runs the tracker-facing listeners.
type Gateway struct {
	log         *slog.Logger
	registry    *protocol.Registry
	sink        PositionSink
	store       GatewayStore
	host        string
	readTimeout time.Duration
	noCommands  bool

	mu        sync.Mutex
	listeners map[string]net.Listener
	udpConns  []net.PacketConn
	conns     map[net.Conn]struct{}
	stopped   bool

	onlineMu sync.Mutex
	online   map[string]*binding

	wg sync.WaitGroup
}

// New builds a gateway.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Gateway{
		log:         cfg.Logger,
		registry:    cfg.Registry,
		sink:        cfg.Sink,
		store:       cfg.Store,
		host:        cfg.Host,
		readTimeout: cfg.ReadTimeout,
		noCommands:  cfg.DisableCommands,
		listeners:   make(map[string]net.Listener),
		conns:       make(map[net.Conn]struct{}),
		online:      make(map[string]*binding),
	}, nil
}

// Start opens every listener and spawns the accept loops. It fails fast when
// any port cannot be bound.
func (g *Gateway) Start(ctx context.Context) error {
	for _, dec := range g.registry.All() {
		for _, transport := range dec.Transports() {
			addr := fmt.Sprintf("%s:%d", g.host, dec.Port())
			switch transport {
			case protocol.TransportTCP:
				l, err := net.Listen("tcp", addr)
				if err != nil {
					g.Stop()
					return fmt.Errorf("gateway: listen %s for %s: %w", addr, dec.Name(), err)
				}
				g.mu.Lock()
				g.listeners[dec.Name()] = l
				g.mu.Unlock()
				g.log.Info("listening", "protocol", dec.Name(), "transport", "tcp", "addr", l.Addr())

				g.wg.Add(1)
				go g.acceptLoop(ctx, dec, l)

			case protocol.TransportUDP:
				pc, err := net.ListenPacket("udp", addr)
				if err != nil {
					g.Stop()
					return fmt.Errorf("gateway: listen udp %s for %s: %w", addr, dec.Name(), err)
				}
				g.mu.Lock()
				g.udpConns = append(g.udpConns, pc)
				g.mu.Unlock()
				g.log.Info("listening", "protocol", dec.Name(), "transport", "udp", "addr", pc.LocalAddr())

				g.wg.Add(1)
				go g.datagramLoop(ctx, dec, pc)
			}
		}
	}
	return nil
}

// Stop closes every listener and live connection and waits for the loops.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	for _, l := range g.listeners {
		_ = l.Close()
	}
	for _, pc := range g.udpConns {
		_ = pc.Close()
	}
	for c := range g.conns {
		_ = c.Close()
	}
	g.mu.Unlock()

	g.wg.Wait()
}

// TCPAddr reports the bound TCP address for a protocol, nil when absent.
func (g *Gateway) TCPAddr(protocolName string) net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.listeners[protocolName]; ok {
		return l.Addr()
	}
	return nil
}

// Online reports whether an IMEI currently has a bound connection.
func (g *Gateway) Online(imei string) bool {
	g.onlineMu.Lock()
	defer g.onlineMu.Unlock()
	_, ok := g.online[imei]
	return ok
}

func (g *Gateway) acceptLoop(ctx context.Context, dec protocol.Decoder, l net.Listener) {
	defer g.wg.Done()
	for {
		c, err := l.Accept()
		if err != nil {
			return // listener closed
		}
		if !g.track(c) {
			_ = c.Close()
			return
		}
		metrics.ConnectionsTotal.WithLabelValues(dec.Name()).Inc()
		g.wg.Add(1)
		go g.handleConn(ctx, dec, c)
	}
}

func (g *Gateway) track(c net.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		return false
	}
	g.conns[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c net.Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.conns, c)
}

func (g *Gateway) handleConn(ctx context.Context, dec protocol.Decoder, c net.Conn) {
	defer g.wg.Done()
	defer g.untrack(c)
	defer c.Close()

	metrics.ConnectionsOpen.WithLabelValues(dec.Name()).Inc()
	defer metrics.ConnectionsOpen.WithLabelValues(dec.Name()).Dec()

	// A decoder bug must cost one connection, never the listener.
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("connection handler panicked",
				"protocol", dec.Name(), "remote", c.RemoteAddr(), "panic", r)
		}
	}()

	client := protocol.ClientInfo{
		RemoteAddr: c.RemoteAddr().String(),
		Transport:  protocol.TransportTCP,
	}
	bound := &binding{conn: c}
	imei := ""
	defer func() { g.unbind(imei, bound) }()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		if err := c.SetReadDeadline(time.Now().Add(g.readTimeout)); err != nil {
			return
		}
		n, err := c.Read(chunk)
		if n > 0 {
			metrics.BytesRead.WithLabelValues(dec.Name()).Add(float64(n))
			buf = append(buf, chunk[:n]...)
			var sawPosition bool
			buf, sawPosition = g.drainBuffer(ctx, dec, client, bound, &imei, buf)
			if sawPosition && imei != "" {
				g.drainCommands(ctx, dec, bound, imei)
			}
		}
		if err != nil {
			if imei != "" {
				g.log.Info("tracker disconnected",
					"protocol", dec.Name(), "imei", imei, "error", err)
			}
			return
		}
	}
}

// drainBuffer decodes as many complete frames as the buffer holds and
// reports whether any position was produced.
func (g *Gateway) drainBuffer(ctx context.Context, dec protocol.Decoder, client protocol.ClientInfo, bound *binding, imei *string, buf []byte) ([]byte, bool) {
	sawPosition := false
	for len(buf) > 0 {
		res, consumed := dec.Decode(buf, client, *imei)
		if consumed == 0 {
			if len(buf) > protocol.MaxUnframedBuffer {
				g.log.Warn("flushing unframed buffer",
					"protocol", dec.Name(), "remote", client.RemoteAddr, "bytes", len(buf))
				buf = buf[:0]
			}
			break
		}
		if consumed == 1 && res.Event == protocol.EventNone && len(res.Positions) == 0 {
			metrics.DecodeResyncs.WithLabelValues(dec.Name()).Inc()
		} else {
			metrics.FramesDecoded.WithLabelValues(dec.Name()).Inc()
		}
		buf = buf[consumed:]

		// The ACK goes out even before any IMEI binding exists; some
		// protocols require the login reply before sending data.
		if len(res.Response) > 0 {
			if err := bound.write(res.Response); err != nil {
				g.log.Warn("response write failed",
					"protocol", dec.Name(), "remote", client.RemoteAddr, "error", err)
			}
		}
		if res.IMEI != "" && res.IMEI != *imei {
			*imei = res.IMEI
			g.bind(ctx, dec, res.IMEI, bound)
		}
		for i := range res.Positions {
			g.sink.HandlePosition(ctx, dec.Name(), &res.Positions[i])
			sawPosition = true
		}
		if res.Event == protocol.EventCommandResponse && bound.deviceID != 0 {
			if err := g.store.MarkCommandAcked(ctx, bound.deviceID, res.CommandResponse); err != nil {
				g.log.Warn("command ack failed", "imei", *imei, "error", err)
			}
		}
	}
	return buf, sawPosition
}

// bind registers the connection as the live writer for an IMEI. An existing
// binding is superseded; the old connection dies on its own timeout path.
func (g *Gateway) bind(ctx context.Context, dec protocol.Decoder, imei string, bound *binding) {
	if device, err := g.store.DeviceByIMEI(ctx, imei); err == nil {
		bound.deviceID = device.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		g.log.Warn("device lookup failed", "imei", imei, "error", err)
	}

	g.onlineMu.Lock()
	g.online[imei] = bound
	metrics.DevicesOnline.Set(float64(len(g.online)))
	g.onlineMu.Unlock()

	g.log.Info("tracker online", "protocol", dec.Name(), "imei", imei)
	g.drainCommands(ctx, dec, bound, imei)
}

// unbind removes the IMEI entry only when it still points at this
// connection, so a superseding login is not torn down by the old one.
func (g *Gateway) unbind(imei string, bound *binding) {
	if imei == "" {
		return
	}
	g.onlineMu.Lock()
	current, ok := g.online[imei]
	if ok && current == bound {
		delete(g.online, imei)
	}
	metrics.DevicesOnline.Set(float64(len(g.online)))
	g.onlineMu.Unlock()

	if ok && current == bound && bound.deviceID != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := g.store.MarkOffline(ctx, bound.deviceID); err != nil {
			g.log.Warn("marking device offline failed", "imei", imei, "error", err)
		}
	}
}

// drainCommands writes every pending downlink command in creation order.
func (g *Gateway) drainCommands(ctx context.Context, dec protocol.Decoder, bound *binding, imei string) {
	if g.noCommands || bound.deviceID == 0 {
		return
	}
	pending, err := g.store.PendingCommands(ctx, bound.deviceID)
	if err != nil {
		g.log.Warn("listing pending commands failed", "imei", imei, "error", err)
		return
	}
	for _, cmd := range pending {
		params := commandParams(cmd.Payload)
		if _, ok := params["imei"]; !ok {
			params["imei"] = imei
		}
		wire, err := dec.EncodeCommand(cmd.CommandType, params)
		if err != nil || len(wire) == 0 {
			metrics.CommandsSent.WithLabelValues(dec.Name(), "unsupported").Inc()
			g.log.Warn("command not encodable",
				"imei", imei, "command", cmd.CommandType, "error", err)
			if err := g.store.RecordCommandFailure(ctx, cmd.ID); err != nil {
				g.log.Warn("recording command failure failed", "command", cmd.ID, "error", err)
			}
			continue
		}
		if err := bound.write(wire); err != nil {
			metrics.CommandsSent.WithLabelValues(dec.Name(), "write_error").Inc()
			g.log.Warn("command write failed",
				"imei", imei, "command", cmd.CommandType, "error", err)
			if err := g.store.RecordCommandFailure(ctx, cmd.ID); err != nil {
				g.log.Warn("recording command failure failed", "command", cmd.ID, "error", err)
			}
			continue
		}
		metrics.CommandsSent.WithLabelValues(dec.Name(), "ok").Inc()
		if err := g.store.MarkCommandSent(ctx, cmd.ID); err != nil {
			g.log.Warn("marking command sent failed", "command", cmd.ID, "error", err)
		}
	}
}

// commandParams decodes the queued payload, a JSON object of string params.
func commandParams(payload string) map[string]string {
	params := make(map[string]string)
	if payload == "" {
		return params
	}
	if err := json.Unmarshal([]byte(payload), &params); err != nil {
		return make(map[string]string)
	}
	return params
}

// datagramLoop serves UDP transports: each datagram is decoded standalone,
// with no cross-datagram buffering, and responses go back to the source
// address.
func (g *Gateway) datagramLoop(ctx context.Context, dec protocol.Decoder, pc net.PacketConn) {
	defer g.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return // socket closed
		}
		metrics.BytesRead.WithLabelValues(dec.Name()).Add(float64(n))
		client := protocol.ClientInfo{
			RemoteAddr: addr.String(),
			Transport:  protocol.TransportUDP,
		}

		datagram := buf[:n]
		imei := ""
		for len(datagram) > 0 {
			res, consumed := dec.Decode(datagram, client, imei)
			if consumed == 0 {
				break
			}
			datagram = datagram[consumed:]
			metrics.FramesDecoded.WithLabelValues(dec.Name()).Inc()
			if res.IMEI != "" {
				imei = res.IMEI
			}
			if len(res.Response) > 0 {
				if _, err := pc.WriteTo(res.Response, addr); err != nil {
					g.log.Warn("udp response write failed",
						"protocol", dec.Name(), "remote", addr, "error", err)
				}
			}
			for i := range res.Positions {
				g.sink.HandlePosition(ctx, dec.Name(), &res.Positions[i])
			}
		}
	}
}
