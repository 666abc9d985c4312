// Package protocol implements the wire decoders for the supported GPS
// tracker families. Every decoder is stream-aware: Decode consumes complete,
// validated frames from the front of the buffer and returns how many bytes it
// used, or zero when the buffer does not yet hold a full frame. Decoders
// never consume bytes they have not fully validated; an unrecognizable
// leading byte is skipped one at a time so the stream can resync.
package protocol

import (
	"fmt"
	"sort"

	"github.com/trackhaus/fleetd/internal/model"
)

// Transport is the listener kind a decoder wants.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// MaxUnframedBuffer is the resync bound: when a connection accumulates more
// than this without a recognizable frame boundary, the gateway flushes the
// buffer instead of growing it without bound.
const MaxUnframedBuffer = 8 * 1024

// Event classifies what a decoded frame was, beyond any positions it carried.
type Event string

const (
	EventNone            Event = ""
	EventLogin           Event = "login"
	EventHeartbeat       Event = "heartbeat"
	EventStatus          Event = "status"
	EventCommandResponse Event = "command_response"
)

// ClientInfo describes the peer a buffer came from.
type ClientInfo struct {
	RemoteAddr string
	Transport  Transport
}

// Result is what a single Decode call produced. IMEI, when non-empty, binds
// the connection to that device. Response is ACK bytes to write back on the
// same connection. Positions holds zero or more normalized fixes (batched
// AVL frames yield several). Sensors carries telemetry from frames that have
// no fix (heartbeats, cell reports). CommandResponse is the text of a
// downlink command reply.
type Result struct {
	Event           Event
	IMEI            string
	Response        []byte
	Positions       []model.NormalizedPosition
	Sensors         map[string]any
	CommandResponse string
}

// CommandInfo describes one downlink command a decoder can encode.
type CommandInfo struct {
	Name        string
	Description string
	Params      []string
}

// Decoder is the per-protocol contract. Implementations are stateless and
// safe for concurrent use; all connection state lives in the gateway.
type Decoder interface {
	// Name is the protocol identifier devices are registered under.
	Name() string
	// Port is the default listening port.
	Port() int
	// Transports lists the listener kinds to open for this decoder. Most
	// protocols are TCP-only; Teltonika devices also speak the same framing
	// over UDP.
	Transports() []Transport

	// Decode inspects the front of buf and returns the decoded result plus
	// the number of bytes consumed. consumed == 0 means the buffer does not
	// yet contain a complete frame. A fully framed but malformed message is
	// consumed with an empty result. knownIMEI is the IMEI already bound to
	// this connection, "" if none.
	Decode(buf []byte, client ClientInfo, knownIMEI string) (Result, int)

	// EncodeCommand produces the wire bytes for a downlink command, or an
	// error when the command is not supported by this protocol.
	EncodeCommand(commandType string, params map[string]string) ([]byte, error)

	// AvailableCommands lists the command types EncodeCommand accepts.
	AvailableCommands() []string
	// CommandInfo describes one command type.
	CommandInfo(name string) (CommandInfo, bool)
}

// Registry is an explicit decoder registration table, populated once at
// startup. It is read-only after Freeze-by-convention: the gateway only
// reads it.
type Registry struct {
	byName map[string]Decoder
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Decoder)}
}

// Register adds a decoder under its Name. Registering a duplicate name or a
// duplicate port is a programming error.
func (r *Registry) Register(d Decoder) error {
	if _, ok := r.byName[d.Name()]; ok {
		return fmt.Errorf("decoder %q already registered", d.Name())
	}
	for _, existing := range r.byName {
		if existing.Port() == d.Port() {
			return fmt.Errorf("decoder %q: port %d already taken by %q",
				d.Name(), d.Port(), existing.Name())
		}
	}
	r.byName[d.Name()] = d
	return nil
}

// Get returns the decoder registered under name.
func (r *Registry) Get(name string) (Decoder, bool) {
	d, ok := r.byName[name]
	return d, ok
}

// All returns every registered decoder, sorted by name for deterministic
// listener startup order.
func (r *Registry) All() []Decoder {
	out := make([]Decoder, 0, len(r.byName))
	for _, d := range r.byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// NewDefaultRegistry registers every built-in decoder on its standard port.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, d := range []Decoder{
		NewTeltonikaDecoder(),
		NewGT06Decoder(),
		NewH02Decoder(),
		NewTK103Decoder(),
		NewMeitrackDecoder(),
		NewQueclinkDecoder(),
		NewFlespiDecoder(),
		NewOsmAndDecoder(),
	} {
		if err := r.Register(d); err != nil {
			// Built-in registrations are static; a conflict is a bug.
			panic(err)
		}
	}
	return r
}
