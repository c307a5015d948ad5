package proto

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
)

// Header prefixes every UDP datagram: [reply_ip, reply_port, session_id].
type Header struct {
	IP   string
	Port int
	SID  uint64
}

// ReplyAddr returns where the response to this datagram should go.
func (h Header) ReplyAddr() (*net.UDPAddr, error) {
	ip := net.ParseIP(h.IP)
	if ip == nil {
		return nil, fmt.Errorf("invalid reply ip %q", h.IP)
	}
	if h.Port <= 0 || h.Port > 65535 {
		return nil, fmt.Errorf("invalid reply port %d", h.Port)
	}
	return &net.UDPAddr{IP: ip, Port: h.Port}, nil
}

// MarshalJSON encodes the header as a 3-element array.
func (h Header) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{h.IP, h.Port, h.SID})
}

// UnmarshalJSON decodes the array form.
func (h *Header) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("%w: header expects 3 elements, got %d", ErrMalformed, len(parts))
	}
	if err := json.Unmarshal(parts[0], &h.IP); err != nil {
		return fmt.Errorf("%w: header ip: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(parts[1], &h.Port); err != nil {
		return fmt.Errorf("%w: header port: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(parts[2], &h.SID); err != nil {
		return fmt.Errorf("%w: header sid: %v", ErrMalformed, err)
	}
	return nil
}

// ParseHeader decodes one header line.
func ParseHeader(line []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(bytes.TrimRight(line, "\r\n"), &h); err != nil {
		return Header{}, err
	}
	return h, nil
}

// Datagram is a header plus envelope, as carried by one UDP packet.
type Datagram struct {
	Header   Header
	Envelope Envelope
}

// ParseDatagram splits a packet into its header and envelope lines. An
// unknown opcode still yields the parsed datagram alongside
// ErrUnknownCommand so the caller can reply with an error.
func ParseDatagram(data []byte) (Datagram, error) {
	idx := bytes.Index(data, []byte(Terminator))
	if idx < 0 {
		return Datagram{}, fmt.Errorf("%w: missing header terminator", ErrMalformed)
	}
	h, err := ParseHeader(data[:idx])
	if err != nil {
		return Datagram{}, err
	}
	env, err := ParseEnvelope(data[idx+len(Terminator):])
	return Datagram{Header: h, Envelope: env}, err
}

// Encode renders the datagram as header line then envelope line.
func (d Datagram) Encode() ([]byte, error) {
	head, err := json.Marshal(d.Header)
	if err != nil {
		return nil, err
	}
	body, err := d.Envelope.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(head)+len(Terminator)+len(body))
	out = append(out, head...)
	out = append(out, Terminator...)
	return append(out, body...), nil
}
