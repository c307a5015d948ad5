// Package proto defines the basketmesh wire protocol: JSON array envelopes
// terminated by CRLF, with an extra header line on UDP datagrams.
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/basketmesh/basketmesh/pkg/basket"
)

// Version is the protocol version written into every envelope.
const Version = "1.1"

// Direction marks an envelope as a command or a response.
type Direction string

const (
	Command  Direction = "C"
	Response Direction = "R"
)

// Opcode names an operation.
type Opcode string

const (
	OpNop    Opcode = "NOP"
	OpCreate Opcode = "CREATE"
	OpGet    Opcode = "GET"
	OpInsert Opcode = "INSERT"
	OpDrop   Opcode = "DROP"
	OpAlive  Opcode = "ALIVE"
	OpStatus Opcode = "STATUS"
	OpDump   Opcode = "DUMP"
	OpPurge  Opcode = "PURGE"
)

var knownOpcodes = map[Opcode]bool{
	OpNop: true, OpCreate: true, OpGet: true, OpInsert: true, OpDrop: true,
	OpAlive: true, OpStatus: true, OpDump: true, OpPurge: true,
}

// Terminator ends every envelope and header line.
const Terminator = "\r\n"

var (
	// ErrUnknownCommand is returned for opcodes outside the protocol.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMalformed is returned for envelopes that are not a 4-element array.
	ErrMalformed = errors.New("malformed envelope")
)

// Envelope is one protocol message.
type Envelope struct {
	Version   string
	Direction Direction
	Opcode    Opcode
	Operand   json.RawMessage
}

// MarshalJSON encodes the envelope as [version, direction, opcode, operand].
func (e Envelope) MarshalJSON() ([]byte, error) {
	operand := e.Operand
	if len(operand) == 0 {
		operand = json.RawMessage("{}")
	}
	return json.Marshal([]interface{}{e.Version, e.Direction, e.Opcode, operand})
}

// UnmarshalJSON decodes the array form.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(parts) != 4 {
		return fmt.Errorf("%w: expected 4 elements, got %d", ErrMalformed, len(parts))
	}
	var dir, op string
	if err := json.Unmarshal(parts[0], &e.Version); err != nil {
		return fmt.Errorf("%w: version: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(parts[1], &dir); err != nil {
		return fmt.Errorf("%w: direction: %v", ErrMalformed, err)
	}
	if err := json.Unmarshal(parts[2], &op); err != nil {
		return fmt.Errorf("%w: opcode: %v", ErrMalformed, err)
	}
	if trimmed := bytes.TrimSpace(parts[3]); len(trimmed) == 0 || trimmed[0] != '{' {
		return fmt.Errorf("%w: operand must be an object", ErrMalformed)
	}
	e.Direction = Direction(dir)
	e.Opcode = Opcode(op)
	e.Operand = parts[3]
	return nil
}

// ParseEnvelope decodes one line, with or without its terminator.
func ParseEnvelope(line []byte) (Envelope, error) {
	var e Envelope
	line = bytes.TrimRight(line, "\r\n")
	if err := json.Unmarshal(line, &e); err != nil {
		return Envelope{}, err
	}
	if !strings.HasPrefix(e.Version, "1.") {
		return Envelope{}, fmt.Errorf("%w: unsupported version %q", ErrMalformed, e.Version)
	}
	if e.Direction != Command && e.Direction != Response {
		return Envelope{}, fmt.Errorf("%w: bad direction %q", ErrMalformed, e.Direction)
	}
	if !knownOpcodes[e.Opcode] {
		return e, fmt.Errorf("%w: %q", ErrUnknownCommand, e.Opcode)
	}
	return e, nil
}

// Encode renders the envelope followed by the terminator.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(data, Terminator...), nil
}

// Decode unmarshals the operand into v.
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Operand, v); err != nil {
		return fmt.Errorf("decode %s operand: %w", e.Opcode, err)
	}
	return nil
}

// Err returns the error carried by a response, if any.
func (e Envelope) Err() error {
	var op ErrorOperand
	if json.Unmarshal(e.Operand, &op) != nil || op.Error == nil {
		return nil
	}
	return op.Error
}

func newEnvelope(dir Direction, op Opcode, operand interface{}) (Envelope, error) {
	if operand == nil {
		operand = struct{}{}
	}
	data, err := json.Marshal(operand)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s operand: %w", op, err)
	}
	return Envelope{Version: Version, Direction: dir, Opcode: op, Operand: data}, nil
}

// NewCommand builds a command envelope.
func NewCommand(op Opcode, operand interface{}) (Envelope, error) {
	return newEnvelope(Command, op, operand)
}

// NewResponse builds a response envelope.
func NewResponse(op Opcode, operand interface{}) (Envelope, error) {
	return newEnvelope(Response, op, operand)
}

// NewErrorResponse builds a response carrying err.
func NewErrorResponse(op Opcode, code string, err error) Envelope {
	e, _ := newEnvelope(Response, op, ErrorOperand{Error: &Error{Code: code, Message: err.Error()}})
	return e
}

// Error is the error object of a failed response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Error codes.
const (
	CodeInvalidArgument = "InvalidArgument"
	CodeNoPeer          = "NoPeerAvailable"
	CodeUnknownCommand  = "UnknownCommand"
	CodeInternal        = "Internal"
)

// ErrorOperand wraps an Error in an operand object.
type ErrorOperand struct {
	Error *Error `json:"error"`
}

// Hints describe a basket about to be written.
type Hints struct {
	Class  string `json:"class,omitempty"`
	Length uint64 `json:"length"`
}

// CreateRequest asks where a new basket may be written.
type CreateRequest struct {
	Basket basket.Key `json:"basket"`
	Hints  Hints      `json:"hints"`
	Island string     `json:"island,omitempty"`
}

// CreateResponse lists writable hosts.
type CreateResponse struct {
	Basket basket.Key `json:"basket"`
	Hosts  []string   `json:"hosts"`
	Island string     `json:"island,omitempty"`
}

// GetRequest asks where a basket can be read.
type GetRequest struct {
	Basket basket.Key `json:"basket"`
	Island string     `json:"island,omitempty"`
}

// GetResponse maps hosts to basket paths.
type GetResponse struct {
	Basket basket.Key        `json:"basket"`
	Paths  map[string]string `json:"paths"`
	Island string            `json:"island,omitempty"`
}

// InsertRequest reports that host stored a basket at path.
type InsertRequest struct {
	Basket basket.Key `json:"basket"`
	Host   string     `json:"host"`
	Path   string     `json:"path"`
}

// DropRequest reports that host removed a basket.
type DropRequest InsertRequest

// AliveRequest is a peer health report.
type AliveRequest struct {
	Host      string `json:"host"`
	Status    int    `json:"status"`
	Available uint64 `json:"available"`
}

// StatusResponse carries every cache statistic by name.
type StatusResponse struct {
	Status map[string]uint64 `json:"status"`
}

// DumpRequest restricts a dump to the listed peers.
type DumpRequest struct {
	Peers []string `json:"peers,omitempty"`
}

// PurgeRequest erases all entries of the listed peers.
type PurgeRequest struct {
	Peers []string `json:"peers"`
}

// PurgeResponse reports entries erased per peer.
type PurgeResponse struct {
	Purged map[string]int `json:"purged"`
}
