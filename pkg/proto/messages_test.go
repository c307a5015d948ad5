package proto

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basketmesh/basketmesh/pkg/basket"
)

func TestParseEnvelope(t *testing.T) {
	env, err := ParseEnvelope([]byte(`["1.1","C","GET",{"basket":"291.1.3"}]` + "\r\n"))
	require.NoError(t, err)

	assert.Equal(t, "1.1", env.Version)
	assert.Equal(t, Command, env.Direction)
	assert.Equal(t, OpGet, env.Opcode)

	var req GetRequest
	require.NoError(t, env.Decode(&req))
	assert.Equal(t, basket.MustParse("291.1.3"), req.Basket)
}

func TestParseEnvelope_Errors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"not json", `hello`, nil},
		{"object", `{"op":"GET"}`, ErrMalformed},
		{"short array", `["1.1","C","GET"]`, ErrMalformed},
		{"operand not object", `["1.1","C","GET",[]]`, ErrMalformed},
		{"bad version", `["2.0","C","GET",{}]`, ErrMalformed},
		{"bad direction", `["1.1","X","GET",{}]`, ErrMalformed},
		{"unknown opcode", `["1.1","C","FROB",{}]`, ErrUnknownCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEnvelope([]byte(tt.line))
			require.Error(t, err)
			if tt.want != nil {
				assert.True(t, errors.Is(err, tt.want), "got %v", err)
			}
		})
	}
}

func TestParseEnvelope_UnknownKeepsOpcode(t *testing.T) {
	env, err := ParseEnvelope([]byte(`["1.1","C","FROB",{}]`))
	require.ErrorIs(t, err, ErrUnknownCommand)
	assert.Equal(t, Opcode("FROB"), env.Opcode)
}

func TestEnvelopeEncode(t *testing.T) {
	env, err := NewResponse(OpCreate, CreateResponse{
		Basket: basket.MustParse("5.0.1"),
		Hosts:  []string{"peer1", "peer2"},
	})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)
	assert.Equal(t, `["1.1","R","CREATE",{"basket":"5.0.1","hosts":["peer1","peer2"]}]`+"\r\n", string(data))
}

func TestNewCommand_NilOperand(t *testing.T) {
	env, err := NewCommand(OpStatus, nil)
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)
	assert.Equal(t, `["1.1","C","STATUS",{}]`+"\r\n", string(data))
	assert.NoError(t, env.Err())
}

func TestErrorResponse(t *testing.T) {
	env := NewErrorResponse(OpCreate, CodeNoPeer, errors.New("no writable peer"))

	data, err := env.Encode()
	require.NoError(t, err)

	parsed, err := ParseEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, Response, parsed.Direction)

	var perr *Error
	require.True(t, errors.As(parsed.Err(), &perr))
	assert.Equal(t, CodeNoPeer, perr.Code)
	assert.Equal(t, "no writable peer", perr.Message)
}

func TestDecode_InvalidBasket(t *testing.T) {
	env, err := ParseEnvelope([]byte(`["1.1","C","INSERT",{"basket":"1.2","host":"p","path":"/x"}]`))
	require.NoError(t, err)

	var req InsertRequest
	assert.Error(t, env.Decode(&req))
}

func TestDropRequestShape(t *testing.T) {
	data, err := json.Marshal(DropRequest{Basket: basket.MustParse("1.0.1"), Host: "p1", Path: "/b"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"basket":"1.0.1","host":"p1","path":"/b"}`, string(data))
}
