package wire_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/beatclock/internal/wire"
)

func TestEncode_TimeMap(t *testing.T) {
	s, err := wire.Encode(wire.TimeMap{Epoch: 3, Time: 12.5, Beat: 8, BPS: 2})
	require.NoError(t, err)
	assert.Equal(t, "/gdc/timemap\x030.0000\x03ittd\x031\x033\x0312.5000\x038.0000\x032\x03", s)
}

func TestDecode_RoundTrip(t *testing.T) {
	msgs := []wire.Message{
		wire.TimeMap{Epoch: 7, Time: 101.25, Beat: 33, BPS: 1.75},
		wire.Start{Epoch: 2, Time: 0, Beat: 4, BPS: 2},
		wire.Stop{Epoch: 9, Beat: 64.5},
		wire.RttTest{Round: 4, Index: 19},
		wire.RegisterTT{Transmission: 0.0125},
		wire.Validated{},
		wire.MidisReady{Info: "session-12"},
		wire.SessionInterrupt{},
		wire.Relay{Sender: 3, Drum: 1, Distance: 2, Beat: 17.75},
		wire.Relay{Listener: true, Sender: 5, Drum: 0, Distance: 1, Beat: 18},
		wire.Hit{Sender: 1, Drum: 2, Beat: 9.25},
		wire.Hit{Performer: true, Sender: 2, Drum: 3, Beat: 10},
		wire.ClockGet{ID: 12},
		wire.ClockPut{ID: 12, Time: 3.5},
	}
	for _, m := range msgs {
		t.Run(m.Address(), func(t *testing.T) {
			s, err := wire.Encode(m)
			require.NoError(t, err)

			got, err := wire.Decode(s)
			require.NoError(t, err)
			assert.Equal(t, m, got)
		})
	}
}

func TestDecode_ServerRoutedAddress(t *testing.T) {
	got, err := wire.Decode("!elbs/registertt\x030.0000\x03d\x031\x030.004\x03")
	require.NoError(t, err)
	assert.Equal(t, wire.RegisterTT{Transmission: 0.004}, got)
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{"unknown address", "/gdc/chat\x030\x03ss\x031\x03a\x03b\x03", wire.ErrUnknownAddress},
		{"wrong type string", "/gdc/stop\x030\x03id\x031\x031\x032.5\x03", wire.ErrTypeMismatch},
		{"bad int", "/gdc/stop\x030\x03it\x031\x03x\x032.5\x03", wire.ErrTypeMismatch},
		{"missing value", "/gdc/stop\x030\x03it\x031\x031\x03", wire.ErrMalformed},
		{"short header", "/gdc/stop\x030\x03", wire.ErrMalformed},
		{"bad time", "/gdc/stop\x03soon\x03it\x031\x031\x032\x03", wire.ErrMalformed},
		{"negative epoch", "/gdc/stop\x030\x03it\x031\x03-1\x032\x03", wire.ErrMalformed},
		{"negative probe index", "/elbs/rtttest\x030\x03ii\x031\x032\x03-1\x03", wire.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := wire.Decode(tt.frame)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDecode_NormalizesStrings(t *testing.T) {
	// "é" as e + combining acute accent.
	got, err := wire.Decode("/elbs/midisready\x030\x03s\x031\x03cafe\u0301\x03")
	require.NoError(t, err)
	assert.Equal(t, wire.MidisReady{Info: "caf\u00e9"}, got)
}

func TestFrame_EmptyStringValue(t *testing.T) {
	s, err := wire.Encode(wire.MidisReady{})
	require.NoError(t, err)

	got, err := wire.Decode(s)
	require.NoError(t, err)
	assert.Equal(t, wire.MidisReady{}, got)
}

func TestFrame_EncodeValidation(t *testing.T) {
	_, err := wire.Frame{Address: "/x", Types: "i"}.Encode()
	assert.ErrorIs(t, err, wire.ErrMalformed)

	_, err = wire.Frame{Address: "/x", Types: "i", Args: []wire.Value{wire.Double(1)}}.Encode()
	assert.ErrorIs(t, err, wire.ErrTypeMismatch)

	_, err = wire.Encode(wire.MidisReady{Info: "a\x03b"})
	assert.ErrorIs(t, err, wire.ErrMalformed)
}

func TestTypesOf(t *testing.T) {
	types, ok := wire.TypesOf("!gdc/timemap")
	require.True(t, ok)
	assert.Equal(t, "ittd", types)

	assert.Contains(t, wire.Addresses(), wire.AddrRttTest)
}
