package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFrame_TextForm(t *testing.T) {
	req, err := ParseFrame([]byte("req-1 CREATE alpha one"))
	require.NoError(t, err)
	require.Equal(t, "req-1", req.RequestID)
	require.Equal(t, CmdCreate, req.Cmd)
	require.Equal(t, []string{"alpha", "one"}, req.Args)
}

func TestParseFrame_StructuredForm(t *testing.T) {
	req, err := ParseFrame([]byte(`{"requestId":"req-2","command":"READ","args":["alpha"]}`))
	require.NoError(t, err)
	require.Equal(t, "req-2", req.RequestID)
	require.Equal(t, CmdRead, req.Cmd)
	require.Equal(t, []string{"alpha"}, req.Args)
}

func TestParseFrame_EmptyIsUnparseable(t *testing.T) {
	_, err := ParseFrame([]byte("   "))
	require.ErrorIs(t, err, ErrUnparseable)
}

func TestParseFrame_TextFormRequiresTwoTokens(t *testing.T) {
	_, err := ParseFrame([]byte("req-1"))
	require.ErrorIs(t, err, ErrUnparseable)
}

func TestParseFrame_StructuredFormRequiresRequestID(t *testing.T) {
	_, err := ParseFrame([]byte(`{"command":"MEM","args":[]}`))
	require.ErrorIs(t, err, ErrUnparseable)
}

func TestParseFrame_StructuredFormMalformedJSON(t *testing.T) {
	_, err := ParseFrame([]byte(`{not json`))
	require.ErrorIs(t, err, ErrUnparseable)
}
