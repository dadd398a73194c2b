package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseCommand_CaseInsensitive(t *testing.T) {
	require.Equal(t, CmdCreate, ParseCommand("create"))
	require.Equal(t, CmdCreate, ParseCommand("CREATE"))
	require.Equal(t, CmdCreate, ParseCommand("CrEaTe"))
	require.Equal(t, CmdUnknown, ParseCommand("bogus"))
}

func TestValidArgCount(t *testing.T) {
	cases := []struct {
		cmd   Command
		n     int
		valid bool
	}{
		{CmdCreate, 2, true},
		{CmdCreate, 1, false},
		{CmdCreate, 3, false},
		{CmdAdd, 3, true},
		{CmdAdd, 2, false},
		{CmdUpdate, 2, true},
		{CmdUpdate, 3, true},
		{CmdUpdate, 4, false},
		{CmdMem, 0, true},
		{CmdMem, 1, false},
		{CmdUnknown, 0, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.valid, ValidArgCount(tc.cmd, tc.n), "%s/%d", tc.cmd, tc.n)
	}
}

func TestCommand_String(t *testing.T) {
	require.Equal(t, "CREATE", CmdCreate.String())
	require.Equal(t, "UNKNOWN", CmdUnknown.String())
}
