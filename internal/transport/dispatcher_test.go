package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kvcached/internal/eventbus"
	"kvcached/internal/protocol"
	"kvcached/internal/store"
)

func newTestDispatcher() (*Dispatcher, *store.Store) {
	accountant := store.NewMemoryAccountant(1<<20, 0.9)
	st := store.New(accountant, true, nil)
	bus := eventbus.New(nil, nil)
	d := NewDispatcher(16, st, bus, nil, nil)
	return d, st
}

func TestDispatcher_CreateThenRead(t *testing.T) {
	d, _ := newTestDispatcher()
	conn := &Connection{}

	resp := d.handle(conn, &protocol.Request{RequestID: "1", Cmd: protocol.CmdCreate, Args: []string{"alpha", "one"}})
	require.Equal(t, protocol.TypeResponse, resp.Type)
	require.Equal(t, protocol.CodeOK, resp.Code)

	resp = d.handle(conn, &protocol.Request{RequestID: "2", Cmd: protocol.CmdRead, Args: []string{"alpha"}})
	require.Equal(t, protocol.CodeOK, resp.Code)
	require.NotNil(t, resp.Value)
	require.Equal(t, "one", *resp.Value)
}

func TestDispatcher_CreateDuplicateReturnsConflict(t *testing.T) {
	d, _ := newTestDispatcher()
	conn := &Connection{}

	d.handle(conn, &protocol.Request{RequestID: "1", Cmd: protocol.CmdCreate, Args: []string{"alpha", "one"}})
	resp := d.handle(conn, &protocol.Request{RequestID: "2", Cmd: protocol.CmdCreate, Args: []string{"alpha", "two"}})

	require.Equal(t, protocol.TypeError, resp.Type)
	require.Equal(t, protocol.CodeDuplicate, resp.Code)
}

func TestDispatcher_ReadMissingKeyReturnsNotFound(t *testing.T) {
	d, _ := newTestDispatcher()
	conn := &Connection{}

	resp := d.handle(conn, &protocol.Request{RequestID: "1", Cmd: protocol.CmdRead, Args: []string{"missing"}})
	require.Equal(t, protocol.CodeNotFound, resp.Code)
}

func TestDispatcher_UpdateOmittedTTLPreservesDeadline(t *testing.T) {
	d, st := newTestDispatcher()
	conn := &Connection{}

	d.handle(conn, &protocol.Request{RequestID: "1", Cmd: protocol.CmdAdd, Args: []string{"alpha", "one", "500"}})
	before, ok := st.Peek("alpha")
	require.True(t, ok)
	require.NotZero(t, before.TTLDeadline)

	resp := d.handle(conn, &protocol.Request{RequestID: "2", Cmd: protocol.CmdUpdate, Args: []string{"alpha", "two"}})
	require.Equal(t, protocol.CodeOK, resp.Code)

	after, ok := st.Peek("alpha")
	require.True(t, ok)
	require.Equal(t, before.TTLDeadline, after.TTLDeadline)
	require.Equal(t, "two", after.Value)
}

func TestDispatcher_DeleteMissingKeyReturnsNotFound(t *testing.T) {
	d, _ := newTestDispatcher()
	conn := &Connection{}

	resp := d.handle(conn, &protocol.Request{RequestID: "1", Cmd: protocol.CmdDelete, Args: []string{"missing"}})
	require.Equal(t, protocol.CodeNotFound, resp.Code)
}

func TestDispatcher_MemReportsZeroOnEmptyStore(t *testing.T) {
	d, _ := newTestDispatcher()
	conn := &Connection{}

	resp := d.handle(conn, &protocol.Request{RequestID: "1", Cmd: protocol.CmdMem, Args: nil})
	require.Equal(t, protocol.CodeOK, resp.Code)
	require.NotNil(t, resp.Value)
	require.Equal(t, "0.000000", *resp.Value)
}

func TestDispatcher_BadArgCountRejected(t *testing.T) {
	d, _ := newTestDispatcher()
	conn := &Connection{}

	resp := d.handle(conn, &protocol.Request{RequestID: "1", Cmd: protocol.CmdCreate, Args: []string{"alpha"}})
	require.Equal(t, protocol.CodeBadArgs, resp.Code)
}

func TestDispatcher_SubUnsubRouteThroughHandle(t *testing.T) {
	d, _ := newTestDispatcher()
	bus := eventbus.New(nil, nil)
	d.bus = bus
	events := make(chan eventbus.Event, 4)
	conn := &Connection{handle: eventbus.NewHandle(1, "test", events)}

	resp := d.handle(conn, &protocol.Request{RequestID: "1", Cmd: protocol.CmdSub, Args: []string{"create"}})
	require.Equal(t, protocol.CodeOK, resp.Code)

	resp = d.handle(conn, &protocol.Request{RequestID: "2", Cmd: protocol.CmdUnsub, Args: []string{"create"}})
	require.Equal(t, protocol.CodeOK, resp.Code)
}

func TestDispatcher_RunProcessesQueuedRequestsInOrder(t *testing.T) {
	d, _ := newTestDispatcher()
	conn := &Connection{ID: 1, out: make(chan protocol.Response, 4)}

	go d.Run()
	defer d.Close()

	d.Enqueue(conn, &protocol.Request{RequestID: "1", Cmd: protocol.CmdCreate, Args: []string{"alpha", "one"}})
	d.Enqueue(conn, &protocol.Request{RequestID: "2", Cmd: protocol.CmdRead, Args: []string{"alpha"}})

	select {
	case resp := <-conn.out:
		require.Equal(t, "1", resp.RequestID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first response")
	}
	select {
	case resp := <-conn.out:
		require.Equal(t, "2", resp.RequestID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second response")
	}
}
