package ustproto

import (
	"bytes"
	"encoding/gob"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ustd/sessiond/internal/usterrors"
)

// serveOne reads a single request frame and replies with resp, emulating
// the application side of the socket for one round trip.
func serveOne(t *testing.T, conn net.Conn, resp response) {
	t.Helper()
	codec := newFrameCodec(conn)
	payload, err := readFrame(codec.rw.Reader)
	require.NoError(t, err)
	var req request
	require.NoError(t, gob.NewDecoder(bytes.NewReader(payload)).Decode(&req))

	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(resp))
	require.NoError(t, writeFrame(codec.rw.Writer, buf.Bytes()))
}

func TestClientCreateSessionRoundTrip(t *testing.T) {
	appSide, daemonSide := net.Pipe()
	defer appSide.Close()
	defer daemonSide.Close()

	done := make(chan struct{})
	go func() {
		serveOne(t, appSide, response{Status: statusOK, Handle: 42})
		close(done)
	}()

	client := NewClient(daemonSide)
	obj, err := client.CreateSession()
	require.NoError(t, err)
	require.EqualValues(t, 42, obj.Handle)
	<-done
}

func TestClientAlreadyExists(t *testing.T) {
	appSide, daemonSide := net.Pipe()
	defer appSide.Close()
	defer daemonSide.Close()

	done := make(chan struct{})
	go func() {
		serveOne(t, appSide, response{Status: statusAlreadyExists})
		close(done)
	}()

	client := NewClient(daemonSide)
	_, err := client.CreateSession()
	require.ErrorIs(t, err, usterrors.ErrAlreadyExists)
	<-done
}

func TestClientPeerDeathOnClosedConn(t *testing.T) {
	appSide, daemonSide := net.Pipe()
	appSide.Close()

	client := NewClient(daemonSide)
	_, err := client.CreateSession()
	require.Error(t, err)
	daemonSide.Close()
}
