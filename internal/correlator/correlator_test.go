package correlator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"keybridge/internal/protocol"

	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	ready bool
	err   error
	sent  []protocol.Message
}

func (f *fakeTransport) Ready() bool { return f.ready }

func (f *fakeTransport) Send(data []byte) error {
	if f.err != nil {
		return f.err
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newTestCorrelator(timeout time.Duration) (*Correlator, *fakeTransport, chan any) {
	tr := &fakeTransport{ready: true}
	events := make(chan any, 16)
	return New(tr, timeout, func(ev any) { events <- ev }), tr, events
}

func reply(t *testing.T, req protocol.MessageType, id uint64, payload any) protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(req.Response(), payload)
	require.NoError(t, err)
	msg.RequestID = id
	return msg
}

func settled(c *Call) bool {
	select {
	case <-c.Done:
		return true
	default:
		return false
	}
}

func TestSendNotConnectedCreatesNoPending(t *testing.T) {
	c, tr, _ := newTestCorrelator(time.Minute)
	tr.ready = false

	call, err := c.Send(protocol.TypeGetStatus, nil, true)
	require.ErrorIs(t, err, ErrNotConnected)
	require.Nil(t, call)
	require.Zero(t, c.Pending())
	require.Empty(t, tr.sent)
}

func TestFireAndForgetHasNoRequestID(t *testing.T) {
	c, tr, _ := newTestCorrelator(time.Minute)

	call, err := c.Send(protocol.TypeKeyUp, protocol.KeyUpPayload{Key: "w", Timestamp: 1}, false)
	require.NoError(t, err)
	require.Nil(t, call)
	require.Zero(t, c.Pending())
	require.Len(t, tr.sent, 1)
	require.Zero(t, tr.sent[0].RequestID)
}

func TestOutOfOrderReplies(t *testing.T) {
	c, tr, _ := newTestCorrelator(time.Minute)

	var calls []*Call
	for i := 0; i < 3; i++ {
		call, err := c.Send(protocol.TypeSendKey, protocol.SendKeyPayload{Key: "w"}, true)
		require.NoError(t, err)
		calls = append(calls, call)
	}
	require.Equal(t, []uint64{1, 2, 3}, []uint64{tr.sent[0].RequestID, tr.sent[1].RequestID, tr.sent[2].RequestID})

	for _, id := range []uint64{3, 1, 2} {
		require.True(t, c.Resolve(reply(t, protocol.TypeSendKey, id, protocol.AckResult{Success: true})))
	}

	for i, call := range calls {
		msg, err := call.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), msg.RequestID)
		require.Equal(t, protocol.TypeSendKey.Response(), msg.Type)
	}
	require.Zero(t, c.Pending())
}

func TestTimeoutThenLateReplyIsDiscarded(t *testing.T) {
	c, _, events := newTestCorrelator(5 * time.Millisecond)

	call, err := c.Send(protocol.TypeTestConnection, protocol.TimestampPayload{Timestamp: 1}, true)
	require.NoError(t, err)

	select {
	case ev := <-events:
		require.True(t, c.Handle(ev))
	case <-time.After(time.Second):
		t.Fatal("timeout never fired")
	}

	_, err = call.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	require.Zero(t, c.Pending())

	require.True(t, c.Resolve(reply(t, protocol.TypeTestConnection, call.ID, protocol.TestConnectionResult{Success: true})))
	require.ErrorIs(t, call.Err, ErrTimeout)
}

func TestFailAllRejectsEveryPendingOnce(t *testing.T) {
	c, _, events := newTestCorrelator(time.Minute)

	a, err := c.Send(protocol.TypeGetStatus, nil, true)
	require.NoError(t, err)
	b, err := c.Send(protocol.TypeGetStatus, nil, true)
	require.NoError(t, err)

	c.FailAll(io.EOF)
	require.ErrorIs(t, a.Err, ErrConnectionLost)
	require.ErrorIs(t, a.Err, io.EOF)
	require.ErrorIs(t, b.Err, ErrConnectionLost)
	require.Zero(t, c.Pending())

	// Neither a late reply nor a stale timer can settle them again.
	c.Resolve(reply(t, protocol.TypeGetStatus, a.ID, protocol.StatusResult{ServerRunning: true}))
	c.Expire(b.ID)
	require.ErrorIs(t, a.Err, ErrConnectionLost)
	require.ErrorIs(t, b.Err, ErrConnectionLost)
	require.Empty(t, events)
}

func TestIDsKeepIncreasingAcrossReconnect(t *testing.T) {
	c, tr, _ := newTestCorrelator(time.Minute)

	_, err := c.Send(protocol.TypeGetStatus, nil, true)
	require.NoError(t, err)
	c.FailAll(nil)

	tr.ready = false
	_, err = c.Send(protocol.TypeGetStatus, nil, true)
	require.ErrorIs(t, err, ErrNotConnected)

	tr.ready = true
	call, err := c.Send(protocol.TypeGetStatus, nil, true)
	require.NoError(t, err)
	require.Equal(t, uint64(2), call.ID)
}

func TestRemoteFailureReply(t *testing.T) {
	c, _, _ := newTestCorrelator(time.Minute)

	call, err := c.Send(protocol.TypeSendKey, protocol.SendKeyPayload{Key: "q"}, true)
	require.NoError(t, err)
	c.Resolve(reply(t, protocol.TypeSendKey, call.ID, protocol.AckResult{Success: false, Error: "unmapped key"}))

	var re *RemoteError
	require.ErrorAs(t, call.Err, &re)
	require.Equal(t, "unmapped key", re.Message)

	errCall, err := c.Send(protocol.TypeGetStatus, nil, true)
	require.NoError(t, err)
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.ErrorPayload{Message: "unknown message type"})
	require.NoError(t, err)
	msg.RequestID = errCall.ID
	c.Resolve(msg)
	require.ErrorAs(t, errCall.Err, &re)
}

func TestUnsolicitedMessageIsNotAReply(t *testing.T) {
	c, _, _ := newTestCorrelator(time.Minute)

	msg, err := protocol.NewMessage(protocol.TypeHeartbeat, protocol.TimestampPayload{Timestamp: 1})
	require.NoError(t, err)
	require.False(t, c.Resolve(msg))
}

func TestTransmitFailureSettlesCall(t *testing.T) {
	c, tr, _ := newTestCorrelator(time.Minute)
	tr.err = errors.New("send buffer full")

	call, err := c.Send(protocol.TypeGetStatus, nil, true)
	require.Error(t, err)
	require.Nil(t, call)
	require.Zero(t, c.Pending())
}

func TestCancel(t *testing.T) {
	c, _, _ := newTestCorrelator(time.Minute)

	call, err := c.Send(protocol.TypeGetStatus, nil, true)
	require.NoError(t, err)
	c.Cancel(call.ID, context.Canceled)
	require.True(t, settled(call))
	require.ErrorIs(t, call.Err, context.Canceled)
}
