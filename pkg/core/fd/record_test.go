package fd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/mirrord/utils"
)

func TestLifecycleTransitions(t *testing.T) {
	tests := []struct {
		name   string
		events []Event
		want   State
	}{
		{"server path", []Event{EvBind, EvListen}, Listening},
		{"client path", []Event{EvConnect}, Connected},
		{"client path after bind", []Event{EvBind, EvConnect}, Connected},
		{"close from unbound", []Event{EvClose}, Closed},
		{"close from listening", []Event{EvBind, EvListen, EvClose}, Closed},
		{"close from connected", []Event{EvConnect, EvClose}, Closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &Record{FD: 10}
			var state State
			for _, ev := range tt.events {
				var err error
				state, err = rec.Transition(ev)
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, state)
			assert.Equal(t, tt.want, rec.State())
		})
	}
}

func TestInvalidTransitionsLeaveStateUntouched(t *testing.T) {
	tests := []struct {
		name   string
		setup  []Event
		ev     Event
		expect State
	}{
		{"listen without bind", nil, EvListen, Unbound},
		{"bind twice", []Event{EvBind}, EvBind, Bound},
		{"connect a listener", []Event{EvBind, EvListen}, EvConnect, Listening},
		{"bind a connected socket", []Event{EvConnect}, EvBind, Connected},
		{"connect twice", []Event{EvConnect}, EvConnect, Connected},
		{"close twice", []Event{EvClose}, EvClose, Closed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &Record{FD: 10}
			for _, ev := range tt.setup {
				_, err := rec.Transition(ev)
				require.NoError(t, err)
			}
			state, err := rec.Transition(tt.ev)
			assert.ErrorIs(t, err, utils.ErrInvalidTransition)
			assert.Equal(t, tt.expect, state)
		})
	}
}

func TestDataQueueDrainsBeforeEOF(t *testing.T) {
	rec := &Record{FD: 4}
	rec.PushData([]byte("hello"))
	rec.PushData([]byte("world"))
	rec.MarkPeerEOF()

	data, eof := rec.PopData(0)
	assert.Equal(t, []byte("hello"), data)
	assert.False(t, eof)

	data, eof = rec.PopData(0)
	assert.Equal(t, []byte("world"), data)
	assert.False(t, eof)

	data, eof = rec.PopData(0)
	assert.Nil(t, data)
	assert.True(t, eof)
}

func TestPopDataRespectsCallerBuffer(t *testing.T) {
	rec := &Record{FD: 4}
	rec.PushData([]byte("abcdef"))

	data, _ := rec.PopData(4)
	assert.Equal(t, []byte("abcd"), data)

	// The remainder stays queued for the next read.
	data, _ = rec.PopData(4)
	assert.Equal(t, []byte("ef"), data)
	assert.False(t, rec.HasData())
}

func TestPushDataIgnoresEmptyChunks(t *testing.T) {
	rec := &Record{FD: 4}
	rec.PushData(nil)
	rec.PushData([]byte{})
	assert.False(t, rec.HasData())
}

func TestIncomingQueueRequiresListeningState(t *testing.T) {
	rec := &Record{FD: 5}
	err := rec.PushIncoming(Incoming{ConnID: 1})
	assert.ErrorIs(t, err, utils.ErrInvalidTransition)

	_, err = rec.Transition(EvBind)
	require.NoError(t, err)
	_, err = rec.Transition(EvListen)
	require.NoError(t, err)

	require.NoError(t, rec.PushIncoming(Incoming{ConnID: 1, PeerAddr: "10.0.0.2:5511"}))
	require.NoError(t, rec.PushIncoming(Incoming{ConnID: 2, PeerAddr: "10.0.0.3:5512"}))

	in, ok := rec.PopIncoming()
	require.True(t, ok)
	assert.Equal(t, uint64(1), in.ConnID)

	in, ok = rec.PopIncoming()
	require.True(t, ok)
	assert.Equal(t, uint64(2), in.ConnID)

	_, ok = rec.PopIncoming()
	assert.False(t, ok)
}

func TestSingleOutstandingCallPerDescriptor(t *testing.T) {
	rec := &Record{FD: 6}
	require.NoError(t, rec.BeginCall(11))
	assert.ErrorIs(t, rec.BeginCall(12), utils.ErrInvalidTransition)
	assert.Equal(t, uint64(11), rec.InflightCall())

	// Releasing with the wrong id must not free another call's slot.
	rec.EndCall(12)
	assert.Equal(t, uint64(11), rec.InflightCall())

	rec.EndCall(11)
	assert.Equal(t, uint64(0), rec.InflightCall())
	require.NoError(t, rec.BeginCall(13))
}

func TestNotifyNeverBlocks(t *testing.T) {
	rec := &Record{FD: 7}
	for i := 0; i < 10; i++ {
		rec.Notify()
	}

	select {
	case <-rec.NotifyCh():
	default:
		t.Fatal("expected a pending wakeup")
	}
	select {
	case <-rec.NotifyCh():
		t.Fatal("wakeups must coalesce, not accumulate")
	default:
	}
}

func TestOffsetTracking(t *testing.T) {
	rec := &Record{FD: 8}
	assert.Equal(t, int64(0), rec.Offset())
	assert.Equal(t, int64(100), rec.Advance(100))
	assert.Equal(t, int64(150), rec.Advance(50))
	rec.SetOffset(10)
	assert.Equal(t, int64(10), rec.Offset())
}
