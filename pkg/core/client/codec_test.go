package client

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RustWorks/mirrord/pkg/models"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := &models.Envelope{
		Kind:    models.KindRequest,
		ID:      42,
		Op:      models.OpSend,
		Payload: []byte(`{"connId":7,"data":"aGk="}`),
	}
	require.NoError(t, writeFrame(&buf, in))

	out, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Op, out.Op)
	assert.JSONEq(t, string(in.Payload), string(out.Payload))
}

func TestOversizedFrameIsMalformed(t *testing.T) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxFrameSize+1)

	_, err := readFrame(bytes.NewReader(header[:]))
	assert.ErrorIs(t, err, errMalformed)
}

func TestUndecodableFrameIsMalformed(t *testing.T) {
	body := []byte("not json")
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	buf.Write(header[:])
	buf.Write(body)

	_, err := readFrame(&buf)
	assert.ErrorIs(t, err, errMalformed)
}
