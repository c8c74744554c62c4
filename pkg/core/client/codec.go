package client

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/RustWorks/mirrord/pkg/models"
)

// Frames on the control channel are a 4-byte big-endian length followed by
// the JSON encoding of models.Envelope. A frame above maxFrameSize can only
// mean a corrupted stream, and is treated as a protocol violation.
const maxFrameSize = 16 << 20

func writeFrame(w io.Writer, env *models.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %v", env.Op, err)
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func readFrame(r io.Reader) (*models.Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit: %w", size, errMalformed)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	var env models.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("undecodable frame: %w", errMalformed)
	}
	return &env, nil
}
