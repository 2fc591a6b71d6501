package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// writeFrame sends a little endian uint32 length followed by the frame bytes.
func writeFrame(w io.Writer, frame []byte) error {
	if uint64(len(frame)) > math.MaxUint32 {
		return fmt.Errorf("frame too big: %d bytes", len(frame))
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

// ReadFrame reads a frame written by the video unit.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	frame := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return frame, nil
}
