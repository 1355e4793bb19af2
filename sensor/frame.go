// Package sensor reads a Nova SDS011 dust sensor and uploads its readings.
package sensor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/raphadam/littleserver/proto"
)

const (
	FrameSize = 10

	frameHead    byte = 0xAA
	frameCommand byte = 0xC0
	frameTail    byte = 0xAB
)

var (
	ErrHead     = errors.New("bad frame head")
	ErrTail     = errors.New("bad frame tail")
	ErrChecksum = errors.New("bad frame checksum")
)

// Decode parses one 10 byte measurement frame.
func Decode(frame []byte) (proto.Reading, error) {
	if len(frame) != FrameSize {
		return proto.Reading{}, fmt.Errorf("frame must be %d bytes, got %d", FrameSize, len(frame))
	}

	if frame[0] != frameHead || frame[1] != frameCommand {
		return proto.Reading{}, fmt.Errorf("%w % x", ErrHead, frame[:2])
	}

	if frame[9] != frameTail {
		return proto.Reading{}, fmt.Errorf("%w %x", ErrTail, frame[9])
	}

	if sum := checksum(frame); sum != frame[8] {
		return proto.Reading{}, fmt.Errorf("%w want %x got %x", ErrChecksum, frame[8], sum)
	}

	return proto.Reading{
		PM25: float64(int(frame[3])<<8|int(frame[2])) / 10,
		PM10: float64(int(frame[5])<<8|int(frame[4])) / 10,
	}, nil
}

// Encode builds the frame the sensor would send for r, with device id 0.
func Encode(r proto.Reading) []byte {
	pm25 := tenths(r.PM25)
	pm10 := tenths(r.PM10)

	frame := []byte{
		frameHead, frameCommand,
		byte(pm25), byte(pm25 >> 8),
		byte(pm10), byte(pm10 >> 8),
		0, 0,
		0, frameTail,
	}
	frame[8] = checksum(frame)

	return frame
}

func checksum(frame []byte) byte {
	sum := 0
	for _, b := range frame[2:8] {
		sum += int(b)
	}
	return byte(sum % 256)
}

func tenths(v float64) uint16 {
	v = math.Round(v * 10)
	if v < 0 {
		return 0
	}
	if v > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(v)
}

// Reader pulls frames out of a byte stream, skipping to the next frame head
// when it lands inside garbage.
type Reader struct {
	br *bufio.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReaderSize(r, 64)}
}

// Next returns the next reading. A frame that fails to decode is consumed and
// its error returned so the caller may keep reading.
func (r *Reader) Next() (proto.Reading, error) {
	err := r.sync()
	if err != nil {
		return proto.Reading{}, err
	}

	frame := make([]byte, FrameSize)
	frame[0], frame[1] = frameHead, frameCommand

	_, err = io.ReadFull(r.br, frame[2:])
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return proto.Reading{}, err
	}

	return Decode(frame)
}

func (r *Reader) sync() error {
	prev := byte(0)
	for {
		b, err := r.br.ReadByte()
		if err != nil {
			return err
		}

		if prev == frameHead && b == frameCommand {
			return nil
		}
		prev = b
	}
}
