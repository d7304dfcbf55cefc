// Package wire implements the fixed-size 256-byte little-endian command
// packet exchanged between sync servers and clients.
package wire

import (
	"encoding/binary"
	"errors"
	"math"
)

// PacketSize is the fixed wire size of every Command.
const PacketSize = 256

// Magic is the fixed magic number every valid packet starts with.
const Magic uint32 = 0x4F574E41

// ProtocolVersion is the current protocol version this codec speaks.
const ProtocolVersion int32 = 1

// CommandType enumerates the wire command kinds.
type CommandType int32

const (
	ClockSync CommandType = iota
	Play
	Pause
	Stop
	Seek
	Tempo
	Ping
	Pong
	ServerAnnouncement
	ClientHandshake
	ServerHandshake
)

func (t CommandType) String() string {
	switch t {
	case ClockSync:
		return "clock_sync"
	case Play:
		return "play"
	case Pause:
		return "pause"
	case Stop:
		return "stop"
	case Seek:
		return "seek"
	case Tempo:
		return "tempo"
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case ServerAnnouncement:
		return "server_announcement"
	case ClientHandshake:
		return "client_handshake"
	case ServerHandshake:
		return "server_handshake"
	default:
		return "unknown"
	}
}

// Command is one wire packet's decoded form. All fields are always
// present on the wire; unused fields for a given CommandType are left
// zero.
type Command struct {
	Version                   int32
	Type                      CommandType
	NTPTimestamp              int64   // reference-clock ticks
	ScheduledExecutionTime    int64   // ticks
	MasterClockTimestamp      float64 // seconds
	MasterClockSamplePosition int64
	SampleRate                int32
	TargetPosition            float64 // seconds
	TempoValue                float32
	UseSmooth                 bool
	SequenceNumber            int32
	ClientSendTime            int64 // ticks
}

// Field byte offsets. The layout is strict byte accumulation with no
// alignment padding: sequence_number sits at 61, right after the
// single-byte use_smooth, and client_send_time follows at 65.
const (
	offMagic                    = 0
	offVersion                  = 4
	offCommandType              = 8
	offNTPTimestamp             = 12
	offScheduledExecutionTime   = 20
	offMasterClockTimestamp     = 28
	offMasterClockSamplePosition = 36
	offSampleRate               = 44
	offTargetPosition           = 48
	offTempoValue               = 56
	offUseSmooth                = 60
	offSequenceNumber           = 61
	offClientSendTime           = 65
)

// Encode serializes c into dst, which must be at least PacketSize bytes
// long, and returns the number of bytes written (always PacketSize).
// Every byte beyond the defined fields is zeroed padding.
func Encode(c Command, dst []byte) (int, error) {
	if len(dst) < PacketSize {
		return 0, ErrBufferTooSmall
	}
	buf := dst[:PacketSize]
	for i := range buf {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[offMagic:], Magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], uint32(c.Version))
	binary.LittleEndian.PutUint32(buf[offCommandType:], uint32(c.Type))
	binary.LittleEndian.PutUint64(buf[offNTPTimestamp:], uint64(c.NTPTimestamp))
	binary.LittleEndian.PutUint64(buf[offScheduledExecutionTime:], uint64(c.ScheduledExecutionTime))
	binary.LittleEndian.PutUint64(buf[offMasterClockTimestamp:], math.Float64bits(c.MasterClockTimestamp))
	binary.LittleEndian.PutUint64(buf[offMasterClockSamplePosition:], uint64(c.MasterClockSamplePosition))
	binary.LittleEndian.PutUint32(buf[offSampleRate:], uint32(c.SampleRate))
	binary.LittleEndian.PutUint64(buf[offTargetPosition:], math.Float64bits(c.TargetPosition))
	binary.LittleEndian.PutUint32(buf[offTempoValue:], math.Float32bits(c.TempoValue))
	if c.UseSmooth {
		buf[offUseSmooth] = 1
	} else {
		buf[offUseSmooth] = 0
	}
	binary.LittleEndian.PutUint32(buf[offSequenceNumber:], uint32(c.SequenceNumber))
	binary.LittleEndian.PutUint64(buf[offClientSendTime:], uint64(c.ClientSendTime))

	return PacketSize, nil
}

// Decode validates magic, version, and length and, on success, populates
// c from src. It returns false on any validation failure; callers drop
// invalid packets silently.
func Decode(src []byte, c *Command) bool {
	if len(src) < PacketSize {
		return false
	}
	if binary.LittleEndian.Uint32(src[offMagic:]) != Magic {
		return false
	}
	version := int32(binary.LittleEndian.Uint32(src[offVersion:]))
	if version != ProtocolVersion {
		return false
	}

	c.Version = version
	c.Type = CommandType(int32(binary.LittleEndian.Uint32(src[offCommandType:])))
	c.NTPTimestamp = int64(binary.LittleEndian.Uint64(src[offNTPTimestamp:]))
	c.ScheduledExecutionTime = int64(binary.LittleEndian.Uint64(src[offScheduledExecutionTime:]))
	c.MasterClockTimestamp = math.Float64frombits(binary.LittleEndian.Uint64(src[offMasterClockTimestamp:]))
	c.MasterClockSamplePosition = int64(binary.LittleEndian.Uint64(src[offMasterClockSamplePosition:]))
	c.SampleRate = int32(binary.LittleEndian.Uint32(src[offSampleRate:]))
	c.TargetPosition = math.Float64frombits(binary.LittleEndian.Uint64(src[offTargetPosition:]))
	c.TempoValue = math.Float32frombits(binary.LittleEndian.Uint32(src[offTempoValue:]))
	c.UseSmooth = src[offUseSmooth] != 0
	c.SequenceNumber = int32(binary.LittleEndian.Uint32(src[offSequenceNumber:]))
	c.ClientSendTime = int64(binary.LittleEndian.Uint64(src[offClientSendTime:]))

	return true
}

// ErrBufferTooSmall is returned by Encode when dst cannot hold a full
// packet.
var ErrBufferTooSmall = errors.New("wire: destination buffer smaller than PacketSize")
