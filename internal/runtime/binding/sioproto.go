package binding

import (
	"errors"
	"strconv"
	"strings"
)

// Engine.IO v4 packet types.
const (
	eioOpen    = '0'
	eioClose   = '1'
	eioPing    = '2'
	eioPong    = '3'
	eioMessage = '4'
	eioUpgrade = '5'
	eioNoop    = '6'
)

// Socket.IO v5 packet types.
const (
	sioConnect      = 0
	sioDisconnect   = 1
	sioEvent        = 2
	sioAck          = 3
	sioConnectError = 4
	sioBinaryEvent  = 5
	sioBinaryAck    = 6
)

const rootNamespace = "/"

var (
	errEmptyPacket     = errors.New("socket.io: empty packet")
	errBadPacketType   = errors.New("socket.io: unknown packet type")
	errBinaryAttached  = errors.New("socket.io: binary packets are not supported")
	errMalformedPacket = errors.New("socket.io: malformed packet")
)

// sioPacket is a decoded Socket.IO packet.
type sioPacket struct {
	Type      int
	Namespace string
	// ID is the acknowledgement id, -1 when absent.
	ID   int
	Data []byte
}

// encode renders the packet without the Engine.IO message prefix.
func (p sioPacket) encode() []byte {
	var b strings.Builder
	b.WriteByte(byte('0' + p.Type))
	if p.Namespace != "" && p.Namespace != rootNamespace {
		b.WriteString(p.Namespace)
		b.WriteByte(',')
	}
	if p.ID >= 0 {
		b.WriteString(strconv.Itoa(p.ID))
	}
	b.Write(p.Data)
	return []byte(b.String())
}

// message renders the packet as an Engine.IO message frame.
func (p sioPacket) message() []byte {
	return append([]byte{eioMessage}, p.encode()...)
}

func decodeSIOPacket(raw string) (sioPacket, error) {
	p := sioPacket{Namespace: rootNamespace, ID: -1}
	if raw == "" {
		return p, errEmptyPacket
	}
	if raw[0] < '0' || raw[0] > '6' {
		return p, errBadPacketType
	}
	p.Type = int(raw[0] - '0')
	rest := raw[1:]
	if p.Type == sioBinaryEvent || p.Type == sioBinaryAck {
		return p, errBinaryAttached
	}

	if strings.HasPrefix(rest, "/") {
		end := strings.IndexByte(rest, ',')
		if end < 0 {
			// A namespace without payload, for example "1/chat".
			p.Namespace = rest
			return p, nil
		}
		p.Namespace = rest[:end]
		rest = rest[end+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return p, errMalformedPacket
		}
		p.ID = id
		rest = rest[digits:]
	}
	if rest != "" {
		p.Data = []byte(rest)
	}
	return p, nil
}
