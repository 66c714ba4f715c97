// Package framing implements the byte-stuffed record layer of the hub
// protocol. Records are bracketed by single-byte sentinels and the
// sentinel values occurring inside a payload are escaped, so record
// boundaries survive arbitrary TCP segmentation.
package framing

const (
	start byte = 0x42
	end   byte = 0x43
	esc   byte = 0x44
)

// Encode brackets the payload with the start/end sentinels, escaping
// any sentinel bytes inside it. Escaped bytes have bit 5 set; Decoder
// clears it again.
func Encode(payload []byte) []byte {
	packet := make([]byte, 0, len(payload)+2)
	packet = append(packet, start)

	for _, b := range payload {
		switch b {
		case start, end, esc:
			packet = append(packet, esc, b|0x20)
		default:
			packet = append(packet, b)
		}
	}

	return append(packet, end)
}

// Decoder reassembles records from a byte stream. It tolerates
// multiple records per read and records split across reads. A start
// sentinel seen mid-record drops the partial record.
type Decoder struct {
	buffer  []byte
	inFrame bool
	escaped bool
}

// Push consumes a chunk of stream data and invokes emit once per
// completed record. The emitted slice is only valid for the duration
// of the callback.
func (d *Decoder) Push(data []byte, emit func(record []byte)) {
	for _, b := range data {
		if d.escaped {
			d.buffer = append(d.buffer, b&0xDF)
			d.escaped = false
			continue
		}

		switch b {
		case start:
			d.buffer = d.buffer[:0]
			d.inFrame = true
		case end:
			if d.inFrame {
				emit(d.buffer)
			}
			d.buffer = d.buffer[:0]
			d.inFrame = false
		case esc:
			if d.inFrame {
				d.escaped = true
			}
		default:
			if d.inFrame {
				d.buffer = append(d.buffer, b)
			}
		}
	}
}
