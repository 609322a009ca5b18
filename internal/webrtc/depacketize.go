package webrtc

// H264 NAL unit types the sink cares about (RFC 6184).
const (
	naluTypeIDR  = 5
	naluTypeSTAP = 24
	naluTypeFU   = 28
)

// H264Depacketizer splits RTP H264 payloads into NAL units, reassembling
// FU-A fragments. Each inbound stream needs its own instance.
type H264Depacketizer struct {
	frag    []byte
	lastSeq uint16
	// partial is set between the first and last fragment of a unit
	partial bool
}

func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{}
}

// Depacketize returns the NAL units completed by the payload carried in
// packet seq. A fragmented unit missing any packet is discarded whole.
func (d *H264Depacketizer) Depacketize(seq uint16, payload []byte) [][]byte {
	if len(payload) == 0 {
		return nil
	}

	switch t := nalType(payload); {
	case t >= 1 && t <= 23:
		d.drop()
		return [][]byte{payload}
	case t == naluTypeSTAP:
		d.drop()
		return splitSTAP(payload[1:])
	case t == naluTypeFU:
		return d.fragment(seq, payload)
	default:
		return nil
	}
}

func (d *H264Depacketizer) drop() {
	d.frag, d.partial = nil, false
}

// splitSTAP walks the 16-bit length prefixed units of an aggregation
// packet, stopping at the first empty or truncated one.
func splitSTAP(b []byte) [][]byte {
	var units [][]byte
	for len(b) >= 2 {
		n := int(b[0])<<8 | int(b[1])
		b = b[2:]
		if n == 0 || n > len(b) {
			break
		}
		units = append(units, b[:n])
		b = b[n:]
	}
	return units
}

func (d *H264Depacketizer) fragment(seq uint16, payload []byte) [][]byte {
	if len(payload) < 2 {
		d.drop()
		return nil
	}
	indicator, header := payload[0], payload[1]
	first, last := header&0x80 != 0, header&0x40 != 0

	switch {
	case first:
		// F and NRI come from the indicator, the type from the FU header
		d.frag = append([]byte{indicator&0xe0 | header&0x1f}, payload[2:]...)
		d.partial = true
	case d.partial && seq == d.lastSeq+1:
		d.frag = append(d.frag, payload[2:]...)
	default:
		d.drop()
		return nil
	}
	d.lastSeq = seq

	if !last {
		return nil
	}
	unit := d.frag
	d.drop()
	return [][]byte{unit}
}

// nalType returns the type of a NAL unit, or 0 for an empty one.
func nalType(nalu []byte) uint8 {
	if len(nalu) == 0 {
		return 0
	}
	return nalu[0] & 0x1f
}
