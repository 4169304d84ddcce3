package encode

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Ogg page header flags.
const (
	oggFlagBOS = 0x02
	oggFlagEOS = 0x04
)

const (
	oggHeaderLen   = 27
	oggMaxSegments = 255
)

// oggCRCTable is the lookup table for the Ogg CRC-32 (polynomial 0x04c11db7,
// no reflection, zero init, no final xor).
var oggCRCTable = func() [256]uint32 {
	var t [256]uint32
	for i := range t {
		r := uint32(i) << 24
		for range 8 {
			if r&0x80000000 != 0 {
				r = r<<1 ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		t[i] = r
	}
	return t
}()

func oggCRC(crc uint32, b []byte) uint32 {
	for _, v := range b {
		crc = crc<<8 ^ oggCRCTable[byte(crc>>24)^v]
	}
	return crc
}

// oggPagePackets caps the packets gathered into one audio page. At 20 ms per
// Opus packet a page holds at most one second of audio.
const oggPagePackets = 50

// oggWriter emits one logical bitstream. Audio packets are gathered into
// pages of up to [oggPagePackets] packets; packets never span pages.
type oggWriter struct {
	w      io.Writer
	serial uint32
	seq    uint32
	buf    []byte

	pending [][]byte
	segs    int   // lacing values used by pending
	granule int64 // granule position after the last pending packet
}

func newOggWriter(w io.Writer, serial uint32) *oggWriter {
	return &oggWriter{w: w, serial: serial}
}

// lacing returns the number of lacing values a packet of n bytes needs.
func lacing(n int) int { return n/255 + 1 }

// writePacket buffers packet, ending at granule, for the current page. The
// page is written first when packet would not fit.
func (o *oggWriter) writePacket(packet []byte, granule int64) error {
	n := lacing(len(packet))
	if n > oggMaxSegments {
		return fmt.Errorf("encode: ogg packet of %d bytes does not fit one page", len(packet))
	}
	if len(o.pending) > 0 && (o.segs+n > oggMaxSegments || len(o.pending) >= oggPagePackets) {
		if err := o.writePage(o.pending, o.granule, 0); err != nil {
			return err
		}
		o.reset()
	}
	o.pending = append(o.pending, append([]byte(nil), packet...))
	o.segs += n
	o.granule = granule
	return nil
}

// finish writes the buffered packets, possibly none, as the end-of-stream
// page at granule.
func (o *oggWriter) finish(granule int64) error {
	err := o.writePage(o.pending, granule, oggFlagEOS)
	o.reset()
	return err
}

func (o *oggWriter) reset() {
	o.pending = o.pending[:0]
	o.segs = 0
}

// writePage writes packets as a single page. Together they must fit into 255
// lacing values.
func (o *oggWriter) writePage(packets [][]byte, granule int64, flags byte) error {
	nseg := 0
	for _, p := range packets {
		nseg += lacing(len(p))
	}
	if nseg > oggMaxSegments {
		return fmt.Errorf("encode: %d ogg lacing values do not fit one page", nseg)
	}

	o.buf = o.buf[:0]
	o.buf = append(o.buf, "OggS"...)
	o.buf = append(o.buf, 0, flags)
	o.buf = binary.LittleEndian.AppendUint64(o.buf, uint64(granule))
	o.buf = binary.LittleEndian.AppendUint32(o.buf, o.serial)
	o.buf = binary.LittleEndian.AppendUint32(o.buf, o.seq)
	o.buf = append(o.buf, 0, 0, 0, 0) // crc, filled below
	o.buf = append(o.buf, byte(nseg))
	for _, p := range packets {
		for range len(p) / 255 {
			o.buf = append(o.buf, 255)
		}
		o.buf = append(o.buf, byte(len(p)%255))
	}
	for _, p := range packets {
		o.buf = append(o.buf, p...)
	}

	binary.LittleEndian.PutUint32(o.buf[22:26], oggCRC(0, o.buf))

	if _, err := o.w.Write(o.buf); err != nil {
		return fmt.Errorf("encode: write ogg page: %w", err)
	}
	o.seq++
	return nil
}
