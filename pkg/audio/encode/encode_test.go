package encode

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/reccon/pkg/audio"
)

func sineFrame(af audio.Format, ts, d time.Duration) audio.AudioFrame {
	n := af.FrameBytes(d) / 2
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(af.SampleRate)))
	}
	return audio.AudioFrame{
		Data:       audio.Int16sToBytes(samples),
		SampleRate: af.SampleRate,
		Channels:   af.Channels,
		Timestamp:  ts,
	}
}

func createFile(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

type oggPage struct {
	flags   byte
	granule int64
	serial  uint32
	seq     uint32
	packets [][]byte
}

// parseOgg splits b into pages, verifying the capture pattern and checksum
// of each.
func parseOgg(t *testing.T, b []byte) []oggPage {
	t.Helper()
	var pages []oggPage
	for len(b) > 0 {
		if len(b) < oggHeaderLen || string(b[:4]) != "OggS" {
			t.Fatalf("page %d: bad capture pattern", len(pages))
		}
		nseg := int(b[26])
		size := 0
		var packets [][]byte
		body := b[oggHeaderLen+nseg:]
		start := 0
		for _, l := range b[27 : 27+nseg] {
			size += int(l)
			if l < 255 {
				packets = append(packets, body[start:size])
				start = size
			}
		}
		total := oggHeaderLen + nseg + size
		raw := append([]byte(nil), b[:total]...)
		want := binary.LittleEndian.Uint32(raw[22:26])
		copy(raw[22:26], []byte{0, 0, 0, 0})
		if got := oggCRC(0, raw); got != want {
			t.Fatalf("page %d: crc = %08x, want %08x", len(pages), got, want)
		}
		pages = append(pages, oggPage{
			flags:   b[5],
			granule: int64(binary.LittleEndian.Uint64(b[6:14])),
			serial:  binary.LittleEndian.Uint32(b[14:18]),
			seq:     binary.LittleEndian.Uint32(b[18:22]),
			packets: packets,
		})
		b = b[total:]
	}
	return pages
}

func TestNew_Unsupported(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		format Format
		af     audio.Format
	}{
		{"unknown container", "mp3", audio.Format{SampleRate: 48000, Channels: 1}},
		{"opus at 44.1k", FormatOpus, audio.Format{SampleRate: 44100, Channels: 1}},
		{"opus surround", FormatOpus, audio.Format{SampleRate: 48000, Channels: 6}},
		{"no channels", FormatWAV, audio.Format{SampleRate: 48000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := createFile(t, "out")
			_, err := New(tt.format, f, tt.af, Options{})
			if !errors.Is(err, ErrFormat) {
				t.Errorf("err = %v, want ErrFormat", err)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	t.Parallel()
	if !FormatOpus.IsValid() || !FormatWAV.IsValid() || Format("flac").IsValid() {
		t.Error("IsValid mismatch")
	}
	if FormatOpus.Ext() != "opus" {
		t.Errorf("Ext() = %q", FormatOpus.Ext())
	}
}

func TestOggCRC_MatchesBitwise(t *testing.T) {
	t.Parallel()
	data := []byte("OggS reccon crc check \x00\xff\x10")
	var want uint32
	for _, b := range data {
		want ^= uint32(b) << 24
		for range 8 {
			if want&0x80000000 != 0 {
				want = want<<1 ^ 0x04c11db7
			} else {
				want <<= 1
			}
		}
	}
	if got := oggCRC(0, data); got != want {
		t.Errorf("oggCRC = %08x, want %08x", got, want)
	}
}

func TestOggWriter_Lacing(t *testing.T) {
	t.Parallel()
	f := createFile(t, "lacing.ogg")
	w := newOggWriter(f, 7)
	sizes := []int{0, 254, 255, 600}
	var packets [][]byte
	for _, n := range sizes {
		packets = append(packets, make([]byte, n))
	}
	if err := w.writePage(packets, 42, 0); err != nil {
		t.Fatalf("writePage: %v", err)
	}
	if err := w.writePage([][]byte{make([]byte, 255*255)}, 0, 0); err == nil {
		t.Error("expected error for oversized packet")
	}
	if err := w.writePacket(make([]byte, 255*255), 0); err == nil {
		t.Error("expected error for oversized buffered packet")
	}

	b, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	pages := parseOgg(t, b)
	if len(pages) != 1 {
		t.Fatalf("got %d pages, want 1", len(pages))
	}
	p := pages[0]
	if len(p.packets) != len(sizes) {
		t.Fatalf("got %d packets, want %d", len(p.packets), len(sizes))
	}
	for i, n := range sizes {
		if len(p.packets[i]) != n {
			t.Errorf("packet %d: len %d, want %d", i, len(p.packets[i]), n)
		}
	}
	if p.seq != 0 || p.serial != 7 || p.granule != 42 {
		t.Errorf("seq %d serial %d granule %d", p.seq, p.serial, p.granule)
	}
}

func TestOggWriter_BatchesPackets(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		size      int
		count     int
		wantPages []int // packets per page
	}{
		// Capped by packet count: 60 small packets.
		{name: "count", size: 100, count: 60, wantPages: []int{oggPagePackets, 10}},
		// Capped by lacing values: 2000 bytes take 8, so 31 fit one page.
		{name: "lacing", size: 2000, count: 40, wantPages: []int{31, 9}},
		{name: "single page", size: 100, count: 3, wantPages: []int{3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := createFile(t, "batch.ogg")
			w := newOggWriter(f, 1)
			for i := range tt.count {
				if err := w.writePacket(make([]byte, tt.size), int64(i+1)*960); err != nil {
					t.Fatalf("writePacket %d: %v", i, err)
				}
			}
			if err := w.finish(int64(tt.count) * 960); err != nil {
				t.Fatalf("finish: %v", err)
			}

			b, err := os.ReadFile(f.Name())
			if err != nil {
				t.Fatal(err)
			}
			pages := parseOgg(t, b)
			if len(pages) != len(tt.wantPages) {
				t.Fatalf("got %d pages, want %d", len(pages), len(tt.wantPages))
			}
			written := 0
			for i, p := range pages {
				if len(p.packets) != tt.wantPages[i] {
					t.Errorf("page %d: %d packets, want %d", i, len(p.packets), tt.wantPages[i])
				}
				written += len(p.packets)
				// A page's granule is the end of its last complete packet.
				if want := int64(written) * 960; p.granule != want {
					t.Errorf("page %d: granule %d, want %d", i, p.granule, want)
				}
				if eos := p.flags&oggFlagEOS != 0; eos != (i == len(pages)-1) {
					t.Errorf("page %d: EOS = %v", i, eos)
				}
			}
		})
	}
}

func TestOpus_Container(t *testing.T) {
	t.Parallel()
	af := audio.Format{SampleRate: 48000, Channels: 1}
	f := createFile(t, "seg.opus")
	enc, err := New(FormatOpus, f, af, Options{Bitrate: 32000})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := range 10 {
		if err := enc.Write(sineFrame(af, time.Duration(i)*100*time.Millisecond, 100*time.Millisecond)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	// 5 ms tail, padded to a full packet on close.
	if err := enc.Write(sineFrame(af, time.Second, 5*time.Millisecond)); err != nil {
		t.Fatalf("Write tail: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	b, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	pages := parseOgg(t, b)
	// OpusHead, OpusTags, a page of 50 full packets, then the padded
	// packet alone on the EOS page.
	if len(pages) != 4 {
		t.Fatalf("got %d pages, want 4", len(pages))
	}
	if n := len(pages[2].packets); n != 50 {
		t.Errorf("first audio page holds %d packets, want 50", n)
	}
	if n := len(pages[3].packets); n != 1 {
		t.Errorf("last page holds %d packets, want 1", n)
	}

	head := pages[0]
	if len(head.packets) != 1 {
		t.Fatalf("OpusHead page holds %d packets", len(head.packets))
	}
	headPkt := head.packets[0]
	if head.flags != oggFlagBOS || string(headPkt[:8]) != "OpusHead" {
		t.Fatalf("first page is not a BOS OpusHead: flags=%x", head.flags)
	}
	if headPkt[9] != 1 {
		t.Errorf("channels = %d, want 1", headPkt[9])
	}
	if got := binary.LittleEndian.Uint16(headPkt[10:12]); got != opusPreSkip {
		t.Errorf("pre-skip = %d, want %d", got, opusPreSkip)
	}
	if got := binary.LittleEndian.Uint32(headPkt[12:16]); got != 48000 {
		t.Errorf("input rate = %d, want 48000", got)
	}
	if len(pages[1].packets) != 1 || string(pages[1].packets[0][:8]) != "OpusTags" {
		t.Error("second page is not OpusTags")
	}

	var prev int64
	for i, p := range pages {
		if p.seq != uint32(i) {
			t.Errorf("page %d: seq = %d", i, p.seq)
		}
		if p.granule < prev {
			t.Errorf("page %d: granule %d decreased from %d", i, p.granule, prev)
		}
		prev = p.granule
		eos := p.flags&oggFlagEOS != 0
		if eos != (i == len(pages)-1) {
			t.Errorf("page %d: EOS = %v", i, eos)
		}
	}
	if got, want := pages[2].granule, int64(opusPreSkip+50*960); got != want {
		t.Errorf("first audio page granule = %d, want %d", got, want)
	}
	// The final granule trims the padding: 1 s plus 5 ms at 48 kHz.
	if got, want := pages[len(pages)-1].granule, int64(opusPreSkip+48000+240); got != want {
		t.Errorf("final granule = %d, want %d", got, want)
	}
}

func TestOpus_GranuleAtLowerRate(t *testing.T) {
	t.Parallel()
	af := audio.Format{SampleRate: 16000, Channels: 1}
	f := createFile(t, "seg16k.opus")
	enc, err := New(FormatOpus, f, af, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := enc.Write(sineFrame(af, 0, 100*time.Millisecond)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	pages := parseOgg(t, b)
	// Five 20 ms packets share the EOS page.
	if len(pages) != 3 || len(pages[2].packets) != 5 {
		t.Fatalf("got %d pages, want 3 with 5 packets on the last", len(pages))
	}
	if got, want := pages[2].granule, int64(opusPreSkip+4800); got != want {
		t.Errorf("final granule = %d, want %d", got, want)
	}
}

func TestOpus_EmptyStream(t *testing.T) {
	t.Parallel()
	f := createFile(t, "empty.opus")
	enc, err := New(FormatOpus, f, audio.Format{SampleRate: 48000, Channels: 1}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	b, _ := os.ReadFile(f.Name())
	pages := parseOgg(t, b)
	if len(pages) != 3 || pages[2].flags&oggFlagEOS == 0 || len(pages[2].packets) != 0 {
		t.Errorf("empty stream should end with an empty EOS page, got %d pages", len(pages))
	}
}

func TestOpus_RejectsMismatchedFrame(t *testing.T) {
	t.Parallel()
	f := createFile(t, "mismatch.opus")
	enc, err := New(FormatOpus, f, audio.Format{SampleRate: 48000, Channels: 1}, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = enc.Write(sineFrame(audio.Format{SampleRate: 16000, Channels: 1}, 0, 20*time.Millisecond))
	if !errors.Is(err, ErrFormat) {
		t.Errorf("err = %v, want ErrFormat", err)
	}
}

func TestWAV_RoundTrip(t *testing.T) {
	t.Parallel()
	af := audio.Format{SampleRate: 16000, Channels: 1}
	f := createFile(t, "seg.wav")
	enc, err := New(FormatWAV, f, af, Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	frames := []audio.AudioFrame{
		sineFrame(af, 0, 100*time.Millisecond),
		sineFrame(af, 100*time.Millisecond, 100*time.Millisecond),
	}
	for _, fr := range frames {
		if err := enc.Write(fr); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := os.Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		t.Fatal("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("FullPCMBuffer: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Errorf("header = %d Hz %d ch %d bit", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	want := append(audio.BytesToInts(frames[0].Data), audio.BytesToInts(frames[1].Data)...)
	if len(buf.Data) != len(want) {
		t.Fatalf("decoded %d samples, want %d", len(buf.Data), len(want))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d = %d, want %d", i, buf.Data[i], want[i])
		}
	}
}
