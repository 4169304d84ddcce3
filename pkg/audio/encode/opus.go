package encode

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/reccon/pkg/audio"
)

// Opus is always framed at 20 ms; granule positions are always counted at
// 48 kHz regardless of the input rate.
const (
	opusFrameMs        = 20
	opusGranuleRate    = 48000
	opusGranuleFrame   = opusGranuleRate * opusFrameMs / 1000 // 960
	opusPreSkip        = 312
	opusMaxPacket      = 4000
	opusDefaultBitrate = 64000
	opusVendor         = "reccon"
)

var opusRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// OpusSampleRate reports whether the Opus encoder accepts rate.
func OpusSampleRate(rate int) bool { return opusRates[rate] }

// opusEncoder encodes PCM into 20 ms Opus packets inside an Ogg stream.
type opusEncoder struct {
	enc    *gopus.Encoder
	ogg    *oggWriter
	format audio.Format

	frameSamples int // per channel, at the input rate
	frameBytes   int
	pcm          []byte

	samples48 int64 // granule-rate samples encoded so far, excluding pre-skip
	closed    bool
}

func newOpusEncoder(w io.Writer, af audio.Format, opts Options) (*opusEncoder, error) {
	if !opusRates[af.SampleRate] || af.Channels > 2 {
		return nil, fmt.Errorf("%w: opus cannot encode %s", ErrFormat, af)
	}
	enc, err := gopus.NewEncoder(af.SampleRate, af.Channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("encode: create opus encoder: %w", err)
	}
	bitrate := opts.Bitrate
	if bitrate <= 0 {
		bitrate = opusDefaultBitrate
	}
	enc.SetBitrate(bitrate)

	frameSamples := af.SampleRate * opusFrameMs / 1000
	e := &opusEncoder{
		enc:          enc,
		ogg:          newOggWriter(w, uint32(time.Now().UnixNano())),
		format:       af,
		frameSamples: frameSamples,
		frameBytes:   frameSamples * af.Channels * 2,
	}
	if err := e.writeHeaders(); err != nil {
		return nil, err
	}
	return e, nil
}

// writeHeaders emits the OpusHead and OpusTags pages.
func (e *opusEncoder) writeHeaders() error {
	head := make([]byte, 0, 19)
	head = append(head, "OpusHead"...)
	head = append(head, 1, byte(e.format.Channels))
	head = binary.LittleEndian.AppendUint16(head, opusPreSkip)
	head = binary.LittleEndian.AppendUint32(head, uint32(e.format.SampleRate))
	head = binary.LittleEndian.AppendUint16(head, 0) // output gain
	head = append(head, 0)                           // mapping family
	if err := e.ogg.writePage([][]byte{head}, 0, oggFlagBOS); err != nil {
		return err
	}

	tags := make([]byte, 0, 16+len(opusVendor))
	tags = append(tags, "OpusTags"...)
	tags = binary.LittleEndian.AppendUint32(tags, uint32(len(opusVendor)))
	tags = append(tags, opusVendor...)
	tags = binary.LittleEndian.AppendUint32(tags, 0)
	return e.ogg.writePage([][]byte{tags}, 0, 0)
}

// Write implements [Encoder].
func (e *opusEncoder) Write(frame audio.AudioFrame) error {
	if e.closed {
		return errClosed
	}
	if err := checkFrame(frame, e.format); err != nil {
		return err
	}
	e.pcm = append(e.pcm, frame.Data...)
	for len(e.pcm) >= e.frameBytes {
		if err := e.encodeFrame(e.pcm[:e.frameBytes], opusGranuleFrame); err != nil {
			return err
		}
		e.pcm = e.pcm[e.frameBytes:]
	}
	// Compact so the backing array does not grow without bound.
	e.pcm = append(e.pcm[:0], e.pcm...)
	return nil
}

// encodeFrame encodes exactly one 20 ms frame. n48 is the number of
// granule-rate samples of genuine (non-padding) audio it contains.
func (e *opusEncoder) encodeFrame(pcm []byte, n48 int64) error {
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), e.frameSamples, opusMaxPacket)
	if err != nil {
		return fmt.Errorf("encode: opus encode: %w", err)
	}
	e.samples48 += n48
	return e.ogg.writePacket(packet, opusPreSkip+e.samples48)
}

// Close implements [Encoder]. A trailing partial frame is zero-padded; the
// final granule position excludes the padding.
func (e *opusEncoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	if rem := len(e.pcm); rem > 0 {
		// Round down to whole samples before padding.
		sampleBytes := 2 * e.format.Channels
		rem -= rem % sampleBytes
		n48 := int64(rem/sampleBytes) * opusGranuleRate / int64(e.format.SampleRate)
		frame := make([]byte, e.frameBytes)
		copy(frame, e.pcm[:rem])
		e.pcm = e.pcm[:0]
		if err := e.encodeFrame(frame, n48); err != nil {
			return err
		}
	}
	return e.ogg.finish(opusPreSkip + e.samples48)
}
