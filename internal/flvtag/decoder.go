// Package flvtag decodes the tag stream carried inside HDS media
// fragments into timestamped elementary samples. Video tags are
// rebuilt into Annex-B bitstreams with the SPS/PPS parameter sets from
// the most recent decoder configuration record prepended; audio tags
// yield raw AAC frames.
package flvtag

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// Tag types.
const (
	tagTypeAudio  = 8
	tagTypeVideo  = 9
	tagTypeScript = 18
)

// Audio body constants.
const (
	soundFormatAAC     = 10
	aacPacketTypeConf  = 0
	aacPacketTypeFrame = 1
)

// Video body constants.
const (
	videoCodecAVC     = 7
	frameTypeCommand  = 5
	avcPacketTypeConf = 0
	avcPacketTypeNALU = 1
)

// ErrMalformedTag is returned when the tag stream violates the format.
var ErrMalformedTag = errors.New("flvtag: malformed tag")

// SampleKind distinguishes audio and video samples.
type SampleKind int

// Sample kinds.
const (
	KindAudio SampleKind = iota
	KindVideo
)

func (k SampleKind) String() string {
	if k == KindVideo {
		return "video"
	}
	return "audio"
}

// Sample is one decoded elementary media sample. Video payloads are
// Annex-B byte streams; audio payloads are raw AAC frames. Timestamp is
// the decode timestamp in milliseconds.
type Sample struct {
	Kind      SampleKind
	Timestamp int64
	Data      []byte
}

// DecoderConfig configures a tag stream decoder.
type DecoderConfig struct {
	// Logger for structured logging.
	Logger *slog.Logger
}

// Decoder decodes fragment tag streams. The AVC parameter sets from a
// decoder configuration record persist across DecodeBody calls until a
// new record replaces them, so one Decoder must be used per variant.
type Decoder struct {
	config DecoderConfig

	// AVC parameter set arenas, raw NAL bodies in arrival order.
	sps [][]byte
	pps [][]byte

	// Parsed but unused: the stream's declared NAL length field width.
	lengthSizeMinusOne uint8

	// Audio configuration carried by the stream, when present.
	aacConfig *mpeg4audio.Config
}

// NewDecoder creates a tag stream decoder.
func NewDecoder(config DecoderConfig) *Decoder {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Decoder{config: config}
}

// AudioConfig returns the AudioSpecificConfig found in the stream, or
// nil if none has been seen yet.
func (d *Decoder) AudioConfig() *mpeg4audio.Config {
	return d.aacConfig
}

// DecodeBody decodes a fragment body into its samples, preserving the
// order tags were encoded in.
func (d *Decoder) DecodeBody(body []byte) ([]Sample, error) {
	var samples []Sample

	r := &reader{data: body}
	for r.remaining() >= 11 {
		sample, err := d.decodeTag(r)
		if err != nil {
			return nil, err
		}
		if sample != nil {
			samples = append(samples, *sample)
		}
	}

	return samples, nil
}

// decodeTag decodes one tag plus its previous-tag-size trailer and
// returns the sample it produced, if any.
func (d *Decoder) decodeTag(r *reader) (*Sample, error) {
	flags, err := r.u8()
	if err != nil {
		return nil, err
	}
	filter := (flags >> 5) & 0x01
	tagType := flags & 0x1F

	dataSize, err := r.u24()
	if err != nil {
		return nil, err
	}
	tsLo, err := r.u24()
	if err != nil {
		return nil, err
	}
	tsHi, err := r.u8()
	if err != nil {
		return nil, err
	}
	dts := int64(uint32(tsHi)<<24 | tsLo)

	streamID, err := r.u24()
	if err != nil {
		return nil, err
	}
	if streamID != 0 {
		return nil, fmt.Errorf("%w: nonzero stream id %d", ErrMalformedTag, streamID)
	}

	tagBody, err := r.bytes(int(dataSize))
	if err != nil {
		return nil, err
	}

	// Previous-tag-size trailer, consumed and ignored. The final tag of
	// some packagers omits it.
	r.skip(4)

	if filter == 1 {
		d.config.Logger.Warn("skipping encrypted tag",
			slog.Int("type", int(tagType)),
			slog.Int64("dts", dts))
		return nil, nil
	}

	switch tagType {
	case tagTypeAudio:
		return d.decodeAudio(tagBody, dts)
	case tagTypeVideo:
		return d.decodeVideo(tagBody, dts)
	case tagTypeScript:
		return nil, nil
	default:
		d.config.Logger.Debug("skipping unknown tag type",
			slog.Int("type", int(tagType)))
		return nil, nil
	}
}

// decodeAudio handles a type-8 tag body.
func (d *Decoder) decodeAudio(body []byte, dts int64) (*Sample, error) {
	r := &reader{data: body}

	header, err := r.u8()
	if err != nil {
		return nil, err
	}
	soundFormat := (header >> 4) & 0x0F

	if soundFormat != soundFormatAAC {
		d.config.Logger.Warn("skipping unhandled sound format",
			slog.Int("format", int(soundFormat)))
		return nil, nil
	}

	packetType, err := r.u8()
	if err != nil {
		return nil, err
	}

	switch packetType {
	case aacPacketTypeConf:
		d.parseAudioConfig(r.rest())
		return nil, nil

	case aacPacketTypeFrame:
		return &Sample{
			Kind:      KindAudio,
			Timestamp: dts,
			Data:      append([]byte(nil), r.rest()...),
		}, nil

	default:
		d.config.Logger.Warn("skipping unhandled aac packet type",
			slog.Int("packet_type", int(packetType)))
		return nil, nil
	}
}

// parseAudioConfig decodes an AudioSpecificConfig and keeps it for
// AudioConfig. Failures are logged, never fatal: playback does not
// depend on the config body.
func (d *Decoder) parseAudioConfig(body []byte) {
	var conf mpeg4audio.Config
	if err := conf.Unmarshal(body); err != nil {
		d.config.Logger.Debug("unreadable AudioSpecificConfig",
			slog.String("error", err.Error()))
		return
	}
	d.aacConfig = &conf
	d.config.Logger.Debug("audio configuration",
		slog.Int("sample_rate", conf.SampleRate),
		slog.Int("channels", conf.ChannelCount))
}

// decodeVideo handles a type-9 tag body.
func (d *Decoder) decodeVideo(body []byte, dts int64) (*Sample, error) {
	r := &reader{data: body}

	header, err := r.u8()
	if err != nil {
		return nil, err
	}
	frameType := (header >> 4) & 0x0F
	codecID := header & 0x0F

	if frameType == frameTypeCommand {
		r.skip(1)
		return nil, nil
	}
	if codecID != videoCodecAVC {
		d.config.Logger.Warn("skipping unhandled video codec",
			slog.Int("codec_id", int(codecID)))
		return nil, nil
	}

	packetType, err := r.u8()
	if err != nil {
		return nil, err
	}
	// Composition time offset, unused by the forward-only demuxer.
	if _, err := r.u24(); err != nil {
		return nil, err
	}

	switch packetType {
	case avcPacketTypeConf:
		return nil, d.parseVideoConfig(r)
	case avcPacketTypeNALU:
		return d.decodeSlices(r, dts)
	default:
		return nil, nil
	}
}

// parseVideoConfig reads an AVCDecoderConfigurationRecord and replaces
// the SPS/PPS arenas.
func (d *Decoder) parseVideoConfig(r *reader) error {
	// version, profile, compatibility, level.
	if _, err := r.bytes(4); err != nil {
		return err
	}

	b, err := r.u8()
	if err != nil {
		return err
	}
	d.lengthSizeMinusOne = b & 0x03

	d.sps = nil
	d.pps = nil

	b, err = r.u8()
	if err != nil {
		return err
	}
	numSPS := int(b & 0x1F)
	for i := 0; i < numSPS; i++ {
		nal, err := r.lenPrefixed16()
		if err != nil {
			return err
		}
		d.sps = append(d.sps, append([]byte(nil), nal...))
	}

	b, err = r.u8()
	if err != nil {
		return err
	}
	numPPS := int(b)
	for i := 0; i < numPPS; i++ {
		nal, err := r.lenPrefixed16()
		if err != nil {
			return err
		}
		d.pps = append(d.pps, append([]byte(nil), nal...))
	}

	if len(d.sps) > 0 {
		var sps h264.SPS
		if err := sps.Unmarshal(d.sps[0]); err == nil {
			d.config.Logger.Debug("video configuration",
				slog.Int("width", sps.Width()),
				slog.Int("height", sps.Height()))
		}
	}

	return nil
}

// decodeSlices reads the length-prefixed NAL units of a coded picture
// and emits one Annex-B sample with the parameter set arenas prepended.
// The NAL length field is always 4 bytes wide, regardless of the
// declared length size.
func (d *Decoder) decodeSlices(r *reader, dts int64) (*Sample, error) {
	au := make([][]byte, 0, len(d.sps)+len(d.pps)+2)
	au = append(au, d.sps...)
	au = append(au, d.pps...)

	for r.remaining() > 0 {
		nalSize, err := r.u32()
		if err != nil {
			return nil, err
		}
		nal, err := r.bytes(int(nalSize))
		if err != nil {
			return nil, err
		}
		au = append(au, nal)
	}

	if len(au) == 0 {
		return nil, nil
	}

	data, err := h264.AnnexB(au).Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTag, err)
	}

	return &Sample{
		Kind:      KindVideo,
		Timestamp: dts,
		Data:      data,
	}, nil
}

// reader is a bounds-checked cursor over a tag buffer.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) u8() (uint8, error) {
	if r.remaining() < 1 {
		return 0, fmt.Errorf("%w: truncated", ErrMalformedTag)
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) u24() (uint32, error) {
	if r.remaining() < 3 {
		return 0, fmt.Errorf("%w: truncated", ErrMalformedTag)
	}
	v := uint32(r.data[r.pos])<<16 | uint32(r.data[r.pos+1])<<8 | uint32(r.data[r.pos+2])
	r.pos += 3
	return v, nil
}

func (r *reader) u32() (uint32, error) {
	if r.remaining() < 4 {
		return 0, fmt.Errorf("%w: truncated", ErrMalformedTag)
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, fmt.Errorf("%w: truncated body", ErrMalformedTag)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// lenPrefixed16 reads a 16-bit length followed by that many bytes.
func (r *reader) lenPrefixed16() ([]byte, error) {
	if r.remaining() < 2 {
		return nil, fmt.Errorf("%w: truncated", ErrMalformedTag)
	}
	n := int(binary.BigEndian.Uint16(r.data[r.pos:]))
	r.pos += 2
	return r.bytes(n)
}

// rest returns the unread remainder.
func (r *reader) rest() []byte {
	b := r.data[r.pos:]
	r.pos = len(r.data)
	return b
}

// skip advances up to n bytes, stopping at the end of the buffer.
func (r *reader) skip(n int) {
	r.pos += n
	if r.pos > len(r.data) {
		r.pos = len(r.data)
	}
}
