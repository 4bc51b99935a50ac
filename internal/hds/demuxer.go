// Package hds implements the Adobe HTTP Dynamic Streaming demuxer: it
// interprets an F4M manifest, resolves per-variant bootstrap indexes,
// fetches media fragments in order and decodes them into timestamped
// elementary samples.
package hds

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/wiseplay-app/hdsdemux/internal/amf"
	"github.com/wiseplay-app/hdsdemux/internal/bootstrap"
	"github.com/wiseplay-app/hdsdemux/internal/flvtag"
	"github.com/wiseplay-app/hdsdemux/internal/manifest"
)

// ProbeScoreMax is returned by Probe for a certain match.
const ProbeScoreMax = 100

// ErrBadRequestURL is returned when the opener URL cannot anchor
// relative sub-fetches.
var ErrBadRequestURL = errors.New("hds: bad request url")

// Probe reports the confidence that name refers to an HDS manifest.
func Probe(name string) int {
	if strings.Contains(strings.ToLower(name), ".f4m") {
		return ProbeScoreMax
	}
	return 0
}

// Stream describes one registered elementary stream. Timestamps on its
// packets are 32-bit with a 1/1000 timebase.
type Stream struct {
	Index int
	Kind  flvtag.SampleKind

	// Codec parameters from the variant's metadata.
	Codec       string
	Width       int
	Height      int
	FrameRate   int
	SampleRate  int
	Channels    int
	BitrateKbps int

	// Discard excludes the stream from playback; a variant whose
	// streams are all discarded is never pumped.
	Discard bool
}

// Program groups the streams of one quality variant.
type Program struct {
	Index   int
	Name    string
	Streams []int
}

// Packet is one demuxed sample addressed to a registered stream.
type Packet struct {
	StreamIndex int
	DTS         int64
	Kind        flvtag.SampleKind
	Data        []byte
}

// Config configures a Demuxer.
type Config struct {
	// Logger for structured logging.
	Logger *slog.Logger

	// Fetcher retrieves bootstraps and fragments. Required.
	Fetcher Fetcher
}

// bootstrapState pairs a manifest descriptor with its parsed index. The
// index is replaced in place on live refresh so every variant
// referencing it observes the new window.
type bootstrapState struct {
	desc manifest.BootstrapDescriptor
	info *bootstrap.Info
}

// variantState is the per-variant demux cursor.
type variantState struct {
	variant manifest.Variant
	meta    *amf.Metadata

	// Stream indexes, -1 when the codec is unknown.
	audioStream int
	videoStream int

	decoder   *flvtag.Decoder
	scheduler Scheduler

	// Decoded sample ring for the current fragment, drained
	// sample-by-sample and cleared once the read index reaches the end.
	samples     []flvtag.Sample
	sampleIndex int
}

// Demuxer is the session state machine. It is not safe for concurrent
// use: all methods must be called from the host's demux loop.
type Demuxer struct {
	config Config
	logger *slog.Logger

	sessionID string
	baseURL   string
	query     string

	manifest *manifest.Manifest
	live     bool

	bootstraps []*bootstrapState
	variants   []*variantState
	streams    []Stream
	programs   []Program
}

// New creates a Demuxer. Open must be called before reading packets.
func New(config Config) *Demuxer {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	sessionID := uuid.NewString()
	return &Demuxer{
		config:    config,
		logger:    config.Logger.With(slog.String("session_id", sessionID)),
		sessionID: sessionID,
	}
}

// SessionID returns the unique identifier of this demux session.
func (d *Demuxer) SessionID() string {
	return d.sessionID
}

// Live reports whether the session follows a live playlist.
func (d *Demuxer) Live() bool {
	return d.live
}

// Manifest returns the parsed manifest. Read-only.
func (d *Demuxer) Manifest() *manifest.Manifest {
	return d.manifest
}

// Streams returns the registered streams.
func (d *Demuxer) Streams() []Stream {
	return d.streams
}

// Programs returns the per-variant programs.
func (d *Demuxer) Programs() []Program {
	return d.programs
}

// SetDiscard marks a stream as excluded from (or restored to) playback.
func (d *Demuxer) SetDiscard(streamIndex int, discard bool) {
	if streamIndex >= 0 && streamIndex < len(d.streams) {
		d.streams[streamIndex].Discard = discard
	}
}

// Open initializes the session from the manifest document fetched at
// requestURL. It parses the manifest, obtains and parses every
// bootstrap, and registers streams and programs for each variant.
func (d *Demuxer) Open(ctx context.Context, requestURL string, manifestBytes []byte) error {
	base, query, err := splitRequestURL(requestURL)
	if err != nil {
		return err
	}
	d.baseURL = base
	d.query = query

	m, err := manifest.Parse(manifestBytes)
	if err != nil {
		return err
	}
	d.manifest = m
	d.live = m.IsLive()

	d.logger.Info("opening session",
		slog.String("url", requestURL),
		slog.String("stream_type", m.StreamType),
		slog.Int("variants", len(m.Variants)),
		slog.Bool("live", d.live))

	for i := range m.Bootstraps {
		state, err := d.loadBootstrap(ctx, m.Bootstraps[i])
		if err != nil {
			return fmt.Errorf("bootstrap %q: %w", m.Bootstraps[i].ID, err)
		}
		d.bootstraps = append(d.bootstraps, state)
	}

	for i := range m.Variants {
		if err := d.addVariant(m.Variants[i]); err != nil {
			return fmt.Errorf("variant %q: %w", m.Variants[i].URL, err)
		}
	}

	return nil
}

// loadBootstrap parses an inline bootstrap blob or fetches the blob
// from the descriptor's URL.
func (d *Demuxer) loadBootstrap(ctx context.Context, desc manifest.BootstrapDescriptor) (*bootstrapState, error) {
	blob := desc.Metadata
	if len(blob) == 0 {
		url := buildBootstrapURL(d.baseURL, desc.URL, d.query)
		var err error
		blob, err = d.config.Fetcher.Fetch(ctx, url)
		if err != nil {
			return nil, err
		}
	}

	box, err := bootstrap.ParseBox(blob)
	if err != nil {
		return nil, err
	}
	if box.Bootstrap == nil {
		return nil, fmt.Errorf("%w: no abst box", bootstrap.ErrMalformedBox)
	}

	return &bootstrapState{desc: desc, info: box.Bootstrap}, nil
}

// addVariant parses the variant metadata and registers its streams and
// program. Variants with unknown codecs register no streams and are
// skipped during playback rather than failing the session.
func (d *Demuxer) addVariant(v manifest.Variant) error {
	meta, err := amf.Parse(v.Metadata)
	if err != nil {
		return err
	}

	state := &variantState{
		variant:     v,
		meta:        meta,
		audioStream: -1,
		videoStream: -1,
		decoder: flvtag.NewDecoder(flvtag.DecoderConfig{
			Logger: d.logger,
		}),
	}

	if meta.HasVideo() {
		state.videoStream = len(d.streams)
		d.streams = append(d.streams, Stream{
			Index:       state.videoStream,
			Kind:        flvtag.KindVideo,
			Codec:       string(meta.VideoCodec),
			Width:       meta.Width,
			Height:      meta.Height,
			FrameRate:   meta.FrameRate,
			BitrateKbps: meta.VideoDataRate,
		})
	} else {
		d.logger.Warn("unsupported or missing video codec, stream not registered",
			slog.String("variant", v.URL))
	}

	if meta.HasAudio() {
		state.audioStream = len(d.streams)
		d.streams = append(d.streams, Stream{
			Index:       state.audioStream,
			Kind:        flvtag.KindAudio,
			Codec:       string(meta.AudioCodec),
			SampleRate:  meta.AudioSampleRate,
			Channels:    meta.AudioChannels,
			BitrateKbps: meta.AudioDataRate,
		})
	} else {
		d.logger.Warn("unsupported or missing audio codec, stream not registered",
			slog.String("variant", v.URL))
	}

	program := Program{
		Index: len(d.programs),
		Name:  fmt.Sprintf("Bandwidth: %d Kbps", v.Bitrate),
	}
	if state.videoStream >= 0 {
		program.Streams = append(program.Streams, state.videoStream)
	}
	if state.audioStream >= 0 {
		program.Streams = append(program.Streams, state.audioStream)
	}
	d.programs = append(d.programs, program)

	d.variants = append(d.variants, state)
	return nil
}

// selectVariant returns the first variant that still has an active
// stream and whose bootstrap reference resolves.
func (d *Demuxer) selectVariant() (*variantState, *bootstrapState) {
	for _, v := range d.variants {
		if !d.variantActive(v) {
			continue
		}
		if bs := d.resolveBootstrap(v.variant.BootstrapID); bs != nil {
			return v, bs
		}
	}
	return nil, nil
}

// variantActive reports whether the variant has at least one stream not
// marked discard.
func (d *Demuxer) variantActive(v *variantState) bool {
	for _, idx := range []int{v.videoStream, v.audioStream} {
		if idx >= 0 && !d.streams[idx].Discard {
			return true
		}
	}
	return false
}

func (d *Demuxer) resolveBootstrap(id string) *bootstrapState {
	for _, bs := range d.bootstraps {
		if strings.EqualFold(bs.desc.ID, id) {
			return bs
		}
	}
	return nil
}

// ReadPacket returns the next demuxed sample. A nil packet with a nil
// error means no data is available this call (transient fetch failure
// or no selectable variant); the host may retry. ErrEndOfStream
// signals normal VOD completion. Context cancellation propagates
// immediately.
func (d *Demuxer) ReadPacket(ctx context.Context) (*Packet, error) {
	v, bs := d.selectVariant()
	if v == nil {
		return nil, nil
	}

	if len(v.samples) == 0 {
		if err := d.fetchNextFragment(ctx, v, bs); err != nil {
			switch {
			case isInterrupted(err):
				return nil, err
			case errors.Is(err, ErrEndOfStream):
				return nil, ErrEndOfStream
			case isTransient(err):
				d.logger.Debug("transient fetch failure, no packet this call",
					slog.String("error", err.Error()))
				return nil, nil
			default:
				return nil, err
			}
		}
	}

	pkt := d.popSample(v)

	if v.sampleIndex >= len(v.samples) {
		v.samples = nil
		v.sampleIndex = 0
	}

	return pkt, nil
}

// fetchNextFragment asks the scheduler for the next fragment, downloads
// it, carves out its media payload and refills the sample ring.
func (d *Demuxer) fetchNextFragment(ctx context.Context, v *variantState, bs *bootstrapState) error {
	refresh := func(ctx context.Context) (*bootstrap.Info, error) {
		return d.refreshBootstrap(ctx, bs)
	}

	segment, fragment, refreshed, err := v.scheduler.Next(ctx, bs.info, d.live, refresh)
	if err != nil {
		return err
	}
	if refreshed != nil {
		bs.info = refreshed
	}

	url := buildFragmentURL(d.baseURL, v.variant.URL, segment, fragment, d.query)
	data, err := d.config.Fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	v.scheduler.FragmentsRead++

	d.logger.Debug("fetched fragment",
		slog.Int("segment", segment),
		slog.Int("fragment", fragment),
		slog.Int("bytes", len(data)))

	box, err := bootstrap.ParseBox(data)
	if err != nil {
		return err
	}

	samples, err := v.decoder.DecodeBody(box.MediaData)
	if err != nil {
		return err
	}

	v.samples = samples
	v.sampleIndex = 0
	return nil
}

// refreshBootstrap refetches a rolled-over live bootstrap.
func (d *Demuxer) refreshBootstrap(ctx context.Context, bs *bootstrapState) (*bootstrap.Info, error) {
	url := buildBootstrapURL(d.baseURL, bs.desc.URL, d.query)

	d.logger.Debug("refreshing bootstrap", slog.String("id", bs.desc.ID))

	blob, err := d.config.Fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}

	box, err := bootstrap.ParseBox(blob)
	if err != nil {
		return nil, err
	}
	if box.Bootstrap == nil {
		return nil, fmt.Errorf("%w: refreshed bootstrap has no abst box", bootstrap.ErrMalformedBox)
	}
	return box.Bootstrap, nil
}

// popSample hands the next buffered sample to the caller, skipping
// samples whose stream was never registered.
func (d *Demuxer) popSample(v *variantState) *Packet {
	for v.sampleIndex < len(v.samples) {
		sample := v.samples[v.sampleIndex]
		v.sampleIndex++

		streamIndex := v.audioStream
		if sample.Kind == flvtag.KindVideo {
			streamIndex = v.videoStream
		}
		if streamIndex < 0 {
			continue
		}

		return &Packet{
			StreamIndex: streamIndex,
			DTS:         sample.Timestamp,
			Kind:        sample.Kind,
			Data:        sample.Data,
		}
	}
	return nil
}

// Close releases all session state. The demuxer cannot be reused.
func (d *Demuxer) Close() {
	for _, v := range d.variants {
		v.samples = nil
		v.sampleIndex = 0
	}
	d.variants = nil
	d.bootstraps = nil
	d.streams = nil
	d.programs = nil
	d.manifest = nil

	d.logger.Debug("session closed")
}
