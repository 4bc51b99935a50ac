package hds

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiseplay-app/hdsdemux/internal/flvtag"
	"github.com/wiseplay-app/hdsdemux/internal/httpclient"
)

// fakeFetcher serves canned responses by URL and records requests.
type fakeFetcher struct {
	responses map[string][]byte
	transient map[string]bool
	requests  []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		responses: make(map[string][]byte),
		transient: make(map[string]bool),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.requests = append(f.requests, url)
	if f.transient[url] {
		return nil, fmt.Errorf("%w: connection reset", httpclient.ErrTransient)
	}
	body, ok := f.responses[url]
	if !ok {
		return nil, fmt.Errorf("fetch %s: not found", url)
	}
	return body, nil
}

// --- fixture builders ---

func be16(v uint16) []byte { return binary.BigEndian.AppendUint16(nil, v) }
func be32(v uint32) []byte { return binary.BigEndian.AppendUint32(nil, v) }
func be64(v uint64) []byte { return binary.BigEndian.AppendUint64(nil, v) }

func be24(v uint32) []byte {
	return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
}

func f4fBox(boxType string, body []byte) []byte {
	out := be32(uint32(8 + len(body)))
	out = append(out, boxType...)
	return append(out, body...)
}

// testBootstrap builds an abst with one segment run of
// fragmentsPerSegment fragments and one fragment run starting at 1.
func testBootstrap(fragmentsPerSegment uint32) []byte {
	var asrtBody []byte
	asrtBody = append(asrtBody, 0)          // version
	asrtBody = append(asrtBody, be24(0)...) // flags
	asrtBody = append(asrtBody, 0)          // quality entries
	asrtBody = append(asrtBody, be32(1)...) // run count
	asrtBody = append(asrtBody, be32(1)...) // first segment
	asrtBody = append(asrtBody, be32(fragmentsPerSegment)...)

	var afrtBody []byte
	afrtBody = append(afrtBody, 0)             // version
	afrtBody = append(afrtBody, be24(0)...)    // flags
	afrtBody = append(afrtBody, be32(1000)...) // timescale
	afrtBody = append(afrtBody, 0)             // quality entries
	afrtBody = append(afrtBody, be32(1)...)    // run count
	afrtBody = append(afrtBody, be32(1)...)    // first fragment
	afrtBody = append(afrtBody, be64(0)...)    // first fragment ts
	afrtBody = append(afrtBody, be32(4000)...) // duration

	var abstBody []byte
	abstBody = append(abstBody, 0)             // version
	abstBody = append(abstBody, be24(0)...)    // flags
	abstBody = append(abstBody, be32(1)...)    // bootstrap version
	abstBody = append(abstBody, 0)             // profile/live/update
	abstBody = append(abstBody, be32(1000)...) // timescale
	abstBody = append(abstBody, be64(0)...)    // current media time
	abstBody = append(abstBody, be64(0)...)    // smpte offset
	abstBody = append(abstBody, 0)             // movie id
	abstBody = append(abstBody, 0)             // server entries
	abstBody = append(abstBody, 0)             // quality entries
	abstBody = append(abstBody, 0)             // drm
	abstBody = append(abstBody, 0)             // metadata
	abstBody = append(abstBody, 1)             // segment table count
	abstBody = append(abstBody, f4fBox("asrt", asrtBody)...)
	abstBody = append(abstBody, 1) // fragment table count
	abstBody = append(abstBody, f4fBox("afrt", afrtBody)...)

	return f4fBox("abst", abstBody)
}

// testAMFMetadata builds an onMetaData payload declaring AVC+AAC.
func testAMFMetadata() []byte {
	var b []byte
	str := func(s string) []byte {
		return append(be16(uint16(len(s))), s...)
	}
	num := func(name string, v float64) []byte {
		out := str(name)
		out = append(out, 0x00)
		return append(out, be64(math.Float64bits(v))...)
	}

	b = append(b, 0x02)
	b = append(b, str("onMetaData")...)
	b = append(b, 0x08)
	b = append(b, be32(0)...)
	b = append(b, num("width", 640)...)
	b = append(b, num("height", 360)...)
	b = append(b, num("audiocodecid", 10)...)
	b = append(b, num("videocodecid", 7)...)
	b = append(b, str("")...)
	b = append(b, 0x09)
	return b
}

var (
	fixtureSPS = []byte{0x67, 0x42, 0xC0, 0x1E}
	fixturePPS = []byte{0x68, 0xCE, 0x06, 0xE2}
)

func flvTag(tagType uint8, dts uint32, body []byte) []byte {
	var b []byte
	b = append(b, tagType&0x1F)
	b = append(b, be24(uint32(len(body)))...)
	b = append(b, be24(dts&0xFFFFFF)...)
	b = append(b, byte(dts>>24))
	b = append(b, be24(0)...)
	b = append(b, body...)
	return append(b, be32(uint32(11+len(body)))...)
}

// testFragment builds an mdat box with an AVC config record, one video
// slice and one audio frame.
func testFragment(baseDTS uint32) []byte {
	confBody := []byte{0x17, 0x00, 0x00, 0x00, 0x00}
	confBody = append(confBody, 0x01, 0x42, 0xC0, 0x1E, 0xFF, 0xE1)
	confBody = append(confBody, be16(uint16(len(fixtureSPS)))...)
	confBody = append(confBody, fixtureSPS...)
	confBody = append(confBody, 0x01)
	confBody = append(confBody, be16(uint16(len(fixturePPS)))...)
	confBody = append(confBody, fixturePPS...)

	nal := []byte{0x65, 0x88, 0x84, 0x00}
	sliceBody := []byte{0x17, 0x01, 0x00, 0x00, 0x00}
	sliceBody = append(sliceBody, be32(uint32(len(nal)))...)
	sliceBody = append(sliceBody, nal...)

	audioBody := append([]byte{0xAF, 0x01}, 0xDE, 0xAD)

	var tags []byte
	tags = append(tags, flvTag(9, baseDTS, confBody)...)
	tags = append(tags, flvTag(9, baseDTS, sliceBody)...)
	tags = append(tags, flvTag(8, baseDTS+21, audioBody)...)

	return f4fBox("mdat", tags)
}

// testManifest builds an F4M document with one inline-bootstrap variant.
func testManifest(streamType string) []byte {
	bootstrapB64 := base64.StdEncoding.EncodeToString(testBootstrap(2))
	metadataB64 := base64.StdEncoding.EncodeToString(testAMFMetadata())

	doc := fmt.Sprintf(`<manifest xmlns="http://ns.adobe.com/f4m/1.0">
  <id>teststream</id>
  <streamType>%s</streamType>
  <bootstrapInfo profile="named" id="b1">
	%s
  </bootstrapInfo>
  <media bitrate="700" url="stream_" bootstrapInfoId="b1">
    <metadata>
	%s
    </metadata>
  </media>
</manifest>`, streamType, bootstrapB64, metadataB64)

	return []byte(doc)
}

func openTestSession(t *testing.T, fetcher *fakeFetcher) *Demuxer {
	t.Helper()

	d := New(Config{Fetcher: fetcher})
	err := d.Open(context.Background(), "https://h/x/y.f4m?auth=K", testManifest("recorded"))
	require.NoError(t, err)
	return d
}

func TestProbe(t *testing.T) {
	assert.Equal(t, ProbeScoreMax, Probe("manifest.f4m"))
	assert.Equal(t, ProbeScoreMax, Probe("https://host/live/MANIFEST.F4M?x=1"))
	assert.Zero(t, Probe("playlist.m3u8"))
	assert.Zero(t, Probe(""))
}

func TestOpenRegistersStreamsAndPrograms(t *testing.T) {
	d := openTestSession(t, newFakeFetcher())
	defer d.Close()

	require.Len(t, d.Streams(), 2)
	video := d.Streams()[0]
	assert.Equal(t, flvtag.KindVideo, video.Kind)
	assert.Equal(t, "h264", video.Codec)
	assert.Equal(t, 640, video.Width)
	assert.Equal(t, 360, video.Height)

	audio := d.Streams()[1]
	assert.Equal(t, flvtag.KindAudio, audio.Kind)
	assert.Equal(t, "aac", audio.Codec)

	require.Len(t, d.Programs(), 1)
	program := d.Programs()[0]
	assert.Equal(t, "Bandwidth: 700 Kbps", program.Name)
	assert.Equal(t, []int{0, 1}, program.Streams)

	assert.False(t, d.Live())
}

func TestOpenRejectsBadURL(t *testing.T) {
	d := New(Config{Fetcher: newFakeFetcher()})
	err := d.Open(context.Background(), "https://h/x/playlist.m3u8", testManifest("recorded"))
	assert.ErrorIs(t, err, ErrBadRequestURL)
}

func TestOpenFetchesRemoteBootstrap(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.responses["https://h/x/stream.bootstrap?auth=K"] = testBootstrap(2)

	doc := []byte(`<manifest>
  <streamType>recorded</streamType>
  <bootstrapInfo id="b1" url="stream.bootstrap"/>
  <media bitrate="700" url="stream_" bootstrapInfoId="b1"/>
</manifest>`)

	d := New(Config{Fetcher: fetcher})
	err := d.Open(context.Background(), "https://h/x/y.f4m?auth=K", doc)
	require.NoError(t, err)
	defer d.Close()

	assert.Contains(t, fetcher.requests, "https://h/x/stream.bootstrap?auth=K")
}

func TestReadPacketPumpsSamples(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.responses["https://h/x/stream_Seg1-Frag1?auth=K"] = testFragment(0)
	fetcher.responses["https://h/x/stream_Seg1-Frag2?auth=K"] = testFragment(4000)

	d := openTestSession(t, fetcher)
	defer d.Close()

	var packets []*Packet
	for {
		pkt, err := d.ReadPacket(context.Background())
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		require.NoError(t, err)
		require.NotNil(t, pkt)
		packets = append(packets, pkt)
	}

	// 2 fragments x (1 video + 1 audio sample).
	require.Len(t, packets, 4)

	video := packets[0]
	assert.Equal(t, flvtag.KindVideo, video.Kind)
	assert.Equal(t, 0, video.StreamIndex)
	assert.Equal(t, int64(0), video.DTS)
	// The first sample after a configuration record opens with the
	// parameter sets in Annex-B form.
	wantPrefix := append([]byte{0, 0, 0, 1}, fixtureSPS...)
	wantPrefix = append(wantPrefix, append([]byte{0, 0, 0, 1}, fixturePPS...)...)
	assert.True(t, bytes.HasPrefix(video.Data, wantPrefix), "video payload lacks SPS/PPS prefix")

	audio := packets[1]
	assert.Equal(t, flvtag.KindAudio, audio.Kind)
	assert.Equal(t, 1, audio.StreamIndex)
	assert.Equal(t, int64(21), audio.DTS)
	assert.Equal(t, []byte{0xDE, 0xAD}, audio.Data)

	// Timestamps are non-decreasing across the session.
	var last int64 = -1
	for _, pkt := range packets {
		assert.GreaterOrEqual(t, pkt.DTS, last)
		last = pkt.DTS
	}
}

func TestReadPacketTransientFetchReturnsNoData(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.transient["https://h/x/stream_Seg1-Frag1?auth=K"] = true

	d := openTestSession(t, fetcher)
	defer d.Close()

	pkt, err := d.ReadPacket(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, pkt)
}

func TestReadPacketFatalFetchPropagates(t *testing.T) {
	// No fragment responses registered: the stub returns a plain error.
	d := openTestSession(t, newFakeFetcher())
	defer d.Close()

	_, err := d.ReadPacket(context.Background())
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrEndOfStream)
}

func TestReadPacketDiscardedStreamsSkipVariant(t *testing.T) {
	d := openTestSession(t, newFakeFetcher())
	defer d.Close()

	d.SetDiscard(0, true)
	d.SetDiscard(1, true)

	pkt, err := d.ReadPacket(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, pkt)
}

func TestReadPacketQueryPreserved(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.responses["https://h/x/stream_Seg1-Frag1?auth=K"] = testFragment(0)

	d := openTestSession(t, fetcher)
	defer d.Close()

	_, err := d.ReadPacket(context.Background())
	require.NoError(t, err)

	assert.Contains(t, fetcher.requests, "https://h/x/stream_Seg1-Frag1?auth=K")
}

func TestOpenVariantWithoutCodecsRegistersNoStreams(t *testing.T) {
	bootstrapB64 := base64.StdEncoding.EncodeToString(testBootstrap(2))
	doc := []byte(fmt.Sprintf(`<manifest>
  <streamType>recorded</streamType>
  <bootstrapInfo id="b1">%s</bootstrapInfo>
  <media bitrate="700" url="stream_" bootstrapInfoId="b1"/>
</manifest>`, bootstrapB64))

	d := New(Config{Fetcher: newFakeFetcher()})
	err := d.Open(context.Background(), "https://h/x/y.f4m", doc)
	require.NoError(t, err)
	defer d.Close()

	assert.Empty(t, d.Streams())

	// With no registered streams the variant is never selected.
	pkt, err := d.ReadPacket(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, pkt)
}

func TestReadPacketInterrupted(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.responses["https://h/x/stream_Seg1-Frag1?auth=K"] = testFragment(0)

	d := openTestSession(t, fetcher)
	defer d.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The fake fetcher ignores the context, so emulate the production
	// classification directly: a canceled context propagates.
	interruptFetcher := &ctxFetcher{}
	d.config.Fetcher = interruptFetcher

	_, err := d.ReadPacket(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// ctxFetcher fails with the context error, as the HTTP fetcher does
// when the host cancels.
type ctxFetcher struct{}

func (f *ctxFetcher) Fetch(ctx context.Context, _ string) ([]byte, error) {
	return nil, ctx.Err()
}
