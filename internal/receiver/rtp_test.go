package receiver

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSDPForSSRCFormatL16Stereo(t *testing.T) {
	sdp := "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=audio 5004 RTP/AVP 97\r\n" +
		"a=rtpmap:97 L16/48000/2\r\na=ssrc:12345 cname:stream1\r\n"
	ssrc, format, err := parseSDPForSSRCFormat(sdp)
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), ssrc)
	assert.Equal(t, 48000, format.SampleRate)
	assert.Equal(t, 2, format.Channels)
	assert.Equal(t, 16, format.BitDepth)
}

func TestSAPRegistryFallsBackToDefault(t *testing.T) {
	reg := NewSAPRegistry()
	v := RTPVariant{SAP: reg}

	p := &rtp.Packet{Header: rtp.Header{SSRC: 999, Timestamp: 42}, Payload: []byte{1, 2, 3, 4}}
	buf, err := p.Marshal()
	require.NoError(t, err)

	pkt, err := v.ProcessAndValidatePayload(buf, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, defaultRTPFormat.SampleRate, pkt.SampleRate)
	assert.Equal(t, defaultRTPFormat.Channels, pkt.Channels)
	assert.Equal(t, uint32(42), pkt.RTPTimestamp)
}

func TestSAPRegistryResolvesAnnouncedFormat(t *testing.T) {
	reg := NewSAPRegistry()
	l := NewSAPListener(reg)
	sdp := "a=rtpmap:97 L24/96000/6\r\na=ssrc:555 cname:x\r\n"
	require.NoError(t, l.HandleAnnouncement([]byte(sdp)))

	v := RTPVariant{SAP: reg}
	p := &rtp.Packet{Header: rtp.Header{SSRC: 555}, Payload: []byte{1, 2, 3, 4, 5, 6}}
	buf, err := p.Marshal()
	require.NoError(t, err)

	pkt, err := v.ProcessAndValidatePayload(buf, nil, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 96000, pkt.SampleRate)
	assert.Equal(t, 6, pkt.Channels)
	assert.Equal(t, 24, pkt.BitDepth)
}
