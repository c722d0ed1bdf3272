package sender_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/engine/internal/sender"
)

func TestRTPSenderSendsConsecutivePayloadsWithoutError(t *testing.T) {
	s := sender.NewRTPSender("127.0.0.1:40200", 97, 0x1234, 48000, 2, 16, 0)
	require.NoError(t, s.Setup())
	defer s.Close()

	payload := make([]byte, 2*2*10) // 10 frames, stereo, 16-bit
	assert.NoError(t, s.SendPayload(payload, nil))
	assert.NoError(t, s.SendPayload(payload, nil))
}

func TestRTPSenderMP3ModeSendsRepeatedlyWithoutError(t *testing.T) {
	s := sender.NewRTPSender("127.0.0.1:40201", 0, 0xbeef, 48000, 2, 16, 0)
	s.EnableMP3(14)
	require.NoError(t, s.Setup())
	defer s.Close()

	// Marker-bit bookkeeping is internal; this exercises the code path
	// without panicking across repeated sends.
	for i := 0; i < 3; i++ {
		assert.NoError(t, s.SendPayload([]byte{0x01, 0x02}, nil))
	}
}

func TestRTPSenderSendsWithMoreThanFifteenCSRCs(t *testing.T) {
	s := sender.NewRTPSender("127.0.0.1:40202", 97, 0xabcd, 48000, 2, 16, 0)
	require.NoError(t, s.Setup())
	defer s.Close()

	csrcs := make([]string, 20)
	for i := range csrcs {
		csrcs[i] = "path-" + string(rune('a'+i))
	}
	assert.NoError(t, s.SendPayload(make([]byte, 4), csrcs))
}
