package sender_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/screamrouter/engine/internal/sender"
)

func TestScreamSenderSetupAndSendPayloadDoesNotErrorBeforeClose(t *testing.T) {
	s := sender.NewScreamSender("127.0.0.1:40100", 48000, 16, 2, 0x00, 0x00)
	require := assert.New(t)
	require.NoError(s.Setup())
	defer s.Close()

	payload := make([]byte, 4)
	require.NoError(s.SendPayload(payload, nil))
	require.False(s.IsClosed())
}

func TestScreamSenderCloseIsIdempotent(t *testing.T) {
	s := sender.NewScreamSender("127.0.0.1:40101", 48000, 16, 2, 0x00, 0x00)
	assert.NoError(t, s.Setup())
	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.True(t, s.IsClosed())
}

func TestScreamSenderNeverRequestsTimeoutCleanup(t *testing.T) {
	s := sender.NewScreamSender("127.0.0.1:40102", 48000, 16, 2, 0x00, 0x00)
	assert.False(t, s.ShouldCleanupDueToTimeout())
}
