package portpool_test

import (
	"context"
	"testing"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screamrouter/engine/internal/portpool"
	"github.com/screamrouter/engine/internal/telemetry"
)

func TestAllocateReturnsPortFromScript(t *testing.T) {
	client, mock := redismock.NewClientMock()
	a := portpool.New(client, telemetry.NewNop(), 20000, 20010)

	mock.Regexp().ExpectEvalSha(`.*`, []string{"{screamrouter:ports}:available", "{screamrouter:ports}:allocated:.*"}).SetVal(int64(20002))
	mock.Regexp().ExpectEval(`.*`, []string{"{screamrouter:ports}:available", "{screamrouter:ports}:allocated:.*"}).SetVal(int64(20002))
	mock.Regexp().ExpectExpire(`.*`, 0).SetVal(true)

	port, err := a.Allocate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20002, port)
}

func TestAllocateNoPortsAvailableReturnsError(t *testing.T) {
	client, mock := redismock.NewClientMock()
	a := portpool.New(client, telemetry.NewNop(), 20000, 20010)

	mock.Regexp().ExpectEvalSha(`.*`, []string{"{screamrouter:ports}:available", "{screamrouter:ports}:allocated:.*"}).SetVal(int64(-1))
	mock.Regexp().ExpectEval(`.*`, []string{"{screamrouter:ports}:available", "{screamrouter:ports}:allocated:.*"}).SetVal(int64(-1))
	mock.ExpectSCard("{screamrouter:ports}:available").SetVal(0)

	_, err := a.Allocate(context.Background())
	assert.Error(t, err)
}
