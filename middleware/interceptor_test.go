package middleware

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"pbrpc/client"
)

func newInfo() *client.MethodInvocationInfo {
	return &client.MethodInvocationInfo{Method: "ping", Signature: "Echo!ping", Args: []any{"hi"}}
}

func TestRateLimitInterceptor(t *testing.T) {
	i := NewRateLimitInterceptor(1, 2)
	for n := 0; n < 2; n++ {
		result, err := i.Process(newInfo())
		require.NoError(t, err)
		assert.Nil(t, result)
	}
	_, err := i.Process(newInfo())
	assert.True(t, errors.Is(err, ErrRateLimited))
}

func TestLoggingInterceptor(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	i := NewLoggingInterceptor(zap.New(core))
	i.BeforeInvoke(newInfo())

	entries := logs.FilterMessage("invoke").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Echo!ping", entries[0].ContextMap()["signature"])
}

type recorder struct {
	name   string
	result any
	log    *[]string
}

func (r *recorder) BeforeInvoke(*client.MethodInvocationInfo) { *r.log = append(*r.log, r.name+".before") }
func (r *recorder) AfterProcess() { *r.log = append(*r.log, r.name+".after") }

func (r *recorder) Process(*client.MethodInvocationInfo) (any, error) {
	*r.log = append(*r.log, r.name+".process")
	return r.result, nil
}

func TestChainInterceptors(t *testing.T) {
	var log []string
	chain := ChainInterceptors(
		&recorder{name: "a", log: &log},
		&recorder{name: "b", result: "cached", log: &log},
		&recorder{name: "c", log: &log},
	)

	chain.BeforeInvoke(newInfo())
	result, err := chain.Process(newInfo())
	chain.AfterProcess()

	require.NoError(t, err)
	assert.Equal(t, "cached", result)
	assert.Equal(t, []string{
		"a.before", "b.before", "c.before",
		"a.process", "b.process",
		"c.after", "b.after", "a.after",
	}, log)
}
