package server

import (
	"bufio"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestSessionWriteLogsUnencodableResponse(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	env := newTestEnv()
	srv := New(env.opts, env.deps(), zap.New(core))
	sess, client := pipeSession(t, srv)

	written := make(chan error, 1)
	go func() {
		written <- sess.write(success(TypePatientSignals, map[string]any{"bad": func() {}}))
	}()

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	line, err := bufio.NewReader(client).ReadString('\n')
	require.NoError(t, err)
	require.NoError(t, <-written)

	var resp decoded
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	assert.Equal(t, TypePatientSignals, resp.Type)
	assert.Equal(t, StatusError, resp.Status)
	assert.Equal(t, "internal error", resp.Message)

	failed := logs.FilterMessage("encode response failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, string(TypePatientSignals), failed[0].ContextMap()["type"])
	assert.Equal(t, sess.ID(), failed[0].ContextMap()["session_id"])
}
