package integration

import (
	"bufio"
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/kotonoha/classchat/server/api/sse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readSSEEvent scans the stream until a full "event:"/"data:" pair arrives.
func readSSEEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && event != "":
			return event, data
		}
	}
}

func TestSSEStream(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	token, _ := ts.Register(t, UniqueID("sse"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/sse?token="+token, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)

	event, _ := readSSEEvent(t, reader)
	assert.Equal(t, "connected", event)

	// An announcement published on the bus reaches the stream.
	require.NoError(t, ts.PubSub.Publish(ctx, sse.AnnounceChannel, `{"type":"announcement","text":"fire drill"}`))
	event, data := readSSEEvent(t, reader)
	assert.Equal(t, "announce", event)
	assert.Contains(t, data, "fire drill")

	// So does a presence transition.
	require.NoError(t, ts.PubSub.Publish(ctx, sse.PresenceChannel, `{"user_id":1,"status":"online"}`))
	event, data = readSSEEvent(t, reader)
	assert.Equal(t, "presence", event)
	assert.Contains(t, data, "online")
}

func TestSSEAuth(t *testing.T) {
	ts := NewTestServer(t)
	defer ts.Close()

	resp := ts.Get(t, "/sse", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = ts.Get(t, "/sse?token=bogus", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}
