package sse

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSend(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	require.NoError(t, Send(w, Event{ID: "7", Event: "progress", Data: map[string]int{"percent": 40}}))
	assert.Equal(t, "id: 7\nevent: progress\ndata: {\"percent\":40}\n\n", buf.String())

	buf.Reset()
	require.NoError(t, Send(w, Event{Data: "plain"}))
	assert.Equal(t, "data: plain\n\n", buf.String())
}

func TestPumpStopsAfterTerminalItem(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	ch := make(chan string, 4)
	ch <- "one"
	ch <- "done"
	ch <- "never sent"

	err := Pump(w, ch,
		func(s string) Event { return Event{Event: "msg", Data: s} },
		func(s string) bool { return s == "done" },
		time.Hour,
	)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "data: one")
	assert.Contains(t, buf.String(), "data: done")
	assert.NotContains(t, buf.String(), "never sent")
}

func TestPumpSendsKeepAliveWhileIdle(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	ch := make(chan string)
	go func() {
		time.Sleep(60 * time.Millisecond)
		close(ch)
	}()

	require.NoError(t, Pump(w, ch, func(s string) Event { return Event{Data: s} }, nil, 10*time.Millisecond))
	assert.Contains(t, buf.String(), ": ping\n\n")
}
