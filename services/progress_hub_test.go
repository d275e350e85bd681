package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(ch <-chan ProgressEvent) []ProgressEvent {
	var out []ProgressEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestProgressHubFansOutPerJob(t *testing.T) {
	hub := NewProgressHub()
	a, unsubA := hub.Subscribe("job-1")
	b, unsubB := hub.Subscribe("job-1")
	other, unsubOther := hub.Subscribe("job-2")
	defer unsubA()
	defer unsubB()
	defer unsubOther()

	hub.Publish("job-1", ProgressEvent{Type: EventProgress, JobID: "job-1", OverallPercent: 10})

	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(b), 1)
	assert.Empty(t, drain(other))
	assert.Equal(t, 2, hub.SubscriberCount("job-1"))
}

func TestProgressHubDropsOldestForSlowSubscriber(t *testing.T) {
	hub := NewProgressHub()
	ch, unsubscribe := hub.Subscribe("job")
	defer unsubscribe()

	total := subscriberBuffer + 8
	for i := 1; i <= total; i++ {
		hub.Publish("job", ProgressEvent{Type: EventProgress, OverallPercent: i})
	}
	hub.Publish("job", ProgressEvent{Type: EventComplete, OverallPercent: 100})

	events := drain(ch)
	require.Len(t, events, subscriberBuffer)
	assert.Equal(t, total-subscriberBuffer+2, events[0].OverallPercent)
	assert.True(t, events[len(events)-1].IsTerminal(), "the newest event always survives")
}

func TestProgressHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewProgressHub()
	ch, unsubscribe := hub.Subscribe("job")

	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	assert.False(t, ok)
	assert.Zero(t, hub.SubscriberCount("job"))

	// publishing after unsubscribe must not panic
	hub.Publish("job", ProgressEvent{Type: EventProgress})
}
