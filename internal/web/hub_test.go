package web_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"storyloom/server/internal/web"
)

func TestBroadcastCountsDroppedEvents(t *testing.T) {
	// No Run loop draining the queue, so it fills and overflows.
	hub := web.NewHub()

	for i := 0; i < 1000; i++ {
		hub.Broadcast(web.Event{Type: "sync_completed", ProjectID: "proj-1"})
	}
	assert.Equal(t, int64(0), hub.DroppedEvents())

	hub.Broadcast(web.Event{Type: "sync_completed", ProjectID: "proj-1"})
	hub.Broadcast(web.Event{Type: "conflicts_detected", ProjectID: "proj-1"})
	assert.Equal(t, int64(2), hub.DroppedEvents())

	assert.Equal(t, 0, hub.GetClientCount())
}
