package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sessionguard/internal/model"
)

func TestDeliveryCacheRedelivered(t *testing.T) {
	c := NewDeliveryCache()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ev := model.RequestEvent{SessionID: "s1", Method: "GET", Endpoint: "/a", Timestamp: now, DeliveryID: "file/access.log/0/120"}

	require.False(t, c.Redelivered(ev, now, time.Minute))
	require.True(t, c.Redelivered(ev, now.Add(30*time.Second), time.Minute))
	require.False(t, c.Redelivered(ev, now.Add(2*time.Minute), time.Minute))

	other := ev
	other.DeliveryID = "file/access.log/0/180"
	require.False(t, c.Redelivered(other, now, time.Minute))
	require.Equal(t, 2, c.Len())

	c.Clear()
	require.Zero(t, c.Len())
}

func TestDeliveryCacheIgnoresEventsWithoutDeliveryID(t *testing.T) {
	c := NewDeliveryCache()
	now := time.Unix(1760000000, 0).UTC()
	ev := model.RequestEvent{SessionID: "s1", Method: "GET", Endpoint: "/api/data", Timestamp: now}

	for i := 0; i < 20; i++ {
		require.False(t, c.Redelivered(ev, now.Add(time.Duration(i)*50*time.Millisecond), 2*time.Second))
	}
	require.Zero(t, c.Len())
}
