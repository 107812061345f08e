package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tumurzakov/myrepetl/pkg/model"
)

func TestPublish_DeliversToNamedSubscriber(t *testing.T) {
	b := New(4)
	ch := b.Subscribe("target_a")

	ev := &model.RowEvent{EventID: "e1", Kind: model.EventInsert}
	b.Publish(model.NewDataMessage("target_a", model.MappingKey{}, ev))

	select {
	case msg := <-ch:
		assert.Equal(t, "e1", msg.Event.EventID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestPublish_BroadcastReachesEverySubscriber(t *testing.T) {
	b := New(4)
	chA := b.Subscribe("a")
	chB := b.Subscribe("b")

	b.PublishShutdown()

	for _, ch := range []<-chan *model.Message{chA, chB} {
		select {
		case msg := <-ch:
			assert.True(t, msg.IsControl())
			assert.Equal(t, model.ControlShutdown, msg.Control)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for broadcast")
		}
	}
}

func TestPublish_DropsWhenFullWithoutBlocking(t *testing.T) {
	b := New(1)
	b.Subscribe("a")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			b.Publish(model.NewDataMessage("a", model.MappingKey{}, &model.RowEvent{}))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber queue")
	}

	stats := b.Stats()
	assert.GreaterOrEqual(t, stats.Dropped, int64(1))
	assert.Equal(t, int64(5), stats.Published)
}

func TestPublish_UnknownTargetIsANoOp(t *testing.T) {
	b := New(4)
	require.NotPanics(t, func() {
		b.Publish(model.NewDataMessage("nobody", model.MappingKey{}, &model.RowEvent{}))
	})
	assert.Equal(t, int64(0), b.Stats().Published)
}

func TestStats_TracksPeakSize(t *testing.T) {
	b := New(4)
	b.Subscribe("a")
	for i := 0; i < 3; i++ {
		b.Publish(model.NewDataMessage("a", model.MappingKey{}, &model.RowEvent{}))
	}
	assert.Equal(t, int64(3), b.Stats().Peak)
}
