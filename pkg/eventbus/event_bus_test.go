package eventbus_test

import (
	"bytes"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/iota-uz/iam-demo/pkg/eventbus"
)

type committed struct {
	ID string
}

type reconciled struct {
	Staged int
}

func newBus(t *testing.T) (eventbus.EventBus, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	log := logrus.New()
	log.SetOutput(buf)
	log.SetLevel(logrus.WarnLevel)
	return eventbus.NewEventPublisher(log), buf
}

func TestPublishDeliversToMatchingType(t *testing.T) {
	t.Parallel()
	bus, _ := newBus(t)

	var got committed
	bus.Subscribe(func(ev committed) { got = ev })
	bus.Subscribe(func(ev reconciled) { t.Error("wrong type delivered") })

	bus.Publish(committed{ID: "cr-1"})
	require.Equal(t, "cr-1", got.ID)
}

func TestPublishIsSynchronous(t *testing.T) {
	t.Parallel()
	bus, _ := newBus(t)

	order := make([]string, 0, 2)
	bus.Subscribe(func(ev committed) { order = append(order, "handler") })
	bus.Publish(committed{ID: "cr-1"})
	order = append(order, "after")

	require.Equal(t, []string{"handler", "after"}, order)
}

func TestPublishWithoutSubscribersWarns(t *testing.T) {
	t.Parallel()
	bus, buf := newBus(t)

	bus.Publish(committed{ID: "cr-1"})
	require.Contains(t, buf.String(), "no subscribers")
}

func TestHandlerPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()
	bus, buf := newBus(t)

	delivered := false
	bus.Subscribe(func(ev committed) { panic("boom") })
	bus.Subscribe(func(ev committed) { delivered = true })

	bus.Publish(committed{ID: "cr-1"})
	require.True(t, delivered)
	require.Contains(t, buf.String(), "panicked")
}

func TestInterfaceSubscriberReceivesImplementations(t *testing.T) {
	t.Parallel()
	bus, _ := newBus(t)

	var seen []any
	bus.Subscribe(func(ev any) { seen = append(seen, ev) })

	bus.Publish(committed{ID: "cr-1"})
	bus.Publish(reconciled{Staged: 2})
	require.Len(t, seen, 2)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	bus, _ := newBus(t)

	calls := 0
	handler := func(ev committed) { calls++ }
	bus.Subscribe(handler)
	require.Equal(t, 1, bus.SubscribersCount())

	bus.Publish(committed{})
	bus.Unsubscribe(handler)
	require.Zero(t, bus.SubscribersCount())

	bus.Publish(committed{})
	require.Equal(t, 1, calls)
}

func TestSubscribeRejectsNonHandlerShapes(t *testing.T) {
	t.Parallel()
	bus, _ := newBus(t)

	require.Panics(t, func() { bus.Subscribe("not a func") })
	require.Panics(t, func() { bus.Subscribe(func(a committed, b reconciled) {}) })
	require.Panics(t, func() { bus.Subscribe(func(ev committed) error { return nil }) })
}
