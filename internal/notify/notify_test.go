package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/coordctl/internal/eventbus"
)

func TestHandleEventNoopWithNilConn(t *testing.T) {
	b := NewBridge(nil, "", nil)
	err := b.HandleEvent(context.Background(), eventbus.Event{Type: "hierarchy:registered", Timestamp: time.Now()})
	assert.NoError(t, err)
}

func TestAttachRegistersOnBus(t *testing.T) {
	b := NewBridge(nil, "coordctl.events", nil)
	bus := eventbus.New()

	sub, err := b.Attach(bus)
	require.NoError(t, err)
	defer sub.Close()

	err = bus.Publish(context.Background(), eventbus.Event{Type: "flag:changed"})
	assert.NoError(t, err)
}

func TestCloseNilConnDoesNotPanic(t *testing.T) {
	b := NewBridge(nil, "", nil)
	assert.NotPanics(t, func() { b.Close() })
}

func TestNewBridgeDefaultsSubjectPrefix(t *testing.T) {
	b := NewBridge(nil, "", nil)
	assert.Equal(t, "coordctl.events", b.subjectPrefix)
}
