package radio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gsthumb/thumbctl/src/link"
)

func TestLayoutMatchesReceiverSchema(t *testing.T) {
	for _, heartbeat := range []bool{false, true} {
		uuids := []uint16{link.UUIDStatusNotify, link.UUIDDataReceive, link.UUIDCommand, link.UUIDDataNotify}
		if heartbeat {
			uuids = append(uuids, link.UUIDHeartbeat)
		}
		tab := layout(uuids)

		got := make([]uint16, len(tab.attrs))
		for i, a := range tab.attrs {
			got[i] = a.UUID
			assert.Equal(t, uint16(i+1), a.Handle)
		}
		assert.Equal(t, link.Schema(heartbeat), got)
		assert.Equal(t, tab.attrs[len(tab.attrs)-1].Handle, tab.end())
	}
}

func TestLayoutMapsHandlesToDiscoveryOrder(t *testing.T) {
	uuids := []uint16{link.UUIDStatusNotify, link.UUIDDataReceive, link.UUIDCommand, link.UUIDDataNotify}
	tab := layout(uuids)

	// 1 service, 2 receive, 3 notify, 4 its config, 5 command, 6 status, 7 its config
	assert.Equal(t, 1, tab.values[2])
	assert.Equal(t, 3, tab.values[3])
	assert.Equal(t, 2, tab.values[5])
	assert.Equal(t, 0, tab.values[6])

	require.Len(t, tab.cfgs, 2)
	assert.Equal(t, uint16(3), tab.cfgs[4])
	assert.Equal(t, uint16(6), tab.cfgs[7])
}

func TestEmptyLayout(t *testing.T) {
	tab := layout(nil)
	assert.Len(t, tab.attrs, 1)
	assert.Equal(t, serviceHandle, tab.end())
}
