// Package radio binds the link state machine and the receiver's GATT server
// to the host Bluetooth stack.
package radio

import (
	"slices"

	"github.com/gsthumb/thumbctl/src/link"
)

const (
	serviceHandle uint16 = 1
	defaultATTMTU uint16 = 23
)

// notifiable characteristics get a client-config descriptor in the table.
var notifiable = map[uint16]bool{
	link.UUIDDataNotify:   true,
	link.UUIDStatusNotify: true,
	link.UUIDHeartbeat:    true,
}

// table is a synthesized attribute table. The host stack hides raw handles,
// so handles are assigned here in characteristic UUID order.
type table struct {
	attrs  []link.Attribute
	values map[uint16]int    // value handle -> index into discovered chars
	cfgs   map[uint16]uint16 // config handle -> value handle
}

func layout(uuids []uint16) table {
	order := make([]int, len(uuids))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return int(uuids[a]) - int(uuids[b])
	})

	t := table{
		attrs:  []link.Attribute{{Handle: serviceHandle, UUID: link.UUIDService}},
		values: map[uint16]int{},
		cfgs:   map[uint16]uint16{},
	}
	next := serviceHandle + 1
	for _, i := range order {
		value := next
		t.attrs = append(t.attrs, link.Attribute{Handle: value, UUID: uuids[i]})
		t.values[value] = i
		next++
		if notifiable[uuids[i]] {
			t.attrs = append(t.attrs, link.Attribute{Handle: next, UUID: link.UUIDClientConfig})
			t.cfgs[next] = value
			next++
		}
	}
	return t
}

func (t table) end() uint16 {
	if len(t.attrs) == 0 {
		return serviceHandle
	}
	return t.attrs[len(t.attrs)-1].Handle
}
