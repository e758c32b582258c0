package connection

import (
	"github.com/cri-o/busconn/internal/dataslot"
)

// NoSlot is the value a slot variable has to be initialized with.
const NoSlot = dataslot.Unallocated

var connectionSlots = dataslot.NewAllocator("connection")

// AllocateDataSlot stores a slot ID usable with every connection into
// *slot. If *slot already holds one its reference count is increased, so
// the same variable can be shared by independent users.
func AllocateDataSlot(slot *int32) error {
	return connectionSlots.Allocate(slot)
}

// FreeDataSlot drops a reference to *slot, which is reset to NoSlot once
// unused. Data stored in the slot is not released.
func FreeDataSlot(slot *int32) {
	connectionSlots.Free(slot)
}

// SetData stores data in slot. The previous data of the slot is released
// through its free function, without the connection lock held.
func (c *Connection) SetData(slot int32, data any, free func(any)) error {
	c.lock()
	if c.fail("set-data") {
		c.unlock()
		return ErrNoMemory
	}
	old, err := c.slots.Set(connectionSlots, slot, data, free)
	c.unlock()
	if err != nil {
		return err
	}
	old.Release()
	return nil
}

// Data returns the data stored in slot or nil.
func (c *Connection) Data(slot int32) any {
	c.lock()
	defer c.unlock()
	return c.slots.Get(connectionSlots, slot)
}
