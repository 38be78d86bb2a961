package relaybus

import "errors"

// ErrBusClosed is returned by MemoryBus's Send/Subscribe once Close has
// been called.
var ErrBusClosed = errors.New("relaybus: bus is closed")
