// Package memoryhost provides an in-memory sessions.SessionHost. All state is
// ephemeral and discarded on process exit.
//
// Characteristics
//
//	Durability        : none (RAM only)
//	Horizontal scale  : no (process local)
//	Ordering          : FIFO per session, monotonic decimal event IDs
//	Delivery          : each frame handed to the single subscriber once
//	Suspension        : subscriber blocks on a notify channel, no polling
//
// Example:
//
//	host := memoryhost.New()
//	tr := ssetransport.New(host, engine)
package memoryhost
