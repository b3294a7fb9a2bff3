// Package link carries the line protocol between the host and the lock
// controllers.
//
// Every controller speaks the same ';'-terminated text protocol regardless
// of how it is wired:
//
//	controller -> host   new_read:<key_id>;
//	host -> controller   order:unlock;  order:lock;  order:denied;
//	controller -> host   confirm:unlock;  confirm:lock;
//
// # Transports
//
//	┌──────────────┐  USB-serial (115200)   ┌──────────────┐
//	│              │◄──────────────────────►│ controller 10│
//	│     Host     │                        └──────────────┘
//	│  (Crawler)   │  RS-485 (9600, shared) ┌──────────────┐
//	│              │◄──────────┬───────────►│ controller 20│
//	└──────────────┘           └───────────►│ controller 30│
//	                                        └──────────────┘
//
//   - USBLink: one serial port per controller, located by USB serial
//     number. A pump goroutine waits for the confirm:ready banner and then
//     moves frames between the port and two queues.
//   - BusLink: one address on the shared half-duplex line. Frames carry a
//     "<id>:" prefix and every exchange holds the Bus mutex, including the
//     direction switch and turnaround. Controllers only talk when asked, so
//     Recv sends ask_for_new and an order's reply is kept for the next Recv.
//   - VirtualLink: in-memory controller used by the simulator and tests.
//
// # Usage
//
//	links, err := link.OpenAll(ctx, registry.List(), link.Options{Bus: bus, Logger: log})
//	if err != nil {
//	    return err
//	}
//	defer link.StopAll(links)
//
// # Thread Safety
//
// All link types are safe for concurrent use. The protocol itself assumes
// a single reader per controller.
package link
