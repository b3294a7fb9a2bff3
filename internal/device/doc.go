// Package device describes the lock controllers wired to the host.
//
// A Device is a small positive integer ID, a label shown to members and a
// transport kind (usb, bus or virtual). The Registry is built once from
// configuration and is immutable afterwards.
//
// # Usage
//
//	registry, err := device.FromConfig(cfg.Devices)
//	if err != nil {
//	    return err // operator error, abort startup
//	}
//	for _, d := range registry.List() {
//	    fmt.Println(d)
//	}
package device
