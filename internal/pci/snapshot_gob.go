package pci

import "encoding/gob"

func init() {
	gob.Register(&HostSnapshot{})
	gob.Register(&DeviceSnapshot{})
}
