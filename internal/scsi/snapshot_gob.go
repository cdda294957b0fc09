package scsi

import "encoding/gob"

func init() {
	gob.Register(&BusSnapshot{})
}
