package dbdma

import "encoding/gob"

func init() {
	gob.Register(&ChannelSnapshot{})
}
