package addrmap

import "encoding/gob"

func init() {
	gob.Register(&MapSnapshot{})
}
