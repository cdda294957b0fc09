package irq

import "encoding/gob"

func init() {
	gob.Register(&ControllerSnapshot{})
}
