package vtime

import "encoding/gob"

func init() {
	gob.Register(&SchedulerSnapshot{})
}
