package idgen

import (
	"fmt"
	"sync/atomic"
)

// Int64 returns values 1,2,3...
// Zero is never generated, and values are never reused for the lifetime of the generator.
type Int64 struct {
	next atomic.Int64
}

func (u *Int64) Next() int64 {
	return u.next.Add(1)
}

// Last returns the most recently generated value, or zero if nothing has been generated yet
func (u *Int64) Last() int64 {
	return u.next.Load()
}

// Display produces short human readable labels such as "P-1", "P-2"...
type Display struct {
	Prefix string
	seq    Int64
}

func (d *Display) Next() string {
	return fmt.Sprintf("%v-%v", d.Prefix, d.seq.Next())
}
