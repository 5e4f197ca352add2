package models

import "time"

// Flag is a presentation-only marker. Flags never leave the process.
type Flag string

const (
	FlagArrived        Flag = "arrived"
	FlagPendingRemoval Flag = "pendingRemoval"
	FlagLikePulse      Flag = "likePulse"
)

// Flags maps a flag to its expiry deadline.
type Flags map[Flag]time.Time

func (f Flags) Has(flag Flag) bool {
	_, ok := f[flag]
	return ok
}

func (f Flags) Clone() Flags {
	if len(f) == 0 {
		return nil
	}
	c := make(Flags, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}
