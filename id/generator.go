package id

import "github.com/maxpert/shardkeeper/hlc"

// Generator hands out unique, roughly time-ordered identifiers. Routers use
// it for cursor ids so that ids from different router nodes never collide.
type Generator interface {
	NextID() int64
}

// HLCGenerator packs HLC readings into positive int64 ids.
type HLCGenerator struct {
	clock *hlc.Clock
}

func NewHLCGenerator(clock *hlc.Clock) *HLCGenerator {
	return &HLCGenerator{clock: clock}
}

// NextID never returns 0; a zero cursor id means "exhausted" on the wire.
func (g *HLCGenerator) NextID() int64 {
	for {
		v := int64(g.clock.Now().Pack() & (1<<63 - 1))
		if v != 0 {
			return v
		}
	}
}
