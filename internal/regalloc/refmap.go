package regalloc

import (
	"github.com/vela-vm/vela/internal/bitset"
)

// assignReferenceMaps fills, for every safepoint, the register and frame
// reference bitmaps from the intervals covering the safepoint's operation
// id. A reference simultaneously held in a register and in its spill slot
// contributes both bits, so stack walking after a register-killing event
// still finds it.
func (a *Allocator) assignReferenceMaps() {
	for _, b := range a.graph.LinearOrder {
		for _, in := range b.Instrs {
			if in.Info == nil {
				continue
			}
			regMap := bitset.New(a.cfg.NumRegs)
			frameMap := a.frameMap.NewRefMap()

			for _, root := range a.intervals {
				if root.fixed || !root.isSplitParent() || !root.kind.IsReference() {
					continue
				}
				it := a.childCovering(root, in.Id)
				if it == nil {
					continue
				}
				inMemory := it.assigned == None ||
					root.spillState == SpillStoreAtDefinition ||
					root.spillState == SpillStartInMemory
				if it.assigned != None {
					regMap.Set(int(it.assigned))
				}
				if inMemory && root.spillSlot != None {
					frameMap.Set(a.frameMap.RefMapIndexForSpillSlot(root.spillSlot))
				}
			}

			in.Info.RegRefMap = regMap
			in.Info.FrameRefMap = frameMap
		}
	}
}
