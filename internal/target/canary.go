package target

// canaryByte is the fill value written just above the highest RAM address
// in use; overwritten bytes mark how deep the stack actually grew.
const canaryByte = 0xAA

// maxCanaryLen caps how much of RAM gets clobbered with filler, even on a
// target with a huge gap between the heap/static data and the initial SP.
const maxCanaryLen = 1024

// canary is the installed stack-overflow detector: a run of canaryByte
// written just above the highest RAM address anything else uses.
type canary struct {
	addr uint32
	len  uint32
}

// decideCanary decides whether installing a stack canary is safe: only
// when there's exactly one known RAM region, some of it is actually in
// use, the firmware doesn't use a heap (which grows toward the stack from
// the opposite end), and the initial stack pointer sits above the region
// already in use.
func decideCanary(singleRAMRegionKnown bool, highestRAMAddrInUse uint32, usesHeap bool, sp uint32, ramEnd uint32) (canary, bool) {
	if !singleRAMRegionKnown || highestRAMAddrInUse == 0 || usesHeap {
		return canary{}, false
	}
	if sp-1 >= ramEnd {
		return canary{}, false
	}
	if sp <= highestRAMAddrInUse {
		return canary{}, false
	}

	available := sp - highestRAMAddrInUse - 1
	length := available / 10
	if length > maxCanaryLen {
		length = maxCanaryLen
	}
	return canary{addr: highestRAMAddrInUse + 1, len: length}, true
}

// fill returns the canaryByte-filled buffer to write at install time.
func (c canary) fill() []byte {
	buf := make([]byte, c.len)
	for i := range buf {
		buf[i] = canaryByte
	}
	return buf
}

// measure scans the canary region read back post-run and, if any byte was
// overwritten, reports the minimum stack usage in bytes: sp minus the
// lowest overwritten address.
func (c canary) measure(readBack []byte, sp uint32) (minStackUsage uint32, overflowed bool) {
	for i, b := range readBack {
		if b != canaryByte {
			addr := c.addr + uint32(i)
			return sp - addr, true
		}
	}
	return 0, false
}
