package dfu

import "context"

// DfuSe block-0 command bytes (ST AN3156 §3.2).
const (
	cmdGetCommands uint8 = 0x00
	cmdSetAddress  uint8 = 0x21
	cmdEraseSector uint8 = 0x41
)

// dfuseEngine extends the plain DFU protocol with ST's address-targeting
// commands. It embeds the same protocol primitives plainEngine uses and
// reuses readBlocks for the UPLOAD loop.
type dfuseEngine struct {
	p              *protocol
	mm             *MemoryMap
	startAddr      *uint32 // nil means "use first segment's start"
	boundToSegment bool    // opt-in: bound an unbounded Read to the contiguous readable run
}

func newDfuseEngine(t Transport, iface uint8, mm *MemoryMap) *dfuseEngine {
	return &dfuseEngine{p: &protocol{t: t, iface: iface}, mm: mm}
}

// SetStartAddress overrides the address DfuSe read/write operations target
// (see Session.SetDfuseStartAddress).
func (e *dfuseEngine) SetStartAddress(addr uint32) { e.startAddr = &addr }

// SetBoundUnboundedRead opts an unbounded Read (hasMaxSize == false) into
// stopping at the end of the contiguous readable run starting at the
// target address, instead of reading until a short block (see
// Session.SetDfuseBoundUnboundedRead).
func (e *dfuseEngine) SetBoundUnboundedRead(v bool) { e.boundToSegment = v }

func (e *dfuseEngine) resolveStartAddr() uint32 {
	if e.startAddr != nil {
		return *e.startAddr
	}
	if len(e.mm.Segments) > 0 {
		return e.mm.Segments[0].Start
	}
	return 0
}

// segmentFor returns the segment containing addr.
func (e *dfuseEngine) segmentFor(addr uint32) (*MemorySegment, bool) {
	for i := range e.mm.Segments {
		s := &e.mm.Segments[i]
		if addr >= s.Start && addr < s.End {
			return s, true
		}
	}
	return nil, false
}

func sectorIndex(s *MemorySegment, addr uint32) uint32 {
	return (addr - s.Start) / s.SectorSize
}

func sectorStart(s *MemorySegment, addr uint32) uint32 {
	return s.Start + sectorIndex(s, addr)*s.SectorSize
}

func sectorEnd(s *MemorySegment, addr uint32) uint32 {
	return sectorStart(s, addr) + s.SectorSize
}

// firstWritableSegment returns the first segment in order with
// writable == true, for callers that want a sensible default target
// address without resolving one from an explicit Write call.
func (e *dfuseEngine) firstWritableSegment() (*MemorySegment, bool) {
	for i := range e.mm.Segments {
		if e.mm.Segments[i].Writable {
			return &e.mm.Segments[i], true
		}
	}
	return nil, false
}

// maxContiguousReadable walks segments in order starting from the one
// containing addr, accumulating readable contiguous bytes until a gap or a
// non-readable segment is hit.
func (e *dfuseEngine) maxContiguousReadable(addr uint32) uint32 {
	seg, ok := e.segmentFor(addr)
	if !ok || !seg.Readable {
		return 0
	}
	total := seg.End - addr
	next := seg.End
	for {
		s, ok := e.segmentFor(next)
		if !ok || s.Start != next || !s.Readable {
			break
		}
		total += s.End - s.Start
		next = s.End
	}
	return total
}

func (e *dfuseEngine) setAddress(ctx context.Context, addr uint32) error {
	payload := []byte{cmdSetAddress, byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24)}
	if err := e.p.download(0, payload); err != nil {
		return err
	}
	report, err := e.p.pollUntil(ctx, func(r DfuStatusReport) bool { return r.State != StateDfuDownloadBusy })
	if err != nil {
		return err
	}
	if report.Status != 0 {
		return protocolErr("dfuseEngine.setAddress", "SET_ADDRESS", report.State, report.Status)
	}
	return nil
}

func (e *dfuseEngine) eraseSector(ctx context.Context, addr uint32) error {
	payload := []byte{cmdEraseSector, byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24)}
	if err := e.p.download(0, payload); err != nil {
		return err
	}
	report, err := e.p.pollUntil(ctx, func(r DfuStatusReport) bool { return r.State != StateDfuDownloadBusy })
	if err != nil {
		return err
	}
	if report.Status != 0 {
		return protocolErr("dfuseEngine.eraseSector", "ERASE_SECTOR", report.State, report.Status)
	}
	return nil
}

// erasePlan issues ERASE_SECTOR across [startAddr, startAddr+length),
// skipping non-erasable regions without issuing a command for them.
func (e *dfuseEngine) erasePlan(ctx context.Context, startAddr uint32, length int, sink Sink) error {
	if length <= 0 {
		return nil
	}
	startSeg, ok := e.segmentFor(startAddr)
	if !ok {
		return addressOutOfMap("dfuseEngine.erasePlan", startAddr)
	}
	endSeg, ok := e.segmentFor(startAddr + uint32(length) - 1)
	if !ok {
		return addressOutOfMap("dfuseEngine.erasePlan", startAddr+uint32(length)-1)
	}

	a := sectorStart(startSeg, startAddr)
	last := sectorEnd(endSeg, startAddr+uint32(length)-1)
	total := int(last - a)
	done := 0

	for a < last {
		seg, ok := e.segmentFor(a)
		if !ok {
			return addressOutOfMap("dfuseEngine.erasePlan", a)
		}
		if !seg.Erasable {
			done += int(seg.End - a)
			a = seg.End
			sink(Event{Kind: EventEraseProgress, Done: done, Total: total})
			continue
		}
		sStart := sectorStart(seg, a)
		if err := e.eraseSector(ctx, sStart); err != nil {
			return err
		}
		a = sStart + seg.SectorSize
		done += int(seg.SectorSize)
		sink(Event{Kind: EventEraseProgress, Done: done, Total: total})
	}
	return nil
}

func (e *dfuseEngine) Write(ctx context.Context, xferSize int, data []byte, _ bool, sink Sink) error {
	if sink == nil {
		sink = nopSink
	}
	fail := func(err error) error {
		sink(errorEvent(err))
		return err
	}
	if e.mm == nil {
		return fail(wrapErr("dfuseEngine.Write", KindNoMemoryMap, nil))
	}
	startAddr := e.resolveStartAddr()
	if len(data) > 0 {
		if _, ok := e.segmentFor(startAddr); !ok {
			return fail(addressOutOfMap("dfuseEngine.Write", startAddr))
		}
	}

	sink(Event{Kind: EventEraseStart})
	if err := e.erasePlan(ctx, startAddr, len(data), sink); err != nil {
		return fail(err)
	}
	sink(Event{Kind: EventEraseEnd})

	total := len(data)
	sink(Event{Kind: EventWriteStart, Total: total})

	sent := 0
	for sent < total {
		end := sent + xferSize
		if end > total {
			end = total
		}
		chunk := data[sent:end]
		if err := e.setAddress(ctx, startAddr+uint32(sent)); err != nil {
			return fail(err)
		}
		if err := e.p.download(2, chunk); err != nil {
			return fail(err)
		}
		if err := e.p.pollUntilIdle(ctx, "dfuseEngine.Write", StateDfuDownloadIdle); err != nil {
			return fail(err)
		}
		sent = end
		sink(Event{Kind: EventWriteProgress, Done: sent, Total: total})
	}

	if err := e.setAddress(ctx, startAddr); err != nil {
		return fail(err)
	}
	if err := e.p.download(0, nil); err != nil {
		return fail(err)
	}
	report, err := e.p.pollUntil(ctx, func(r DfuStatusReport) bool { return r.State == StateDfuManifest })
	if err != nil {
		return fail(err)
	}
	if report.Status != 0 {
		return fail(protocolErr("dfuseEngine.Write", "manifest", report.State, report.Status))
	}

	sink(Event{Kind: EventWriteEnd, Total: sent})
	return nil
}

func (e *dfuseEngine) Read(ctx context.Context, xferSize, maxSize int, hasMaxSize bool, sink Sink) ([]byte, error) {
	if sink == nil {
		sink = nopSink
	}
	if e.mm == nil {
		return nil, wrapErr("dfuseEngine.Read", KindNoMemoryMap, nil)
	}
	startAddr := e.resolveStartAddr()
	if _, ok := e.segmentFor(startAddr); !ok {
		sink(warningEvent("dfuse read start address is outside the parsed memory map"))
	}

	// An unbounded read otherwise behaves exactly like plain DFU's: it runs
	// until the device sends a short block. Bounding it to the contiguous
	// readable run is opt-in (SetBoundUnboundedRead), since it changes that
	// semantics and would otherwise silently truncate a read the caller
	// expected to run to the first short block.
	if !hasMaxSize && e.boundToSegment {
		if n := e.maxContiguousReadable(startAddr); n > 0 {
			maxSize = int(n)
			hasMaxSize = true
		}
	}

	state, err := e.p.getState()
	if err != nil {
		return nil, err
	}
	if state != StateDfuIdle {
		if err := e.p.abortToIdle(ctx); err != nil {
			return nil, err
		}
	}

	if err := e.setAddress(ctx, startAddr); err != nil {
		return nil, err
	}
	// SET_ADDRESS leaves the device in dfuDOWNLOAD_IDLE; aborting back to
	// idle is required before an UPLOAD sequence can begin.
	if err := e.p.abortToIdle(ctx); err != nil {
		return nil, err
	}

	return readBlocks(ctx, e.p, xferSize, maxSize, hasMaxSize, 2, sink)
}
