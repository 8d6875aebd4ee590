package dfu

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SessionState tracks the Session lifecycle.
type SessionState uint8

const (
	SessionNew SessionState = iota
	SessionInitialized
	SessionConnected
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionNew:
		return "New"
	case SessionInitialized:
		return "Initialized"
	case SessionConnected:
		return "Connected"
	case SessionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// EngineType is the tagged variant choosing plain DFU vs. DfuSe.
type EngineType uint8

const (
	EngineDFU EngineType = iota
	EngineDfuSe
)

func (t EngineType) String() string {
	if t == EngineDfuSe {
		return "DfuSe"
	}
	return "DFU"
}

// candidate pairs a discovered InterfaceSelection with the parsed
// configuration-descriptor record it came from, so Connect can reach the
// record's FunctionalDescriptor and InterfaceNameIndex without re-walking
// the configuration.
type candidate struct {
	selection InterfaceSelection
	record    InterfaceRecord
}

// Session is the controller that enumerates DFU interfaces on a device,
// selects one, and drives it through the correct Engine.
type Session struct {
	t    Transport
	sink Sink

	forceInterfacesName bool

	state      SessionState
	candidates []candidate

	selected   int
	functional *FunctionalDescriptor
	engineType EngineType
	engine     Engine
	memoryMap  *MemoryMap

	disconnectOnce sync.Once
	disconnectCh   chan struct{}
}

// NewSession wraps t in a Session. sink may be nil, in which case events are
// discarded.
func NewSession(t Transport, sink Sink) *Session {
	if sink == nil {
		sink = nopSink
	}
	return &Session{t: t, sink: sink, disconnectCh: make(chan struct{})}
}

// SetForceInterfacesName enables interface-name recovery during Init (spec
// §4.E). Must be called before Init.
func (s *Session) SetForceInterfacesName(v bool) { s.forceInterfacesName = v }

// State returns the current lifecycle state.
func (s *Session) State() SessionState { return s.state }

// Candidates returns the DFU-capable interfaces discovered by Init.
func (s *Session) Candidates() []InterfaceSelection {
	out := make([]InterfaceSelection, len(s.candidates))
	for i, c := range s.candidates {
		out[i] = c.selection
	}
	return out
}

// MemoryMap returns the parsed DfuSe memory map for the connected interface,
// or nil for a plain DFU interface or before Connect.
func (s *Session) MemoryMap() *MemoryMap { return s.memoryMap }

// FunctionalDescriptor returns the connected interface's functional
// descriptor, or nil before Connect.
func (s *Session) FunctionalDescriptor() *FunctionalDescriptor { return s.functional }

// EngineType returns the engine chosen by Connect.
func (s *Session) EngineType() EngineType { return s.engineType }

// Init opens the transport if necessary, walks every configuration
// descriptor, and populates the candidate-interface list.
func (s *Session) Init(ctx context.Context) error {
	if s.state != SessionNew {
		return wrapErr("Session.Init", KindProtocol, nil)
	}
	if !s.t.IsOpen() {
		if err := s.t.Open(); err != nil {
			return wrapErr("Session.Init", KindTransportFailed, err)
		}
	}
	s.t.OnDisconnect(s.handleDisconnect)

	identity, err := s.t.Identity()
	if err != nil {
		return err
	}

	for _, ci := range identity.Configurations {
		cfg, err := ParseConfiguration(ci.Raw)
		if err != nil {
			return err
		}
		for _, rec := range cfg.Interfaces {
			if !rec.IsDFUCandidate() {
				continue
			}
			s.candidates = append(s.candidates, candidate{
				selection: InterfaceSelection{
					ConfigurationValue: cfg.ConfigurationValue,
					InterfaceNumber:    rec.InterfaceNumber,
					AlternateSetting:   rec.AlternateSetting,
				},
				record: rec,
			})
		}
	}

	s.state = SessionInitialized
	s.sink(Event{Kind: EventInit})

	if s.forceInterfacesName {
		if err := s.recoverInterfaceNames(ctx); err != nil {
			return err
		}
	}
	return nil
}

// recoverInterfaceNames selects configuration 1, fetches every distinct
// non-zero iInterface string once, and back-fills every candidate's
// InterfaceName. Needed because some DfuSe devices only expose their
// memory-map string under configuration 1, not under whichever
// configuration enumeration happened to walk.
func (s *Session) recoverInterfaceNames(ctx context.Context) error {
	if !s.t.IsOpen() {
		if err := s.t.Open(); err != nil {
			return wrapErr("Session.recoverInterfaceNames", KindTransportFailed, err)
		}
	}
	if err := s.t.SelectConfiguration(1); err != nil {
		return wrapErr("Session.recoverInterfaceNames", KindTransportFailed, err)
	}

	names := make(map[uint8]string)
	for i := range s.candidates {
		idx := s.candidates[i].record.InterfaceNameIndex
		if idx == 0 {
			continue
		}
		if _, ok := names[idx]; ok {
			continue
		}
		name, err := getInterfaceName(s.t, idx)
		if err != nil {
			return err
		}
		names[idx] = name
	}
	for i := range s.candidates {
		idx := s.candidates[i].record.InterfaceNameIndex
		if name, ok := names[idx]; ok {
			s.candidates[i].selection.InterfaceName = name
		}
	}
	return nil
}

// Connect opens the interface at candidates[index]: selects its
// configuration, claims the interface, selects the alternate, parses the
// functional descriptor to choose an engine, and, for DfuSe, parses the
// memory map from the interface name.
func (s *Session) Connect(ctx context.Context, index int) error {
	if s.state == SessionNew {
		return wrapErr("Session.Connect", KindNotConnected, nil)
	}
	if s.state == SessionConnected {
		return wrapErr("Session.Connect", KindProtocol, nil)
	}
	if index < 0 || index >= len(s.candidates) {
		return &Error{Op: "Session.Connect", Kind: KindInterfaceNotFound, Index: index}
	}
	c := &s.candidates[index]

	if !s.t.IsOpen() {
		if err := s.t.Open(); err != nil {
			return wrapErr("Session.Connect", KindTransportFailed, err)
		}
	}
	if err := s.t.SelectConfiguration(c.selection.ConfigurationValue); err != nil {
		return wrapErr("Session.Connect", KindTransportFailed, err)
	}
	if err := s.t.ClaimInterface(c.selection.InterfaceNumber); err != nil {
		return wrapErr("Session.Connect", KindTransportFailed, err)
	}
	if err := s.t.SelectAlternate(c.selection.InterfaceNumber, c.selection.AlternateSetting); err != nil {
		return wrapErr("Session.Connect", KindTransportFailed, err)
	}

	if c.record.Functional == nil {
		return malformedDescriptor("Session.Connect", "functional descriptor")
	}
	fd := c.record.Functional

	engineType := EngineDFU
	if fd.DFUVersion == 0x011A && c.record.Protocol == 0x02 {
		engineType = EngineDfuSe
	}

	var memoryMap *MemoryMap
	var engine Engine
	if engineType == EngineDfuSe {
		if c.selection.InterfaceName == "" {
			name, err := getInterfaceName(s.t, c.record.InterfaceNameIndex)
			if err != nil {
				return err
			}
			c.selection.InterfaceName = name
		}
		mm, err := ParseMemoryMap(c.selection.InterfaceName)
		if err != nil {
			return err
		}
		memoryMap = mm
		engine = newDfuseEngine(s.t, c.selection.InterfaceNumber, mm)
	} else {
		engine = newPlainEngine(s.t, c.selection.InterfaceNumber)
	}

	s.selected = index
	s.functional = fd
	s.engineType = engineType
	s.memoryMap = memoryMap
	s.engine = engine
	s.state = SessionConnected
	s.sink(Event{Kind: EventConnect})
	return nil
}

// DefaultWriteAddress returns the start of the first writable segment in
// the connected DfuSe memory map, for callers (cmd/dfu-util) that want to
// show a sensible default before the caller overrides it with
// SetDfuseStartAddress. ok is false for a plain DFU interface or before
// Connect.
func (s *Session) DefaultWriteAddress() (addr uint32, ok bool) {
	de, isDfuse := s.engine.(*dfuseEngine)
	if !isDfuse {
		return 0, false
	}
	seg, found := de.firstWritableSegment()
	if !found {
		return 0, false
	}
	return seg.Start, true
}

// SetDfuseStartAddress overrides the address DfuSe reads/writes target.
// Valid only when connected to a DfuSe interface.
func (s *Session) SetDfuseStartAddress(addr uint32) error {
	de, ok := s.engine.(*dfuseEngine)
	if !ok {
		return wrapErr("Session.SetDfuseStartAddress", KindNoMemoryMap, nil)
	}
	de.SetStartAddress(addr)
	return nil
}

// SetDfuseBoundUnboundedRead opts an unbounded Read (hasMaxSize == false)
// into stopping at the end of the contiguous readable memory-map run
// starting at the target address, instead of reading until the device
// sends a short block. Valid only when connected to a DfuSe interface.
func (s *Session) SetDfuseBoundUnboundedRead(v bool) error {
	de, ok := s.engine.(*dfuseEngine)
	if !ok {
		return wrapErr("Session.SetDfuseBoundUnboundedRead", KindNoMemoryMap, nil)
	}
	de.SetBoundUnboundedRead(v)
	return nil
}

// Read uploads firmware from the connected interface.
func (s *Session) Read(ctx context.Context, xferSize, maxSize int, hasMaxSize bool) ([]byte, error) {
	if s.state != SessionConnected {
		return nil, wrapErr("Session.Read", KindNotConnected, nil)
	}
	return s.engine.Read(ctx, xferSize, maxSize, hasMaxSize, s.sink)
}

// Write downloads firmware to the connected interface.
func (s *Session) Write(ctx context.Context, xferSize int, data []byte) error {
	if s.state != SessionConnected {
		return wrapErr("Session.Write", KindNotConnected, nil)
	}
	manifestationTolerant := s.functional != nil && s.functional.ManifestationTolerant
	return s.engine.Write(ctx, xferSize, data, manifestationTolerant, s.sink)
}

// Close releases the claimed interface. Idempotent.
func (s *Session) Close() error {
	if s.state != SessionConnected {
		s.state = SessionClosed
		return nil
	}
	err := s.t.Close()
	s.state = SessionClosed
	s.sink(Event{Kind: EventDisconnect})
	if err != nil {
		return wrapErr("Session.Close", KindTransportFailed, err)
	}
	return nil
}

// handleDisconnect is registered with the transport's OnDisconnect hook. It
// marks the session unusable and wakes any WaitDisconnected caller.
func (s *Session) handleDisconnect(err error) {
	if s.state == SessionConnected {
		s.state = SessionClosed
	}
	s.sink(Event{Kind: EventDisconnect, Err: err})
	s.disconnectOnce.Do(func() { close(s.disconnectCh) })
}

// WaitDisconnected blocks until the transport reports a disconnect or
// timeoutMs elapses (0 waits indefinitely). Supplemental convenience for
// drivers that trigger a non-manifestation-tolerant reset and need to know
// when the device actually dropped off the bus.
func (s *Session) WaitDisconnected(ctx context.Context, timeoutMs int) error {
	waitCtx := ctx
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}
	g, gctx := errgroup.WithContext(waitCtx)
	g.Go(func() error {
		select {
		case <-s.disconnectCh:
			return nil
		case <-gctx.Done():
			return gctx.Err()
		}
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return wrapErr("Session.WaitDisconnected", KindCancelled, ctx.Err())
		}
		return wrapErr("Session.WaitDisconnected", KindTimeout, err)
	}
	return nil
}

// Reconnect re-opens the transport and re-runs Connect against the
// previously selected candidate, for callers that detached the device on
// purpose (e.g. after a non-manifestation-tolerant write) and want to
// resume once it reappears. Supplemental convenience; it does not rescan
// the bus for a new device path, since that belongs to the transport.
func (s *Session) Reconnect(ctx context.Context) error {
	if s.state != SessionClosed {
		return wrapErr("Session.Reconnect", KindProtocol, nil)
	}
	s.disconnectOnce = sync.Once{}
	s.disconnectCh = make(chan struct{})
	s.state = SessionInitialized
	return s.Connect(ctx, s.selected)
}
