package dfu

import "context"

// Engine is the tagged-variant dispatch target for the two DFU protocol
// flavors. plainEngine implements DFU 1.1; dfuseEngine (dfuse.go) extends
// it with ST's address-targeting commands.
type Engine interface {
	// Read uploads at most maxSize bytes (unbounded when hasMaxSize is
	// false) and returns the concatenated result.
	Read(ctx context.Context, xferSize, maxSize int, hasMaxSize bool, sink Sink) ([]byte, error)

	// Write downloads data in xferSize chunks and drives manifestation.
	Write(ctx context.Context, xferSize int, data []byte, manifestationTolerant bool, sink Sink) error
}

// plainEngine implements the DFU 1.1 read/write/manifestation sequence.
type plainEngine struct {
	p *protocol
}

func newPlainEngine(t Transport, iface uint8) *plainEngine {
	return &plainEngine{p: &protocol{t: t, iface: iface}}
}

// readBlocks runs the UPLOAD loop shared by plain DFU and DfuSe reads,
// starting at block number firstBlock and stopping on a short block or once
// maxSize bytes have been collected. DfuSe reuses it with firstBlock=2,
// since blocks 0 and 1 are reserved for its address-targeting commands.
func readBlocks(ctx context.Context, p *protocol, xferSize, maxSize int, hasMaxSize bool, firstBlock uint16, sink Sink) ([]byte, error) {
	if sink == nil {
		sink = nopSink
	}
	var out []byte
	block := firstBlock
	reachedMax := false
	for {
		if err := ctx.Err(); err != nil {
			return out, wrapErr("Engine.Read", KindCancelled, err)
		}
		want := xferSize
		if hasMaxSize {
			remaining := maxSize - len(out)
			if remaining <= 0 {
				reachedMax = true
				break
			}
			if remaining < want {
				want = remaining
			}
		}
		chunk, err := p.upload(block, want)
		if err != nil {
			return out, err
		}
		out = append(out, chunk...)
		sink(progressEvent(len(out), maxSize, hasMaxSize))
		if len(chunk) < want {
			break
		}
		if hasMaxSize && len(out) >= maxSize {
			reachedMax = true
			break
		}
		block++
	}
	if reachedMax {
		if err := p.abortToIdle(ctx); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (e *plainEngine) Read(ctx context.Context, xferSize, maxSize int, hasMaxSize bool, sink Sink) ([]byte, error) {
	if sink == nil {
		sink = nopSink
	}
	out, err := readBlocks(ctx, e.p, xferSize, maxSize, hasMaxSize, 0, sink)
	if err != nil {
		sink(errorEvent(err))
	}
	return out, err
}

func (e *plainEngine) Write(ctx context.Context, xferSize int, data []byte, manifestationTolerant bool, sink Sink) error {
	if sink == nil {
		sink = nopSink
	}
	fail := func(err error) error {
		sink(errorEvent(err))
		return err
	}

	p := e.p
	total := len(data)
	sink(Event{Kind: EventWriteStart, Total: total})

	var blockNum uint16
	sent := 0
	for sent < total {
		end := sent + xferSize
		if end > total {
			end = total
		}
		chunk := data[sent:end]
		if err := p.download(blockNum, chunk); err != nil {
			return fail(err)
		}
		if err := p.pollUntilIdle(ctx, "Engine.Write", StateDfuDownloadIdle); err != nil {
			return fail(err)
		}
		sent = end
		blockNum++
		sink(Event{Kind: EventWriteProgress, Done: sent, Total: total})
	}

	// Commit: one zero-length WRITE at the next block number.
	if err := p.download(blockNum, nil); err != nil {
		return fail(err)
	}

	if err := e.manifest(ctx, manifestationTolerant); err != nil {
		return fail(err)
	}

	if err := e.resetDevice(); err != nil {
		return fail(err)
	}

	sink(Event{Kind: EventWriteEnd, Total: sent})
	return nil
}

// manifest drives the manifestation phase that follows the final commit
// WRITE.
func (e *plainEngine) manifest(ctx context.Context, manifestationTolerant bool) error {
	p := e.p
	if manifestationTolerant {
		report, err := p.pollUntil(ctx, func(r DfuStatusReport) bool {
			return r.State == StateDfuIdle || r.State == StateDfuManifestWaitReset
		})
		if err != nil {
			return err
		}
		if report.Status != 0 {
			return protocolErr("Engine.Write", "manifest", report.State, report.Status)
		}
		return nil
	}
	// Not manifestation-tolerant: one GET_STATUS kicks manifestation; the
	// device is expected to vanish mid-reply.
	_, _ = p.getStatus()
	return nil
}

// resetDevice issues the USB reset that follows manifestation, swallowing
// transport errors that mean the device is already gone.
func (e *plainEngine) resetDevice() error {
	err := e.p.t.Reset()
	if err == nil || isDeviceGoneErr(err) {
		return nil
	}
	return wrapErr("Engine.Write", KindTransportFailed, err)
}
