package dfu

import (
	"context"
	"fmt"
	"time"

	usb "github.com/daedaluz/godfu/usb"
)

// DFU class requests (USB DFU 1.1 §3). All are control transfers with
// requestType=class, recipient=interface.
const (
	reqDetach    uint8 = 0x00
	reqDnload    uint8 = 0x01
	reqUpload    uint8 = 0x02
	reqGetStatus uint8 = 0x03
	reqClrStatus uint8 = 0x04
	reqGetState  uint8 = 0x05
	reqAbort     uint8 = 0x06
)

// DfuState is the device-reported bState value (USB DFU 1.1, device states).
type DfuState uint8

const (
	StateAppIdle              DfuState = 0
	StateAppDetach            DfuState = 1
	StateDfuIdle              DfuState = 2
	StateDfuDownloadSync      DfuState = 3
	StateDfuDownloadBusy      DfuState = 4
	StateDfuDownloadIdle      DfuState = 5
	StateDfuManifestSync      DfuState = 6
	StateDfuManifest          DfuState = 7
	StateDfuManifestWaitReset DfuState = 8
	StateDfuUploadIdle        DfuState = 9
	StateDfuError             DfuState = 10
)

func (s DfuState) String() string {
	switch s {
	case StateAppIdle:
		return "appIDLE"
	case StateAppDetach:
		return "appDETACH"
	case StateDfuIdle:
		return "dfuIDLE"
	case StateDfuDownloadSync:
		return "dfuDOWNLOAD_SYNC"
	case StateDfuDownloadBusy:
		return "dfuDNBUSY"
	case StateDfuDownloadIdle:
		return "dfuDOWNLOAD_IDLE"
	case StateDfuManifestSync:
		return "dfuMANIFEST_SYNC"
	case StateDfuManifest:
		return "dfuMANIFEST"
	case StateDfuManifestWaitReset:
		return "dfuMANIFEST_WAIT_RESET"
	case StateDfuUploadIdle:
		return "dfuUPLOAD_IDLE"
	case StateDfuError:
		return "dfuERROR"
	default:
		return fmt.Sprintf("DfuState(%d)", uint8(s))
	}
}

// DfuStatusReport is the decoded 6-byte GET_STATUS reply (USB DFU 1.1 §3.4).
type DfuStatusReport struct {
	Status        uint8
	PollTimeoutMs uint32
	State         DfuState
}

// protocol wraps a Transport plus the claimed interface number with the
// seven DFU class requests and the poll/abort helpers built on top of them.
// It has no notion of plain vs. DfuSe; both engines embed it.
type protocol struct {
	t     Transport
	iface uint8
}

func (p *protocol) setup(request uint8) Setup {
	return Setup{Type: RequestTypeClass, Recipient: RecipientInterface, Request: request, Index: uint16(p.iface)}
}

func (p *protocol) detach(timeoutMs uint16) error {
	s := p.setup(reqDetach)
	s.Value = timeoutMs
	_, err := p.t.ControlOut(s, nil)
	if err != nil {
		return wrapErr("detach", KindTransportFailed, err)
	}
	return nil
}

func (p *protocol) download(blockNum uint16, data []byte) error {
	s := p.setup(reqDnload)
	s.Value = blockNum
	_, err := p.t.ControlOut(s, data)
	if err != nil {
		return wrapErr("download", KindTransportFailed, err)
	}
	return nil
}

func (p *protocol) upload(blockNum uint16, xferSize int) ([]byte, error) {
	s := p.setup(reqUpload)
	s.Value = blockNum
	data, err := p.t.ControlIn(s, xferSize)
	if err != nil {
		return nil, wrapErr("upload", KindTransportFailed, err)
	}
	return data, nil
}

// getStatus issues GET_STATUS and decodes the 6-byte reply, truncating
// bwPollTimeout to 24 bits as the wire format defines it (USB DFU 1.1 §3.4).
func (p *protocol) getStatus() (DfuStatusReport, error) {
	data, err := p.t.ControlIn(p.setup(reqGetStatus), 6)
	if err != nil {
		return DfuStatusReport{}, wrapErr("getStatus", KindTransportFailed, err)
	}
	if len(data) < 6 {
		return DfuStatusReport{}, wrapErr("getStatus", KindTransportFailed, fmt.Errorf("short GET_STATUS reply: %d bytes", len(data)))
	}
	timeout := uint32(data[1]) | uint32(data[2])<<8 | uint32(data[3])<<16
	return DfuStatusReport{
		Status:        data[0],
		PollTimeoutMs: timeout & 0xFFFFFF,
		State:         DfuState(data[4]),
	}, nil
}

func (p *protocol) clrStatus() error {
	_, err := p.t.ControlOut(p.setup(reqClrStatus), nil)
	if err != nil {
		return wrapErr("clrStatus", KindTransportFailed, err)
	}
	return nil
}

func (p *protocol) getState() (DfuState, error) {
	data, err := p.t.ControlIn(p.setup(reqGetState), 1)
	if err != nil {
		return 0, wrapErr("getState", KindTransportFailed, err)
	}
	if len(data) < 1 {
		return 0, wrapErr("getState", KindTransportFailed, fmt.Errorf("short GET_STATE reply"))
	}
	return DfuState(data[0]), nil
}

func (p *protocol) abort() error {
	_, err := p.t.ControlOut(p.setup(reqAbort), nil)
	if err != nil {
		return wrapErr("abort", KindTransportFailed, err)
	}
	return nil
}

// pollUntil repeatedly issues GET_STATUS, sleeping bwPollTimeout between
// polls, until pred(report) is true or the device reports dfuERROR. The
// sleep is the cooperative suspension point; ctx cancellation is observed
// both before each poll and during the sleep.
func (p *protocol) pollUntil(ctx context.Context, pred func(DfuStatusReport) bool) (DfuStatusReport, error) {
	for {
		if err := ctx.Err(); err != nil {
			return DfuStatusReport{}, wrapErr("pollUntil", KindCancelled, err)
		}
		report, err := p.getStatus()
		if err != nil {
			return DfuStatusReport{}, err
		}
		if pred(report) || report.State == StateDfuError {
			return report, nil
		}
		if err := sleepCtx(ctx, time.Duration(report.PollTimeoutMs)*time.Millisecond); err != nil {
			return DfuStatusReport{}, wrapErr("pollUntil", KindCancelled, err)
		}
	}
}

// pollUntilIdle is the common case of pollUntil: wait for a specific target
// state, treating any other terminal state (or non-zero status) as a
// protocol error.
func (p *protocol) pollUntilIdle(ctx context.Context, op string, target DfuState) error {
	report, err := p.pollUntil(ctx, func(r DfuStatusReport) bool { return r.State == target })
	if err != nil {
		return err
	}
	if report.Status != 0 || report.State != target {
		return protocolErr(op, "pollUntilIdle", report.State, report.Status)
	}
	return nil
}

// abortToIdle issues ABORT, reading state afterward, clearing a latched
// error if necessary, and failing if the device does not settle in dfuIDLE.
func (p *protocol) abortToIdle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return wrapErr("abortToIdle", KindCancelled, err)
	}
	if err := p.abort(); err != nil {
		return err
	}
	state, err := p.getState()
	if err != nil {
		return err
	}
	if state == StateDfuError {
		if err := p.clrStatus(); err != nil {
			return err
		}
		state, err = p.getState()
		if err != nil {
			return err
		}
	}
	if state != StateDfuIdle {
		return protocolErr("abortToIdle", "abort did not reach idle", state, 0)
	}
	return nil
}

// sleepCtx sleeps for d, honoring the device's declared poll timeout
// exactly, via usb.Sleep's interruptible nanosleep rather than a bare
// time.Sleep that can't observe cancellation.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	return usb.Sleep(ctx, d)
}
