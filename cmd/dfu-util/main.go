// Command dfu-util lists, reads from, and writes to USB DFU / DfuSe
// devices. It is the first concrete renderer of dfu.Event values emitted by
// the core package, logging them through zerolog rather than printing them
// itself.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/daedaluz/godfu/dfu"
	log "github.com/daedaluz/godfu/internal/log"
	usb "github.com/daedaluz/godfu/usb"
	"github.com/rs/zerolog"
)

func main() {
	var (
		list       = flag.Bool("l", false, "list candidate DFU interfaces on the first matching device")
		download   = flag.String("D", "", "download (write) a raw binary image to the device")
		upload     = flag.String("U", "", "upload (read) firmware from the device to a file")
		alt        = flag.Int("a", 0, "alternate-setting index to select (into the candidate list)")
		addrLength = flag.String("s", "", "DfuSe address:length override, e.g. 0x08000000:2048")
		xferSize   = flag.Int("transfer-size", 1024, "bytes per DFU transfer chunk")
		verbose    = flag.Bool("v", false, "verbose logging")
		vendorStr  = flag.String("vendor", "", "select device by idVendor:idProduct, e.g. 0483:df11")
		boundRead  = flag.Bool("bound-unbounded-read", false, "on DfuSe, stop an unbounded upload at the end of the contiguous readable memory segment instead of at the first short block")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log.SetConsole(level)
	logger := log.Logger()

	devices, err := usb.FindDevices(func(d *usb.Device) bool {
		if *vendorStr == "" {
			return true
		}
		return matchesVendor(d, *vendorStr)
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("enumerate devices")
	}
	if len(devices) == 0 {
		logger.Fatal().Msg("no matching device found")
	}
	dev := devices[0]

	sink := func(ev dfu.Event) {
		logger.Info().Str("kind", ev.Kind.String()).Int("done", ev.Done).Int("total", ev.Total).Msg(ev.Message)
	}

	session := dfu.NewSession(dfu.NewUSBTransport(dev), sink)
	ctx := context.Background()
	if err := session.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("init session")
	}
	defer session.Close()

	candidates := session.Candidates()
	if *list || (!sessionHasAction(*download, *upload)) {
		printCandidates(candidates)
		if !sessionHasAction(*download, *upload) {
			return
		}
	}
	if *alt < 0 || *alt >= len(candidates) {
		logger.Fatal().Int("alt", *alt).Msg("alternate index out of range")
	}

	if err := session.Connect(ctx, *alt); err != nil {
		logger.Fatal().Err(err).Msg("connect")
	}

	if *addrLength != "" {
		addr, _, err := parseAddrLength(*addrLength)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse -s")
		}
		if err := session.SetDfuseStartAddress(addr); err != nil {
			logger.Fatal().Err(err).Msg("set dfuse start address")
		}
	} else if addr, ok := session.DefaultWriteAddress(); ok {
		logger.Debug().Uint32("addr", addr).Msg("using first writable segment as default address")
	}
	if *boundRead {
		if err := session.SetDfuseBoundUnboundedRead(true); err != nil {
			logger.Debug().Err(err).Msg("bound-unbounded-read only applies to DfuSe")
		}
	}

	switch {
	case *download != "":
		data, err := os.ReadFile(*download)
		if err != nil {
			logger.Fatal().Err(err).Msg("read image file")
		}
		if err := session.Write(ctx, *xferSize, data); err != nil {
			logger.Fatal().Err(err).Msg("write")
		}
	case *upload != "":
		_, length, err := parseAddrLength(*addrLength)
		hasMax := err == nil && length > 0
		data, err := session.Read(ctx, *xferSize, length, hasMax)
		if err != nil {
			logger.Fatal().Err(err).Msg("read")
		}
		if err := os.WriteFile(*upload, data, 0o644); err != nil {
			logger.Fatal().Err(err).Msg("write output file")
		}
	}
}

func sessionHasAction(download, upload string) bool {
	return download != "" || upload != ""
}

func printCandidates(candidates []dfu.InterfaceSelection) {
	for i, c := range candidates {
		name := c.InterfaceName
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("%d: config=%d interface=%d alt=%d %s\n", i, c.ConfigurationValue, c.InterfaceNumber, c.AlternateSetting, name)
	}
}

func parseAddrLength(s string) (uint32, int, error) {
	if s == "" {
		return 0, 0, fmt.Errorf("empty")
	}
	parts := strings.SplitN(s, ":", 2)
	addr, err := strconv.ParseUint(strings.TrimPrefix(parts[0], "0x"), 16, 32)
	if err != nil {
		return 0, 0, err
	}
	length := 0
	if len(parts) == 2 {
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, 0, err
		}
		length = n
	}
	return uint32(addr), length, nil
}

func matchesVendor(d *usb.Device, spec string) bool {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return false
	}
	vendor, err1 := strconv.ParseUint(parts[0], 16, 16)
	product, err2 := strconv.ParseUint(parts[1], 16, 16)
	if err1 != nil || err2 != nil {
		return false
	}
	dd := d.GetDeviceDescriptor()
	return dd.IDVendor == uint16(vendor) && dd.IDProduct == uint16(product)
}
