package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/pkg/fastboot"
	"github.com/flashkit/goflash/pkg/mediatek"
	"github.com/flashkit/goflash/pkg/qualcomm"
	"github.com/flashkit/goflash/pkg/session"
	"github.com/flashkit/goflash/pkg/spreadtrum"
	"github.com/flashkit/goflash/pkg/transport"
)

// commonFlags is the --device/--timeout/--partition/--image surface every
// subcommand accepts, per spec.md §6.
type commonFlags struct {
	device    string
	timeout   time.Duration
	partition string
	image     string
	length    uint64
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.StringVar(&c.device, "device", "", "device descriptor: usb:<vid>:<pid>, serial:<path>, or block:<path>")
	fs.DurationVar(&c.timeout, "timeout", 30*time.Second, "overall operation timeout")
	fs.StringVar(&c.partition, "partition", "", "partition name, optionally suffixed _a/_b")
	fs.StringVar(&c.image, "image", "", "image file path (source for flash, destination for read)")
	fs.Uint64Var(&c.length, "length", 0, "bytes to read for the read action (required by read)")
	return c
}

// parseDevice turns "usb:1234:abcd", "serial:/dev/ttyUSB0", or
// "block:/dev/sda" into a DeviceDescriptor.
func parseDevice(s string) (goflash.DeviceDescriptor, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return goflash.DeviceDescriptor{}, fmt.Errorf("%w: --device must be kind:value", goflash.ErrInvalidArgument)
	}
	switch parts[0] {
	case "usb":
		idParts := strings.SplitN(parts[1], ":", 2)
		if len(idParts) != 2 {
			return goflash.DeviceDescriptor{}, fmt.Errorf("%w: usb device must be usb:<vid>:<pid>", goflash.ErrInvalidArgument)
		}
		vid, err := strconv.ParseUint(idParts[0], 16, 16)
		if err != nil {
			return goflash.DeviceDescriptor{}, fmt.Errorf("%w: bad vendor id %q", goflash.ErrInvalidArgument, idParts[0])
		}
		pid, err := strconv.ParseUint(idParts[1], 16, 16)
		if err != nil {
			return goflash.DeviceDescriptor{}, fmt.Errorf("%w: bad product id %q", goflash.ErrInvalidArgument, idParts[1])
		}
		return goflash.DeviceDescriptor{Kind: goflash.TransportUSB, VendorID: uint16(vid), ProductID: uint16(pid)}, nil
	case "serial":
		return goflash.DeviceDescriptor{Kind: goflash.TransportSerial, Path: parts[1]}, nil
	case "block":
		return goflash.DeviceDescriptor{Kind: goflash.TransportBlock, Path: parts[1]}, nil
	default:
		return goflash.DeviceDescriptor{}, fmt.Errorf("%w: unknown device kind %q", goflash.ErrInvalidArgument, parts[0])
	}
}

// exitCodeFor maps an error from the core to the exit codes spec.md §6
// defines.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, goflash.ErrNotFound):
		return exitDeviceNotFound
	case errors.Is(err, goflash.ErrCancelled):
		return exitCancelled
	case errors.Is(err, goflash.ErrSignatureRequired), errors.Is(err, goflash.ErrDeviceLocked), errors.Is(err, goflash.ErrLoaderRejected):
		return exitSignatureRejected
	case errors.Is(err, goflash.ErrIo), errors.Is(err, goflash.ErrClosed), errors.Is(err, goflash.ErrBusy), errors.Is(err, goflash.ErrAccessDenied):
		return exitIoError
	default:
		return exitProtocolFailure
	}
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", goflash.ErrIo, err)
	}
	return data, nil
}

// progressReader wraps r so WritePartition's consumed bytes drive an mpb bar
// without the session or engine needing to know progress reporting exists.
type progressReader struct {
	r   io.Reader
	bar *mpb.Bar
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	if n > 0 {
		p.bar.IncrBy(n)
	}
	return n, err
}

func newProgress(total int64, label string) (*mpb.Progress, *mpb.Bar) {
	p := mpb.New()
	bar := p.AddBar(total,
		mpb.PrependDecorators(decor.Name(label)),
		mpb.AppendDecorators(decor.Percentage()),
	)
	return p, bar
}

func printDeviceInfo(info *goflash.DeviceInfo) {
	fmt.Printf("chip_id=%s hw_code=0x%x sw_code=0x%x storage=%s secure_boot=%v protocol_version=%d current_slot=%q max_download_size=%d\n",
		info.ChipID, info.HWCode, info.SWCode, info.Storage, info.SecureBoot, info.ProtocolVersion, info.CurrentSlot, info.MaxDownloadSize)
}

// runFlashReadEraseInfo executes the shared flash|read|erase|info action
// surface once a session is already connected.
func runFlashReadEraseInfo(s *session.Session, action string, c *commonFlags) error {
	switch action {
	case "info":
		printDeviceInfo(s.Info())
		return nil
	case "flash":
		if c.image == "" || c.partition == "" {
			return fmt.Errorf("%w: flash requires --image and --partition", goflash.ErrInvalidArgument)
		}
		f, err := os.Open(c.image)
		if err != nil {
			return fmt.Errorf("%w: %v", goflash.ErrIo, err)
		}
		defer f.Close()
		stat, err := f.Stat()
		if err != nil {
			return fmt.Errorf("%w: %v", goflash.ErrIo, err)
		}
		progress, bar := newProgress(stat.Size(), c.partition)
		err = s.WritePartition(c.partition, &progressReader{r: f, bar: bar}, uint64(stat.Size()))
		progress.Wait()
		return err
	case "read":
		if c.image == "" || c.partition == "" || c.length == 0 {
			return fmt.Errorf("%w: read requires --image, --partition, and --length", goflash.ErrInvalidArgument)
		}
		out, err := os.Create(c.image)
		if err != nil {
			return fmt.Errorf("%w: %v", goflash.ErrIo, err)
		}
		defer out.Close()
		return s.ReadPartition(c.partition, 0, c.length, out)
	case "erase":
		if c.partition == "" {
			return fmt.Errorf("%w: erase requires --partition", goflash.ErrInvalidArgument)
		}
		return s.ErasePartition(c.partition)
	default:
		return fmt.Errorf("%w: unknown action %q", goflash.ErrInvalidArgument, action)
	}
}

func openSession(ctx *goflash.Context, c *commonFlags, newEngine func(transport.Transport) goflash.Engine) (*session.Session, func(), error) {
	d, err := parseDevice(c.device)
	if err != nil {
		return nil, func() {}, err
	}
	s, err := session.Open(ctx, d, c.device, newEngine, session.WithOperationTimeout(c.timeout))
	if err != nil {
		return nil, func() {}, err
	}
	if _, err := s.Connect(); err != nil {
		s.Disconnect()
		return nil, func() {}, err
	}
	return s, func() { s.Disconnect() }, nil
}

func baseContext(timeout time.Duration) *goflash.Context {
	return goflash.NewContext(slog.Default(), nil)
}

func runQualcomm(action string, args []string) error {
	fs := flag.NewFlagSet("qualcomm", flag.ExitOnError)
	c := bindCommon(fs)
	loader := fs.String("loader", "", "Firehose programmer image path")
	storage := fs.String("storage", "ufs", "storage technology: emmc|ufs|nvme|spinor")
	fs.Parse(args)

	ctx := baseContext(c.timeout)
	loaderBytes, err := readFile(*loader)
	if err != nil && action != "info" {
		return err
	}
	kind := parseStorageKind(*storage)
	s, closeFn, err := openSession(ctx, c, func(tr transport.Transport) goflash.Engine {
		e := qualcomm.NewEngine(tr, kind)
		e.SetLoader(loaderBytes)
		return e
	})
	if err != nil {
		return err
	}
	defer closeFn()
	return runFlashReadEraseInfo(s, action, c)
}

func parseStorageKind(s string) goflash.StorageKind {
	switch s {
	case "emmc":
		return goflash.StorageEMMC
	case "nvme":
		return goflash.StorageNVMe
	case "spinor":
		return goflash.StorageSPINOR
	default:
		return goflash.StorageUFS
	}
}

func parseHexAddr(s string, def uint32) uint32 {
	if s == "" {
		return def
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 32)
	if err != nil {
		return def
	}
	return uint32(v)
}

func runMediaTek(action string, args []string) error {
	fs := flag.NewFlagSet("mtk", flag.ExitOnError)
	c := bindCommon(fs)
	da1Path := fs.String("da1", "", "DA1 image path")
	da2Path := fs.String("da2", "", "DA2 image path")
	da1Addr := fs.String("da1-addr", "0x200000", "DA1 load address")
	da2Addr := fs.String("da2-addr", "0x40000000", "DA2 load address")
	fs.Parse(args)

	ctx := baseContext(c.timeout)
	var da1, da2 []byte
	var err error
	if action != "info" {
		if da1, err = readFile(*da1Path); err != nil {
			return err
		}
		if da2, err = readFile(*da2Path); err != nil {
			return err
		}
	}
	s, closeFn, err := openSession(ctx, c, func(tr transport.Transport) goflash.Engine {
		e := mediatek.NewEngine(tr)
		e.SetDA1(da1, parseHexAddr(*da1Addr, 0x200000), 0)
		e.SetDA2(da2, parseHexAddr(*da2Addr, 0x40000000), 0)
		return e
	})
	if err != nil {
		return err
	}
	defer closeFn()
	return runFlashReadEraseInfo(s, action, c)
}

func runSpreadtrum(action string, args []string) error {
	fs := flag.NewFlagSet("spd", flag.ExitOnError)
	c := bindCommon(fs)
	fdl1Path := fs.String("fdl1", "", "FDL1 image path")
	fdl2Path := fs.String("fdl2", "", "FDL2 image path")
	fdl1Addr := fs.String("fdl1-addr", "0x00100000", "FDL1 load address")
	fdl2Addr := fs.String("fdl2-addr", "0x50000000", "FDL2 load address")
	fs.Parse(args)

	ctx := baseContext(c.timeout)
	var fdl1, fdl2 []byte
	var err error
	if action != "info" {
		if fdl1, err = readFile(*fdl1Path); err != nil {
			return err
		}
		if fdl2, err = readFile(*fdl2Path); err != nil {
			return err
		}
	}
	s, closeFn, err := openSession(ctx, c, func(tr transport.Transport) goflash.Engine {
		e := spreadtrum.NewEngine(tr)
		e.SetFDL1(fdl1, parseHexAddr(*fdl1Addr, 0x00100000))
		e.SetFDL2(fdl2, parseHexAddr(*fdl2Addr, 0x50000000))
		return e
	})
	if err != nil {
		return err
	}
	defer closeFn()
	return runFlashReadEraseInfo(s, action, c)
}

func runFastboot(action string, args []string) error {
	fs := flag.NewFlagSet("fastboot", flag.ExitOnError)
	c := bindCommon(fs)
	slot := fs.String("slot", "", "slot argument for set_active")
	fs.Parse(args)

	ctx := baseContext(c.timeout)
	s, closeFn, err := openSession(ctx, c, func(tr transport.Transport) goflash.Engine {
		return fastboot.NewEngine(tr)
	})
	if err != nil {
		return err
	}
	defer closeFn()

	switch action {
	case "flash", "erase":
		return runFlashReadEraseInfo(s, action, c)
	case "boot":
		_, err := s.ExecuteRaw([]byte("boot"))
		return err
	case "getvar":
		if c.partition == "" {
			return fmt.Errorf("%w: getvar requires --partition to carry the variable name", goflash.ErrInvalidArgument)
		}
		out, err := s.ExecuteRaw([]byte("getvar:" + c.partition))
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	case "unlock":
		_, err := s.ExecuteRaw([]byte("flashing unlock"))
		return err
	case "lock":
		_, err := s.ExecuteRaw([]byte("flashing lock"))
		return err
	case "set-active":
		if *slot == "" {
			return fmt.Errorf("%w: set-active requires --slot", goflash.ErrInvalidArgument)
		}
		_, err := s.ExecuteRaw([]byte("set_active:" + *slot))
		return err
	default:
		return fmt.Errorf("%w: unknown fastboot action %q", goflash.ErrInvalidArgument, action)
	}
}
