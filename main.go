package main

import (
	"context"
	goflag "flag"
	"fmt"
	"io/ioutil"
	"os"
	"sort"
	"strconv"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mcu-tools/ecflash/cli/ec"
	"github.com/mcu-tools/ecflash/cli/ec/transport"
	"github.com/mcu-tools/ecflash/cli/flags"
	"github.com/mcu-tools/ecflash/cli/lock"
	"github.com/mcu-tools/ecflash/common/ecproto"
	"github.com/mcu-tools/ecflash/common/ourutil"
	"github.com/mcu-tools/ecflash/common/pflagenv"
	"github.com/mcu-tools/ecflash/version"
)

const envPrefix = "ECFLASH_"

var (
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

type handler func(ctx context.Context) error

type command struct {
	name    string
	handler handler
	short   string
}

var commands = []command{
	{"info", info, `Print EC and flash identity`},
	{"read", flashRead, `Read flash contents into --output`},
	{"write", flashWrite, `Flash the --firmware image, handling the running copy`},
	{"erase", flashErase, `Erase a flash range: erase <offset> <size>`},
	{"verify", flashVerify, `Compare flash contents against --firmware`},
	{"reboot", reboot, `Reboot the EC: reboot [ro|rw|cold]`},
	{"wp-status", wpStatus, `Print write-protect state`},
	{"wp-enable", wpEnable, `Enable write protection`},
	{"wp-disable", wpDisable, `Disable write protection`},
	{"wp-set-range", wpSetRange, `Select the protected range: wp-set-range <offset> <size>`},
}

func newSession(ctx context.Context) (*ec.Session, error) {
	params, err := flags.TransportParams()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ec.NewSession(ctx, ec.Options{
		Transport:   params,
		DevIndex:    *flags.DevIndex,
		PreferRW:    *flags.RunNewest,
		Lock:        lock.New(*flags.LockPath),
		LockTimeout: *flags.LockTimeout,
	})
}

func info(ctx context.Context) error {
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	v, err := s.Version(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	fi := s.FlashInfo()
	ourutil.Reportf("Firmware copy:  %s", v.CurrentImage)
	ourutil.Reportf("RO version:     %s", v.ROVersion)
	ourutil.Reportf("RW version:     %s", v.RWVersion)
	ourutil.Reportf("Protocol:       %s", s.Conn().Proto())
	ourutil.Reportf("Flash size:     %s", ourutil.FormatBytes(fi.FlashSize))
	ourutil.Reportf("Write block:    %d", fi.WriteBlockSize)
	ourutil.Reportf("Erase block:    %d", fi.EraseBlockSize)
	ourutil.Reportf("Protect block:  %d", fi.ProtectBlockSize)
	return nil
}

func flashRead(ctx context.Context) error {
	if *flags.Output == "" {
		return errors.Errorf("--output is required")
	}
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	ci, err := s.Probe(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	offset, size := uint32(0), ci.TotalSize
	if flag.NArg() >= 3 {
		if offset, err = parseUint32(flag.Arg(1)); err != nil {
			return errors.Trace(err)
		}
		if size, err = parseUint32(flag.Arg(2)); err != nil {
			return errors.Trace(err)
		}
	}
	ourutil.Reportf("Reading 0x%x bytes at 0x%x...", size, offset)
	data, err := s.Read(ctx, offset, size)
	if err != nil {
		return errors.Trace(err)
	}
	if err := ioutil.WriteFile(*flags.Output, data, 0644); err != nil {
		return errors.Annotatef(err, "failed to write %s", *flags.Output)
	}
	ourutil.Reportf("Wrote %s", *flags.Output)
	return nil
}

// updatePass sweeps the mapped regions once, skipping ranges the session
// refuses because they back the running copy; those come back in the next
// pass.
func updatePass(ctx context.Context, s *ec.Session, img []byte) error {
	for _, im := range []ecproto.Image{ecproto.ImageRO, ecproto.ImageRW} {
		r := s.Region(im)
		if r == nil || r.Fresh() {
			continue
		}
		if uint64(r.Offset)+uint64(r.Size) > uint64(len(img)) {
			return errors.Errorf("%s region 0x%x+0x%x lies beyond the %d byte image",
				im, r.Offset, r.Size, len(img))
		}
		data := img[r.Offset : r.Offset+r.Size]
		ourutil.Reportf("Updating the %s copy at 0x%x+0x%x...", im, r.Offset, r.Size)
		if err := s.Erase(ctx, r.Offset, r.Size); err != nil {
			if ec.IsAccessDenied(err) {
				ourutil.Reportf("%s is the running copy, deferring it to the next pass", im)
				continue
			}
			return errors.Trace(err)
		}
		if err := s.Write(ctx, r.Offset, data); err != nil {
			if ec.IsAccessDenied(err) {
				continue
			}
			return errors.Trace(err)
		}
		if err := s.Verify(ctx, r.Offset, data); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func flashWrite(ctx context.Context) error {
	if *flags.Firmware == "" {
		return errors.Errorf("--firmware is required")
	}
	img, err := ioutil.ReadFile(*flags.Firmware)
	if err != nil {
		return errors.Annotatef(err, "failed to read %s", *flags.Firmware)
	}
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()

	if err := s.Prepare(ctx, img); err != nil {
		return errors.Trace(err)
	}
	if err := updatePass(ctx, s, img); err != nil {
		return errors.Trace(err)
	}
	again, err := s.FinishPass(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	if again {
		ourutil.Reportf("Running the second pass...")
		if err := updatePass(ctx, s, img); err != nil {
			return errors.Trace(err)
		}
		if again, err = s.FinishPass(ctx); err != nil {
			return errors.Trace(err)
		} else if again {
			return errors.Errorf("flash ranges still unwritten after the second pass")
		}
	}
	if err := s.Finalize(ctx); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("EC update complete, running the %s copy", s.RunningImage())
	return nil
}

func flashErase(ctx context.Context) error {
	if flag.NArg() < 3 {
		return errors.Errorf("usage: erase <offset> <size>")
	}
	offset, err := parseUint32(flag.Arg(1))
	if err != nil {
		return errors.Trace(err)
	}
	size, err := parseUint32(flag.Arg(2))
	if err != nil {
		return errors.Trace(err)
	}
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	// A raw erase has no image map, so the self-update bookkeeping does not
	// apply; the EC itself still refuses ranges backing its running copy.
	ourutil.Reportf("Erasing 0x%x bytes at 0x%x...", size, offset)
	_, err = s.Conn().Run(ctx, ecproto.CmdFlashErase, 0, ecproto.EncodeOffsetSize(offset, size), 0)
	return errors.Trace(err)
}

func flashVerify(ctx context.Context) error {
	if *flags.Firmware == "" {
		return errors.Errorf("--firmware is required")
	}
	img, err := ioutil.ReadFile(*flags.Firmware)
	if err != nil {
		return errors.Annotatef(err, "failed to read %s", *flags.Firmware)
	}
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	if err := s.Verify(ctx, 0, img); err != nil {
		return errors.Trace(err)
	}
	ourutil.Reportf("Verified %d bytes", len(img))
	return nil
}

func reboot(ctx context.Context) error {
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	switch flag.Arg(1) {
	case "", "ro":
		return errors.Trace(s.JumpTo(ctx, ecproto.ImageRO))
	case "rw":
		return errors.Trace(s.JumpTo(ctx, ecproto.ImageRW))
	case "cold":
		_, err := s.Conn().Run(ctx, ecproto.CmdRebootEC, 0,
			ecproto.EncodeRebootParams(ecproto.RebootCold, 0), 0)
		return errors.Trace(err)
	default:
		return errors.Errorf("unknown reboot target %q", flag.Arg(1))
	}
}

func wpStatus(ctx context.Context) error {
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	st, err := ec.NewWPController(s.Conn()).Status(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	state := "disabled"
	if st.Enabled {
		state = "enabled"
	}
	ourutil.Reportf("Write protect: %s, range 0x%x+0x%x (flags 0x%x, valid 0x%x, writable 0x%x)",
		state, st.Offset, st.Size, st.Flags, st.ValidFlags, st.WritableFlags)
	return nil
}

func wpEnable(ctx context.Context) error {
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	return errors.Trace(ec.NewWPController(s.Conn()).Enable(ctx))
}

func wpDisable(ctx context.Context) error {
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	return errors.Trace(ec.NewWPController(s.Conn()).Disable(ctx))
}

func wpSetRange(ctx context.Context) error {
	if flag.NArg() < 3 {
		return errors.Errorf("usage: wp-set-range <offset> <size>")
	}
	offset, err := parseUint32(flag.Arg(1))
	if err != nil {
		return errors.Trace(err)
	}
	size, err := parseUint32(flag.Arg(2))
	if err != nil {
		return errors.Trace(err)
	}
	s, err := newSession(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	defer s.Close()
	return errors.Trace(ec.NewWPController(s.Conn()).SetRange(ctx, offset, size))
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "bad number %q", s)
	}
	return uint32(v), nil
}

func run() error {
	for _, c := range commands {
		if c.name == flag.Arg(0) {
			return errors.Trace(c.handler(context.Background()))
		}
	}
	usage()
	return errors.Errorf("unknown command %q", flag.Arg(0))
}

func usage() {
	fmt.Fprintf(os.Stderr, "The EC flashing tool. Usage:\n\n  %s <command> [args] [flags]\n\nCommands:\n", os.Args[0])
	sorted := append([]command{}, commands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })
	for _, c := range sorted {
		fmt.Fprintf(os.Stderr, "  %-14s %s\n", c.name, c.short)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flag.CommandLine.FlagUsages())
}

func main() {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine) // glog flags
	flag.Parse()
	pflagenv.Parse(envPrefix)

	if *versionFlag {
		fmt.Printf("%s\nVersion: %s\nBuild ID: %s\n",
			"The EC flashing tool", version.Version, version.BuildId)
		return
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}
	if err := run(); err != nil {
		if transport.IsNotPresent(err) {
			fmt.Fprintf(os.Stderr, "No EC found: %s\n", err)
			os.Exit(2)
		}
		glog.Infof("Error: %+v", err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
