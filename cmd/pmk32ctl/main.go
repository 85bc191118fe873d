// Command pmk32ctl is the boot harness: it assembles a kernel instance from
// a set of boot parameters, optionally loads a symbol map, a relocatable
// driver object, and an ELF executable into it, and then drives the
// scheduler tick by tick the way the timer interrupt would on real
// hardware, flushing the console once per pass the way the idle task
// flushes the serial port.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	getopt "github.com/pborman/getopt/v2"

	"github.com/sdmdg/Hashx86-sub000/boot"
	"github.com/sdmdg/Hashx86-sub000/console"
	"github.com/sdmdg/Hashx86-sub000/defs"
	"github.com/sdmdg/Hashx86-sub000/drvload"
	"github.com/sdmdg/Hashx86-sub000/elfload"
	"github.com/sdmdg/Hashx86-sub000/fsapi"
	"github.com/sdmdg/Hashx86-sub000/intr"
	"github.com/sdmdg/Hashx86-sub000/klog"
	"github.com/sdmdg/Hashx86-sub000/mem"
)

// hostFS satisfies fsapi.FileSystem against the host's own filesystem,
// playing the role the FAT32-on-ATA collaborator plays on real hardware.
type hostFS struct{}

func (hostFS) Open(path string) (io.ReaderAt, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, err
	}
	return f, st.Size(), nil
}

func closeFile(r io.ReaderAt) {
	if c, ok := r.(io.Closer); ok {
		c.Close()
	}
}

func main() {
	optRamMB := getopt.Uint32Long("ram", 'r', 64, "Total simulated RAM, in MiB")
	optKernelWindowMB := getopt.Uint32Long("kernel-window", 'k', 8, "Kernel identity-mapped window, in MiB")
	optHWStartMB := getopt.Uint32Long("hw-start", 0, 3072, "Hardware window start, in MiB")
	optHWEndMB := getopt.Uint32Long("hw-end", 0, 4096, "Hardware window end, in MiB")
	optHeapPages := getopt.Uint32Long("heap-pages", 0, 256, "Initial kernel heap span, in pages")
	optSymMap := getopt.StringLong("symmap", 's', "", "Kernel symbol map file")
	optDriver := getopt.StringLong("driver", 'd', "", "Relocatable driver object to load")
	optExec := getopt.StringLong("exec", 'e', "", "ELF executable to load and run")
	optExecArg := getopt.Uint32Long("arg", 'a', 0, "Argument passed to the executable's initial thread")
	optTicks := getopt.Uint32Long("ticks", 't', 0, "Number of scheduler ticks to run, 0 for until only the idle thread remains")
	optLogFile := getopt.StringLong("log", 'l', "", "Log file (default: console)")
	optHelp := getopt.BoolLong("help", 'h', "Help")
	getopt.Parse()

	if *optHelp {
		getopt.Usage()
		os.Exit(0)
	}

	con, conErr := console.New(os.Stdin, os.Stdout)
	if conErr != nil {
		fmt.Fprintln(os.Stderr, "pmk32ctl: console:", conErr)
	}
	defer con.Restore()

	var logOut io.Writer = con
	var logFile *os.File
	if *optLogFile != "" {
		f, err := os.Create(*optLogFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "pmk32ctl: log file:", err)
			os.Exit(1)
		}
		logFile = f
		logOut = f
	}
	log := klog.New(logOut)

	cfg := boot.Config{
		TotalMem:        *optRamMB * 1024 * 1024,
		KernelImageEnd:  mem.Pa_t(1024 * 1024),
		KernelWindowEnd: mem.Pa_t(*optKernelWindowMB * 1024 * 1024),
		HWWindowStart:   *optHWStartMB * 1024 * 1024,
		HWWindowEnd:     *optHWEndMB * 1024 * 1024,
		Regions: []boot.MemRegion{
			{Base: 0, Length: *optRamMB * 1024 * 1024, Available: true},
		},
	}

	k, err := boot.Boot(cfg, log, *optHeapPages)
	if err != defs.EOK {
		log.Error("boot failed", "err", err)
		os.Exit(1)
	}

	var fs fsapi.FileSystem = hostFS{}

	if *optSymMap != "" {
		f, size, oerr := fs.Open(*optSymMap)
		if oerr != nil {
			log.Error("opening symbol map", "path", *optSymMap, "err", oerr)
			os.Exit(1)
		}
		n, lerr := k.Syms.LoadMapFile(io.NewSectionReader(f, 0, size))
		closeFile(f)
		if lerr != nil {
			log.Error("loading symbol map", "err", lerr)
			os.Exit(1)
		}
		log.Info("symbol map loaded", "entries", n)
	}

	if *optDriver != "" {
		f, _, oerr := fs.Open(*optDriver)
		if oerr != nil {
			log.Error("opening driver object", "path", *optDriver, "err", oerr)
			os.Exit(1)
		}
		defer closeFile(f)

		m, ok, perr := drvload.Probe(f)
		if perr != nil {
			log.Error("probing driver object", "err", perr)
			os.Exit(1)
		}
		if !ok {
			log.Warn("driver object has no manifest, loading anyway", "path", *optDriver)
		} else {
			log.Info("driver manifest", "name", m.Name, "version", m.Version)
		}

		entry, derr := drvload.Load(f, k.Heap, k.Syms, log)
		if derr != defs.EOK {
			log.Error("loading driver", "err", derr)
			os.Exit(1)
		}
		log.Info("driver loaded", "entry", fmt.Sprintf("0x%x", entry))
	}

	if *optExec != "" {
		f, _, oerr := fs.Open(*optExec)
		if oerr != nil {
			log.Error("opening executable", "path", *optExec, "err", oerr)
			os.Exit(1)
		}
		defer closeFile(f)

		proc, lerr := elfload.Load(f, *optExecArg, k.Sched, k.Paging, k.PMM)
		if lerr != defs.EOK {
			log.Error("loading executable", "err", lerr)
			os.Exit(1)
		}
		entry, eerr := elfload.Entry(f)
		if eerr != defs.EOK {
			log.Error("reading entry point", "err", eerr)
			os.Exit(1)
		}
		log.Info("executable loaded", "pid", proc.Pid, "entry", fmt.Sprintf("0x%x", entry))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	con.ReadKeys(ctx)

	run(ctx, k, log, con, *optTicks)

	if logFile != nil {
		logFile.Close()
	}
}

// run drives the scheduler the way the timer interrupt would: one tick per
// pass, flushing the console's output ring afterward. It stops after ticks
// passes if ticks is nonzero, after ctx is cancelled (Ctrl-C), after
// sys_restart requests a reset, or once only the idle thread is left ready
// to run.
func run(ctx context.Context, k *boot.Kernel, log *klog.Logger, con *console.Console, ticks uint32) {
	var passes uint32
	for {
		select {
		case <-ctx.Done():
			log.Info("interrupted, shutting down")
			return
		default:
		}

		if k.IDT.ResetRequested {
			log.Info("sys_restart observed, shutting down")
			return
		}

		cur := k.Sched.CurrentThread()
		k.IDT.Dispatch(intr.VecIRQTimer, cur.Ctx)
		k.Sched.RunCurrent()

		if err := con.Flush(); err != nil {
			log.Warn("console flush failed", "err", err)
		}

		passes++
		if ticks != 0 && passes >= ticks {
			return
		}
		if ticks == 0 && k.Sched.ReadyLen() == 0 && k.Sched.CurrentThread().Tid == k.Sched.IdleTid() {
			log.Info("nothing left to run")
			return
		}
		time.Sleep(time.Millisecond)
	}
}
