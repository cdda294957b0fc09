// Command dingusctl boots a machine fabric, loads a ROM image, and drops
// into an interactive monitor for poking at the address map while the
// virtual-time scheduler runs.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/dingusppc/fabric/internal/machine"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "dingusctl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	model := flag.String("machine", "gossamer", "machine model: pdm, tnt, gossamer")
	romPath := flag.String("rom", "", "path to a ROM image")
	ramMB := flag.Int("ram-mb", 0, "override RAM size in megabytes (0 keeps the model default)")
	overridePath := flag.String("props", "", "path to a YAML property override file")
	ticks := flag.Int64("run", 0, "advance the virtual-time scheduler by this many nanoseconds before the monitor starts")
	flag.Parse()

	rom, err := loadROM(*romPath)
	if err != nil {
		return fmt.Errorf("load ROM: %w", err)
	}

	effectiveOverrides := *overridePath
	if *ramMB > 0 {
		path, cleanup, err := writeRAMOverride(*overridePath, *ramMB)
		if err != nil {
			return fmt.Errorf("ram-mb override: %w", err)
		}
		defer cleanup()
		effectiveOverrides = path
	}

	m, err := buildMachine(*model, rom, effectiveOverrides)
	if err != nil {
		return fmt.Errorf("build machine %q: %w", *model, err)
	}
	slog.Info("machine ready", "model", m.Name)

	mon := &monitorState{m: m}
	if *ticks > 0 {
		mon.advance(uint64(*ticks))
		slog.Info("advanced virtual time", "now", mon.now)
	}

	return mon.run()
}

// writeRAMOverride merges a "ram_size" entry onto whatever property
// overrides basePath already holds (if any) and writes the result to a new
// temp file, since machine.Properties only accepts overrides from a file.
func writeRAMOverride(basePath string, ramMB int) (path string, cleanup func(), err error) {
	overrides := map[string]string{}
	if basePath != "" {
		data, err := os.ReadFile(basePath)
		if err != nil {
			return "", nil, err
		}
		if err := yaml.Unmarshal(data, &overrides); err != nil {
			return "", nil, err
		}
	}
	overrides["ram_size"] = strconv.Itoa(ramMB * 1024 * 1024)

	data, err := yaml.Marshal(overrides)
	if err != nil {
		return "", nil, err
	}
	f, err := os.CreateTemp("", "dingusctl-props-*.yml")
	if err != nil {
		return "", nil, err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", nil, err
	}
	f.Close()
	return f.Name(), func() { os.Remove(f.Name()) }, nil
}

func buildMachine(model string, rom []byte, overridePath string) (*machine.Machine, error) {
	switch strings.ToLower(model) {
	case "pdm":
		return machine.NewPDM(rom, overridePath)
	case "tnt":
		return machine.NewTNT(rom, overridePath)
	case "gossamer":
		return machine.NewGossamer(rom, overridePath)
	default:
		return nil, fmt.Errorf("unknown model %q (want pdm, tnt, or gossamer)", model)
	}
}

func loadROM(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	bar := progressbar.DefaultBytes(fi.Size(), "loading rom")
	defer bar.Close()

	buf := make([]byte, fi.Size())
	if _, err := io.ReadFull(io.TeeReader(f, bar), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// stepQuantumNS is how far a single "step" command advances virtual time.
const stepQuantumNS = 1000

// monitorState tracks the virtual clock driving a machine's scheduler
// across monitor commands.
type monitorState struct {
	m   *machine.Machine
	now uint64
}

// advance moves the virtual clock forward by deltaNS, draining any timers
// that come due along the way.
func (s *monitorState) advance(deltaNS uint64) {
	s.now += deltaNS
	s.m.Timers.ProcessTimers(s.now)
}

// run drives a small interactive command loop against the booted machine.
// Stdin is put into raw mode only when it's actually a terminal so the
// monitor also works fine when piped a script of commands.
func (s *monitorState) run() error {
	isTerminal := term.IsTerminal(int(os.Stdin.Fd()))

	var oldState *term.State
	if isTerminal {
		var err error
		oldState, err = term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Fprintf(os.Stdout, "\r\ndingusctl> ")
		line, err := readLine(reader, isTerminal)
		if err != nil {
			fmt.Fprintln(os.Stdout, "\r")
			return nil
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "quit", "exit":
			fmt.Fprintln(os.Stdout, "\r")
			return nil
		case "regs":
			printStatus(s.m)
		case "step":
			s.advance(stepQuantumNS)
			fmt.Fprintf(os.Stdout, "virtual time now %d, %d timers pending\r\n", s.now, s.m.Timers.Len())
		case "mmio":
			if len(fields) != 2 {
				fmt.Fprintf(os.Stdout, "usage: mmio <addr>\r\n")
				continue
			}
			printMMIO(s.m, fields[1])
		default:
			fmt.Fprintf(os.Stdout, "unknown command %q (try regs, step, mmio <addr>, quit)\r\n", fields[0])
		}
	}
}

// readLine reads a single command line. In raw mode carriage returns don't
// imply a line feed, so Enter is recognized explicitly; in cooked mode (or
// when stdin is a pipe) ReadString('\n') already does the right thing.
func readLine(r *bufio.Reader, raw bool) (string, error) {
	if !raw {
		line, err := r.ReadString('\n')
		return strings.TrimSpace(line), err
	}

	var sb strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case '\r', '\n':
			fmt.Fprint(os.Stdout, "\r\n")
			return sb.String(), nil
		case 127, '\b':
			if sb.Len() > 0 {
				s := sb.String()
				sb.Reset()
				sb.WriteString(s[:len(s)-1])
				fmt.Fprint(os.Stdout, "\b \b")
			}
		case 3: // Ctrl-C
			return "", fmt.Errorf("interrupted")
		default:
			sb.WriteByte(b)
			fmt.Fprintf(os.Stdout, "%c", b)
		}
	}
}

func printStatus(m *machine.Machine) {
	fmt.Fprintf(os.Stdout, "model: %s\r\n", m.Name)
	fmt.Fprintf(os.Stdout, "timers pending: %d\r\n", m.Timers.Len())
	devEv, devLv, dmaEv, dmaLv := m.IRQ.Status()
	fmt.Fprintf(os.Stdout, "irq: dev_events=%#x dev_levels=%#x dma_events=%#x dma_levels=%#x\r\n",
		devEv, devLv, dmaEv, dmaLv)
	for name, ch := range m.DBDMA {
		fmt.Fprintf(os.Stdout, "dbdma[%s]: ch_stat=%#x\r\n", name, ch.Status())
	}
	for name, bus := range m.SCSI {
		fmt.Fprintf(os.Stdout, "scsi[%s]: phase=%v\r\n", name, bus.CurrentPhase())
	}
}

func printMMIO(m *machine.Machine, addrStr string) {
	addr, err := strconv.ParseUint(strings.TrimPrefix(addrStr, "0x"), 16, 64)
	if err != nil {
		fmt.Fprintf(os.Stdout, "bad address %q: %v\r\n", addrStr, err)
		return
	}
	v, err := m.AddrMap.Read(addr, 4)
	if err != nil {
		fmt.Fprintf(os.Stdout, "read %#x: %v\r\n", addr, err)
		return
	}
	fmt.Fprintf(os.Stdout, "%#x: %#08x\r\n", addr, v)
}
