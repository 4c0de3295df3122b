// Package interactive provides the operator console of knxmgmt.
//
// The console runs on top of the daemon's bus session; procedures started
// here take the same run slot as API and MQTT requests and are journaled
// with source "console".
package interactive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/chzyer/readline"

	"github.com/nerrad567/knxmgmt/internal/audit"
	knxbridge "github.com/nerrad567/knxmgmt/internal/bridges/knx"
	"github.com/nerrad567/knxmgmt/internal/commissioning"
	"github.com/nerrad567/knxmgmt/internal/knx/cemi"
	"github.com/nerrad567/knxmgmt/internal/knx/prog"
	"github.com/nerrad567/knxmgmt/internal/knx/telegram"
)

const (
	defaultListLimit = 20
	groupTimeout     = 5 * time.Second
)

// Runner is the part of *commissioning.Runner the console drives.
type Runner interface {
	Run(ctx context.Context, req commissioning.Request) (commissioning.Run, error)
	Runs() []commissioning.Run
	WriteGroup(ctx context.Context, w commissioning.GroupWrite) error
	ReadGroup(ctx context.Context, ga telegram.GroupAddress) error
}

// Directory lists addresses seen on the bus. *knxbridge.BusMonitor
// implements it.
type Directory interface {
	SeenDevices(ctx context.Context, limit int) ([]knxbridge.SeenDevice, error)
	SeenGroupAddresses(ctx context.Context, limit int) ([]knxbridge.SeenGroupAddress, error)
}

// BusInfo is implemented by *bus.Session.
type BusInfo interface {
	OwnAddress() telegram.IndividualAddress
	Counters() *cemi.Counters
}

// Options wires the console to the daemon. Runner is required.
type Options struct {
	Runner Runner
	Seen   Directory
	Bus    BusInfo

	// UserID is recorded in the journal for console actions.
	UserID string
}

// Console handles interactive mode.
type Console struct {
	runner Runner
	seen   Directory
	bus    BusInfo
	userID string

	rl  *readline.Instance
	out io.Writer
}

// New creates a console reading from the terminal.
func New(opts Options) (*Console, error) {
	if opts.Runner == nil {
		return nil, errors.New("runner is required")
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "knx> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}

	c := newConsole(opts, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(opts Options, out io.Writer) *Console {
	return &Console{
		runner: opts.Runner,
		seen:   opts.Seen,
		bus:    opts.Bus,
		userID: opts.UserID,
		out:    out,
	}
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("probe"),
		readline.PcItem("assign"),
		readline.PcItem("memory-bit", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("read"),
		readline.PcItem("write"),
		readline.PcItem("group-read"),
		readline.PcItem("devices"),
		readline.PcItem("groups"),
		readline.PcItem("runs"),
		readline.PcItem("stats"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Stdout returns a writer that coordinates with the prompt. Use it for
// log output.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run reads commands until quit, EOF or ctx is done. cancel is called
// when the operator leaves, stopping the daemon.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}

		if c.Execute(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line. It reports whether the operator asked
// to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "probe", "p":
		c.cmdProcedure(ctx, commissioning.ActionProbe, args)
	case "assign", "a":
		c.cmdProcedure(ctx, commissioning.ActionAssignAddress, args)
	case "memory-bit", "mb":
		c.cmdMemoryBit(ctx, args)
	case "read", "r":
		c.cmdRead(ctx, args)
	case "write", "w":
		c.cmdWrite(ctx, args)
	case "group-read", "gr":
		c.cmdGroupRead(ctx, args)
	case "devices", "d":
		c.cmdDevices(ctx, args)
	case "groups", "g":
		c.cmdGroups(ctx, args)
	case "runs":
		c.cmdRuns()
	case "stats", "s":
		c.cmdStats()
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
KNX Management Commands:
  Procedures:
    probe <address>                 - Check whether a device answers at an address
    assign <address>                - Assign an address to the device in programming mode
    memory-bit <address> on|off     - Switch the configured memory bit
    read <address> <offset> [count] - Read device memory (offset decimal or 0x hex)

  Group telegrams:
    write <group> <hex> [small]     - GroupValue_Write, e.g. write 1/0/4 01 small
    group-read <group>              - GroupValue_Read; answers show in 'groups'

  Bus:
    devices [limit]                 - Devices seen on the line
    groups [limit]                  - Group addresses seen on the line
    runs                            - Recent procedure runs
    stats                           - Link counters

  General:
    help                            - Show this help
    quit                            - Exit and stop the daemon`)
}

func (c *Console) request(action commissioning.Action, addr telegram.IndividualAddress) commissioning.Request {
	return commissioning.Request{
		Action:  action,
		Address: addr,
		Source:  audit.SourceConsole,
		UserID:  c.userID,
	}
}

func (c *Console) cmdProcedure(ctx context.Context, action commissioning.Action, args []string) {
	if len(args) != 1 {
		fmt.Fprintf(c.out, "Usage: %s <address>\n", action)
		return
	}
	addr, ok := c.parseDevice(args[0])
	if !ok {
		return
	}
	c.execute(ctx, c.request(action, addr))
}

func (c *Console) cmdMemoryBit(ctx context.Context, args []string) {
	if len(args) != 2 {
		fmt.Fprintln(c.out, "Usage: memory-bit <address> on|off")
		return
	}
	addr, ok := c.parseDevice(args[0])
	if !ok {
		return
	}
	mode, err := prog.ParseMode(args[1])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid mode: %v\n", err)
		return
	}
	req := c.request(commissioning.ActionMemoryBit, addr)
	req.Mode = mode
	c.execute(ctx, req)
}

func (c *Console) cmdRead(ctx context.Context, args []string) {
	if len(args) < 2 || len(args) > 3 {
		fmt.Fprintln(c.out, "Usage: read <address> <offset> [count]")
		return
	}
	addr, ok := c.parseDevice(args[0])
	if !ok {
		return
	}
	offset, err := strconv.ParseUint(args[1], 0, 16)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid offset: %s\n", args[1])
		return
	}
	count := uint64(1)
	if len(args) == 3 {
		count, err = strconv.ParseUint(args[2], 10, 8)
		if err != nil {
			fmt.Fprintf(c.out, "Invalid count: %s\n", args[2])
			return
		}
	}

	req := c.request(commissioning.ActionReadMemory, addr)
	req.Offset = uint16(offset)
	req.Count = uint8(count)
	c.execute(ctx, req)
}

func (c *Console) execute(ctx context.Context, req commissioning.Request) {
	run, err := c.runner.Run(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, commissioning.ErrBusy):
			fmt.Fprintln(c.out, "Busy: another procedure is running")
		default:
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		return
	}
	c.printRun(run)
}

func (c *Console) printRun(run commissioning.Run) {
	fmt.Fprintf(c.out, "%s %s: %s", run.Action, run.Address, run.State)
	if run.Result != "" {
		fmt.Fprintf(c.out, " result=%s", run.Result)
	}
	if run.Data != "" {
		fmt.Fprintf(c.out, " data=%s", run.Data)
	}
	if run.Error != "" {
		fmt.Fprintf(c.out, " error=%q", run.Error)
	}
	fmt.Fprintf(c.out, " (%dms)\n", run.DurationMS)
}

func (c *Console) cmdWrite(ctx context.Context, args []string) {
	if len(args) < 2 || len(args) > 3 {
		fmt.Fprintln(c.out, "Usage: write <group> <hex> [small]")
		return
	}
	ga, ok := c.parseGroup(args[0])
	if !ok {
		return
	}
	data, err := hex.DecodeString(args[1])
	if err != nil {
		fmt.Fprintf(c.out, "Invalid data: %v\n", err)
		return
	}
	small := len(args) == 3 && strings.EqualFold(args[2], "small")

	ctx, cancel := context.WithTimeout(ctx, groupTimeout)
	defer cancel()
	err = c.runner.WriteGroup(ctx, commissioning.GroupWrite{
		Address: ga,
		Data:    data,
		Small:   small,
		Source:  audit.SourceConsole,
		UserID:  c.userID,
	})
	if err != nil {
		fmt.Fprintf(c.out, "Write failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "OK")
}

func (c *Console) cmdGroupRead(ctx context.Context, args []string) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "Usage: group-read <group>")
		return
	}
	ga, ok := c.parseGroup(args[0])
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, groupTimeout)
	defer cancel()
	if err := c.runner.ReadGroup(ctx, ga); err != nil {
		fmt.Fprintf(c.out, "Read failed: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, "OK")
}

func (c *Console) cmdDevices(ctx context.Context, args []string) {
	if c.seen == nil {
		fmt.Fprintln(c.out, "Bus directory not available")
		return
	}
	limit, ok := c.parseLimit(args)
	if !ok {
		return
	}
	devices, err := c.seen.SeenDevices(ctx, limit)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if len(devices) == 0 {
		fmt.Fprintln(c.out, "No devices seen")
		return
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tLAST SEEN\tMESSAGES")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%d\n", d.Address, d.LastSeen.Local().Format(time.DateTime), d.MessageCount)
	}
	tw.Flush()
}

func (c *Console) cmdGroups(ctx context.Context, args []string) {
	if c.seen == nil {
		fmt.Fprintln(c.out, "Bus directory not available")
		return
	}
	limit, ok := c.parseLimit(args)
	if !ok {
		return
	}
	groups, err := c.seen.SeenGroupAddresses(ctx, limit)
	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}
	if len(groups) == 0 {
		fmt.Fprintln(c.out, "No group addresses seen")
		return
	}

	tw := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "GROUP\tLAST SEEN\tMESSAGES\tREADABLE")
	for _, g := range groups {
		readable := "no"
		if g.HasReadResponse {
			readable = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", g.GroupAddress, g.LastSeen.Local().Format(time.DateTime), g.MessageCount, readable)
	}
	tw.Flush()
}

func (c *Console) cmdRuns() {
	runs := c.runner.Runs()
	if len(runs) == 0 {
		fmt.Fprintln(c.out, "No runs")
		return
	}
	for _, run := range runs {
		fmt.Fprintf(c.out, "%s  ", run.ID)
		c.printRun(run)
	}
}

func (c *Console) cmdStats() {
	if c.bus == nil {
		fmt.Fprintln(c.out, "Bus not available")
		return
	}
	s := c.bus.Counters().Snapshot()
	fmt.Fprintf(c.out, "Own address:     %s\n", c.bus.OwnAddress())
	fmt.Fprintf(c.out, "Outgoing:        %d ok, %d failed\n", s.OutgoingSuccess, s.OutgoingError)
	fmt.Fprintf(c.out, "Incoming:        %d ok, %d failed\n", s.IncomingSuccess, s.IncomingError)
}

func (c *Console) parseDevice(s string) (telegram.IndividualAddress, bool) {
	addr, err := telegram.ParseIndividualAddress(s)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid address: %v\n", err)
		return telegram.IndividualAddress{}, false
	}
	return addr, true
}

func (c *Console) parseGroup(s string) (telegram.GroupAddress, bool) {
	ga, err := telegram.ParseGroupAddress(s)
	if err != nil {
		fmt.Fprintf(c.out, "Invalid group address: %v\n", err)
		return telegram.GroupAddress{}, false
	}
	return ga, true
}

func (c *Console) parseLimit(args []string) (int, bool) {
	if len(args) == 0 {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		fmt.Fprintf(c.out, "Invalid limit: %s\n", args[0])
		return 0, false
	}
	return n, true
}
