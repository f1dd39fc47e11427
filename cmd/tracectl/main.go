// Command tracectl is a thin front-end over the debugger package: attach
// to or spawn a target, register a handful of flag-driven breakpoints,
// and run the event loop to completion. It exists only to exercise the
// core engine from a shell; anything resembling a full UI is out of
// scope (spec §1 "command-line front-ends in example programs").
//
// Grounded on riverlytech-art's cmd/root.go: a cobra.Command root with
// persistent flags and a Run closure building a config struct, rather
// than the teacher's tview/tcell terminal application.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/shadowtrap/tracee/arch"
	"github.com/shadowtrap/tracee/debugger"
)

// fileConfig is the optional on-disk configuration, loaded with
// BurntSushi/toml when --config is given. Flags always take precedence
// over file values actually set on the command line.
type fileConfig struct {
	TraceSyscalls bool     `toml:"trace_syscalls"`
	FollowFork    bool     `toml:"follow_fork"`
	Breakpoints   []string `toml:"breakpoints"`
}

var (
	pidFlag        int
	traceSyscalls  bool
	followFork     bool
	breakpointArgs []string
	configPath     string
)

var rootCmd = &cobra.Command{
	Use:   "tracectl [command args...]",
	Short: "attach to or spawn a process under the tracee control engine",
	RunE:  run,
}

func init() {
	rootCmd.Flags().IntVar(&pidFlag, "pid", 0, "attach to an existing pid instead of spawning the command line")
	rootCmd.Flags().BoolVar(&traceSyscalls, "trace-syscalls", false, "enable syscall-stop tracing")
	rootCmd.Flags().BoolVar(&followFork, "follow-fork", false, "auto-attach children on fork/clone")
	rootCmd.Flags().StringArrayVar(&breakpointArgs, "break", nil, "module:offset breakpoint, e.g. a.out:0x1139 (repeatable)")
	rootCmd.Flags().StringVar(&configPath, "config", "", "optional TOML file overriding defaults")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if configPath != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(configPath, &fc); err != nil {
			return fmt.Errorf("load config %s: %w", configPath, err)
		}
		if !cmd.Flags().Changed("trace-syscalls") {
			traceSyscalls = fc.TraceSyscalls
		}
		if !cmd.Flags().Changed("follow-fork") {
			followFork = fc.FollowFork
		}
		if len(breakpointArgs) == 0 {
			breakpointArgs = fc.Breakpoints
		}
	}

	target := debugger.TargetDescription{ISA: hostISA()}
	d, err := debugger.New(target, nil, log, debugger.Options{
		TraceSyscalls: traceSyscalls,
		FollowFork:    followFork,
	})
	if err != nil {
		return err
	}

	var pid int
	if pidFlag != 0 {
		pid = pidFlag
		if err := d.Attach(pid); err != nil {
			return err
		}
	} else {
		if len(args) == 0 {
			return fmt.Errorf("either --pid or a command line is required")
		}
		pid, err = d.Spawn(args)
		if err != nil {
			return err
		}
	}

	for _, spec := range breakpointArgs {
		mod, offset, err := parseBreakpointSpec(spec)
		if err != nil {
			return err
		}
		hits := 0
		err = d.AddBreakpoint(pid, mod, offset, func(view debugger.TraceeView) debugger.BreakpointDecision {
			hits++
			log.WithFields(logrus.Fields{"pid": view.Pid(), "module": mod, "offset": offset, "hits": hits}).
				Info("breakpoint hit")
			return debugger.Continue
		}, false)
		if err != nil {
			return err
		}
	}

	go func() {
		for diag := range d.Diagnostics() {
			log.WithError(diag.Err).WithField("pid", diag.Pid).Warn("tracee error")
		}
	}()

	return d.EventLoop()
}

func parseBreakpointSpec(spec string) (module string, offset uintptr, err error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("invalid breakpoint spec %q, want module:offset", spec)
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(parts[1], "0x"), 16, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid offset in %q: %w", spec, err)
	}
	return parts[0], uintptr(v), nil
}

func hostISA() string {
	return arch.Default().Name()
}
