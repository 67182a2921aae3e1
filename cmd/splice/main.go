package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
)

const (
	successExitCode = 0
	errorExitCode   = 1
)

type command interface {
	Name() string
	Help() string
	Register(*flag.FlagSet)
	Run(ctx context.Context, stdout io.Writer) error
}

type cli struct {
	commands []command
	stdout   io.Writer
	stderr   io.Writer
}

func newCLI(stdout, stderr io.Writer) *cli {
	return &cli{
		commands: []command{&relayCommand{}, &kindsCommand{}},
		stdout:   stdout,
		stderr:   stderr,
	}
}

func (c *cli) run(ctx context.Context, args []string) int {
	name, args := parseArgs(args)
	if name == "" {
		c.printUsage()
		return errorExitCode
	}
	for _, cmd := range c.commands {
		if cmd.Name() != name {
			continue
		}
		flags := flag.NewFlagSet(name, flag.ContinueOnError)
		flags.SetOutput(c.stderr)
		cmd.Register(flags)
		if err := flags.Parse(args); err != nil {
			return errorExitCode
		}
		if err := cmd.Run(ctx, c.stdout); err != nil {
			fmt.Fprintf(c.stderr, "Command failed: %v\n", err)
			return errorExitCode
		}
		return successExitCode
	}
	fmt.Fprintf(c.stderr, "Unknown command: %s\n", name)
	c.printUsage()
	return errorExitCode
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), shutdownSignals...)
	code := newCLI(os.Stdout, os.Stderr).run(ctx, os.Args)
	stop()
	os.Exit(code)
}

func parseArgs(args []string) (string, []string) {
	if len(args) < 2 {
		return "", nil
	}
	return args[1], args[2:]
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.stderr, "Splice relays a segment as an endless stream")
	fmt.Fprintln(c.stderr)
	fmt.Fprintln(c.stderr, "Usage: splice <command> [flags]")
	fmt.Fprintln(c.stderr)
	fmt.Fprintln(c.stderr, "Commands:")
	for _, cmd := range c.commands {
		fmt.Fprintf(c.stderr, "\t%s\t%s\n", cmd.Name(), cmd.Help())
	}
}
