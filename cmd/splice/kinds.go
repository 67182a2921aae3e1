package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"pipelined.dev/splice"
)

type kindsCommand struct{}

func (cmd *kindsCommand) Name() string {
	return "kinds"
}

func (cmd *kindsCommand) Help() string {
	return "Show the list of available stage kinds"
}

func (cmd *kindsCommand) Register(*flag.FlagSet) {}

func (cmd *kindsCommand) Run(_ context.Context, stdout io.Writer) error {
	w := tabwriter.NewWriter(stdout, 0, 8, 1, '\t', 0)
	fmt.Fprintln(w, "KIND\tCLASS")
	for _, k := range splice.DefaultFactory(nil).Kinds() {
		fmt.Fprintf(w, "%s\t%v\n", k.Name, k.Class)
	}
	return w.Flush()
}
