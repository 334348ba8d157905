package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/HengYangDS/sage-kb-sub007/capability"
	"github.com/HengYangDS/sage-kb-sub007/loader"
)

type cmdCapability struct {
	baseConfig

	List    bool   `long:"list" description:"List registered capabilities and exit"`
	Layer   string `long:"layer" description:"Layer id input"`
	Text    string `long:"text" description:"Inline Markdown input"`
	Timeout int    `long:"timeout" description:"Deadline override in milliseconds"`

	Args struct {
		Family string `positional-arg-name:"family" description:"Capability family (analyzer, checker, monitor, converter, generator)"`
		Name   string `positional-arg-name:"name" description:"Capability name"`
	} `positional-args:"yes"`
}

func (c *cmdCapability) Execute(_ []string) error {
	var ctx = context.Background()
	var rt, err = c.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if c.List {
		var tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FAMILY\tNAME\tVERSION\tINPUT\tOUTPUT")
		for _, d := range rt.disp.Registry().List() {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.Family, d.Name, d.Version, d.InputKind, d.OutputKind)
		}
		return tw.Flush()
	}

	var family, ok = capability.ParseFamily(c.Args.Family)
	if !ok {
		errColor.Fprintf(os.Stderr, "unknown capability family %q\n", c.Args.Family)
		rt.exit(2)
	}

	var res capability.Result
	res, err = rt.disp.Run(ctx, family, c.Args.Name, capability.Input{
		Layer: c.Layer,
		Text:  c.Text,
	}, time.Duration(c.Timeout)*time.Millisecond)
	if loader.IsBadRequest(err) {
		errColor.Fprintln(os.Stderr, err.Error())
		rt.exit(2)
	}
	if err != nil {
		return err
	}

	if res.Status != capability.StatusOK {
		errColor.Fprintf(os.Stderr, "capability %s/%s: %s: %s\n", family, c.Args.Name, res.Status, res.Error)
		rt.exit(1)
	}
	fmt.Println(res.Output.Text)
	return nil
}
