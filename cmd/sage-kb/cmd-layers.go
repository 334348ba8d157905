package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
)

type cmdLayers struct {
	baseConfig

	All    bool `long:"all" description:"Include nested layers, not just top-level ones"`
	Rescan bool `long:"rescan" description:"Force a content rescan before listing"`
}

func (c *cmdLayers) Execute(_ []string) error {
	var ctx = context.Background()
	var rt, err = c.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if c.Rescan {
		if _, err = rt.ldr.Rescan(ctx); err != nil {
			return fmt.Errorf("rescanning content: %w", err)
		}
	}

	var snap = rt.ldr.Snapshot()
	var layers = snap.TopLevel()
	if c.All {
		layers = snap.Layers()
	}

	var tw = tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LAYER\tFILES\tBYTES\tTOKENS\tTITLE")
	for _, l := range layers {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", l.ID, len(l.Files), l.Bytes, l.Tokens, l.Title)
	}
	return tw.Flush()
}
