package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/HengYangDS/sage-kb-sub007/loader"
)

type cmdGet struct {
	baseConfig

	Layers  []string `long:"layers" short:"l" description:"Layer ids to load; repeatable or comma-separated; '*' admits every top-level layer"`
	Budget  int      `long:"budget" description:"Token budget; 0 uses the configured ceiling"`
	Timeout int      `long:"timeout" description:"Overall deadline override in milliseconds"`

	Args struct {
		Task []string `positional-arg-name:"task" description:"Free-form task description"`
	} `positional-args:"yes"`
}

func (c *cmdGet) Execute(_ []string) error {
	var ctx = context.Background()
	var rt, err = c.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var res loader.LoadResult
	res, err = rt.ldr.Load(ctx, loader.LoadRequest{
		Task:            strings.Join(c.Args.Task, " "),
		ExplicitLayers:  expandCommas(c.Layers),
		TokenBudget:     c.Budget,
		OverrideTimeout: time.Duration(c.Timeout) * time.Millisecond,
	})
	if loader.IsBadRequest(err) {
		errColor.Fprintln(os.Stderr, err.Error())
		rt.exit(2)
	}
	if err != nil {
		return err
	}

	reportResult(res)
	os.Stdout.Write(res.Content)
	if n := len(res.Content); n > 0 && res.Content[n-1] != '\n' {
		fmt.Println()
	}
	return nil
}

// reportResult writes degradation context to stderr so stdout stays pure
// content.
func reportResult(res loader.LoadResult) {
	if res.Status != loader.StatusSuccess {
		warnColor.Fprintf(os.Stderr, "status: %s (correlation %s)\n", res.Status, res.CorrelationID)
	}
	for _, w := range res.Warnings {
		var where = w.Layer
		if w.File != "" {
			where += "/" + w.File
		}
		if where != "" {
			warnColor.Fprintf(os.Stderr, "warning: %s: %s\n", where, w.Reason)
		} else {
			warnColor.Fprintf(os.Stderr, "warning: %s\n", w.Reason)
		}
	}
}

// expandCommas flattens repeated and comma-separated flag values.
func expandCommas(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
