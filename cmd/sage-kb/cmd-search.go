package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/HengYangDS/sage-kb-sub007/loader"
)

type cmdSearch struct {
	baseConfig

	Layers []string `long:"layers" short:"l" description:"Layer ids to restrict the search; repeatable or comma-separated"`
	Limit  int      `long:"limit" default:"20" description:"Maximum hits to print"`

	Args struct {
		Query []string `positional-arg-name:"query" required:"yes" description:"Term to search for"`
	} `positional-args:"yes"`
}

func (c *cmdSearch) Execute(_ []string) error {
	var ctx = context.Background()
	var rt, err = c.buildRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	var hits []loader.SearchHit
	hits, err = rt.ldr.Search(ctx, strings.Join(c.Args.Query, " "), expandCommas(c.Layers), c.Limit)
	if loader.IsBadRequest(err) {
		errColor.Fprintln(os.Stderr, err.Error())
		rt.exit(2)
	}
	if err != nil {
		return err
	}

	if len(hits) == 0 {
		warnColor.Fprintln(os.Stderr, "no matches")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%s:%d: %s (%d matches)\n", h.File, h.Line, h.Snippet, h.Matches)
	}
	return nil
}
