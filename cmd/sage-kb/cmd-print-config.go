package main

import (
	"fmt"
	"os"

	"github.com/HengYangDS/sage-kb-sub007/config"
)

type cmdPrintConfig struct {
	baseConfig

	Env bool `long:"env" description:"Also list the recognized environment variables"`
}

func (c *cmdPrintConfig) Execute(_ []string) error {
	c.initLog()

	var cfg, warnings, err = config.Load(c.ConfigFile)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		warnColor.Fprintln(os.Stderr, w.String())
	}

	var out []byte
	if out, err = cfg.YAML(); err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}
	os.Stdout.Write(out)

	if c.Env {
		fmt.Println()
		fmt.Println("# Recognized environment variables:")
		for _, name := range config.EnvVars() {
			fmt.Printf("#   %s\n", name)
		}
	}
	return nil
}
