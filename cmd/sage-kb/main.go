package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/HengYangDS/sage-kb-sub007/capability"
	"github.com/HengYangDS/sage-kb-sub007/clock"
	"github.com/HengYangDS/sage-kb-sub007/config"
	"github.com/HengYangDS/sage-kb-sub007/loader"
	"github.com/HengYangDS/sage-kb-sub007/ops"
	"github.com/HengYangDS/sage-kb-sub007/telemetry"
)

// Set via -ldflags="-X main.version=...".
var version = "development"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "get", "Load task-relevant knowledge", `
Assemble a bounded, task-relevant slice of the knowledge base and write it
to stdout. Provide a free-form task description, explicit --layers, or both.
Warnings and degradation notes go to stderr; the exit code is 0 for any
served result and 2 for an invalid request.
`, &cmdGet{})

	addCmd(parser, "layers", "List indexed knowledge layers", `
List the layers of the content tree with file, byte, and token totals.
`, &cmdLayers{})

	addCmd(parser, "search", "Search indexed content", `
Case-insensitive term search across the knowledge base.
`, &cmdSearch{})

	addCmd(parser, "capability", "Run a registered capability", `
Run one capability (analyzer, checker, monitor, converter, or generator)
against a layer or inline Markdown, and write its output to stdout.
`, &cmdCapability{})

	var serve, err = parser.Command.AddCommand("serve", "Serve a knowledge adapter", "", &struct{}{})
	must(err, "failed to add serve command")

	addCmd(serve, "http", "Serve the JSON API over HTTP", `
Serve POST /load, GET /layers, GET /search, capability dispatch, health,
and prometheus metrics until signaled to exit (SIGTERM or interrupt).
`, &cmdServeHTTP{})

	addCmd(serve, "mcp", "Serve the Model-Context-Protocol adapter on stdio", `
Serve MCP tools and layer resources over stdin/stdout. An optional
diagnostics address exposes /metrics and /healthz over HTTP.
`, &cmdServeMCP{})

	addCmd(parser, "print-config", "Print the effective configuration", `
Merge defaults, the configuration file, and environment overrides, and
print the result as YAML.
`, &cmdPrintConfig{})

	if _, err = parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	must(err, "failed to add flags parser command")
	return cmd
}

func must(err error, msg string) {
	if err != nil {
		log.WithField("error", err).Fatal(msg)
	}
}

// baseConfig is shared by every command: the configuration file and the
// logging setup applied before anything else runs.
type baseConfig struct {
	ConfigFile string `long:"config" env:"SAGE_KB_CONFIG" description:"Path to the YAML configuration file"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"text" choice:"json" description:"Logging format"`
	} `group:"Logging" namespace:"log" env-namespace:"SAGE_KB_LOG"`
}

func (c *baseConfig) initLog() {
	if c.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if lvl, err := log.ParseLevel(c.Log.Level); err == nil {
		log.SetLevel(lvl)
	}
	log.SetOutput(os.Stderr)
}

var warnColor = color.New(color.FgYellow)
var errColor = color.New(color.FgRed, color.Bold)

// runtime is the constructed object graph behind every command.
type runtime struct {
	cfg  *config.Config
	bus  *ops.Bus // nil when events are disabled
	ldr  *loader.Loader
	disp *capability.Dispatcher
	obs  *telemetry.Observer
}

// buildRuntime loads configuration and wires the loader, capabilities,
// and telemetry. Configuration warnings go to stderr and never fail.
func (c *baseConfig) buildRuntime(ctx context.Context) (*runtime, error) {
	c.initLog()

	var cfg, warnings, err = config.Load(c.ConfigFile)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		warnColor.Fprintln(os.Stderr, w.String())
	}

	var rt = &runtime{cfg: cfg}
	var clk = clock.Real()
	var pub ops.Publisher = ops.NopPublisher{}
	if cfg.Events.Enabled {
		rt.bus = ops.NewBus(clk, cfg.Events.QueueSize)
		pub = rt.bus
	}

	if rt.ldr, err = loader.New(cfg, clk, pub); err != nil {
		if rt.bus != nil {
			rt.bus.Close()
		}
		return nil, err
	}
	rt.ldr.Start(ctx)

	var reg = capability.NewRegistry()
	if err = capability.RegisterBuiltins(reg, rt.ldr, clk, cfg.CacheTTL()); err != nil {
		rt.Close()
		return nil, err
	}
	rt.disp = capability.NewDispatcher(reg, clk, rt.ldr.Timeouts(), rt.ldr.Breakers(), pub)

	if rt.bus != nil {
		rt.obs = telemetry.Start(rt.bus, telemetry.Options{
			Metrics:   true,
			LogMirror: true,
			Traces:    true,
		})
	}
	return rt, nil
}

// exit terminates with code after closing the runtime: os.Exit skips
// deferred cleanup, so the watcher and bus are shut down here first.
func (rt *runtime) exit(code int) {
	rt.Close()
	os.Exit(code)
}

func (rt *runtime) Close() {
	if rt.obs != nil {
		rt.obs.Close()
	}
	if rt.bus != nil {
		rt.bus.Close()
	}
	if rt.ldr != nil {
		_ = rt.ldr.Close()
	}
}
