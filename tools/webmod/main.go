package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/thought-machine/go-flags"

	"github.com/glromeo/codebite-sub000/tools/webmod/config"
	"github.com/glromeo/codebite-sub000/tools/webmod/esmdev"
	"github.com/glromeo/codebite-sub000/tools/webmod/webmodules"
)

var opts = struct {
	Usage string

	Root    string `short:"r" long:"root" default:"." description:"Workspace root holding package.json and node_modules"`
	Config  string `short:"c" long:"config" description:"Config file (default: webmod.config.* in the root)"`
	Verbose bool   `short:"v" long:"verbose" description:"Log debug output"`

	Serve struct {
		Port     int      `short:"p" long:"port" description:"HTTP port"`
		Servedir string   `short:"s" long:"servedir" description:"Directory to serve HTML and static files from"`
		Tsconfig string   `long:"tsconfig" description:"Path to tsconfig.json (JSX settings, path aliases)"`
		Proxy    []string `long:"proxy" description:"Proxy rules (prefix=target)"`
		NoWarmup bool     `long:"no-warmup" description:"Do not bundle all dependencies at startup"`
	} `command:"serve" alias:"s" description:"Serve the workspace with on-demand dependency bundling"`

	Install struct{} `command:"install" alias:"i" description:"Bundle every dependency of the workspace manifest"`

	Resolve struct {
		From string `short:"f" long:"from" description:"Directory the specifiers are imported from (default: root)"`
		Args struct {
			Specifiers []string `positional-arg-name:"specifier" required:"1" description:"Specifiers to resolve"`
		} `positional-args:"true"`
	} `command:"resolve" alias:"r" description:"Print the URL each specifier resolves to"`
}{
	Usage: `
webmod serves npm dependencies to the browser as native ES modules.

  - serve:    start a dev server that bundles packages on first import
  - install:  bundle every dependency up front and write the import map
  - resolve:  print the import map URL of one or more specifiers
`,
}

// workspace is the state every subcommand starts from.
type workspace struct {
	cfg     *config.Config
	store   *webmodules.ImportMap
	bundler *webmodules.Bundler
	logger  *log.Logger
}

func openWorkspace() (*workspace, error) {
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true})
	if opts.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	cfg, err := config.Load(opts.Root, opts.Config)
	if err != nil {
		return nil, err
	}
	if cfg.File != "" {
		logger.Debug("loaded config", "file", cfg.File)
	}

	overrides, err := cfg.Overrides()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", cfg.ImportMap, err)
	}
	store := webmodules.NewImportMap(cfg.ImportMapPath(), cfg.Roots(), logger.WithPrefix("import-map"))
	if err := store.Load(overrides); err != nil {
		return nil, err
	}

	bcfg, err := cfg.BundlerConfig()
	if err != nil {
		return nil, err
	}
	bundler, err := webmodules.New(bcfg, store, webmodules.WithLogger(logger.WithPrefix("web_modules")))
	if err != nil {
		return nil, err
	}
	return &workspace{cfg: cfg, store: store, bundler: bundler, logger: logger}, nil
}

var subCommands = map[string]func(ctx context.Context, ws *workspace) error{
	"serve": func(ctx context.Context, ws *workspace) error {
		port := ws.cfg.Port
		if opts.Serve.Port != 0 {
			port = opts.Serve.Port
		}
		servedir := ws.cfg.Servedir
		if opts.Serve.Servedir != "" {
			servedir = opts.Serve.Servedir
		}
		bcfg, err := ws.cfg.BundlerConfig()
		if err != nil {
			return err
		}
		server, err := esmdev.New(ws.bundler, ws.store, esmdev.Options{
			Root:      ws.cfg.Root,
			Servedir:  servedir,
			OutDir:    ws.cfg.OutDir,
			URLPrefix: ws.cfg.URLPrefix,
			Define:    bcfg.Define,
			Target:    bcfg.Target,
			Tsconfig:  opts.Serve.Tsconfig,
			Proxy:     opts.Serve.Proxy,
			Logger:    ws.logger,
		})
		if err != nil {
			return err
		}
		if !opts.Serve.NoWarmup {
			go func() {
				if _, err := ws.bundler.BundleAll(ctx); err != nil {
					ws.logger.Warn("warm-up interrupted", "err", err)
				}
			}()
		}
		return esmdev.Run(ctx, server, port)
	},
	"install": func(ctx context.Context, ws *workspace) error {
		failed, err := ws.bundler.BundleAll(ctx)
		if err != nil {
			return err
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d package(s) failed to bundle: %v", len(failed), failed)
		}
		ws.logger.Info("import map written", "path", ws.cfg.ImportMapPath(), "entries", len(ws.store.Specifiers()))
		return nil
	},
	"resolve": func(ctx context.Context, ws *workspace) error {
		from := ws.cfg.Root
		if opts.Resolve.From != "" {
			abs, err := filepath.Abs(opts.Resolve.From)
			if err != nil {
				return err
			}
			from = abs
		}
		for _, spec := range opts.Resolve.Args.Specifiers {
			url, err := ws.bundler.Resolve(ctx, spec, from)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%s\n", spec, url)
		}
		return nil
	},
}

func main() {
	p := flags.NewParser(&opts, flags.Default)
	if _, err := p.Parse(); err != nil {
		os.Exit(1)
	}
	if p.Active == nil {
		p.WriteHelp(os.Stderr)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws, err := openWorkspace()
	if err != nil {
		log.Fatal(err)
	}
	if err := subCommands[p.Active.Name](ctx, ws); err != nil {
		log.Error(err)
		stop()
		os.Exit(1)
	}
}
