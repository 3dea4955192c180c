package main

import (
	"errors"
	"fmt"
	"io"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/chazu/litweave/ledger"
	"github.com/chazu/litweave/manifest"
	"github.com/chazu/litweave/pkg/module"
	"github.com/chazu/litweave/weaver"
)

// weaveCommand processes `litweave weave`.
// Usage:
//
//	litweave weave a.lwm b.lwm           # rewrite in place
//	litweave weave -o out.lwm in.lwm     # single input, separate output
//	litweave weave -no-ledger in.lwm
func weaveCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("weave", "<module.lwm>...")
	configDir := fs.String("config", ".", "Directory to search upwards for weave.toml")
	output := fs.String("o", "", "Output path (only with a single input)")
	ledgerPath := fs.String("ledger", "", "Ledger database (overrides weave.toml)")
	noLedger := fs.Bool("no-ledger", false, "Do not record the weave")
	verbosity := fs.Int("v", -1, "Log verbosity (overrides weave.toml)")
	jobs := fs.Int("j", runtime.GOMAXPROCS(0), "Modules woven in parallel")
	if err := fs.Parse(args); err != nil {
		return err
	}

	inputs := fs.Args()
	if len(inputs) == 0 {
		fs.Usage()
		return errors.New("no input modules")
	}
	if *output != "" && len(inputs) > 1 {
		return errors.New("-o requires a single input")
	}

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		return fmt.Errorf("loading manifest: %w", err)
	}
	if m == nil {
		m = manifest.Default(*configDir)
	}
	if *verbosity >= 0 {
		configureLogging(*verbosity)
	} else {
		configureLogging(m.Log.Verbosity)
	}

	w, err := weaver.New(m.WeaverConfig())
	if err != nil {
		return err
	}

	var led *ledger.Ledger
	path := m.LedgerPath()
	if *ledgerPath != "" {
		path = *ledgerPath
	}
	if path != "" && !*noLedger {
		if led, err = ledger.Open(path); err != nil {
			return err
		}
		defer led.Close()
	}

	reports := make([]*weaver.Report, len(inputs))
	g := new(errgroup.Group)
	g.SetLimit(max(*jobs, 1))
	for i, in := range inputs {
		out := in
		if *output != "" {
			out = *output
		}
		g.Go(func() error {
			rep, err := weaveFile(w, led, in, out)
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	werr := g.Wait()

	for i, rep := range reports {
		if rep == nil {
			continue
		}
		if rep.Empty() {
			fmt.Fprintf(stdout, "%s: no literals to move\n", inputs[i])
			continue
		}
		mode := "plain"
		if rep.Encrypted {
			mode = "encrypted"
		}
		fmt.Fprintf(stdout, "%s: build %s, %d sites, %d records (%s), %d bytes %s in %s\n",
			inputs[i], rep.BuildID, rep.Sites, len(rep.Records), rep.Strategy, rep.BufferBytes, mode, rep.ResourceName)
	}
	return werr
}

// weaveFile weaves one module file. A failed weave writes nothing, so the
// input stays intact even when out == in.
func weaveFile(w *weaver.Weaver, led *ledger.Ledger, in, out string) (*weaver.Report, error) {
	mod, err := module.ReadFile(in)
	if err != nil {
		return nil, err
	}
	rep, err := w.Weave(mod)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", in, err)
	}
	if rep.Empty() && out == in {
		return rep, nil
	}
	if err := module.WriteFile(out, mod); err != nil {
		return nil, fmt.Errorf("%s: %w", out, err)
	}
	if led != nil {
		if err := led.Add(in, rep); err != nil {
			return nil, fmt.Errorf("recording %s: %w", in, err)
		}
	}
	return rep, nil
}
