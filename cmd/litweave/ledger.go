package main

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/chazu/litweave/ledger"
	"github.com/chazu/litweave/manifest"
)

// ledgerCommand processes `litweave ledger`.
// Usage:
//
//	litweave ledger                   # list weaves
//	litweave ledger <build-id>        # show one weave's table
//	litweave ledger -find <literal>   # which builds moved a literal
//	litweave ledger -delete <build-id>
func ledgerCommand(args []string, stdout io.Writer) error {
	fs := newFlagSet("ledger", "[build-id]")
	configDir := fs.String("config", ".", "Directory to search upwards for weave.toml")
	path := fs.String("ledger", "", "Ledger database (overrides weave.toml)")
	find := fs.String("find", "", "Find the builds that moved this literal")
	del := fs.String("delete", "", "Remove a weave from the ledger")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return errors.New("ledger takes at most one build id")
	}

	dbPath := *path
	if dbPath == "" {
		m, err := manifest.FindAndLoad(*configDir)
		if err != nil {
			return fmt.Errorf("loading manifest: %w", err)
		}
		if m == nil {
			m = manifest.Default(*configDir)
		}
		dbPath = m.LedgerPath()
	}
	if dbPath == "" {
		return errors.New("the ledger is disabled in weave.toml")
	}

	l, err := ledger.Open(dbPath)
	if err != nil {
		return err
	}
	defer l.Close()

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	switch {
	case *del != "":
		if err := l.Delete(*del); err != nil {
			return err
		}
		fmt.Fprintf(tw, "deleted %s\n", *del)
	case *find != "":
		matches, err := l.Find(*find)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Fprintln(tw, "no match")
			return nil
		}
		fmt.Fprintln(tw, "BUILD\tMODULE\tSLOT\tOFFSET\tLENGTH")
		for _, m := range matches {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", m.BuildID, m.Module, m.Record.Slot, m.Record.StartOffset, m.Record.Length)
		}
	case fs.NArg() == 1:
		e, recs, err := l.Weave(fs.Arg(0))
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "build\t%s\n", e.BuildID)
		fmt.Fprintf(tw, "module\t%s (%s)\n", e.Module, e.Input)
		fmt.Fprintf(tw, "resource\t%s\n", e.Resource)
		fmt.Fprintf(tw, "strategy\t%s\n", e.Strategy)
		fmt.Fprintf(tw, "encrypted\t%v\n", e.Encrypted)
		if e.Encrypted {
			fmt.Fprintf(tw, "key\t%016x\n", e.KeyFingerprint)
		}
		fmt.Fprintf(tw, "woven\t%s\n\n", e.WovenAt.Local().Format(time.DateTime))
		fmt.Fprintln(tw, "SLOT\tOFFSET\tLENGTH\tFINGERPRINT")
		for _, r := range recs {
			fmt.Fprintf(tw, "%d\t%d\t%d\t%016x\n", r.Slot, r.StartOffset, r.Length, r.Fingerprint)
		}
	default:
		entries, err := l.Weaves()
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "BUILD\tMODULE\tSTRATEGY\tRECORDS\tSITES\tBYTES\tWOVEN")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", e.BuildID, e.Module, e.Strategy,
				e.Records, e.Sites, e.BufferBytes, e.WovenAt.Local().Format(time.DateTime))
		}
	}
	return nil
}
