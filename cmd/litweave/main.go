// litweave CLI - moves string literals of compiled modules into an
// encrypted resource, and assembles, runs and inspects modules.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

const usage = `Usage: litweave <command> [options] [args...]

Commands:
  weave   Rewrite modules so their string literals live in a resource
  asm     Assemble a .lwa source file into a module
  dis     Print a module as assembler text
  run     Call a method of a module
  ledger  List recorded weaves, show one, or find a literal

Examples:
  litweave asm hello.lwa -o hello.lwm
  litweave weave -o hello.woven.lwm hello.lwm
  litweave run hello.woven.lwm App.Main
  litweave ledger -find "Hello, World"

Run 'litweave <command> -h' for the options of a command.
`

type command func(args []string, stdout io.Writer) error

var commands = map[string]command{
	"weave":  weaveCommand,
	"asm":    asmCommand,
	"dis":    disCommand,
	"run":    runCommand,
	"ledger": ledgerCommand,
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	name := os.Args[1]
	if name == "-h" || name == "--help" || name == "help" {
		fmt.Print(usage)
		return
	}
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", name)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	if err := cmd(os.Args[2:], os.Stdout); err != nil {
		if err == flag.ErrHelp {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configureLogging sets the commonlog verbosity. Zero keeps only errors
// and warnings; each step up adds a level.
func configureLogging(verbosity int) {
	commonlog.Configure(verbosity, nil)
}

// newFlagSet returns a flag set whose parse errors are returned rather
// than exiting the process.
func newFlagSet(name, args string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: litweave %s [options] %s\n\nOptions:\n", name, args)
		fs.PrintDefaults()
	}
	return fs
}
