package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/dmitrijs2005/blobsync/internal/activation"
	"github.com/dmitrijs2005/blobsync/internal/app"
	"github.com/dmitrijs2005/blobsync/internal/config"
	"github.com/dmitrijs2005/blobsync/internal/contenthash"
	"github.com/dmitrijs2005/blobsync/internal/download"
	"github.com/dmitrijs2005/blobsync/internal/flagx"
	"github.com/dmitrijs2005/blobsync/internal/policy"
	"golang.org/x/term"
)

const usage = `usage: blobsync [flags] <command> [args]

commands:
  download <HASH.ext>...   fetch blobs into the cache
  upload <file>...         register local files and push them to the relay
  pending                  list files waiting for activation

flags (besides the config flags):
  -to a,b,c      upload recipients
  -token-prompt  read the relay token from the terminal
`

// cliValueFlags and cliBoolFlags belong to the CLI itself.
var (
	cliValueFlags = []string{"-to"}
	cliBoolFlags  = []string{"-token-prompt"}
)

// Test seams for the terminal.
var (
	isTerminal    = term.IsTerminal
	readPassword  = term.ReadPassword
	stdinFd       = func() int { return int(os.Stdin.Fd()) }
	errNoCommand  = errors.New("no command")
	errBadCommand = errors.New("unknown command")
)

type cliOptions struct {
	recipients  []string
	tokenPrompt bool
}

func parseCLIFlags(args []string) cliOptions {
	var (
		opts cliOptions
		to   string
	)
	fs := flag.NewFlagSet("cli", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&to, "to", "", "upload recipients")
	fs.BoolVar(&opts.tokenPrompt, "token-prompt", false, "read token from terminal")
	_ = fs.Parse(flagx.FilterArgsWithBools(args, cliValueFlags, cliBoolFlags))

	for _, r := range strings.Split(to, ",") {
		if r = strings.TrimSpace(r); r != "" {
			opts.recipients = append(opts.recipients, r)
		}
	}
	return opts
}

// positional returns the command and its arguments.
func positional(args []string) []string {
	values := append(append([]string{}, config.ValueFlags...), cliValueFlags...)
	bools := append(append([]string{}, config.BoolFlags...), cliBoolFlags...)
	return flagx.Positional(args, values, bools)
}

// parseWants turns "<HASH>.<ext>" arguments into download wants.
func parseWants(args []string) ([]download.Want, error) {
	wants := make([]download.Want, 0, len(args))
	for _, a := range args {
		h, ext, ok := contenthash.FromFileName(a)
		if !ok || ext == "" {
			return nil, fmt.Errorf("%q: expected <HASH>.<ext>", a)
		}
		wants = append(wants, download.Want{Hash: h, Ext: ext})
	}
	return wants, nil
}

func promptToken(out io.Writer) (string, error) {
	fd := stdinFd()
	if !isTerminal(fd) {
		return "", fmt.Errorf("token prompt needs a terminal")
	}
	fmt.Fprint(out, "-Enter relay token: ")
	b, err := readPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	pos := positional(args)
	if len(pos) == 0 {
		fmt.Fprint(stderr, usage)
		return errNoCommand
	}
	cmd, rest := pos[0], pos[1:]

	switch cmd {
	case "download", "upload", "pending":
	default:
		fmt.Fprint(stderr, usage)
		return fmt.Errorf("%w: %s", errBadCommand, cmd)
	}

	cfg := config.LoadConfig(args)
	opts := parseCLIFlags(args)
	if opts.tokenPrompt {
		tok, err := promptToken(stderr)
		if err != nil {
			return err
		}
		cfg.AuthToken = tok
	}

	progress := newProgress(stdout, isTerminal(fdOf(stdout)))
	a, err := app.NewApp(ctx, cfg, nil, progress, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if rep := a.Recovery(); rep.Recovered {
		fmt.Fprintf(stdout, "recovered from an unclean shutdown: %d removed, %d failed\n", rep.Deleted, rep.Failed)
	}

	switch cmd {
	case "download":
		wants, err := parseWants(rest)
		if err != nil {
			return err
		}
		return a.Run(ctx, func(ctx context.Context) error {
			return a.Download(ctx, wants)
		})

	case "upload":
		if len(rest) == 0 {
			return fmt.Errorf("upload: no files given")
		}
		return a.Run(ctx, func(ctx context.Context) error {
			failed, err := a.Upload(ctx, rest, opts.recipients)
			for _, h := range failed {
				fmt.Fprintf(stdout, "failed %s\n", h)
			}
			if err == nil && len(failed) > 0 {
				err = fmt.Errorf("%d uploads failed", len(failed))
			}
			return err
		})

	default:
		printPending(stdout, a.Pending())
		return nil
	}
}

// printPending lists the activation queue, one file per line, with the
// class its final path falls into.
func printPending(w io.Writer, pending []activation.PendingFile) {
	if len(pending) == 0 {
		fmt.Fprintln(w, "nothing pending")
	}
	for _, pf := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\n", pf.Hash, policy.Classify(pf.FinalPath), pf.FinalPath)
	}
}

// fdOf returns w's descriptor, or -1 when w is not a file.
func fdOf(w io.Writer) int {
	if f, ok := w.(*os.File); ok {
		return int(f.Fd())
	}
	return -1
}

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "blobsync: %v\n", err)
		os.Exit(1)
	}
}
