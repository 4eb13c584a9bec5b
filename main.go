package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/kballard/go-shellquote"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"kvs/config"
	"kvs/storage"
	"kvs/storage/record"
)

const usage = `usage: kvs [-config file] [-dir path] <command>

commands:
  set KEY VALUE   store VALUE under KEY
  get KEY         print the value of KEY
  rm KEY          remove KEY
  compact         rewrite the log keeping only live keys
  stats           print store statistics
  shell           read commands from standard input
`

// errKeyNotFound carries the exit status of rm on a missing key.
var errKeyNotFound = errors.New("Key not found")

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("kvs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }

	configFile := fs.String("config", "kvs.yaml", "path to the YAML config file")
	dir := fs.String("dir", "", "store directory, overrides the config file")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if *dir != "" {
		cfg.Dir = *dir
	}

	logger, err := cfg.Logger(stderr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	store, err := storage.Open(cfg.Dir, cfg.Options(logger, prometheus.NewRegistry())...)
	if err != nil {
		level.Error(logger).Log("msg", "error opening store", "dir", cfg.Dir, "err", err)
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			level.Error(logger).Log("msg", "error closing store", "err", err)
		}
	}()

	if fs.Arg(0) == "shell" && fs.NArg() == 1 {
		return shell(logger, store, stdin, stdout)
	}

	if err := execute(store, fs.Args(), stdout); err != nil {
		if errors.Is(err, errKeyNotFound) {
			fmt.Fprintln(stdout, err)
		} else {
			level.Error(logger).Log("msg", "command failed", "cmd", fs.Arg(0), "err", err)
		}
		return 1
	}

	return 0
}

// execute runs a single command against the store.
func execute(store *storage.Store, args []string, out io.Writer) error {
	cmd, args := args[0], args[1:]

	want := map[string]int{"set": 2, "get": 1, "rm": 1, "compact": 0, "stats": 0}
	n, ok := want[cmd]
	if !ok {
		return errors.Errorf("unknown command %q", cmd)
	}
	if len(args) != n {
		return errors.Errorf("%s takes %d arguments, got %d", cmd, n, len(args))
	}

	switch cmd {
	case "set":
		return store.Set(args[0], []byte(args[1]))

	case "get":
		value, ok, err := store.Get(args[0])
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Key not found")
			return nil
		}
		fmt.Fprintln(out, string(value))

	case "rm":
		err := store.Remove(args[0])
		if errors.Is(err, storage.ErrKeyNotFound) {
			return errKeyNotFound
		}
		return err

	case "compact":
		return store.Compact()

	case "stats":
		st := store.Stats()
		fmt.Fprintf(out, "keys=%d segments=%d active_segment=%d active_size=%d stale_bytes=%d disk_size=%d\n",
			st.Keys, st.Segments, st.ActiveSegment, st.ActiveSize, st.StaleBytes, st.DiskSize)
	}

	return nil
}

// shell executes one command per input line until EOF or exit. Failed
// commands are reported and do not end the session.
func shell(logger log.Logger, store *storage.Store, in io.Reader, out io.Writer) int {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), record.MaxPayloadSize)

	for {
		fmt.Fprint(out, "> ")

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		args, err := shellquote.Split(line)
		if err != nil {
			fmt.Fprintln(out, "parse error:", err)
			continue
		}

		switch args[0] {
		case "exit", "quit":
			return 0
		case "help":
			fmt.Fprint(out, usage)
			continue
		}

		if err := execute(store, args, out); err != nil {
			fmt.Fprintln(out, err)
		}
	}
	fmt.Fprintln(out)

	if err := scanner.Err(); err != nil {
		level.Error(logger).Log("msg", "error reading input", "err", err)
		return 1
	}

	return 0
}
