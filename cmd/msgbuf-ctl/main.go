package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/gftdcojp/msgbuf/internal/offsets"
	"github.com/gftdcojp/msgbuf/pkg/mbuf"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	dir := flag.String("dir", "", "buffer directory")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "version":
		fmt.Printf("msgbuf-ctl %s\n", version)
	case "stats":
		cmdStats(openBuffer(*dir))
	case "timeline":
		cmdTimeline(openBuffer(*dir))
	case "cat":
		cmdCat(openBuffer(*dir), args[1:])
	case "append":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: msgbuf-ctl -dir <dir> append <routing-key> <payload>")
			os.Exit(1)
		}
		cmdAppend(openBuffer(*dir), args[1], args[2])
	case "compact":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: msgbuf-ctl -dir <dir> compact <max-size-bytes>")
			os.Exit(1)
		}
		cmdCompact(openBuffer(*dir), args[1])
	case "offsets":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: msgbuf-ctl offsets <offsets-db-path>")
			os.Exit(1)
		}
		cmdOffsets(args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, `msgbuf-ctl - message buffer inspection CLI

Usage:
  msgbuf-ctl -dir <dir> <command> [args]

Commands:
  stats                     Show size, message count and segment count
  timeline                  Show the per-segment timeline
  cat [flags]               Print messages (see 'cat -h')
  append <key> <payload>    Append one message
  compact <max-bytes>       Set the size cap and run cleanup
  offsets <db-path>         List saved consumer offsets
  version                   Show version

Flags:
  -dir string   Buffer directory`)
}

func openBuffer(dir string) *mbuf.Buffer {
	if dir == "" {
		fmt.Fprintln(os.Stderr, "error: -dir is required")
		os.Exit(1)
	}
	b, err := mbuf.Open(dir, mbuf.Options{
		AutoSyncInterval: -1,
		Logger:           zap.NewNop(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return b
}

func cmdStats(b *mbuf.Buffer) {
	defer b.Close()

	size, err := b.Size()
	fatalIf(err)
	count, err := b.MessageCount()
	fatalIf(err)
	next, err := b.NextMessageID()
	fatalIf(err)
	oldest, err := b.OldestMessageTime()
	fatalIf(err)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "size\t%d\n", size)
	fmt.Fprintf(w, "messages\t%d\n", count)
	fmt.Fprintf(w, "segments\t%d\n", b.FileCount())
	fmt.Fprintf(w, "next id\t%d\n", next)
	if oldest > 0 {
		fmt.Fprintf(w, "oldest\t%s\n", time.UnixMilli(oldest).UTC().Format(time.RFC3339))
	}
	w.Flush()
}

func cmdTimeline(b *mbuf.Buffer) {
	defer b.Close()

	tl, err := b.Timeline()
	fatalIf(err)
	if tl == nil {
		fmt.Println("buffer is empty")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FIRST ID\tFIRST TS\tCOUNT\tBYTES\tMILLIS")
	for i := 0; i < tl.Size(); i++ {
		fmt.Fprintf(w, "%d\t%s\t%d\t%d\t%d\n",
			tl.MessageID(i),
			time.UnixMilli(tl.Timestamp(i)).UTC().Format(time.RFC3339),
			tl.Count(i),
			tl.Bytes(i),
			tl.Millis(i),
		)
	}
	w.Flush()
}

func cmdCat(b *mbuf.Buffer, args []string) {
	defer b.Close()

	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	fromID := fs.Int64("from", 0, "start message id")
	fromTS := fs.Int64("ts", -1, "start timestamp (ms since epoch; overrides -from)")
	limit := fs.Int("n", 0, "max messages to print (0 = all)")
	follow := fs.Bool("follow", false, "wait for new messages")
	fs.Parse(args)

	var (
		c   *mbuf.Cursor
		err error
	)
	if *fromTS >= 0 {
		c, err = b.CursorByTimestamp(*fromTS)
	} else {
		c, err = b.Cursor(*fromID)
	}
	fatalIf(err)
	defer c.Close()

	printed := 0
	for *limit == 0 || printed < *limit {
		var ok bool
		if *follow {
			ok, err = c.NextWait(0)
		} else {
			ok, err = c.Next()
		}
		fatalIf(err)
		if !ok {
			return
		}
		fmt.Printf("%d\t%d\t%s\t%s\n", c.ID(), c.Timestamp(), c.RoutingKey(), c.Payload())
		printed++
	}
}

func cmdAppend(b *mbuf.Buffer, key, payload string) {
	defer b.Close()

	id, err := b.Append(time.Now().UnixMilli(), key, []byte(payload))
	fatalIf(err)
	fatalIf(b.Sync())
	fmt.Printf("appended message %d\n", id)
}

func cmdCompact(b *mbuf.Buffer, maxBytes string) {
	defer b.Close()

	n, err := strconv.ParseInt(maxBytes, 10, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid max-bytes %q\n", maxBytes)
		os.Exit(1)
	}
	fatalIf(b.SetMaxSize(n))
	size, err := b.Size()
	fatalIf(err)
	fmt.Printf("size now %d bytes in %d segments\n", size, b.FileCount())
}

func cmdOffsets(path string) {
	s, err := offsets.Open(path, zap.NewNop())
	fatalIf(err)
	defer s.Close()

	all, err := s.List()
	fatalIf(err)
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tMESSAGE ID")
	for name, id := range all {
		fmt.Fprintf(w, "%s\t%d\n", name, id)
	}
	w.Flush()
}

func fatalIf(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
