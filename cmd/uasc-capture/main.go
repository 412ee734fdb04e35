// Command uasc-capture views and summarizes protocol capture files.
//
// Capture files are written by uasc-server and uasc-client with the
// -capture flag and contain one CBOR-encoded event per protocol chunk,
// state change, and fault.
//
// Usage:
//
//	uasc-capture <command> [flags] <file>
//
// Commands:
//
//	view     Print events in human-readable form
//	stats    Summarize the capture
//
// Examples:
//
//	# View channel-layer traffic of one connection
//	uasc-capture view -layer channel -conn 7ad31c9e session.cap
//
//	# Quick overview
//	uasc-capture stats session.cap
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/uasc-protocol/uasc-go/pkg/log"
)

const usage = `uasc-capture - protocol capture viewer

Usage:
  uasc-capture <command> [flags] <file>

Commands:
  view     Print events in human-readable form
  stats    Summarize the capture

Use "uasc-capture <command> -help" for command flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	switch os.Args[1] {
	case "view":
		runView(os.Args[2:])
	case "stats":
		runStats(os.Args[2:])
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s", os.Args[1], usage)
		os.Exit(1)
	}
}

func runView(args []string) {
	fs := flag.NewFlagSet("view", flag.ExitOnError)
	layerFlag := fs.String("layer", "", "Filter by layer (transport, channel)")
	dirFlag := fs.String("direction", "", "Filter by direction (in, out)")
	connFlag := fs.String("conn", "", "Filter by connection id prefix")
	channelFlag := fs.Uint("channel", 0, "Filter by channel id")
	hexFlag := fs.Bool("hex", false, "Dump chunk bytes as hex")
	_ = fs.Parse(args)

	events := load(fs, buildFilter(*layerFlag, *dirFlag, *channelFlag))
	for _, event := range events {
		if *connFlag != "" && !hasPrefix(event.ConnectionID, *connFlag) {
			continue
		}
		formatEvent(os.Stdout, event, *hexFlag)
	}
}

func runStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	_ = fs.Parse(args)

	events := load(fs, nil)
	if len(events) == 0 {
		fmt.Println("Empty capture")
		return
	}

	var (
		chunks, states, faults int
		bytesIn, bytesOut      int
		byType                 = map[string]int{}
		conns                  = map[string]bool{}
		channels               = map[uint32]bool{}
	)
	for _, event := range events {
		conns[event.ConnectionID] = true
		if event.ChannelID != 0 {
			channels[event.ChannelID] = true
		}
		switch event.Category {
		case log.CategoryChunk:
			chunks++
			if event.Chunk != nil {
				byType[event.Chunk.Type]++
				if event.Direction == log.DirectionIn {
					bytesIn += event.Chunk.Size
				} else {
					bytesOut += event.Chunk.Size
				}
			}
		case log.CategoryState:
			states++
		case log.CategoryError:
			faults++
		}
	}

	first, last := events[0].Timestamp, events[len(events)-1].Timestamp
	fmt.Printf("Events:      %d (%d chunks, %d state changes, %d faults)\n",
		len(events), chunks, states, faults)
	fmt.Printf("Span:        %s .. %s (%s)\n",
		first.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339),
		last.Sub(first).Round(time.Millisecond))
	fmt.Printf("Connections: %d, channels: %d\n", len(conns), len(channels))
	fmt.Printf("Bytes:       %d in, %d out\n", bytesIn, bytesOut)
	fmt.Println("Chunk types:")
	for _, t := range []string{"HEL", "ACK", "ERR", "RHE", "OPN", "CLO", "MSG"} {
		if byType[t] > 0 {
			fmt.Printf("  %s  %d\n", t, byType[t])
		}
	}
}

// load opens the positional capture file argument and reads all events.
func load(fs *flag.FlagSet, filter *log.Filter) []log.Event {
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Exactly one capture file expected")
		os.Exit(1)
	}
	reader, err := log.OpenFile(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Opening capture: %v\n", err)
		os.Exit(1)
	}
	defer reader.Close()

	events, err := reader.ReadAll(filter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Reading capture: %v\n", err)
		os.Exit(1)
	}
	return events
}

func buildFilter(layer, direction string, channelID uint) *log.Filter {
	filter := &log.Filter{}
	switch layer {
	case "transport":
		l := log.LayerTransport
		filter.Layer = &l
	case "channel":
		l := log.LayerChannel
		filter.Layer = &l
	case "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown layer %q\n", layer)
		os.Exit(1)
	}
	switch direction {
	case "in":
		d := log.DirectionIn
		filter.Direction = &d
	case "out":
		d := log.DirectionOut
		filter.Direction = &d
	case "":
	default:
		fmt.Fprintf(os.Stderr, "Unknown direction %q\n", direction)
		os.Exit(1)
	}
	if channelID != 0 {
		id := uint32(channelID)
		filter.ChannelID = &id
	}
	return filter
}

// formatEvent prints one event in the two-line view format.
func formatEvent(w io.Writer, event log.Event, dumpHex bool) {
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	connID := event.ConnectionID
	if len(connID) > 8 {
		connID = connID[:8]
	}

	switch {
	case event.Chunk != nil:
		fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s/%s %d B",
			ts, connID, event.Direction, event.Layer, event.Chunk.Type, event.Chunk.Flag, event.Chunk.Size)
		if event.ChannelID != 0 {
			fmt.Fprintf(w, " ch=%d", event.ChannelID)
		}
		if event.Chunk.SequenceNumber != 0 {
			fmt.Fprintf(w, " seq=%d req=%d", event.Chunk.SequenceNumber, event.Chunk.RequestID)
		}
		if event.Chunk.TokenID != 0 {
			fmt.Fprintf(w, " token=%d", event.Chunk.TokenID)
		}
		fmt.Fprintln(w)
		if dumpHex && len(event.Chunk.Data) > 0 {
			fmt.Fprint(w, hex.Dump(event.Chunk.Data))
			if event.Chunk.Truncated {
				fmt.Fprintln(w, "  ... truncated")
			}
		}
	case event.StateChange != nil:
		fmt.Fprintf(w, "%s [conn:%s] %s STATE %s -> %s",
			ts, connID, event.Layer, event.StateChange.OldState, event.StateChange.NewState)
		if event.StateChange.Reason != "" {
			fmt.Fprintf(w, " (%s)", event.StateChange.Reason)
		}
		fmt.Fprintln(w)
	case event.Error != nil:
		fmt.Fprintf(w, "%s [conn:%s] %s ERROR %s",
			ts, connID, event.Layer, event.Error.Message)
		if event.Error.Context != "" {
			fmt.Fprintf(w, " [%s]", event.Error.Context)
		}
		fmt.Fprintln(w)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
