// Lzma-worker is the reference worker process for lzmux. It reads compress
// and decompress requests from stdin, one at a time, and writes progress and
// result frames to stdout.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/eugener/lzmux/internal/codec"
)

var version = "dev"

func main() {
	codecName := flag.String("codec", codec.NameJSON, "wire codec: json, msgpack or cbor")
	maxFrame := flag.Int("max-frame", codec.DefaultMaxFrameSize, "largest accepted request frame in bytes")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("lzma-worker", version)
		os.Exit(0)
	}

	// stdout carries frames; logs go to stderr where the dispatcher relays them.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	c, err := codec.Get(*codecName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	w := &worker{enc: c.NewEncoder(os.Stdout)}
	if err := w.serve(c.NewDecoder(os.Stdin, *maxFrame)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
