// Command leech downloads a single torrent's content to the current
// directory and exits. It reads a .torrent file given as an argument,
// or piped on stdin, same as the reference client this was rebuilt
// from.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anteater/leech/config"
	"github.com/anteater/leech/metainfo"
	"github.com/anteater/leech/orchestrator"
)

var log = logrus.WithField("component", "main")

func main() {
	verbose := flag.Bool("v", false, "verbose logging")
	maxPeers := flag.Int("max-peers", 0, "override max simultaneous peer connections (0 = default)")
	listenPort := flag.Int("port", 6881, "port advertised to the tracker")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var inputStream io.Reader
	args := flag.Args()
	if len(args) > 0 {
		file, err := os.Open(args[0])
		if err != nil {
			log.WithError(err).Fatal("could not open torrent file")
		}
		defer file.Close()
		inputStream = file
	} else {
		stat, err := os.Stdin.Stat()
		if err != nil {
			log.WithError(err).Fatal("could not stat stdin")
		}
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			log.Fatal("no torrent file given and stdin is not a pipe")
		}
		inputStream = os.Stdin
	}

	data, err := io.ReadAll(inputStream)
	if err != nil {
		log.WithError(err).Fatal("could not read torrent file")
	}

	tor, err := metainfo.Parse(data)
	if err != nil {
		log.WithError(err).Fatal("could not parse torrent file")
	}

	cfg := config.Default()
	if *maxPeers > 0 {
		cfg.MaxPeers = *maxPeers
	}
	cfg.ListenPort = uint16(*listenPort)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := &http.Client{Timeout: cfg.AnnounceTimeout}
	eng := orchestrator.New(cfg, tor, client)

	log.WithFields(logrus.Fields{
		"name":       tor.Info.Name,
		"size":       tor.TotalSize,
		"num_pieces": tor.Info.NumPieces(),
	}).Info("starting download")

	start := time.Now()
	if err := eng.Run(ctx); err != nil {
		log.WithError(err).Fatal("download did not complete")
	}

	if err := writeOutput(tor, eng); err != nil {
		log.WithError(err).Fatal("could not save downloaded data")
	}

	fmt.Printf("saved %s (%d bytes) in %s\n", tor.Info.Name, tor.TotalSize, time.Since(start).Round(time.Second))
}

// writeOutput assembles the finished download and writes it to disk.
// Multi-file torrents are written under a directory named after the
// torrent, each file at its Info.Files path, creating subdirectories as
// needed.
func writeOutput(tor *metainfo.Torrent, eng *orchestrator.Engine) error {
	blob := eng.PiecesManager().Assembled()

	if !tor.Info.MultiFile() {
		return os.WriteFile(tor.Info.Name, blob, 0o644)
	}

	if err := os.MkdirAll(tor.Info.Name, 0o755); err != nil {
		return err
	}
	offset := int64(0)
	for _, f := range tor.Info.Files {
		path := tor.Info.Name + string(os.PathSeparator) + joinPath(f.Path)
		if err := os.MkdirAll(parentDir(path), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, blob[offset:offset+f.Length], 0o644); err != nil {
			return err
		}
		offset += f.Length
	}
	return nil
}

func joinPath(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += string(os.PathSeparator)
		}
		out += p
	}
	return out
}

func parentDir(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == os.PathSeparator {
			return path[:i]
		}
	}
	return "."
}
