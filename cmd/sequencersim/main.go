// Command sequencersim stands in for the timing system FPGA: it serves a
// sequencer directory over the file server protocol and plays the queued
// packets at the interrupt rate.
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"

	"github.com/biocars/lauecollect/fileserver"
	"github.com/biocars/lauecollect/sequencer"
)

func main() {
	root := flag.String("root", filepath.Join(os.TempDir(), "sequencersim"), "directory served as the FPGA file system")
	port := flag.Int("port", fileserver.DefaultPort, "file server port")
	hz := flag.Float64("hz", 41, "interrupt rate")
	flag.Parse()

	dir := filepath.Join(*root, sequencer.DefaultDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Fatalf("failed to create %s: %v", dir, err)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(*port)))
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}
	srv := &fileserver.Server{Root: *root}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("serving %s at %s", *root, ln.Addr())
		if err := srv.Serve(ln); err != nil && ctx.Err() == nil {
			log.Printf("file server: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		em := sequencer.NewEmulator(dir)
		if err := em.Run(ctx, *hz); err != nil && err != context.Canceled {
			log.Printf("emulator: %v", err)
		}
		log.Printf("emulator stopped after %d interrupts", em.Ticks())
	}()

	<-ctx.Done()
	srv.Close()
	wg.Wait()
}
