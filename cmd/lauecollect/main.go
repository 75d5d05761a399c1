package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/biocars/lauecollect/autorecovery"
	hmotion "github.com/biocars/lauecollect/generichttp/motion"
	"github.com/biocars/lauecollect/metrics"
	"github.com/biocars/lauecollect/scheduler"
	"github.com/biocars/lauecollect/server"
	"github.com/biocars/lauecollect/server/middleware/locker"
	"github.com/biocars/lauecollect/settings"
	"github.com/theckman/yacspin"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"
)

func settingsPath() string {
	return filepath.Join(settings.Dir(), settings.Filename)
}

func loadSettings() *settings.Publisher {
	c, err := settings.Load(settingsPath())
	if err != nil {
		log.Fatalf("error loading settings: %v", err)
	}
	pub := settings.NewPublisher(c)
	pub.Path = settingsPath()
	return pub
}

func root() {
	str := `lauecollect collects time-resolved Laue diffraction datasets.  It drives the
timing system, the detector and the beamline motors, and exposes an HTTP
interface for status and control.

Usage:
	lauecollect <command>

Commands:
	run      (default) serve the control interface
	collect  collect the configured dataset and exit
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `lauecollect is configured by a settings file of "section.key = value" lines,
values written as Python literals:

	options.basename = 'lyso'
	param.delays = [1e-9, 1e-6]

The file is ` + settings.Filename + ` in the settings directory, which is
$` + settings.DirEnv + ` or ./settings.  Any key can be overridden from the
environment, LAUECOLLECT_OPTIONS__BASENAME=lyso.

mkconf writes the settings file with every key at its current value.
conf prints the configuration as YAML.

HTTP routes (run):
	GET  /status                      supervisor status
	GET  /action, POST /action        {"str": "Collect Dataset"}
	POST /cancel, POST /finish-series
	GET  /config, GET|POST /config/{section}/{key}
	GET|POST /lock                    writes return 423 while locked
	GET  /metrics, GET /endpoints
	/motors/axis/{motor}/...          motor positions`
	fmt.Println(str)
}

func mkconf(pub *settings.Publisher) {
	if err := os.MkdirAll(settings.Dir(), 0755); err != nil {
		log.Fatal(err)
	}
	if err := settings.Save(settingsPath(), pub.Get()); err != nil {
		log.Fatal(err)
	}
	fmt.Println("wrote", settingsPath())
}

func printconf(pub *settings.Publisher) {
	err := yml.NewEncoder(os.Stdout).Encode(pub.Get())
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("lauecollect version %v\n", Version)
}

// promptRecovery offers to restore the motors saved by an operation that did
// not finish
func promptRecovery(store *autorecovery.Store, in io.Reader) {
	rec, ok, err := store.Load()
	if err != nil {
		log.Printf("lauecollect: autorecovery: %v\n", err)
		return
	}
	if !ok {
		return
	}
	fmt.Printf("%q did not finish.  Saved motor positions:\n", rec.Operation)
	for _, e := range store.Entries(rec) {
		fmt.Printf("\t%-12s current %-12.6g saved %.6g\n", e.Name, e.Current, e.Stored)
	}
	fmt.Print("Restore them? [y/N] ")
	answer, _ := bufio.NewReader(in).ReadString('\n')
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(answer)), "y") {
		if err := store.Restore(rec); err != nil {
			log.Printf("lauecollect: autorecovery: %v\n", err)
			return
		}
	}
	if err := store.Delete(); err != nil {
		log.Printf("lauecollect: autorecovery: %v\n", err)
	}
}

func run(pub *settings.Publisher) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bl, err := BuildBeamline(ctx, pub, metrics.New(nil))
	if err != nil {
		log.Fatal(err)
	}
	defer bl.Client.Close()
	promptRecovery(bl.Supervisor.Recovery, os.Stdin)

	if i, err := bl.Supervisor.LoadDataset(); err != nil {
		log.Printf("lauecollect: loading dataset: %v\n", err)
	} else {
		log.Printf("lauecollect: dataset resumes at image %d\n", i)
	}

	lock := locker.New()
	bl.Supervisor.Locker = lock
	srv := server.New(bl.Supervisor, pub, lock)
	srv.Ctx = ctx
	srv.Mount("motors", hmotion.NewHTTPMotionController(hmotion.Motors(bl.Motors)))

	addr := pub.Get().Server.Addr
	hs := &http.Server{Addr: addr, Handler: srv.Handler()}
	go func() {
		<-ctx.Done()
		bl.Supervisor.Cancel()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		hs.Shutdown(sctx)
	}()
	log.Println("now listening for requests at ", addr)
	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	bl.Supervisor.Wait()
}

func collect(pub *settings.Publisher) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bl, err := BuildBeamline(ctx, pub, metrics.New(nil))
	if err != nil {
		log.Fatal(err)
	}
	defer bl.Client.Close()
	promptRecovery(bl.Supervisor.Recovery, os.Stdin)

	cfg := yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[11],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           scheduler.CollectDataset,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	}
	spinner, err := yacspin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if err := bl.Supervisor.Do(ctx, scheduler.CollectDataset); err != nil {
		log.Fatal(err)
	}
	spinner.Start()

	done := make(chan struct{})
	go func() {
		bl.Supervisor.Wait()
		close(done)
	}()
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	sig := ctx.Done()
wait:
	for {
		select {
		case <-sig:
			bl.Supervisor.Cancel()
			sig = nil
		case <-t.C:
			st := bl.Supervisor.Status()
			spinner.Message(fmt.Sprintf("%s  %s", st.ImageInfo, st.AcquisitionStatus))
		case <-done:
			break wait
		}
	}
	st := bl.Supervisor.Status()
	if st.Error != "" {
		spinner.StopFailMessage(st.Error)
		spinner.StopFail()
		os.Exit(1)
	}
	spinner.StopMessage(st.AcquisitionStatus)
	spinner.Stop()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		cmd = "run"
	} else {
		cmd = strings.ToLower(args[1])
	}
	switch cmd {
	case "help":
		root()
		fmt.Println()
		help()
		return
	case "version":
		pversion()
		return
	}
	pub := loadSettings()
	switch cmd {
	case "mkconf":
		mkconf(pub)
	case "conf":
		printconf(pub)
	case "run":
		run(pub)
	case "collect":
		collect(pub)
	default:
		root()
		log.Fatal("unknown command ", cmd)
	}
}
