// pinlink is the device daemon: it keeps one session to the relay,
// logs incoming virtual pin writes and answers pin sync requests.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"

	"github.com/pinlab/pinlink/config"
	"github.com/pinlab/pinlink/log2"
	pinnet "github.com/pinlab/pinlink/net"
	"github.com/pinlab/pinlink/protocol"
)

var BuildVersion string = "unknown" // set by ldflags

func main() {
	flagConfig := flag.String("config", "pinlink.hcl", "path to config file")
	flagVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *flagVersion {
		log.Printf("pinlink %s", BuildVersion)
		return
	}

	l := log2.NewStderr(log2.LInfo)
	if sdnotify("start") {
		// under systemd, journal adds timestamps
		l.SetFlags(log2.LServiceFlags)
	} else {
		l.SetFlags(log2.LInteractiveFlags)
	}
	l.Infof("pinlink %s", BuildVersion)

	cfg := config.MustReadFile(l, *flagConfig)
	if cfg.LogDebug {
		l.SetLevel(log2.LDebug)
	}

	opt, err := cfg.LoopOptions(l)
	if err != nil {
		l.Fatal(errors.ErrorStack(err))
	}
	lp, err := pinnet.NewLoop(opt)
	if err != nil {
		l.Fatal(errors.ErrorStack(err))
	}

	lp.On(protocol.NameConnected, func(ev protocol.Event) {
		l.Infof("relay session up latency=%s", ev.Latency)
	})
	lp.On(protocol.NameInvalidAuth, func(protocol.Event) {
		l.Errorf("relay rejected auth token, check device.auth in %s", *flagConfig)
	})
	lp.On(protocol.NameVirtualWriteAny, func(ev protocol.Event) {
		l.Infof("pin write V%s=%v", ev.Pin, ev.Values)
	})
	lp.On(protocol.NameInternal("rtc"), func(ev protocol.Event) {
		l.Debugf("relay rtc=%v", ev.Values)
	})

	lp.Start()
	sdnotify(daemon.SdNotifyReady)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	l.Infof("signal=%s stopping", sig)
	sdnotify(daemon.SdNotifyStopping)
	lp.Stop()
}

func sdnotify(s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
