package main

import (
	"flag"
	"os"
	"strconv"
	"strings"
	"time"

	prompt "github.com/c-bata/go-prompt"
	"github.com/juju/errors"

	"github.com/pinlab/pinlink/config"
	"github.com/pinlab/pinlink/helpers/cli"
	"github.com/pinlab/pinlink/log2"
	pinnet "github.com/pinlab/pinlink/net"
	"github.com/pinlab/pinlink/protocol"
)

const usage = `syntax: commands separated by whitespace
(main)
- vN=X[,Y...]        write values to virtual pin N
- sync=N[,M...]      request server values for pins
- prop=N:KEY:VALUE   set widget property on pin N
- event=CODE[,DESC]  log event on the relay
- push=KEY[,VAL...]  send internal command
- state              show session state
- sN                 pause N milliseconds

(meta)
- log=yes  enable debug logging
- log=no   disable debug logging
- loop=N   repeat N times all commands on this line
`

var log = log2.NewStderr(log2.LInfo)

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := cmdline.String("config", "pinlink.hcl", "path to config file")
	cmdline.Parse(os.Args[1:])

	log.SetFlags(log2.LInteractiveFlags)

	cfg := config.MustReadFile(log, *configPath)
	opt, err := cfg.LoopOptions(log)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	lp, err := pinnet.NewLoop(opt)
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	lp.On(protocol.NameConnected, func(ev protocol.Event) {
		log.Infof("< connected latency=%s", ev.Latency)
	})
	lp.On(protocol.NameDisconnected, func(protocol.Event) {
		log.Infof("< disconnected")
	})
	lp.On(protocol.NameVirtualWriteAny, func(ev protocol.Event) {
		log.Infof("< V%s=%s", ev.Pin, strings.Join(ev.Values, ","))
	})
	lp.Start()
	defer lp.Stop()

	cli.MainLoop("pinlink-cli", newExecutor(lp), completer)
}

type doer func(lp *pinnet.Loop) error

func completer(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		prompt.Suggest{Text: "vN=X", Description: "write values to virtual pin N"},
		prompt.Suggest{Text: "sync=N", Description: "request server values for pins"},
		prompt.Suggest{Text: "prop=N:KEY:VALUE", Description: "set widget property"},
		prompt.Suggest{Text: "event=CODE", Description: "log event on the relay"},
		prompt.Suggest{Text: "push=KEY", Description: "send internal command"},
		prompt.Suggest{Text: "state", Description: "show session state"},
		prompt.Suggest{Text: "sN", Description: "pause for N ms"},
		prompt.Suggest{Text: "loop=N", Description: "repeat line N times"},
		prompt.Suggest{Text: "log=yes", Description: "enable debug logging"},
		prompt.Suggest{Text: "log=no", Description: "disable debug logging"},
	}
	return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
}

func newExecutor(lp *pinnet.Loop) func(string) {
	return func(line string) {
		ds, loopn, err := parseLine(line)
		if err != nil {
			log.Errorf(errors.ErrorStack(err))
			return
		}
		if loopn == 0 {
			loopn = 1
		}
		for i := uint(0); i < loopn; i++ {
			for _, d := range ds {
				if err := d(lp); err != nil {
					log.Errorf(errors.ErrorStack(err))
					return
				}
			}
		}
	}
}

func parseLine(line string) ([]doer, uint, error) {
	loopn := uint(0)
	ds := make([]doer, 0, 4)
	for _, word := range strings.Fields(line) {
		switch {
		case word == "help":
			log.Infof(usage)
		case strings.HasPrefix(word, "loop="):
			if loopn != 0 {
				return nil, 0, errors.Errorf("multiple loop commands, expected at most one")
			}
			i, err := strconv.ParseUint(word[5:], 10, 32)
			if err != nil {
				return nil, 0, errors.Annotatef(err, "word=%s", word)
			}
			loopn = uint(i)
		default:
			d, err := parseCommand(word)
			if err != nil {
				return nil, 0, err
			}
			ds = append(ds, d)
		}
	}
	return ds, loopn, nil
}

func parseCommand(word string) (doer, error) {
	switch {
	case word == "log=yes":
		return func(*pinnet.Loop) error { log.SetLevel(log2.LDebug); return nil }, nil
	case word == "log=no":
		return func(*pinnet.Loop) error { log.SetLevel(log2.LInfo); return nil }, nil
	case word == "state":
		return func(lp *pinnet.Loop) error {
			log.Infof("state=%s", lp.State())
			return nil
		}, nil
	case strings.HasPrefix(word, "v"):
		eq := strings.IndexByte(word, '=')
		if eq < 2 {
			return nil, errors.Errorf("error: invalid command: '%s'", word)
		}
		pin, err := strconv.Atoi(word[1:eq])
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		values := strings.Split(word[eq+1:], ",")
		return func(lp *pinnet.Loop) error { return lp.VirtualWrite(pin, values...) }, nil
	case strings.HasPrefix(word, "sync="):
		pins := make([]int, 0, 4)
		for _, p := range strings.Split(word[5:], ",") {
			pin, err := strconv.Atoi(p)
			if err != nil {
				return nil, errors.Annotatef(err, "word=%s", word)
			}
			pins = append(pins, pin)
		}
		return func(lp *pinnet.Loop) error { return lp.SyncVirtual(pins...) }, nil
	case strings.HasPrefix(word, "prop="):
		parts := strings.SplitN(word[5:], ":", 3)
		if len(parts) != 3 {
			return nil, errors.Errorf("error: invalid command: '%s' want prop=N:KEY:VALUE", word)
		}
		pin, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return func(lp *pinnet.Loop) error {
			return lp.SetProperty(pin, parts[1], strings.Split(parts[2], ",")...)
		}, nil
	case strings.HasPrefix(word, "event="):
		values := strings.Split(word[6:], ",")
		return func(lp *pinnet.Loop) error { return lp.LogEvent(values...) }, nil
	case strings.HasPrefix(word, "push="):
		parts := strings.Split(word[5:], ",")
		return func(lp *pinnet.Loop) error { return lp.SendInternal(parts[0], parts[1:]...) }, nil
	case word[0] == 's':
		i, err := strconv.ParseUint(word[1:], 10, 32)
		if err != nil {
			return nil, errors.Annotatef(err, "word=%s", word)
		}
		return func(*pinnet.Loop) error {
			time.Sleep(time.Duration(i) * time.Millisecond)
			return nil
		}, nil
	default:
		return nil, errors.Errorf("error: invalid command: '%s'", word)
	}
}
