package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io/ioutil"
	"os"

	"github.com/penberg/sphinx"
	"github.com/penberg/sphinx/internal/tag"
	"github.com/penberg/sphinx/log"
)

const usage = `
Config values merge rules:
1) config file value overrides default
2) command line value overrides any
Options:
`

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s", usage)
		flag.PrintDefaults()
	}
}

func main() {
	l := log.NewLogger(log.DebugLevel, os.Stderr)

	flg := parseFlags()
	fileConf := sphinx.DefaultInputConfig()
	if flg.ConfigPath != "" {
		data, err := ioutil.ReadFile(flg.ConfigPath)
		if err != nil {
			l.Fatal("config file read error: ", err)
		}
		if err := json.Unmarshal(data, fileConf); err != nil {
			l.Fatal("config parse error: ", err)
		}
	}
	sphinx.Merge(fileConf, &flg.InputConfig)

	conf, err := sphinx.Parse(fileConf)
	if err != nil {
		l.Fatal("config error: ", err)
	}

	l = log.NewLogger(conf.LogLevel, conf.LogDestination)
	if tag.Debug {
		l.Warn("Using debug build. It has more runtime checks and larger performance overhead.")
	}
	l.Debugf("Config: %#v", conf)

	srv, err := sphinx.NewServer(*conf, l)
	if err != nil {
		l.Fatal("server init error: ", err)
	}

	l.Infof("Serving on %s (threads=%d, backend=%s).", conf.Addr, conf.Threads, conf.IOBackend)
	if err := srv.ListenAndServe(); err != nil {
		l.Fatal("serve error: ", err)
	}
}

type flags struct {
	ConfigPath string
	sphinx.InputConfig
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.ConfigPath, "config", "", "path to json config")

	def := sphinx.DefaultInputConfig()
	usageWithDefault := func(usage string, defVal interface{}) string {
		if _, ok := defVal.(string); ok {
			return fmt.Sprintf("%s (default %q)", usage, defVal)
		}
		return fmt.Sprintf("%s (default %v)", usage, defVal)
	}

	flag.StringVar(&f.Listen, "listen", "", usageWithDefault("address to bind", def.Listen))
	flag.IntVar(&f.Port, "port", 0, usageWithDefault("tcp port", def.Port))
	flag.IntVar(&f.UDPPort, "udp-port", 0, usageWithDefault("udp port, 0 disables udp", def.UDPPort))
	flag.StringVar(&f.MemoryLimit, "memory-limit", "", usageWithDefault("total memory limit: 64m, 2g", def.MemoryLimit))
	flag.StringVar(&f.SegmentSize, "segment-size", "", usageWithDefault("segment size: 2m, 512k", def.SegmentSize))
	flag.IntVar(&f.ListenBacklog, "listen-backlog", 0, usageWithDefault("tcp listen backlog", def.ListenBacklog))
	flag.IntVar(&f.Threads, "threads", 0, usageWithDefault("number of shard threads", def.Threads))
	flag.StringVar(&f.IOBackend, "io-backend", "", usageWithDefault("reactor readiness backend", def.IOBackend))
	flag.StringVar(&f.IsolateCPUs, "isolate-cpus", "", "comma separated cpu indices; validated only, shard threads are not pinned")
	flag.BoolVar(&f.SchedFIFO, "sched-fifo", false, "accepted only; shard threads keep the default scheduling policy")
	flag.IntVar(&f.MaxConnectionsPerShard, "max-connections-per-shard", 0, usageWithDefault("max accepted connections per shard, 0 derives from listen-backlog", def.MaxConnectionsPerShard))
	flag.StringVar(&f.LogDestination, "log-destination", "", usageWithDefault("log destination: stderr, stdout or file path", def.LogDestination))
	flag.StringVar(&f.LogLevel, "log-level", "", usageWithDefault("log level: debug, info, warn, error, fatal", def.LogLevel))
	flag.Parse()
	return f
}
