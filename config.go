package sphinx

import (
	"encoding/json"
	"io"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"

	"github.com/penberg/sphinx/internal/util"
	"github.com/penberg/sphinx/log"
)

// InputConfig is the raw, unvalidated configuration surface: one field
// per flag/JSON key, merged (file overrides default, flags override
// file) before being turned into a Config.
type InputConfig struct {
	Listen  string `json:"listen"`
	Port    int    `json:"port"`
	UDPPort int    `json:"udp-port"`

	// Size values like "64m", "2g", "1024k".
	MemoryLimit string `json:"memory-limit"`
	SegmentSize string `json:"segment-size"`

	ListenBacklog int `json:"listen-backlog"`
	Threads       int `json:"threads"`
	IOBackend     string `json:"io-backend"`

	IsolateCPUs string `json:"isolate-cpus"`
	SchedFIFO   bool   `json:"sched-fifo"`

	MaxConnectionsPerShard int `json:"max-connections-per-shard"`

	LogDestination string `json:"log-destination"`
	LogLevel       string `json:"log-level"`
}

// DefaultInputConfig returns the flag defaults named in the CLI surface.
func DefaultInputConfig() *InputConfig {
	return &InputConfig{
		Listen:                 "0.0.0.0",
		Port:                   11211,
		UDPPort:                0,
		MemoryLimit:            "64m",
		SegmentSize:            "2m",
		ListenBacklog:          1024,
		Threads:                4,
		IOBackend:              "epoll",
		MaxConnectionsPerShard: 0, // 0 means "derive from listen-backlog"
		LogDestination:         "stderr",
		LogLevel:               "info",
	}
}

// Config is the parsed, validated configuration the server actually
// runs with.
type Config struct {
	Addr    string
	UDPAddr string // empty if UDP is disabled

	MemoryLimit int64
	SegmentSize int64

	ListenBacklog          int
	Threads                int
	IOBackend              string
	MaxConnectionsPerShard int

	IsolateCPUs []int
	SchedFIFO   bool

	LogDestination io.Writer
	LogLevel       log.Level
}

// Merge overwrites every field of def for which override holds a non-zero
// value, whatever def held there, following the teacher's reflection-based merge so adding a
// flag never requires touching this function again.
func Merge(def, override *InputConfig) {
	defVal := reflect.ValueOf(def).Elem()
	overrideVal := reflect.ValueOf(override).Elem()
	for i, end := 0, defVal.NumField(); i < end; i++ {
		f := overrideVal.Field(i)
		if !util.IsZeroVal(f) {
			defVal.Field(i).Set(f)
		}
	}
}

// Marshal renders conf as the JSON config file format Parse reads back.
func Marshal(conf *InputConfig) []byte {
	data, err := json.Marshal(conf)
	if err != nil {
		panic(err)
	}
	return data
}

// Parse validates and converts a merged InputConfig into a Config,
// wrapping every failure with a cause suitable for main to report and
// exit on.
func Parse(in *InputConfig) (*Config, error) {
	var conf Config
	var err error

	conf.MemoryLimit, err = parseSize(in.MemoryLimit)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "memory-limit")
	}
	conf.SegmentSize, err = parseSize(in.SegmentSize)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "segment-size")
	}
	if in.Threads <= 0 {
		return nil, pkgerrors.Errorf("threads must be positive, got %d", in.Threads)
	}
	if conf.MemoryLimit%int64(in.Threads) != 0 {
		return nil, pkgerrors.Errorf("memory-limit (%d) must be a multiple of threads (%d)", conf.MemoryLimit, in.Threads)
	}
	conf.Threads = in.Threads
	conf.IOBackend = in.IOBackend
	if conf.IOBackend != "epoll" {
		return nil, pkgerrors.Errorf("unsupported io-backend %q", in.IOBackend)
	}

	conf.ListenBacklog = in.ListenBacklog
	conf.MaxConnectionsPerShard = in.MaxConnectionsPerShard
	if conf.MaxConnectionsPerShard == 0 {
		conf.MaxConnectionsPerShard = conf.ListenBacklog
	}

	conf.IsolateCPUs, err = parseCPUList(in.IsolateCPUs)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "isolate-cpus")
	}
	conf.SchedFIFO = in.SchedFIFO

	conf.LogDestination, err = logDestination(in.LogDestination)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "log-destination")
	}
	conf.LogLevel, err = log.LevelFromString(strings.ToUpper(in.LogLevel))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "log-level")
	}

	conf.Addr = net.JoinHostPort(in.Listen, strconv.Itoa(in.Port))
	if in.UDPPort != 0 {
		conf.UDPAddr = net.JoinHostPort(in.Listen, strconv.Itoa(in.UDPPort))
	}
	return &conf, nil
}

func parseSize(s string) (int64, error) {
	if len(s) < 2 {
		return 0, pkgerrors.Errorf("invalid size %q: want a number followed by b/k/m/g", s)
	}
	sep := len(s) - 1
	sizeStr, suffix := s[:sep], s[sep:]
	var exponent uint
	switch strings.ToLower(suffix) {
	case "b":
		exponent = 0
	case "k":
		exponent = 10
	case "m":
		exponent = 20
	case "g":
		exponent = 30
	default:
		return 0, pkgerrors.Errorf("invalid size suffix %q: only b, k, m, g allowed", suffix)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 31)
	if err != nil {
		return 0, pkgerrors.Wrapf(err, "invalid size %q", s)
	}
	return size << exponent, nil
}

// parseCPUList parses a comma-separated list of CPU indices, e.g. "0,2,4".
func parseCPUList(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	cpus := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "invalid cpu index %q", p)
		}
		cpus = append(cpus, n)
	}
	return cpus, nil
}

func logDestination(dest string) (io.Writer, error) {
	switch strings.ToLower(dest) {
	case "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	default:
		w, err := os.OpenFile(dest, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
}
