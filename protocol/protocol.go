// Package protocol implements the memcache text protocol subset this
// server speaks: get/gets, set, and delete, where set and delete take an
// optional "noreply" option. Unlike a connection-oriented reader built on
// bufio.Reader, parsing here is push-based: bytes arrive in whatever
// chunks the reactor's non-blocking reads happen to produce, so the
// Parser in parser.go accumulates them itself instead of blocking on an
// io.Reader.
package protocol

import (
	"strconv"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"
)

const (
	MaxKeySize         = 250
	MaxItemSize        = 128 * (1 << 20) // 128 MB.
	DefaultMaxItemSize = 1 << 20

	MaxRelativeExptime = 60 * 60 * 24 * 30 // 30 days.

	Separator = "\r\n"

	GetCommand    = "get"
	GetsCommand   = "gets"
	SetCommand    = "set"
	DeleteCommand = "delete"

	NoReplyOption = "noreply"

	StoredResponse      = "STORED"
	ValueResponse       = "VALUE"
	EndResponse         = "END"
	DeletedResponse     = "DELETED"
	NotFoundResponse    = "NOT_FOUND"
	ErrorResponse       = "ERROR"
	ClientErrorResponse = "CLIENT_ERROR"
	ServerErrorResponse = "SERVER_ERROR"
)

var (
	ErrTooLargeKey          = errors.New("too large key")
	ErrTooLargeItem         = errors.New("too large item")
	ErrInvalidOption        = errors.New("invalid option")
	ErrTooManyFields        = errors.New("too many fields")
	ErrMoreFieldsRequired   = errors.New("more fields required")
	ErrTooLargeCommand      = errors.New("command length is too big")
	ErrEmptyCommand         = errors.New("empty command")
	ErrFieldsParseError     = errors.New("fields parse error")
	ErrInvalidLineSeparator = errors.New("invalid line separator")
	ErrInvalidCharInKey     = errors.New("key contains invalid characters")
	ErrUnknownCommand       = errors.New("unknown command")

	separatorBytes = []byte(Separator)
)

func isInvalidFieldChar(b byte) bool {
	return b <= ' ' || b == 127
}

// CheckKey reports whether p is a valid memcache key: non-empty is not
// required by the wire protocol itself, only by individual commands.
func CheckKey(p []byte) error {
	if len(p) > MaxKeySize {
		return stackerr.Wrap(ErrTooLargeKey)
	}
	for _, b := range p {
		if isInvalidFieldChar(b) {
			return stackerr.Wrap(ErrInvalidCharInKey)
		}
	}
	return nil
}

func parseKey(p []byte) (string, error) {
	if err := CheckKey(p); err != nil {
		return "", err
	}
	return string(p), nil
}

// ItemMeta is the parsed, non-value half of a set command.
type ItemMeta struct {
	Key     string
	Flags   uint32
	Exptime int64
	Bytes   int
}

func parseSetFields(fields [][]byte) (m ItemMeta, noreply bool, err error) {
	const extraRequired = 3
	key, extra, noreply, err := parseKeyFields(fields, extraRequired)
	if err != nil {
		return
	}
	m.Key, err = parseKey(key)
	if err != nil {
		return
	}
	var parsed [extraRequired]uint64
	for i, f := range extra {
		parsed[i], err = strconv.ParseUint(string(f), 10, 32)
		if err != nil {
			err = stackerr.Newf("%s: %s", ErrFieldsParseError, err)
			return
		}
	}
	m.Flags = uint32(parsed[0])
	m.Exptime = int64(parsed[1])
	if m.Exptime > MaxRelativeExptime {
		m.Exptime += time.Now().Unix()
	}
	m.Bytes = int(parsed[2])
	if m.Bytes < 0 || m.Bytes > MaxItemSize {
		err = stackerr.Wrap(ErrTooLargeItem)
	}
	return
}

func parseKeyFields(fields [][]byte, extraRequired int) (key []byte, extra [][]byte, noreply bool, err error) {
	if len(fields) < 1+extraRequired {
		err = stackerr.Wrap(ErrMoreFieldsRequired)
		return
	}
	key = fields[0]
	extra = fields[1:][:extraRequired]
	options := fields[1:][extraRequired:]
	const maxOptions = 1
	if len(options) > maxOptions {
		err = stackerr.Wrap(ErrTooManyFields)
		return
	}
	if len(options) != 0 {
		if string(options[0]) != NoReplyOption {
			err = stackerr.Wrap(ErrInvalidOption)
			return
		}
		noreply = true
	}
	return
}
