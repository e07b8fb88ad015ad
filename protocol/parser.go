package protocol

import (
	"bytes"

	"github.com/facebookgo/stackerr"
)

// Kind identifies which command a Command carries.
type Kind int

const (
	KindGet Kind = iota
	KindSet
	KindDelete
)

// Command is one fully parsed client request.
type Command struct {
	Kind Kind

	// Get: one entry per requested key.
	Keys []string

	// Set.
	Item ItemMeta
	Blob []byte

	// Set and Delete.
	NoReply bool
}

// MaxCommandSize bounds how many bytes of command line the parser will
// buffer before giving up and reporting ErrTooLargeCommand; it exists so
// one client cannot pin arbitrary memory on this connection by never
// sending a line separator.
const MaxCommandSize = 1 << 12

// Parser incrementally decodes a stream of memcache text-protocol
// commands. Unlike a reader built on bufio.Reader, it never blocks: Feed
// appends whatever bytes the reactor just read, and Next either returns a
// complete command or reports that more data is needed.
type Parser struct {
	buf []byte

	// awaitingData is set while scanning a set command's value, which
	// comes after the command line as a fixed-size data block.
	awaitingData bool
	pendingItem  ItemMeta
	pendingNorep bool
}

// NewParser returns an empty Parser ready to Feed.
func NewParser() *Parser {
	return &Parser{}
}

// Feed appends newly received bytes to the parser's internal buffer.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Next attempts to decode one command from the buffered input. needMore
// reports that Next consumed nothing and the caller should Feed more data
// before calling again. clientErr is a protocol violation the caller
// should report back to the client (the offending bytes are discarded);
// err is an internal failure the connection cannot recover from.
func (p *Parser) Next() (cmd *Command, needMore bool, clientErr, err error) {
	if p.awaitingData {
		return p.continueDataBlock()
	}
	return p.parseCommandLine()
}

func (p *Parser) parseCommandLine() (cmd *Command, needMore bool, clientErr, err error) {
	idx := bytes.IndexByte(p.buf, '\n')
	if idx < 0 {
		if len(p.buf) > MaxCommandSize {
			clientErr = stackerr.Wrap(ErrTooLargeCommand)
			p.buf = nil
			return
		}
		needMore = true
		return
	}
	lineWithSeparator := p.buf[:idx+1]
	if !bytes.HasSuffix(lineWithSeparator, separatorBytes) {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
		p.buf = p.buf[idx+1:]
		return
	}
	line := bytes.TrimSuffix(lineWithSeparator, separatorBytes)
	p.buf = p.buf[idx+1:]

	fields := bytes.Fields(line)
	if len(fields) == 0 {
		clientErr = stackerr.Wrap(ErrEmptyCommand)
		return
	}
	name := string(fields[0])
	rest := fields[1:]

	switch name {
	case GetCommand, GetsCommand:
		cmd, clientErr = parseGet(rest)
	case SetCommand:
		var item ItemMeta
		var noreply bool
		item, noreply, clientErr = parseSetFields(rest)
		if clientErr != nil {
			return
		}
		if item.Bytes > MaxItemSize {
			clientErr = stackerr.Wrap(ErrTooLargeItem)
			return
		}
		p.awaitingData = true
		p.pendingItem = item
		p.pendingNorep = noreply
		return p.continueDataBlock()
	case DeleteCommand:
		cmd, clientErr = parseDelete(rest)
	default:
		clientErr = stackerr.Wrap(ErrUnknownCommand)
	}
	return
}

func (p *Parser) continueDataBlock() (cmd *Command, needMore bool, clientErr, err error) {
	need := p.pendingItem.Bytes + len(separatorBytes)
	if len(p.buf) < need {
		needMore = true
		return
	}
	blob := p.buf[:p.pendingItem.Bytes]
	sep := p.buf[p.pendingItem.Bytes:need]
	p.buf = p.buf[need:]
	if !bytes.Equal(sep, separatorBytes) {
		clientErr = stackerr.Wrap(ErrInvalidLineSeparator)
		p.awaitingData = false
		return
	}
	blobCopy := make([]byte, len(blob))
	copy(blobCopy, blob)
	cmd = &Command{
		Kind:    KindSet,
		Item:    p.pendingItem,
		Blob:    blobCopy,
		NoReply: p.pendingNorep,
	}
	p.awaitingData = false
	p.pendingItem = ItemMeta{}
	p.pendingNorep = false
	return
}

func parseGet(fields [][]byte) (*Command, error) {
	if len(fields) == 0 {
		return nil, stackerr.Wrap(ErrMoreFieldsRequired)
	}
	keys := make([]string, len(fields))
	for i, f := range fields {
		if err := CheckKey(f); err != nil {
			return nil, err
		}
		keys[i] = string(f)
	}
	return &Command{Kind: KindGet, Keys: keys}, nil
}

func parseDelete(fields [][]byte) (*Command, error) {
	const extraRequired = 0
	key, _, noreply, err := parseKeyFields(fields, extraRequired)
	if err != nil {
		return nil, err
	}
	k, err := parseKey(key)
	if err != nil {
		return nil, err
	}
	return &Command{Kind: KindDelete, Keys: []string{k}, NoReply: noreply}, nil
}
