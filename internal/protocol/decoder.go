package protocol

import (
	"bytes"
	"io"

	"go.uber.org/zap"

	"github.com/datachat/datachat/internal/common/logger"
)

// dataPrefix tags the lines that carry event payloads. Anything else on the
// feed (comments, blank keep-alive lines) is ignored.
var dataPrefix = []byte("data: ")

const readChunkSize = 4 * 1024

// Decoder turns a continuous, possibly chunk-fragmented text feed into
// decoded events. A feed boundary may split a line across two reads; the
// decoder retains the incomplete tail and prepends it to the next chunk, so
// a line is only emitted once its terminator has been observed. The decoder
// never fails on malformed payloads; it logs and drops them.
//
// A Decoder is bound to one session's feed and is not safe for concurrent
// use; start a fresh Decoder per session.
type Decoder struct {
	r       io.Reader
	buf     []byte // unconsumed feed bytes, may end in a partial line
	scratch []byte
	readErr error
	logger  *logger.Logger
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader, log *logger.Logger) *Decoder {
	if log == nil {
		log = logger.Default()
	}
	return &Decoder{
		r:       r,
		scratch: make([]byte, readChunkSize),
		logger:  log.WithFields(zap.String("component", "stream-decoder")),
	}
}

// Next returns the next decoded event in feed order, or io.EOF once the
// feed ends. A trailing fragment with no line terminator is discarded, never
// parsed. Any error other than io.EOF is the underlying read error.
func (d *Decoder) Next() (Event, error) {
	for {
		if i := bytes.IndexByte(d.buf, '\n'); i >= 0 {
			line := bytes.TrimSuffix(d.buf[:i], []byte("\r"))
			d.buf = d.buf[i+1:]

			if !bytes.HasPrefix(line, dataPrefix) {
				continue
			}

			ev, err := ParseEvent(line[len(dataPrefix):])
			if err != nil {
				// Bad payloads must not abort the session.
				d.logger.Warn("dropping undecodable event line",
					zap.String("line", string(line)),
					zap.Error(err))
				continue
			}
			return ev, nil
		}

		if d.readErr != nil {
			if len(d.buf) > 0 {
				d.logger.Debug("discarding unterminated feed tail",
					zap.Int("bytes", len(d.buf)))
				d.buf = nil
			}
			return Event{}, d.readErr
		}

		n, err := d.r.Read(d.scratch)
		if n > 0 {
			d.buf = append(d.buf, d.scratch[:n]...)
		}
		if err != nil {
			d.readErr = err
		}
	}
}
