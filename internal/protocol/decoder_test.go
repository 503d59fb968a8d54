package protocol

import (
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datachat/datachat/internal/common/logger"
)

// chunkReader delivers its payload in fixed-size chunks so line boundaries
// land mid-chunk, between chunks, and across chunks.
type chunkReader struct {
	data []byte
	size int
	pos  int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if c.pos >= len(c.data) {
		return 0, io.EOF
	}
	n := c.size
	if n > len(p) {
		n = len(p)
	}
	if rem := len(c.data) - c.pos; n > rem {
		n = rem
	}
	copy(p, c.data[c.pos:c.pos+n])
	c.pos += n
	return n, nil
}

func decodeAll(t *testing.T, r io.Reader) []Event {
	t.Helper()
	dec := NewDecoder(r, logger.NewNop())
	var events []Event
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			return events
		}
		require.NoError(t, err)
		events = append(events, ev)
	}
}

const sampleFeed = "data: {\"type\":\"token\",\"content\":\"Hel\"}\n" +
	"data: {\"type\":\"token\",\"content\":\"lo\"}\n" +
	"data: {\"type\":\"done\",\"message_id\":\"m1\"}\n"

func TestDecoderBasicFeed(t *testing.T) {
	events := decodeAll(t, strings.NewReader(sampleFeed))

	require.Len(t, events, 3)
	assert.Equal(t, EventToken, events[0].Type)
	assert.Equal(t, "Hel", events[0].Content)
	assert.Equal(t, "lo", events[1].Content)
	assert.Equal(t, EventDone, events[2].Type)
	require.NotNil(t, events[2].MessageID)
	assert.Equal(t, "m1", *events[2].MessageID)
}

// The decoded sequence must not depend on how the feed was chunked.
func TestDecoderChunkingInvariance(t *testing.T) {
	want := decodeAll(t, strings.NewReader(sampleFeed))

	for _, size := range []int{1, 2, 3, 7, 16, len(sampleFeed)} {
		got := decodeAll(t, &chunkReader{data: []byte(sampleFeed), size: size})
		assert.Equal(t, want, got, "chunk size %d", size)
	}
}

func TestDecoderDropsMalformedLines(t *testing.T) {
	feed := "data: {\"type\":\"token\",\"content\":\"a\"}\n" +
		"data: {not json}\n" +
		"data: {\"type\":\"mystery\"}\n" +
		"data: {\"type\":\"token\",\"content\":\"b\"}\n"

	events := decodeAll(t, strings.NewReader(feed))

	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].Content)
	assert.Equal(t, "b", events[1].Content)
}

func TestDecoderIgnoresNonDataLines(t *testing.T) {
	feed := ": keep-alive\n" +
		"\n" +
		"event: message\n" +
		"data: {\"type\":\"token\",\"content\":\"x\"}\n"

	events := decodeAll(t, strings.NewReader(feed))

	require.Len(t, events, 1)
	assert.Equal(t, "x", events[0].Content)
}

func TestDecoderDiscardsUnterminatedTail(t *testing.T) {
	feed := "data: {\"type\":\"token\",\"content\":\"a\"}\n" +
		"data: {\"type\":\"done\""

	dec := NewDecoder(strings.NewReader(feed), logger.NewNop())

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Content)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}

func TestDecoderTrimsCarriageReturn(t *testing.T) {
	feed := "data: {\"type\":\"token\",\"content\":\"a\"}\r\n"

	events := decodeAll(t, strings.NewReader(feed))

	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Content)
}

// errAfterReader yields its payload and then a non-EOF error.
type errAfterReader struct {
	r   io.Reader
	err error
}

func (e *errAfterReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, e.err
	}
	return n, err
}

func TestDecoderSurfacesReadError(t *testing.T) {
	readErr := errors.New("connection reset")
	feed := "data: {\"type\":\"token\",\"content\":\"a\"}\n"
	dec := NewDecoder(&errAfterReader{r: strings.NewReader(feed), err: readErr}, logger.NewNop())

	ev, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", ev.Content)

	_, err = dec.Next()
	assert.Equal(t, readErr, err)
}

func TestParseEventToolEnd(t *testing.T) {
	payload := `{"type":"tool_end","name":"code_sandbox","output":{"content":"ok"},` +
		`"artifacts":[{"id":"a1","name":"plot.png","mime":"image/png","size":42,"url":"/api/artifacts/a1"}]}`

	ev, err := ParseEvent([]byte(payload))

	require.NoError(t, err)
	assert.Equal(t, EventToolEnd, ev.Type)
	assert.Equal(t, "code_sandbox", ev.Name)
	require.Len(t, ev.Artifacts, 1)
	assert.Equal(t, "plot.png", ev.Artifacts[0].Name)
	assert.EqualValues(t, 42, ev.Artifacts[0].Size)
}

func TestParseEventMissingOptionalFields(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"tool_start","name":"search"}`))

	require.NoError(t, err)
	assert.Nil(t, ev.Input)

	ev, err = ParseEvent([]byte(`{"type":"done"}`))
	require.NoError(t, err)
	assert.Nil(t, ev.MessageID)
}

func TestParseEventRejectsUnknownType(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"telemetry"}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{"type":""}`))
	assert.Error(t, err)
}

func TestEventTerminal(t *testing.T) {
	assert.True(t, (&Event{Type: EventDone}).Terminal())
	assert.True(t, (&Event{Type: EventError}).Terminal())
	assert.False(t, (&Event{Type: EventToken}).Terminal())
	assert.False(t, (&Event{Type: EventSummarizing}).Terminal())
}
