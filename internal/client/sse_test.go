package client

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSSEReaderMultilineData(t *testing.T) {
	r := NewSSEReader(strings.NewReader("event: error\ndata: line one\ndata:line two\nretry: 100\n\n"))

	name, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "error", name)
	assert.Equal(t, "line one\nline two", string(data))

	_, _, err = r.ReadEvent()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSSEReaderTrailingFrameWithoutBlankLine(t *testing.T) {
	r := NewSSEReader(strings.NewReader("event: done\ndata: {}"))

	name, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "done", name)
	assert.Equal(t, "{}", string(data))
}

func TestSSEReaderSkipsCommentsAndBlankLines(t *testing.T) {
	r := NewSSEReader(strings.NewReader("\n\n:ping\n\nevent: token\ndata: x\n\n"))

	name, data, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "token", name)
	assert.Equal(t, "x", string(data))
}

func TestSSEReaderRejectsOversizedLine(t *testing.T) {
	r := NewSSEReader(strings.NewReader("data: " + strings.Repeat("a", maxFrameSize+10) + "\n\n"))

	_, _, err := r.ReadEvent()
	assert.Error(t, err)
}
