package framing

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns its data in the given chunk sizes, cycling through
// them until the data runs out.
type chunkReader struct {
	data   []byte
	chunks []int
	i      int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunks[r.i%len(r.chunks)]
	r.i++
	if n > len(r.data) {
		n = len(r.data)
	}
	if n > len(p) {
		n = len(p)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func mustFrame(t testing.TB, payload []byte) []byte {
	t.Helper()
	b, err := AppendFrame(nil, payload)
	require.NoError(t, err)
	return b
}

func randomPayloads(rng *rand.Rand, n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		p := make([]byte, rng.Intn(DefaultMaxFrameLen))
		rng.Read(p)
		out[i] = p
	}
	return out
}

// garbage returns noise that cannot contain the first marker byte, so it
// never forms or completes a marker.
func garbage(rng *rand.Rand, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		for {
			c := byte(rng.Intn(256))
			if c != Start1 {
				b[i] = c
				break
			}
		}
	}
	return b
}

func drain(t *testing.T, s *Synchronizer) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		f, err := s.Next()
		if err != nil {
			require.ErrorIs(t, err, io.EOF)
			return out
		}
		out = append(out, f)
	}
}

func TestSynchronizerArbitraryChunking(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for iter := 0; iter < 50; iter++ {
		payloads := randomPayloads(rng, 1+rng.Intn(20))
		var stream []byte
		for _, p := range payloads {
			stream = append(stream, mustFrame(t, p)...)
		}

		chunks := make([]int, 1+rng.Intn(5))
		for i := range chunks {
			chunks[i] = 1 + rng.Intn(700)
		}

		s := NewSynchronizer(&chunkReader{data: stream, chunks: chunks})
		got := drain(t, s)
		require.Len(t, got, len(payloads), "iteration %d chunks %v", iter, chunks)
		for i := range payloads {
			assert.Equal(t, payloads[i], got[i], "frame %d", i)
		}
		assert.Equal(t, uint64(len(payloads)), s.Stats().Frames.Load())
		assert.Zero(t, s.Stats().DiscardedBytes.Load())
	}
}

func TestSynchronizerSingleByteChunks(t *testing.T) {
	stream := append(mustFrame(t, []byte("hello")), mustFrame(t, []byte("world"))...)
	s := NewSynchronizer(&chunkReader{data: stream, chunks: []int{1}})
	got := drain(t, s)
	assert.Equal(t, [][]byte{[]byte("hello"), []byte("world")}, got)
}

func TestSynchronizerCorruptedStream(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for iter := 0; iter < 50; iter++ {
		payloads := randomPayloads(rng, 1+rng.Intn(10))
		var stream []byte
		noise := 0
		for _, p := range payloads {
			g := garbage(rng, rng.Intn(64))
			noise += len(g)
			stream = append(stream, g...)
			stream = append(stream, mustFrame(t, p)...)
		}
		tail := garbage(rng, rng.Intn(16))
		noise += len(tail)
		stream = append(stream, tail...)

		var discarded []byte
		s := NewSynchronizer(
			&chunkReader{data: stream, chunks: []int{1 + rng.Intn(300)}},
			WithDiscardFunc(func(b []byte) { discarded = append(discarded, b...) }),
		)
		got := drain(t, s)
		require.Len(t, got, len(payloads))
		for i := range payloads {
			assert.Equal(t, payloads[i], got[i])
		}
		assert.Len(t, discarded, noise)
		assert.Equal(t, uint64(noise), s.Stats().DiscardedBytes.Load())
	}
}

func TestSynchronizerMarkerSplitAcrossReads(t *testing.T) {
	stream := append([]byte("boot log\n"), mustFrame(t, []byte{1, 2, 3})...)
	// Split right between 0x94 and 0xc3.
	split := bytes.IndexByte(stream, Start1) + 1
	s := NewSynchronizer(&chunkReader{data: stream, chunks: []int{split, 100}})
	got := drain(t, s)
	assert.Equal(t, [][]byte{{1, 2, 3}}, got)
}

func TestSynchronizerRejectsOversizedLength(t *testing.T) {
	bad := []byte{Start1, Start2, 0x02, 0x00} // 512
	stream := append(bad, mustFrame(t, []byte("ok"))...)

	s := NewSynchronizer(bytes.NewReader(stream))
	got := drain(t, s)
	assert.Equal(t, [][]byte{[]byte("ok")}, got)
	assert.Equal(t, uint64(1), s.Stats().Oversized.Load())
}

func TestSynchronizerCustomMaxFrameLen(t *testing.T) {
	stream := append(mustFrame(t, make([]byte, 20)), mustFrame(t, []byte("ok"))...)
	s := NewSynchronizer(bytes.NewReader(stream), WithMaxFrameLen(16))
	got := drain(t, s)
	assert.Equal(t, [][]byte{[]byte("ok")}, got)
}

func TestSynchronizerDropsPartialFrameAtEOF(t *testing.T) {
	full := mustFrame(t, []byte("complete"))
	partial := mustFrame(t, []byte("incomplete"))[:7]

	s := NewSynchronizer(bytes.NewReader(append(full, partial...)))
	got := drain(t, s)
	assert.Equal(t, [][]byte{[]byte("complete")}, got)
	assert.Equal(t, uint64(1), s.Stats().Truncated.Load())

	// Further calls keep reporting the end of the stream.
	_, err := s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSynchronizerZeroLengthFrame(t *testing.T) {
	s := NewSynchronizer(bytes.NewReader(mustFrame(t, nil)))
	f, err := s.Next()
	require.NoError(t, err)
	assert.Empty(t, f)
}

func TestSynchronizerPropagatesReadError(t *testing.T) {
	boom := errors.New("boom")
	r := io.MultiReader(bytes.NewReader(mustFrame(t, []byte("a"))), &errReader{err: boom})
	s := NewSynchronizer(r)

	f, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), f)

	_, err = s.Next()
	assert.ErrorIs(t, err, boom)
}

type errReader struct{ err error }

func (r *errReader) Read([]byte) (int, error) { return 0, r.err }

func TestAppendFrame(t *testing.T) {
	b, err := AppendFrame([]byte{0xff}, []byte{0xaa, 0xbb})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x94, 0xc3, 0x00, 0x02, 0xaa, 0xbb}, b)

	_, err = AppendFrame(nil, make([]byte, DefaultMaxFrameLen))
	assert.Error(t, err)
}

func TestIsClosed(t *testing.T) {
	assert.True(t, IsClosed(io.EOF))
	assert.True(t, IsClosed(io.ErrClosedPipe))
	assert.False(t, IsClosed(errors.New("x")))
}

func BenchmarkSynchronizer(b *testing.B) {
	rng := rand.New(rand.NewSource(1))
	var stream []byte
	for _, p := range randomPayloads(rng, 256) {
		stream = append(stream, mustFrame(b, p)...)
	}
	b.SetBytes(int64(len(stream)))
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		s := NewSynchronizer(bytes.NewReader(stream))
		for {
			if _, err := s.Next(); err != nil {
				break
			}
		}
	}
}
