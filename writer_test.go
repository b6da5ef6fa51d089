package snappyframe

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"io/ioutil"
	"testing"

	"github.com/golang/snappy"
	kpsnappy "github.com/klauspost/compress/snappy"
	"github.com/stretchr/testify/require"
)

func compressible(n int) []byte {
	return bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), n/45+1)[:n]
}

func incompressible(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err)
	}
	return b
}

func roundTrip(t *testing.T, data []byte) {
	t.Helper()

	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	n, err := w.Write(data)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data) {
		t.Fatalf("wrote %d bytes, want %d", n, len(data))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	stream := buf.Bytes()

	// Through our own Reader.
	got, err := ioutil.ReadAll(NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip through Reader doesn't match")
	}

	// Through the other implementations of the format.
	got, err = ioutil.ReadAll(snappy.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("golang/snappy can't read our output")
	}
	got, err = ioutil.ReadAll(kpsnappy.NewReader(bytes.NewReader(stream)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("klauspost/compress can't read our output")
	}
}

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 128, 4096, MaxBlockSize - 1, MaxBlockSize, MaxBlockSize + 1, 200000} {
		roundTrip(t, compressible(n))
		roundTrip(t, incompressible(n))
	}
}

func TestReaderAcceptsGolangSnappyOutput(t *testing.T) {
	data := compressible(200000)
	buf := new(bytes.Buffer)
	w := snappy.NewBufferedWriter(buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ioutil.ReadAll(NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("can't read golang/snappy's output")
	}
}

func TestMinimalStream(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	want := []byte{0xff, 0x06, 0x00, 0x00, 's', 'N', 'a', 'P', 'p', 'Y'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got % x, want % x", buf.Bytes(), want)
	}
}

func TestFrameTypeSelection(t *testing.T) {
	// Compressible input produces a compressed frame; input that snappy
	// can't shrink by at least 12.5% is written uncompressed.
	for _, tt := range []struct {
		data []byte
		want frameType
	}{
		{compressible(4096), frameCompressed},
		{incompressible(4096), frameUncompressed},
	} {
		buf := new(bytes.Buffer)
		w := NewWriter(buf)
		w.Write(tt.data)
		w.Close()
		if got := frameType(buf.Bytes()[len(magicChunk)]); got != tt.want {
			t.Errorf("frame type = %#02x, want %#02x", byte(got), byte(tt.want))
		}
	}
}

func TestFlush(t *testing.T) {
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	if _, err := w.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Fatal("short write reached the destination before Flush")
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	flushed := buf.Len()
	if flushed == 0 {
		t.Fatal("Flush wrote nothing")
	}
	if _, err := w.Write([]byte(" frame")); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ioutil.ReadAll(NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "partial frame" {
		t.Fatalf("got %q", got)
	}
}

func TestWritePadding(t *testing.T) {
	for _, pad := range []int{0, 1, 100, MaxBlockSize, 100000} {
		buf := new(bytes.Buffer)
		w := NewWriter(buf)
		w.Write([]byte("abc"))
		if err := w.WritePadding(pad); err != nil {
			t.Fatal(err)
		}
		w.Write([]byte("def"))
		if err := w.Close(); err != nil {
			t.Fatal(err)
		}

		got, err := ioutil.ReadAll(NewReader(bytes.NewReader(buf.Bytes())))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "abcdef" {
			t.Fatalf("pad %d: got %q", pad, got)
		}

		// Padding must be transparent to other implementations too.
		got, err = ioutil.ReadAll(snappy.NewReader(bytes.NewReader(buf.Bytes())))
		if err != nil {
			t.Fatal(err)
		}
		if string(got) != "abcdef" {
			t.Fatalf("pad %d: golang/snappy got %q", pad, got)
		}
	}
}

func TestWritePaddingNegative(t *testing.T) {
	w := NewWriter(new(bytes.Buffer))
	require.Error(t, w.WritePadding(-1))
	_, err := w.Write([]byte("x"))
	require.Error(t, err, "a usage error leaves the Writer unusable")
}

func TestReadFrom(t *testing.T) {
	data := compressible(300000)
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	n, err := io.Copy(w, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) {
		t.Fatalf("copied %d bytes, want %d", n, len(data))
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := ioutil.ReadAll(NewReader(buf))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("ReadFrom round trip doesn't match")
	}
}

// failWriter fails every write after the first n calls.
type failWriter struct {
	n     int
	calls int
	err   error
}

func (f *failWriter) Write(p []byte) (int, error) {
	f.calls++
	if f.calls > f.n {
		return 0, f.err
	}
	return len(p), nil
}

func TestWriterFaultLatching(t *testing.T) {
	transportErr := errors.New("disk on fire")
	dest := &failWriter{n: 0, err: transportErr}
	w := NewWriter(dest)

	_, err := w.Write(make([]byte, MaxBlockSize))
	require.ErrorIs(t, err, transportErr)

	calls := dest.calls
	_, err = w.Write([]byte("more"))
	require.ErrorIs(t, err, transportErr)
	require.ErrorIs(t, w.Flush(), transportErr)
	require.ErrorIs(t, w.WritePadding(4), transportErr)
	require.Equal(t, calls, dest.calls, "faulted Writer touched the transport again")

	// Close reports the original fault, and further use still fails.
	require.ErrorIs(t, w.Close(), transportErr)
	_, err = w.Write([]byte("x"))
	require.ErrorIs(t, err, transportErr)
}

func TestWriterClose(t *testing.T) {
	dest := &closeRecorder{Writer: new(bytes.Buffer)}
	w := NewWriter(dest)
	require.NoError(t, w.Close())
	require.Equal(t, 1, dest.closed)

	_, err := w.Write([]byte("x"))
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, w.Flush(), ErrClosed)

	require.ErrorIs(t, w.Close(), ErrClosed)
	require.Equal(t, 1, dest.closed, "second Close must not close the destination again")
}

func TestWriterCloseKeepOpen(t *testing.T) {
	dest := &closeRecorder{Writer: new(bytes.Buffer)}
	w := NewWriter(dest)
	w.KeepOpen = true
	require.NoError(t, w.Close())
	require.Equal(t, 0, dest.closed)
}

func TestWriterReset(t *testing.T) {
	w := NewWriter(&failWriter{n: 0, err: errors.New("boom")})
	_, err := w.Write(make([]byte, MaxBlockSize))
	require.Error(t, err)

	buf := new(bytes.Buffer)
	w.Reset(buf)
	_, err = w.Write([]byte("recovered"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := ioutil.ReadAll(NewReader(buf))
	require.NoError(t, err)
	require.Equal(t, "recovered", string(got))
}

func benchmarkWriter(b *testing.B, data []byte) {
	b.ReportAllocs()
	b.SetBytes(int64(len(data)))
	w := NewWriter(ioutil.Discard)
	for i := 0; i < b.N; i++ {
		w.Reset(ioutil.Discard)
		w.Write(data)
		w.Close()
	}
}

func BenchmarkWriterCompressible(b *testing.B) {
	benchmarkWriter(b, compressible(1<<20))
}

func BenchmarkWriterIncompressible(b *testing.B) {
	benchmarkWriter(b, incompressible(1<<20))
}

func BenchmarkReader(b *testing.B) {
	b.ReportAllocs()
	data := compressible(1 << 20)
	buf := new(bytes.Buffer)
	w := NewWriter(buf)
	w.Write(data)
	w.Close()
	stream := buf.Bytes()

	b.SetBytes(int64(len(data)))
	r := NewReader(bytes.NewReader(nil))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Reset(bytes.NewReader(stream))
		if _, err := io.Copy(ioutil.Discard, r); err != nil {
			b.Fatal(err)
		}
	}
}
