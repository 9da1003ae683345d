package repl

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder captures every write as a separate frame
type recorder struct {
	mu     sync.Mutex
	frames [][]byte
	failOn func(frame []byte) error
}

func (r *recorder) Write(ctx context.Context, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOn != nil {
		if err := r.failOn(p); err != nil {
			return err
		}
	}
	r.frames = append(r.frames, append([]byte(nil), p...))
	return nil
}

func (r *recorder) stream() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.Join(r.frames, nil)
}

func (r *recorder) largestFrame() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.frames {
		n = max(n, len(f))
	}
	return n
}

func fastTiming() Timing {
	return Timing{ChunkSize: DefaultChunkSize, DoubleInterrupt: true}
}

func TestChunksRoundTrip(t *testing.T) {
	for _, size := range []int{0, 1, 127, 128, 129, 256, 1000} {
		payload := bytes.Repeat([]byte("x=1\n"), size)[:size]
		chunks := Chunks(payload, DefaultChunkSize)

		for _, c := range chunks {
			assert.LessOrEqual(t, len(c), DefaultChunkSize)
		}
		assert.Equal(t, payload, bytes.Join(chunks, nil), "size %d", size)
		assert.Len(t, chunks, (size+DefaultChunkSize-1)/DefaultChunkSize)
	}
}

func TestExecByteSequence(t *testing.T) {
	rec := &recorder{}
	e := New(rec, WithTiming(fastTiming()))

	code := strings.Repeat("print('hello')\n", 20)
	require.NoError(t, e.Exec(context.Background(), code))

	want := append([]byte{CtrlC, CtrlC, CtrlA}, code...)
	want = append(want, CtrlD, CtrlB)
	assert.Equal(t, want, rec.stream())
	assert.LessOrEqual(t, rec.largestFrame(), DefaultChunkSize)
	assert.Equal(t, Idle, e.State())
}

func TestExecSingleInterrupt(t *testing.T) {
	rec := &recorder{}
	timing := fastTiming()
	timing.DoubleInterrupt = false
	e := New(rec, WithTiming(timing))

	require.NoError(t, e.Exec(context.Background(), "1"))
	assert.Equal(t, []byte{CtrlC, CtrlA, '1', CtrlD, CtrlB}, rec.stream())
}

func TestExecStateOrder(t *testing.T) {
	var mu sync.Mutex
	var states []State
	e := New(&recorder{}, WithTiming(fastTiming()), WithStateListener(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}))

	require.NoError(t, e.Exec(context.Background(), "pass"))
	assert.Equal(t, []State{Interrupting, RawMode, Executing, ExitingRaw, Idle}, states)
}

func TestExecBusy(t *testing.T) {
	rec := &recorder{}
	timing := fastTiming()
	timing.Settle = 200 * time.Millisecond
	e := New(rec, WithTiming(timing))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Exec(context.Background(), "import time") }()

	require.Eventually(t, func() bool { return e.State() == Executing }, time.Second, time.Millisecond)
	assert.ErrorIs(t, e.Exec(context.Background(), "x"), ErrBusy)
	assert.ErrorIs(t, e.SoftReset(context.Background()), ErrBusy)
	require.NoError(t, <-errCh)

	// the rejected calls wrote nothing
	assert.Equal(t, 1, bytes.Count(rec.stream(), []byte{CtrlA}))
}

func TestExecExitsRawAfterCancel(t *testing.T) {
	rec := &recorder{}
	timing := fastTiming()
	timing.Settle = time.Hour
	e := New(rec, WithTiming(timing))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for e.State() != Executing {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := e.Exec(ctx, "while True: pass")
	assert.ErrorIs(t, err, context.Canceled)

	stream := rec.stream()
	require.NotEmpty(t, stream)
	assert.Equal(t, CtrlB, stream[len(stream)-1])
	assert.Equal(t, Idle, e.State())
}

func TestExecExitsRawAfterUploadFailure(t *testing.T) {
	uploadErr := errors.New("EIO")
	rec := &recorder{failOn: func(p []byte) error {
		if len(p) > 1 {
			return uploadErr
		}
		return nil
	}}
	e := New(rec, WithTiming(fastTiming()))

	err := e.Exec(context.Background(), "print(1)")
	require.ErrorIs(t, err, uploadErr)
	assert.Equal(t, []byte{CtrlC, CtrlC, CtrlA, CtrlB}, rec.stream())
	assert.Equal(t, Idle, e.State())
}

func TestExecNoExitBeforeRaw(t *testing.T) {
	interruptErr := errors.New("port closed")
	rec := &recorder{failOn: func([]byte) error { return interruptErr }}
	e := New(rec, WithTiming(fastTiming()))

	require.ErrorIs(t, e.Exec(context.Background(), "x"), interruptErr)
	assert.Empty(t, rec.stream())
	assert.Equal(t, Idle, e.State())
}

func TestInterrupt(t *testing.T) {
	rec := &recorder{}
	e := New(rec, WithTiming(fastTiming()))

	require.NoError(t, e.Interrupt(context.Background()))
	assert.Equal(t, []byte{CtrlC, CtrlC, CtrlB}, rec.stream())
	assert.Equal(t, Idle, e.State())
}

func TestSoftReset(t *testing.T) {
	rec := &recorder{}
	e := New(rec, WithTiming(fastTiming()))

	require.NoError(t, e.SoftReset(context.Background()))
	assert.Equal(t, []byte{CtrlC, CtrlD}, rec.stream())
}

func TestHardResetAndBootloader(t *testing.T) {
	rec := &recorder{}
	e := New(rec, WithTiming(fastTiming()))

	require.NoError(t, e.HardReset(context.Background()))
	assert.Contains(t, string(rec.stream()), "machine.reset()")

	rec = &recorder{}
	e = New(rec, WithTiming(fastTiming()))
	require.NoError(t, e.Bootloader(context.Background()))
	assert.Contains(t, string(rec.stream()), "machine.bootloader()")
}

func TestMkdirAll(t *testing.T) {
	rec := &recorder{}
	e := New(rec, WithTiming(fastTiming()))

	require.NoError(t, e.MkdirAll(context.Background(), "lib/drivers/"))

	stream := string(rec.stream())
	assert.Equal(t, 2, strings.Count(stream, string(CtrlA)), "one raw command per segment")
	assert.Contains(t, stream, "os.mkdir('/lib')")
	assert.Contains(t, stream, "os.mkdir('/lib/drivers')")
	assert.Contains(t, stream, "except OSError:")
}

func TestPathPrefixes(t *testing.T) {
	assert.Equal(t, []string{"/a", "/a/b", "/a/b/c"}, pathPrefixes("a/b/c"))
	assert.Equal(t, []string{"/lib"}, pathPrefixes("/lib/"))
	assert.Equal(t, []string{"/x"}, pathPrefixes("/x/y/.."))
	assert.Empty(t, pathPrefixes("/"))
	assert.Empty(t, pathPrefixes(""))
}

func TestPyQuote(t *testing.T) {
	assert.Equal(t, `'/a'`, pyQuote("/a"))
	assert.Equal(t, `'it\'s'`, pyQuote("it's"))
	assert.Equal(t, `'a\\b'`, pyQuote(`a\b`))
}

func TestRunFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "main.py")
	require.NoError(t, os.WriteFile(file, []byte("print('run')\n"), 0o644))

	rec := &recorder{}
	e := New(rec, WithTiming(fastTiming()))
	require.NoError(t, e.RunFile(context.Background(), file))
	assert.Contains(t, string(rec.stream()), "print('run')")

	assert.Error(t, e.RunFile(context.Background(), filepath.Join(t.TempDir(), "missing.py")))
	assert.Equal(t, Idle, e.State())
}

func TestIllegalTransition(t *testing.T) {
	e := New(&recorder{})
	assert.ErrorIs(t, e.transition(Executing), ErrIllegalTransition)
	assert.Equal(t, Idle, e.State())
}
