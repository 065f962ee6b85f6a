package streaming

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
)

const (
	initialFrameBuffer = 32 * 1024
	maxFrameSize       = 4 * 1024 * 1024
)

// Transform converts one upstream frame into the bytes written to the
// client. A nil result drops the frame.
type Transform func(frame []byte) ([]byte, error)

// Options configures Forward.
type Options struct {
	// Parser extracts usage from each upstream frame before it is written.
	Parser Parser
	// Split frames the upstream body; ScanLinesKeepEOL when nil.
	Split bufio.SplitFunc
	// Transform rewrites frames; frames pass through unchanged when nil.
	Transform Transform
	// Trailer is written after the upstream ends cleanly.
	Trailer []byte
	// OnFinish runs exactly once with the final result, including after
	// cancellation.
	OnFinish func(Result)
}

// Result summarises a forwarded stream.
type Result struct {
	Counts   Counts
	Frames   int
	Bytes    int64
	Canceled bool
	Err      error
}

// Forward copies upstream to w frame by frame, preserving order, applying
// the parser to every frame and flushing after each write. It returns when
// the upstream ends, a write fails, or ctx is cancelled; in every case the
// usage counted so far is reported through OnFinish.
func Forward(ctx context.Context, w io.Writer, upstream io.Reader, counter *TokenCounter, opts Options) (res Result) {
	if counter == nil {
		counter = &TokenCounter{}
	}
	split := opts.Split
	if split == nil {
		split = ScanLinesKeepEOL
	}
	flusher, _ := w.(http.Flusher)

	if closer, ok := upstream.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { closer.Close() })
		defer stop()
	}

	defer func() {
		res.Counts = counter.Snapshot()
		if ctx.Err() != nil {
			res.Canceled = true
		}
		if opts.OnFinish != nil {
			opts.OnFinish(res)
		}
	}()

	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, initialFrameBuffer), maxFrameSize)
	scanner.Split(split)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return res
		}
		frame := scanner.Bytes()
		if opts.Parser != nil {
			opts.Parser(frame, counter)
		}

		out := frame
		if opts.Transform != nil {
			var err error
			if out, err = opts.Transform(frame); err != nil {
				res.Err = err
				return res
			}
		}
		res.Frames++
		if len(out) == 0 {
			continue
		}
		if err := write(w, flusher, out, &res); err != nil {
			res.Err = err
			res.Canceled = true
			return res
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
			res.Err = err
		}
		return res
	}
	if ctx.Err() == nil && len(opts.Trailer) > 0 {
		if err := write(w, flusher, opts.Trailer, &res); err != nil {
			res.Err = err
			res.Canceled = true
		}
	}
	return res
}

func write(w io.Writer, flusher http.Flusher, b []byte, res *Result) error {
	n, err := w.Write(b)
	res.Bytes += int64(n)
	if err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}
