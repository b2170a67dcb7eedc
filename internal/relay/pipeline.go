// Package relay runs capture/encode pipelines and moves their bytes to
// clients: raw passthrough streams, live transcodes over a pipe, and
// HLS sessions writing segments to disk.
package relay

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/zaplinktv/zaplink/internal/proc"
	"github.com/zaplinktv/zaplink/internal/transcode"
	"github.com/zaplinktv/zaplink/internal/tuner"
)

const relayBufferSize = 64 * 1024

// Pipeline is a running capture(+encode) pair bound to a tuner lease.
// For HLS the encoder writes to disk and both handles outlive the call
// that started them; the session manager owns teardown.
type Pipeline struct {
	Lease   *tuner.Lease
	Capture *proc.Handle
	Encode  *proc.Handle
}

// Stop terminates the children and releases the lease.
func (p *Pipeline) Stop() {
	p.Lease.Release()
}

// Starter abstracts pipeline spawning for the HLS session manager.
type Starter interface {
	StartHLS(channel string, opts transcode.Options) (*Pipeline, error)
}

// Runner builds and supervises pipelines against one tuner pool.
type Runner struct {
	pool          *tuner.Pool
	captureBinary string
	ffmpegBinary  string
	channelsConf  string

	acquireRetries int
	acquireDelay   time.Duration

	logger *slog.Logger
}

// NewRunner creates a pipeline runner.
func NewRunner(pool *tuner.Pool, captureBinary, ffmpegBinary, channelsConf string, acquireRetries int, acquireDelay time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pool:           pool,
		captureBinary:  captureBinary,
		ffmpegBinary:   ffmpegBinary,
		channelsConf:   channelsConf,
		acquireRetries: acquireRetries,
		acquireDelay:   acquireDelay,
		logger:         logger,
	}
}

// CaptureArgs builds the capture tool command line for one channel.
// scanSeconds > 0 adds the tool's own bounded-duration flag, used by
// guide scans.
func (r *Runner) CaptureArgs(adapterID int, channel string, scanSeconds int) []string {
	args := []string{
		r.captureBinary,
		"-c", r.channelsConf,
		"-P",
		"-a", strconv.Itoa(adapterID),
	}
	if scanSeconds > 0 {
		args = append(args, "-t", strconv.Itoa(scanSeconds))
	}
	args = append(args, "-o", "-", channel)
	return args
}

// AcquireStream leases a tuner for a client-facing request, retrying
// through the configured budget before giving up with ErrNoTuner.
func (r *Runner) AcquireStream() (*tuner.Lease, error) {
	return r.acquire(tuner.ClassStream, r.acquireRetries, r.acquireDelay)
}

// AcquireEPG leases a tuner for a guide scan with the caller's own
// retry budget. Guide scans never preempt.
func (r *Runner) AcquireEPG(retries int, delay time.Duration) (*tuner.Lease, error) {
	return r.acquire(tuner.ClassEPG, retries, delay)
}

func (r *Runner) acquire(class tuner.Class, retries int, delay time.Duration) (*tuner.Lease, error) {
	for attempt := 0; ; attempt++ {
		if lease := r.pool.Acquire(class); lease != nil {
			return lease, nil
		}
		if attempt >= retries {
			return nil, ErrNoTuner
		}
		time.Sleep(delay)
	}
}

// Stream relays the raw capture output for one channel into sink until
// the client disconnects or the capture child exits. The lease is
// released, and the child reaped, before Stream returns.
func (r *Runner) Stream(ctx context.Context, channel string, sink io.Writer) error {
	lease, err := r.AcquireStream()
	if err != nil {
		return err
	}
	defer lease.Release()

	capture, err := proc.Spawn(r.CaptureArgs(lease.AdapterID(), channel, 0), proc.DevNull(), proc.Pipe())
	if err != nil {
		return err
	}
	defer capture.Stdout.Close()

	if err := lease.SetChildren(capture, nil); err != nil {
		_ = capture.Terminate(proc.DefaultTerminateGrace)
		return err
	}

	r.logger.Info("stream started",
		slog.String("channel", channel),
		slog.Int("adapter", lease.AdapterID()),
		slog.Int("pid", capture.PID()))

	r.relay(ctx, capture.Stdout, sink)

	r.logger.Info("stream ended", slog.String("channel", channel))
	return nil
}

// Transcode runs capture piped into the encoder and relays the encoder
// output into sink. Teardown mirrors Stream.
func (r *Runner) Transcode(ctx context.Context, channel string, opts transcode.Options, sink io.Writer) error {
	lease, err := r.AcquireStream()
	if err != nil {
		return err
	}
	defer lease.Release()

	capture, encode, err := r.spawnPair(lease, channel, opts, proc.Pipe())
	if err != nil {
		return err
	}
	defer encode.Stdout.Close()

	if err := lease.SetChildren(capture, encode); err != nil {
		_ = encode.Terminate(proc.DefaultTerminateGrace)
		_ = capture.Terminate(proc.DefaultTerminateGrace)
		return err
	}

	r.logger.Info("transcode started",
		slog.String("channel", channel),
		slog.Int("adapter", lease.AdapterID()),
		slog.String("backend", opts.Backend.String()),
		slog.String("codec", opts.Codec.String()))

	r.relay(ctx, encode.Stdout, sink)

	r.logger.Info("transcode ended", slog.String("channel", channel))
	return nil
}

// StartHLS spawns the capture/encode pair with the encoder writing into
// opts.Destination, and hands lifecycle to the caller.
func (r *Runner) StartHLS(channel string, opts transcode.Options) (*Pipeline, error) {
	lease, err := r.AcquireStream()
	if err != nil {
		return nil, err
	}

	capture, encode, err := r.spawnPair(lease, channel, opts, proc.DevNull())
	if err != nil {
		lease.Release()
		return nil, err
	}

	if err := lease.SetChildren(capture, encode); err != nil {
		_ = encode.Terminate(proc.DefaultTerminateGrace)
		_ = capture.Terminate(proc.DefaultTerminateGrace)
		return nil, err
	}

	r.logger.Info("hls pipeline started",
		slog.String("channel", channel),
		slog.Int("adapter", lease.AdapterID()),
		slog.String("dir", opts.Destination))

	return &Pipeline{Lease: lease, Capture: capture, Encode: encode}, nil
}

// spawnPair starts capture then encoder with capture stdout feeding the
// encoder stdin. The parent's copy of the shared pipe end is closed so
// the encoder sees EOF when capture exits. Any failure terminates what
// was already started; the caller still owns the lease.
func (r *Runner) spawnPair(lease *tuner.Lease, channel string, opts transcode.Options, encodeStdout proc.IO) (*proc.Handle, *proc.Handle, error) {
	capture, err := proc.Spawn(r.CaptureArgs(lease.AdapterID(), channel, 0), proc.DevNull(), proc.Pipe())
	if err != nil {
		return nil, nil, err
	}

	encodeArgv := append([]string{r.ffmpegBinary}, transcode.BuildArgs(opts)...)
	encode, err := proc.Spawn(encodeArgv, proc.FD(capture.Stdout), encodeStdout)
	capture.Stdout.Close()
	if err != nil {
		_ = capture.Terminate(proc.DefaultTerminateGrace)
		return nil, nil, err
	}

	return capture, encode, nil
}

// relay copies bytes from the pipeline's read end to the sink. Either
// side closing ends the loop: child exit or preemption delivers EOF,
// client disconnect surfaces as a write error.
func (r *Runner) relay(ctx context.Context, src io.Reader, sink io.Writer) {
	buf := make([]byte, relayBufferSize)
	for {
		if ctx.Err() != nil {
			return
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := sink.Write(buf[:n]); werr != nil {
				return
			}
			if f, ok := sink.(interface{ Flush() }); ok {
				f.Flush()
			}
		}
		if rerr != nil {
			return
		}
	}
}
