// Package recorder wires the capture pipeline together: bus
// subscriptions feed the time synchronizer on the delivery goroutine,
// aligned records cross a bounded hand-off ring, and a timer-driven
// consumer accumulates them into chunked Arrow output units.
//
// All mutable pipeline state is owned by one Recorder value. The
// synchronizer and its histories belong to the bus delivery context;
// the accumulator and writer belong to the consumer goroutine; the
// hand-off ring is the only structure shared between the two and
// neither side ever blocks on it.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/syncap/syncap/pkg/bus"
	"github.com/syncap/syncap/pkg/calib"
	"github.com/syncap/syncap/pkg/chunk"
	"github.com/syncap/syncap/pkg/config"
	"github.com/syncap/syncap/pkg/decode"
	"github.com/syncap/syncap/pkg/handoff"
	"github.com/syncap/syncap/pkg/timesync"
)

// ErrNoActiveChannels is returned when fewer channels than the
// configured minimum are active on the bus at startup.
var ErrNoActiveChannels = errors.New("not enough active channels")

// progressEvery controls how often the consumer reports progress.
const progressEvery = 100

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger overrides the recorder's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Recorder) { r.log = log }
}

// Stats is a snapshot of recording counters.
type Stats struct {
	// Records is the number of aligned records persisted into chunks.
	Records uint64
	// Chunks is the number of sealed output units.
	Chunks int64
	// Drops is the number of aligned records rejected by the full
	// hand-off ring.
	Drops uint64
	// DecodeFailures counts arrivals skipped because their payload
	// could not be decoded.
	DecodeFailures uint64
}

// Recorder owns the full alignment-and-persistence pipeline for one
// recording session.
type Recorder struct {
	cfg *config.Config
	bus *bus.Bus
	log *slog.Logger

	sessionID string
	channels  []config.Channel
	fields    []chunk.FieldSpec
	decoder   *decode.Decoder
	sync      timesync.Synchronizer
	ring      *handoff.Ring
	writer    *chunk.Writer
	acc       *chunk.Accumulator

	records      atomic.Uint64
	decodeFailed atomic.Uint64
}

// New validates the configured channels against the bus, derives the
// calibration, and builds the pipeline. Channels without an address or
// absent from the bus are skipped with a warning; dropping below the
// configured minimum is fatal.
func New(cfg *config.Config, b *bus.Bus, opts ...Option) (*Recorder, error) {
	r := &Recorder{
		cfg:       cfg,
		bus:       b,
		log:       slog.Default(),
		sessionID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.channels = r.activeChannels()
	if len(r.channels) < cfg.MinChannels {
		return nil, fmt.Errorf("%w: %d active, need %d",
			ErrNoActiveChannels, len(r.channels), cfg.MinChannels)
	}

	cam := cfg.World.MainCamera
	intrinsic, err := calib.Intrinsics(cam.FieldViewAngle, cam.Height, cam.Width)
	if err != nil {
		return nil, err
	}
	meta := chunk.Metadata{
		Intrinsic: intrinsic,
		Extrinsic: calib.DefaultExtrinsic,
		SessionID: r.sessionID,
	}
	if cfg.HasStereo() {
		baseline := calib.Baseline(cfg.Stereo.LeftOffset, cfg.Stereo.RightOffset,
			cfg.World.ConversionFactor)
		meta.Baseline = &baseline
	}

	r.decoder = decode.NewDecoder(cam.Height, cam.Width,
		cfg.World.ConversionFactor, calib.DefaultExtrinsic)

	r.fields = make([]chunk.FieldSpec, len(r.channels))
	names := make([]string, len(r.channels))
	for i, ch := range r.channels {
		r.fields[i] = chunk.FieldSpec{
			Name:  ch.Name,
			Kind:  ch.Kind,
			Shape: fieldShape(ch.Kind, cam.Height, cam.Width),
		}
		names[i] = ch.Name
	}

	switch cfg.Sync.Mode {
	case config.SyncExact:
		r.sync, err = timesync.NewExact(names, cfg.Sync.QueueDepth)
	default:
		r.sync, err = timesync.NewApproximate(names, cfg.Sync.QueueDepth, cfg.Sync.Slop.Std())
	}
	if err != nil {
		return nil, err
	}

	// capacity 2x chunk size: enough slack to ride out one flush
	r.ring, err = handoff.NewRing(2 * cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	schema, err := chunk.BuildSchema(r.fields, meta)
	if err != nil {
		return nil, err
	}
	r.writer, err = chunk.NewWriter(cfg.OutputDir, schema,
		chunk.WithManifest(), chunk.WithLogger(r.log))
	if err != nil {
		return nil, err
	}
	r.acc, err = chunk.NewAccumulator(r.writer, r.fields, cfg.ChunkSize)
	if err != nil {
		return nil, err
	}

	// subscribe immediately so no arrival published after construction
	// is lost; the ring bounds what can pile up before Run drains it
	if err := r.subscribe(); err != nil {
		r.acc.Release()
		r.writer.Close()
		return nil, err
	}

	return r, nil
}

func fieldShape(kind decode.Kind, height, width int) []int {
	switch kind {
	case decode.KindImage:
		return []int{height, width, 3}
	case decode.KindDepth:
		return []int{height, width}
	default:
		return []int{7}
	}
}

// activeChannels filters the configured channels against the bus,
// warning once per skipped channel.
func (r *Recorder) activeChannels() []config.Channel {
	active := make(map[string]bool)
	for _, addr := range r.bus.ActiveChannels() {
		active[addr] = true
	}

	kept := make([]config.Channel, 0, len(r.cfg.Channels))
	for _, ch := range r.cfg.Channels {
		if ch.Address == "" {
			r.log.Warn("channel has no bus address, skipping",
				slog.String("channel", ch.Name))
			continue
		}
		if !active[ch.Address] {
			r.log.Warn("channel is not active on the bus, skipping",
				slog.String("channel", ch.Name),
				slog.String("address", ch.Address))
			continue
		}
		kept = append(kept, ch)
	}
	return kept
}

// Channels returns the channels actually being recorded, in
// configuration order.
func (r *Recorder) Channels() []config.Channel { return r.channels }

// SessionID returns the unique id of this recording session.
func (r *Recorder) SessionID() string { return r.sessionID }

// Stats returns a snapshot of the recording counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Records:        r.records.Load(),
		Chunks:         r.writer.ChunksWritten(),
		Drops:          r.ring.Drops(),
		DecodeFailures: r.decodeFailed.Load(),
	}
}

// subscribe registers the arrival handler for every recorded channel.
// Handlers run on the bus delivery goroutine; the bus delivers
// serially, so the synchronizer's histories are touched by exactly one
// context.
func (r *Recorder) subscribe() error {
	for _, ch := range r.channels {
		err := r.bus.Subscribe(ch.Address, func(d bus.Delivery) {
			r.onArrival(ch, d)
		})
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", ch.Address, err)
		}
		r.log.Info("subscribed",
			slog.String("channel", ch.Name),
			slog.String("address", ch.Address))
	}
	return nil
}

// onArrival is the producer path: decode, align, hand off. It must
// never block; a full ring drops the record.
func (r *Recorder) onArrival(ch config.Channel, d bus.Delivery) {
	payload, err := r.decoder.Decode(ch.Kind, d.Payload)
	if err != nil {
		r.decodeFailed.Add(1)
		r.log.Debug("decode failed, skipping arrival",
			slog.String("channel", ch.Name),
			slog.Any("error", err))
		return
	}

	rec, ok := r.sync.Push(ch.Name, d.Stamp, payload)
	if !ok {
		return
	}
	if !r.ring.TryEnqueue(rec) {
		r.log.Debug("hand-off ring full, record dropped",
			slog.Uint64("drops", r.ring.Drops()))
	}
}

// Run drains the hand-off ring until ctx is cancelled, then performs
// the shutdown sequence: stop ticks, one terminal flush of the partial
// chunk, close the current output unit and manifest. Only storage
// failures end a recording early.
func (r *Recorder) Run(ctx context.Context) error {
	r.log.Info("recording started",
		slog.String("session", r.sessionID),
		slog.Int("channels", len(r.channels)),
		slog.Int("chunk_size", r.cfg.ChunkSize),
		slog.String("mode", string(r.cfg.Sync.Mode)))

	ticker := time.NewTicker(r.cfg.TickInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return r.shutdown()
		case <-ticker.C:
			if err := r.tick(); err != nil {
				r.shutdownOnError()
				return err
			}
		}
	}
}

// tick drains at most one record per invocation. The flush triggered
// at chunk size runs synchronously on this goroutine, so a slow flush
// simply skips ticks instead of overlapping itself.
func (r *Recorder) tick() error {
	rec, ok := r.ring.TryDequeue()
	if !ok {
		return nil
	}

	if err := r.acc.Append(rec); err != nil {
		if errors.Is(err, chunk.ErrMissingField) || errors.Is(err, chunk.ErrFieldMismatch) {
			// absorbed locally: a malformed record must not end the session
			r.log.Warn("record rejected", slog.Any("error", err))
			return nil
		}
		return err
	}

	n := r.records.Add(1)
	if n%progressEvery == 0 {
		r.log.Info("recording",
			slog.Uint64("records", n),
			slog.Int64("chunks", r.writer.ChunksWritten()),
			slog.Uint64("drops", r.ring.Drops()))
	}
	return nil
}

func (r *Recorder) shutdown() error {
	if err := r.acc.Flush(); err != nil {
		r.acc.Release()
		r.writer.Close()
		return err
	}
	r.acc.Release()
	if err := r.writer.Close(); err != nil {
		return err
	}

	stats := r.Stats()
	r.log.Info("recording complete",
		slog.Uint64("records", stats.Records),
		slog.Int64("chunks", stats.Chunks),
		slog.Uint64("drops", stats.Drops),
		slog.Uint64("decode_failures", stats.DecodeFailures))
	return nil
}

func (r *Recorder) shutdownOnError() {
	r.acc.Release()
	if err := r.writer.Close(); err != nil {
		r.log.Error("failed to close writer", slog.Any("error", err))
	}
}
