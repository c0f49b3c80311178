// Package turn gates a device's audio stream into utterances and hands them
// to recognition and dialogue providers, one turn at a time.
package turn

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ent0n29/voxgate/internal/observability"
	"github.com/ent0n29/voxgate/internal/protocol"
	"github.com/ent0n29/voxgate/internal/voice"
)

type State int

const (
	IdleListening State = iota
	Buffering
	UtteranceDispatched
	Closed
)

func (s State) String() string {
	switch s {
	case IdleListening:
		return "idle_listening"
	case Buffering:
		return "buffering"
	case UtteranceDispatched:
		return "utterance_dispatched"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	DefaultMinUtteranceFrames = 3
	DefaultMaxUtteranceBytes  = 2 << 20
	DefaultIdleTimeout        = 120 * time.Second
	DefaultFarewellPrompt     = "We have been quiet for a while. Say goodbye to me in about ten words, ending with 'goodbye' or 'bye'."
)

type Config struct {
	MinUtteranceFrames int
	// MaxUtteranceBytes forces a boundary once the buffer reaches it.
	MaxUtteranceBytes int
	IdleTimeout       time.Duration
	FarewellPrompt    string
	// CloseOnFarewell ends the connection once the farewell has been sent.
	CloseOnFarewell bool
	ListenMode      string
}

// Submitter runs jobs off the owner goroutine. worker.Pool implements it.
type Submitter interface {
	Submit(job func(ctx context.Context)) error
}

type Deps struct {
	Session    voice.Session
	Params     protocol.AudioParams
	Detector   voice.Detector
	Recognizer voice.Recognizer
	Intent     voice.IntentHandler
	Chat       voice.Chatter
	Pool       Submitter
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Stages     *observability.TurnStageWindow
	Now        func() time.Time
}

type EventType string

const (
	EventRecognized        EventType = "recognized"
	EventRecognitionFailed EventType = "recognition_failed"
	EventFarewellDone      EventType = "farewell_done"
)

// Event is delivered to the owner goroutine through Events.
type Event struct {
	Type       EventType
	Seq        uint64
	Transcript voice.Transcript
	Err        error
	Elapsed    time.Duration
}

type jobKind int

const (
	jobUtterance jobKind = iota
	jobFarewell
)

type job struct {
	kind jobKind
	text string
}

// Controller is the per-connection turn-taking state machine. Every method
// except Events must be called from the connection's owner goroutine.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state         State
	receiving     bool
	voiceActive   bool
	manualVoice   bool
	stopDetected  bool
	buffer        [][]byte
	bufferBytes   int
	idleSince     time.Time
	farewellArmed bool
	mode          string
	seq           uint64
	boundaryAt    time.Time

	events chan Event
	queue  chan job
}

var ErrQueueFull = errors.New("dispatch queue full")

func NewController(ctx context.Context, cfg Config, deps Deps) *Controller {
	if cfg.MinUtteranceFrames <= 0 {
		cfg.MinUtteranceFrames = DefaultMinUtteranceFrames
	}
	if cfg.MaxUtteranceBytes <= 0 {
		cfg.MaxUtteranceBytes = DefaultMaxUtteranceBytes
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.FarewellPrompt == "" {
		cfg.FarewellPrompt = DefaultFarewellPrompt
	}
	if cfg.ListenMode == "" {
		cfg.ListenMode = protocol.ListenModeAuto
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	cctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		cfg:           cfg,
		deps:          deps,
		log:           deps.Logger.With("session_id", deps.Session.ID(), "device_id", deps.Session.DeviceID()),
		ctx:           cctx,
		cancel:        cancel,
		state:         IdleListening,
		receiving:     true,
		farewellArmed: true,
		mode:          cfg.ListenMode,
		events:        make(chan Event, 8),
		queue:         make(chan job, 32),
	}
	go c.runDispatcher()
	return c
}

// Events carries asynchronous results back to the owner goroutine.
func (c *Controller) Events() <-chan Event { return c.events }

func (c *Controller) State() State { return c.state }

func (c *Controller) Receiving() bool { return c.receiving }

func (c *Controller) BufferedFrames() int { return len(c.buffer) }

// HandleFrame processes one inbound audio frame.
func (c *Controller) HandleFrame(frame []byte) {
	if c.state == Closed {
		return
	}
	if !c.receiving {
		c.dropped("gate_closed")
		return
	}

	var voiceNow bool
	if c.mode == protocol.ListenModeManual {
		voiceNow = c.manualVoice
	} else {
		act, err := c.deps.Detector.Detect(c.ctx, frame)
		if err != nil {
			c.log.Debug("voice detection failed", "error", err)
			c.providerError("vad", err)
		}
		voiceNow = act.VoiceActive
		if act.StopDetected {
			c.stopDetected = true
		}
	}

	if !voiceNow && !c.voiceActive {
		c.clearBuffer()
		c.stopDetected = false
		c.dropped("no_voice")
		c.evaluateIdle()
		return
	}

	if voiceNow {
		c.voiceActive = true
		c.farewellArmed = true
	}
	c.idleSince = time.Time{}
	c.buffer = append(c.buffer, frame)
	c.bufferBytes += len(frame)
	c.state = Buffering

	if c.bufferBytes >= c.cfg.MaxUtteranceBytes {
		c.log.Warn("utterance reached size limit, forcing boundary", "bytes", c.bufferBytes, "frames", len(c.buffer))
		c.deps.Stages.ObserveIndicator("size_limit_boundary")
		c.boundary()
		return
	}
	if c.stopDetected {
		c.boundary()
	}
}

// HandleListen applies a listen control message.
func (c *Controller) HandleListen(msg protocol.Listen) {
	if c.state == Closed {
		return
	}
	switch msg.Mode {
	case protocol.ListenModeAuto, protocol.ListenModeManual, protocol.ListenModeRealtime:
		c.mode = msg.Mode
	}

	switch msg.State {
	case protocol.ListenStart:
		c.manualVoice = true
		c.stopDetected = false
		if c.mode == protocol.ListenModeManual {
			c.voiceActive = true
			c.farewellArmed = true
			c.idleSince = time.Time{}
		}
	case protocol.ListenStop:
		c.manualVoice = true
		c.EndOfSpeech()
	case protocol.ListenDetect:
		c.resetVoice()
		if voice.HasSpeech(msg.Text) {
			c.enqueue(job{kind: jobUtterance, text: msg.Text})
		}
	}
}

// EndOfSpeech declares the current utterance finished without waiting for a
// frame, as a manual-mode device does with listen stop.
func (c *Controller) EndOfSpeech() {
	if c.state == Closed {
		return
	}
	c.stopDetected = true
	if c.receiving && len(c.buffer) > 0 {
		c.boundary()
	}
}

// Abort drops whatever has been buffered. An utterance already handed to
// recognition is not affected.
func (c *Controller) Abort() {
	if c.state == Closed {
		return
	}
	c.clearBuffer()
	c.resetVoice()
	if c.state == Buffering {
		c.state = IdleListening
	}
}

// Reconfigure switches to parameters agreed in a later hello. Anything
// buffered under the old parameters is discarded.
func (c *Controller) Reconfigure(params protocol.AudioParams, det voice.Detector) {
	if c.state == Closed {
		return
	}
	c.deps.Params = params
	if det != nil {
		c.deps.Detector = det
	}
	c.clearBuffer()
	c.resetVoice()
	if c.state == Buffering {
		c.state = IdleListening
	}
}

// HandleEvent applies an asynchronous result. It reports whether the
// connection should now be closed.
func (c *Controller) HandleEvent(ev Event) bool {
	if c.state == Closed {
		return false
	}
	switch ev.Type {
	case EventRecognized, EventRecognitionFailed:
		if ev.Seq != c.seq {
			return false
		}
		c.deps.Stages.ObserveDuration(observability.StageRecognition, ev.Elapsed)
		if !c.boundaryAt.IsZero() {
			c.deps.Stages.ObserveDuration(observability.StageBoundaryToText, c.deps.Now().Sub(c.boundaryAt))
		}
		c.reopen()
		if ev.Type == EventRecognitionFailed {
			c.log.Warn("speech recognition failed", "error", ev.Err)
			c.providerError("asr", ev.Err)
			c.outcome("failed")
			return false
		}
		text := ev.Transcript.Text
		if !voice.HasSpeech(text) {
			c.outcome("empty")
			c.deps.Stages.ObserveIndicator("empty_transcript")
			return false
		}
		c.log.Info("utterance recognized", "text", text, "artifact", ev.Transcript.ArtifactPath)
		c.outcome("dispatched")
		c.enqueue(job{kind: jobUtterance, text: text})
		return false
	case EventFarewellDone:
		return c.cfg.CloseOnFarewell
	default:
		return false
	}
}

// Close stops the controller. Results arriving afterwards are dropped.
func (c *Controller) Close() {
	if c.state == Closed {
		return
	}
	c.state = Closed
	c.receiving = false
	c.clearBuffer()
	c.cancel()
}

func (c *Controller) boundary() {
	frames := len(c.buffer)
	if frames < c.cfg.MinUtteranceFrames {
		c.log.Debug("discarding short utterance", "frames", frames)
		c.clearBuffer()
		c.resetVoice()
		c.state = IdleListening
		c.outcome("noise")
		c.deps.Stages.ObserveIndicator("noise_discarded")
		return
	}

	chunks := c.buffer
	c.clearBuffer()
	c.resetVoice()
	c.receiving = false
	c.state = UtteranceDispatched
	c.seq++
	seq := c.seq
	c.boundaryAt = c.deps.Now()

	if fd := c.deps.Params.FrameDuration; fd > 0 {
		c.deps.Stages.ObserveDuration(observability.StageUtteranceAudio, time.Duration(frames*fd)*time.Millisecond)
	}

	params := c.deps.Params
	sessionID := c.deps.Session.ID()
	rec := c.deps.Recognizer
	err := c.deps.Pool.Submit(func(poolCtx context.Context) {
		ctx, stop := c.jobContext(poolCtx)
		defer stop()
		start := time.Now()
		tr, err := rec.Transcribe(voice.WithAudioParams(ctx, params), chunks, sessionID)
		ev := Event{Type: EventRecognized, Seq: seq, Transcript: tr, Elapsed: time.Since(start)}
		if err != nil {
			ev.Type = EventRecognitionFailed
			ev.Err = err
		}
		c.post(ev)
	})
	if err != nil {
		c.log.Error("could not schedule recognition", "error", err)
		c.reopen()
		c.outcome("failed")
	}
}

func (c *Controller) evaluateIdle() {
	now := c.deps.Now()
	if c.idleSince.IsZero() {
		c.idleSince = now
		return
	}
	if now.Sub(c.idleSince) <= c.cfg.IdleTimeout || !c.farewellArmed {
		return
	}
	c.farewellArmed = false
	c.idleSince = time.Time{}
	c.log.Info("idle timeout reached, sending farewell", "idle_timeout", c.cfg.IdleTimeout)
	if c.deps.Metrics != nil {
		c.deps.Metrics.Farewells.Inc()
	}
	c.enqueue(job{kind: jobFarewell, text: c.cfg.FarewellPrompt})
}

func (c *Controller) clearBuffer() {
	c.buffer = nil
	c.bufferBytes = 0
}

func (c *Controller) reopen() {
	c.receiving = true
	c.state = IdleListening
	c.boundaryAt = time.Time{}
}

func (c *Controller) resetVoice() {
	c.voiceActive = false
	c.manualVoice = false
	c.stopDetected = false
	c.deps.Detector.Reset()
}

func (c *Controller) enqueue(j job) {
	select {
	case c.queue <- j:
	default:
		c.log.Warn("dispatch queue full, dropping text", "kind", j.kind)
		c.dispatchError("queue", ErrQueueFull)
	}
}

func (c *Controller) post(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// runDispatcher drains the queue in order, running one job at a time on the
// shared pool.
func (c *Controller) runDispatcher() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case j := <-c.queue:
			done := make(chan struct{})
			err := c.deps.Pool.Submit(func(poolCtx context.Context) {
				defer close(done)
				ctx, stop := c.jobContext(poolCtx)
				defer stop()
				c.runJob(ctx, j)
			})
			if err != nil {
				c.dispatchError("schedule", err)
				continue
			}
			select {
			case <-done:
			case <-c.ctx.Done():
				return
			}
		}
	}
}

func (c *Controller) runJob(ctx context.Context, j job) {
	start := time.Now()
	defer func() {
		c.deps.Stages.ObserveDuration(observability.StageDispatch, time.Since(start))
	}()
	sess := c.deps.Session
	if j.kind == jobFarewell {
		defer c.post(Event{Type: EventFarewellDone})
	}

	handled, err := c.deps.Intent.Handle(ctx, sess, j.text)
	if err != nil {
		c.log.Warn("intent handler failed", "error", err)
		c.dispatchError("intent", err)
	}
	if handled {
		return
	}
	// The farewell prompt is not something the device said.
	if j.kind == jobUtterance {
		if err := sess.Send(protocol.STT{Type: protocol.TypeSTT, SessionID: sess.ID(), Text: j.text}); err != nil {
			c.log.Debug("stt echo failed", "error", err)
		}
	}
	if err := c.deps.Chat.Chat(ctx, sess, j.text); err != nil {
		c.log.Warn("chat dispatch failed", "error", err, "kind", j.kind)
		c.dispatchError("chat", err)
	}
}

// jobContext ends when either the session or the pool shuts down.
func (c *Controller) jobContext(poolCtx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(c.ctx)
	stopAfter := context.AfterFunc(poolCtx, cancel)
	return ctx, func() {
		stopAfter()
		cancel()
	}
}

func (c *Controller) dropped(reason string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.FramesDropped.WithLabelValues(reason).Inc()
	}
}

func (c *Controller) outcome(o string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.Utterances.WithLabelValues(o).Inc()
	}
}

func (c *Controller) providerError(provider string, err error) {
	if c.deps.Metrics == nil || err == nil {
		return
	}
	c.deps.Metrics.ProviderErrors.WithLabelValues(provider, errorCode(err)).Inc()
}

func (c *Controller) dispatchError(stage string, err error) {
	if c.deps.Metrics != nil && err != nil {
		c.deps.Metrics.DispatchErrors.WithLabelValues(stage).Inc()
	}
}
