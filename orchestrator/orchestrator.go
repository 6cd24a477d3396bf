package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	iface "WeaponDetClient/interface"
	"WeaponDetClient/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport posts media to the detection service.
type Transport interface {
	Upload(ctx context.Context, kind iface.MediaKind, path string, media *iface.Media, jobID string, sent func()) ([]byte, error)
	Origin() *url.URL
}

// ProgressSource streams out-of-band progress for a job.
type ProgressSource interface {
	ProgressEnabled() bool
	StreamProgress(ctx context.Context, jobID string, fn func(percent int, message string)) error
}

var (
	ErrClosed      = errors.New("orchestrator closed")
	ErrNotRendered = errors.New("no annotated image available")
)

type Option func(*Orchestrator)

func WithAnnotator(a iface.Annotator) Option {
	return func(o *Orchestrator) { o.annotator = a }
}

func WithProgress(p ProgressSource) Option {
	return func(o *Orchestrator) { o.progress = p }
}

// WithMaxUploadSize rejects larger media at selection time; 0 disables the check.
func WithMaxUploadSize(n int64) Option {
	return func(o *Orchestrator) { o.maxUpload = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

type subscriber struct {
	id int
	fn func(iface.Event)
}

// Orchestrator drives the detection job of one user session. It is the only owner of job
// state; every asynchronous completion is checked against the generation it was started in.
type Orchestrator struct {
	transport Transport
	annotator iface.Annotator
	progress  ProgressSource
	maxUpload int64
	log       *zap.Logger

	mu         sync.Mutex
	generation uint64
	state      iface.State
	media      *iface.Media
	kind       iface.MediaKind
	job        *Job
	percent    int
	message    string
	result     *iface.DetectionResult
	jobErr     error
	renderErr  error
	rendering  bool
	annotated  iface.Raster
	closed     bool

	subs       []subscriber
	nextSub    int
	pending    []iface.Event
	wake       chan struct{}
	quit       chan struct{}
	dispatched chan struct{}
}

func New(transport Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transport:  transport,
		state:      iface.Idle,
		percent:    -1,
		wake:       make(chan struct{}, 1),
		quit:       make(chan struct{}),
		dispatched: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logger.Named("orchestrator")
	}
	go o.dispatch()
	return o
}

// Subscribe registers fn for every event emitted after the call. Events reach subscribers
// one at a time, in emission order, never while the orchestrator's lock is held.
func (o *Orchestrator) Subscribe(fn func(iface.Event)) (unsubscribe func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextSub++
	id := o.nextSub
	o.subs = append(o.subs, subscriber{id: id, fn: fn})
	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, s := range o.subs {
			if s.id == id {
				o.subs = append(o.subs[:i:i], o.subs[i+1:]...)
				return
			}
		}
	}
}

// SelectMedia validates m and makes it the current selection. Any outstanding request or
// annotation render of an earlier selection becomes stale. A rejected selection leaves the
// current state untouched.
func (o *Orchestrator) SelectMedia(m *iface.Media) error {
	kind, contentType, err := Classify(m)
	if err != nil {
		o.log.Info("media rejected", zap.Error(err))
		return err
	}
	if m.Size() == 0 {
		return iface.InvalidMediaType("selected file %q is empty", m.Name)
	}
	if o.maxUpload > 0 && int64(m.Size()) > o.maxUpload {
		return iface.InvalidMediaType("media exceeds upload limit of %d bytes", o.maxUpload)
	}
	media := &iface.Media{Name: m.Name, ContentType: contentType, Data: m.Data}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	o.generation++
	if o.job != nil && !o.job.Resolved() {
		o.log.Info("abandoning in-flight job", zap.String("job", o.job.ID))
	}
	o.resetLocked()
	o.job = nil
	o.media = media
	o.kind = kind
	o.state = iface.FileSelected

	ev := iface.NewEvent(iface.EventSelected, iface.FileSelected)
	ev.Kind = kind
	ev.Message = media.Name
	o.emitLocked(ev)
	o.log.Debug("media selected",
		zap.Uint64("generation", o.generation),
		zap.String("name", media.Name),
		zap.String("type", contentType),
		zap.Int("size", media.Size()))
	return nil
}

// Submit starts a detection request for the current selection. While a request is in
// flight it returns that request's handle instead of starting another.
func (o *Orchestrator) Submit(ctx context.Context) (*Job, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	switch o.state {
	case iface.Idle:
		o.mu.Unlock()
		return nil, iface.ErrNoMedia
	case iface.Uploading, iface.Processing:
		job := o.job
		o.mu.Unlock()
		return job, nil
	}
	job := newJob(uuid.NewString(), o.generation, o.kind)
	o.resetLocked()
	o.job = job
	media := o.media
	flow := FlowFor(o.kind)
	o.setStateLocked(iface.Uploading)
	o.mu.Unlock()

	o.log.Info("job submitted",
		zap.String("job", job.ID),
		zap.Stringer("kind", flow.Kind),
		zap.String("name", media.Name))
	go o.run(ctx, job, media, flow)
	return job, nil
}

func (o *Orchestrator) run(ctx context.Context, job *Job, media *iface.Media, flow Flow) {
	stopStream := func() {}
	if flow.Streams && o.progress != nil && o.progress.ProgressEnabled() {
		streamCtx, cancel := context.WithCancel(ctx)
		stopStream = cancel
		go func() {
			err := o.progress.StreamProgress(streamCtx, job.ID, func(percent int, message string) {
				o.report(job, percent, message)
			})
			if err != nil {
				o.log.Debug("progress stream ended", zap.String("job", job.ID), zap.Error(err))
			}
		}()
	}

	body, err := o.transport.Upload(ctx, flow.Kind, flow.Path, media, job.ID, func() { o.uploaded(job) })
	var result *iface.DetectionResult
	if err == nil {
		result, err = flow.Adapt(body, o.transport.Origin())
	}
	stopStream()
	if err != nil {
		result = nil
		if iface.KindOf(err) == 0 {
			err = iface.NetworkError(err)
		}
	} else {
		result.ID = job.ID
		result.SourceMediaRef = media.Name
		if result.ProcessingTime == 0 {
			result.ProcessingTime = time.Since(job.Started)
		}
	}
	o.finish(job, media, result, err)
}

// uploaded moves the job into processing once its body has been sent.
func (o *Orchestrator) uploaded(job *Job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.staleLocked(job) || o.state != iface.Uploading {
		return
	}
	o.enterProcessingLocked()
}

func (o *Orchestrator) enterProcessingLocked() {
	o.setStateLocked(iface.Processing)
	o.progressLocked(0, "processing")
}

// report forwards one streamed progress frame. Frames that would move progress backwards or
// repeat the current percent are dropped.
func (o *Orchestrator) report(job *Job, percent int, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.staleLocked(job) {
		return
	}
	if o.state == iface.Uploading {
		o.enterProcessingLocked()
	}
	if o.state != iface.Processing {
		return
	}
	o.progressLocked(percent, message)
}

func (o *Orchestrator) progressLocked(percent int, message string) {
	if percent > 100 {
		percent = 100
	}
	if percent <= o.percent {
		return
	}
	o.percent = percent
	o.message = message
	ev := iface.NewEvent(iface.EventProgress, o.state)
	ev.Percent = percent
	ev.Message = message
	o.emitLocked(ev)
}

func (o *Orchestrator) finish(job *Job, media *iface.Media, result *iface.DetectionResult, err error) {
	defer job.resolve(result, err)

	o.mu.Lock()
	if o.staleLocked(job) {
		o.mu.Unlock()
		o.log.Info("discarding outcome of stale job", zap.String("job", job.ID), zap.Error(err))
		return
	}
	elapsed := time.Since(job.Started)
	if err != nil {
		o.jobErr = err
		o.state = iface.Failed
		ev := iface.NewEvent(iface.EventFailed, iface.Failed)
		ev.Message = iface.UserMessage(err)
		ev.Err = err
		ev.Elapsed = elapsed.Seconds()
		o.emitLocked(ev)
		o.mu.Unlock()
		o.log.Warn("job failed",
			zap.String("job", job.ID),
			zap.Stringer("kind", iface.KindOf(err)),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return
	}

	if o.state == iface.Uploading {
		o.enterProcessingLocked()
	}
	o.progressLocked(100, "complete")
	o.result = result
	o.state = iface.Succeeded
	ev := iface.NewEvent(iface.EventCompleted, iface.Succeeded)
	ev.Kind = result.Kind
	ev.Percent = 100
	ev.Elapsed = elapsed.Seconds()
	ev.Result = result
	o.emitLocked(ev)

	drawable := Drawable(result)
	render := result.Kind == iface.Image && o.annotator != nil
	o.rendering = render
	o.mu.Unlock()

	o.log.Info("job succeeded",
		zap.String("job", job.ID),
		zap.Int("detections", len(result.Detections)),
		zap.Duration("elapsed", elapsed))
	if render {
		o.render(job, media.Data, drawable)
	}
}

// render decodes the source image and draws the detections onto a copy of it. The decode
// is asynchronous; its completion is dropped when the selection changed in the meantime.
func (o *Orchestrator) render(job *Job, data []byte, detections []iface.Detection) {
	o.annotator.DecodeAsync(data, func(src iface.Raster, err error) {
		if err != nil {
			o.rendered(job, nil, err)
			return
		}
		if !o.current(job) {
			_ = src.Close()
			o.log.Debug("discarding stale decode", zap.String("job", job.ID))
			return
		}
		out, err := o.annotator.Annotate(src, detections)
		_ = src.Close()
		o.rendered(job, out, err)
	})
}

func (o *Orchestrator) rendered(job *Job, out iface.Raster, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.staleLocked(job) {
		if out != nil {
			_ = out.Close()
		}
		return
	}
	o.rendering = false
	if err != nil {
		if iface.KindOf(err) == 0 {
			err = iface.DecodeError(err)
		}
		o.renderErr = err
		ev := iface.NewEvent(iface.EventRenderErr, o.state)
		ev.Message = iface.UserMessage(err)
		ev.Err = err
		o.emitLocked(ev)
		o.log.Warn("annotation failed", zap.String("job", job.ID), zap.Error(err))
		return
	}
	o.annotated = out
	ev := iface.NewEvent(iface.EventRendered, o.state)
	ev.Kind = iface.Image
	o.emitLocked(ev)
}

func (o *Orchestrator) current(job *Job) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.staleLocked(job)
}

func (o *Orchestrator) staleLocked(job *Job) bool {
	return o.closed || job != o.job || job.Generation != o.generation
}

func (o *Orchestrator) resetLocked() {
	o.result = nil
	o.jobErr = nil
	o.renderErr = nil
	o.rendering = false
	o.percent = -1
	o.message = ""
	if o.annotated != nil {
		_ = o.annotated.Close()
		o.annotated = nil
	}
}

func (o *Orchestrator) setStateLocked(s iface.State) {
	o.state = s
	ev := iface.NewEvent(iface.EventState, s)
	if o.percent > 0 {
		ev.Percent = o.percent
	}
	o.emitLocked(ev)
}

func (o *Orchestrator) emitLocked(ev iface.Event) {
	ev.Generation = o.generation
	if ev.Kind == 0 {
		ev.Kind = o.kind
	}
	if ev.JobID == "" && o.job != nil {
		ev.JobID = o.job.ID
	}
	o.pending = append(o.pending, ev)
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) dispatch() {
	defer close(o.dispatched)
	for {
		select {
		case <-o.wake:
			o.drain()
		case <-o.quit:
			o.drain()
			return
		}
	}
}

func (o *Orchestrator) drain() {
	for {
		o.mu.Lock()
		events := o.pending
		o.pending = nil
		subs := append([]subscriber(nil), o.subs...)
		o.mu.Unlock()
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			for _, s := range subs {
				o.deliver(s.fn, ev)
			}
		}
	}
}

func (o *Orchestrator) deliver(fn func(iface.Event), ev iface.Event) {
	defer func() {
		if r := recover(); r != nil {
			o.log.Error("subscriber panic recovered", zap.Stringer("event", ev.Type), zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// Snapshot is a consistent copy of the orchestrator's state.
type Snapshot struct {
	Generation uint64
	State      iface.State
	Kind       iface.MediaKind
	MediaName  string
	MediaType  string
	MediaSize  int
	JobID      string
	Percent    int
	Message    string
	Result     *iface.DetectionResult
	JobErr     error
	RenderErr  error
	Rendering  bool
	Annotated  bool
}

func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s := Snapshot{
		Generation: o.generation,
		State:      o.state,
		Kind:       o.kind,
		Percent:    max(o.percent, 0),
		Message:    o.message,
		Result:     o.result,
		JobErr:     o.jobErr,
		RenderErr:  o.renderErr,
		Rendering:  o.rendering,
		Annotated:  o.annotated != nil,
	}
	if o.media != nil {
		s.MediaName = o.media.Name
		s.MediaType = o.media.ContentType
		s.MediaSize = o.media.Size()
	}
	if o.job != nil {
		s.JobID = o.job.ID
	}
	return s
}

// EncodeAnnotated encodes the annotated image of the current result, e.g. ext ".png".
func (o *Orchestrator) EncodeAnnotated(ext string) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.annotated == nil {
		return nil, ErrNotRendered
	}
	return o.annotated.Encode(ext)
}

// Close releases the annotated image and stops event delivery after the queued events.
// Outstanding jobs still resolve their handles, but no longer touch the orchestrator.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.resetLocked()
	o.mu.Unlock()
	close(o.quit)
	<-o.dispatched
	return nil
}

// Drawable lists what an annotated image shows: the detections, or the analysed boxes when
// the service only returned a detection count.
func Drawable(r *iface.DetectionResult) []iface.Detection {
	if r == nil {
		return nil
	}
	if len(r.Detections) > 0 || len(r.Analysis) == 0 {
		return r.Detections
	}
	out := make([]iface.Detection, 0, len(r.Analysis))
	for _, a := range r.Analysis {
		out = append(out, iface.Detection{Class: a.Class, Confidence: a.Confidence, BBox: a.BBox, Frame: iface.NoFrame})
	}
	return out
}
