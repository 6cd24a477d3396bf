package orchestrator

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	iface "WeaponDetClient/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const imageBody = `{"success":true,
	"detections":[{"class":"pistol","confidence":0.85,"bbox":[10,10,50,50]},
	              {"class":"knife","confidence":0.95,"bbox":[0,0,20,20]}],
	"analysis":[],
	"processed_image_url":"/static/processed/out.jpg"}`

const videoBody = `{"success":true,"total_frames":90,"processed_frames":30,"processing_time":4.5,
	"detections_summary":{"rifle":{"count":3,"max_confidence":0.9,"frames_detected":[1,2,2]}},
	"processed_video_url":"/static/processed/out.mp4"}`

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 13, 'I', 'H', 'D', 'R'}

type fakeTransport struct {
	calls atomic.Int32
	gate  chan struct{}
	body  string
	err   error
	// before runs after the body is sent and before the reply is returned.
	before func()
}

func (f *fakeTransport) Upload(ctx context.Context, kind iface.MediaKind, path string, media *iface.Media, jobID string, sent func()) ([]byte, error) {
	f.calls.Add(1)
	if sent != nil {
		sent()
	}
	if f.before != nil {
		f.before()
	}
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, iface.NetworkError(ctx.Err())
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.body), nil
}

func (f *fakeTransport) Origin() *url.URL {
	return &url.URL{Scheme: "http", Host: "detector.test:5000"}
}

type fakeRaster struct {
	w, h   int
	closed atomic.Bool
}

func (r *fakeRaster) Width() int                        { return r.w }
func (r *fakeRaster) Height() int                       { return r.h }
func (r *fakeRaster) Encode(ext string) ([]byte, error) { return []byte("encoded" + ext), nil }
func (r *fakeRaster) Close() error {
	r.closed.Store(true)
	return nil
}

// fakeAnnotator parks decodes until release is called, unless auto is set.
type fakeAnnotator struct {
	mu        sync.Mutex
	auto      bool
	decodeErr error
	pending   []func(iface.Raster, error)
	sources   []*fakeRaster
	annotated atomic.Int32
	drawn     []iface.Detection
}

func (a *fakeAnnotator) DecodeAsync(data []byte, done func(iface.Raster, error)) {
	a.mu.Lock()
	if a.auto {
		a.mu.Unlock()
		go a.complete(done)
		return
	}
	a.pending = append(a.pending, done)
	a.mu.Unlock()
}

func (a *fakeAnnotator) complete(done func(iface.Raster, error)) {
	if a.decodeErr != nil {
		done(nil, a.decodeErr)
		return
	}
	src := &fakeRaster{w: 640, h: 480}
	a.mu.Lock()
	a.sources = append(a.sources, src)
	a.mu.Unlock()
	done(src, nil)
}

func (a *fakeAnnotator) release() {
	a.mu.Lock()
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()
	for _, done := range pending {
		a.complete(done)
	}
}

func (a *fakeAnnotator) parked() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *fakeAnnotator) Annotate(src iface.Raster, detections []iface.Detection) (iface.Raster, error) {
	a.annotated.Add(1)
	a.mu.Lock()
	a.drawn = append([]iface.Detection(nil), detections...)
	a.mu.Unlock()
	return &fakeRaster{w: src.Width(), h: src.Height()}, nil
}

type fakeProgress struct {
	frames []int
	sent   chan struct{}
}

func (p *fakeProgress) ProgressEnabled() bool { return true }

func (p *fakeProgress) StreamProgress(ctx context.Context, jobID string, fn func(int, string)) error {
	defer close(p.sent)
	for _, f := range p.frames {
		fn(f, "frames")
	}
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []iface.Event
}

func (r *recorder) record(ev iface.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) of(t iface.EventType) []iface.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []iface.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func image(name string) *iface.Media {
	return &iface.Media{Name: name, ContentType: "image/png", Data: pngHeader}
}

func newTestOrchestrator(t *testing.T, transport Transport, opts ...Option) *Orchestrator {
	t.Helper()
	o := New(transport, append([]Option{WithLogger(zap.NewNop())}, opts...)...)
	t.Cleanup(func() { _ = o.Close() })
	return o
}

func waitJob(t *testing.T, job *Job) (*iface.DetectionResult, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return job.Wait(ctx)
}

func TestSelectMedia(t *testing.T) {
	o := newTestOrchestrator(t, &fakeTransport{body: imageBody}, WithMaxUploadSize(64))

	t.Run("Test Allowed Types", func(t *testing.T) {
		for _, ct := range []string{"image/jpeg", "image/png; charset=binary", "video/mp4", "video/avi", "video/x-msvideo", "video/quicktime"} {
			err := o.SelectMedia(&iface.Media{Name: "f", ContentType: ct, Data: []byte("x")})
			assert.NoError(t, err, ct)
		}
		assert.Equal(t, iface.FileSelected, o.Snapshot().State)
		assert.Equal(t, iface.Video, o.Snapshot().Kind)
	})

	t.Run("Test Rejected Types", func(t *testing.T) {
		before := o.Snapshot()
		for _, ct := range []string{"application/pdf", "video/webm", "text/plain"} {
			err := o.SelectMedia(&iface.Media{Name: "f", ContentType: ct, Data: []byte("x")})
			require.Error(t, err, ct)
			assert.ErrorIs(t, err, iface.ErrInvalidMediaType)
		}
		after := o.Snapshot()
		assert.Equal(t, before.Generation, after.Generation)
		assert.Equal(t, before.MediaType, after.MediaType)
	})

	t.Run("Test Sniffed Type", func(t *testing.T) {
		require.NoError(t, o.SelectMedia(&iface.Media{Name: "noext", Data: pngHeader}))
		s := o.Snapshot()
		assert.Equal(t, iface.Image, s.Kind)
		assert.Equal(t, "image/png", s.MediaType)

		err := o.SelectMedia(&iface.Media{Name: "blob", Data: []byte{0x00, 0x01, 0x02}})
		assert.Equal(t, iface.KindInvalidMediaType, iface.KindOf(err))
	})

	t.Run("Test Upload Limit", func(t *testing.T) {
		err := o.SelectMedia(&iface.Media{Name: "big", ContentType: "image/png", Data: make([]byte, 65)})
		assert.Equal(t, iface.KindInvalidMediaType, iface.KindOf(err))
	})
}

func TestSubmit_NoMedia(t *testing.T) {
	transport := &fakeTransport{body: imageBody}
	o := newTestOrchestrator(t, transport)
	job, err := o.Submit(context.Background())
	assert.Nil(t, job)
	assert.ErrorIs(t, err, iface.ErrNoMedia)
	assert.Zero(t, transport.calls.Load())
}

func TestSubmit_SingleFlight(t *testing.T) {
	transport := &fakeTransport{body: imageBody, gate: make(chan struct{})}
	o := newTestOrchestrator(t, transport)
	require.NoError(t, o.SelectMedia(image("a.png")))

	first, err := o.Submit(context.Background())
	require.NoError(t, err)
	second, err := o.Submit(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.True(t, o.Snapshot().State.InFlight())

	close(transport.gate)
	_, err = waitJob(t, first)
	require.NoError(t, err)
	assert.Equal(t, int32(1), transport.calls.Load())
}

func TestSubmit_ImageSucceedsAndRenders(t *testing.T) {
	annotator := &fakeAnnotator{auto: true}
	o := newTestOrchestrator(t, &fakeTransport{body: imageBody}, WithAnnotator(annotator))
	rec := &recorder{}
	o.Subscribe(rec.record)
	require.NoError(t, o.SelectMedia(image("a.png")))

	job, err := o.Submit(context.Background())
	require.NoError(t, err)
	result, err := waitJob(t, job)
	require.NoError(t, err)
	assert.Equal(t, job.ID, result.ID)
	assert.Equal(t, "http://detector.test:5000/static/processed/out.jpg", result.ProcessedMediaRef)
	assert.Len(t, result.Detections, 2)

	require.Eventually(t, func() bool { return o.Snapshot().Annotated }, time.Second, 5*time.Millisecond)
	s := o.Snapshot()
	assert.Equal(t, iface.Succeeded, s.State)
	assert.Equal(t, 100, s.Percent)
	assert.NoError(t, s.RenderErr)
	assert.Equal(t, int32(1), annotator.annotated.Load())
	assert.Len(t, annotator.drawn, 2)

	png, err := o.EncodeAnnotated(".png")
	require.NoError(t, err)
	assert.Equal(t, []byte("encoded.png"), png)

	require.Eventually(t, func() bool { return len(rec.of(iface.EventRendered)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.of(iface.EventCompleted), 1)
}

func TestStaleDecodeDiscarded(t *testing.T) {
	annotator := &fakeAnnotator{}
	o := newTestOrchestrator(t, &fakeTransport{body: imageBody}, WithAnnotator(annotator))
	require.NoError(t, o.SelectMedia(image("a.png")))
	job, err := o.Submit(context.Background())
	require.NoError(t, err)
	_, err = waitJob(t, job)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return annotator.parked() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, o.SelectMedia(image("b.png")))
	annotator.release()

	assert.Zero(t, annotator.annotated.Load())
	require.Len(t, annotator.sources, 1)
	assert.True(t, annotator.sources[0].closed.Load())
	s := o.Snapshot()
	assert.Equal(t, iface.FileSelected, s.State)
	assert.False(t, s.Annotated)
	assert.Nil(t, s.Result)
	_, err = o.EncodeAnnotated(".png")
	assert.ErrorIs(t, err, ErrNotRendered)
}

func TestStaleJobIgnored(t *testing.T) {
	transport := &fakeTransport{body: imageBody, gate: make(chan struct{})}
	o := newTestOrchestrator(t, transport)
	rec := &recorder{}
	o.Subscribe(rec.record)
	require.NoError(t, o.SelectMedia(image("a.png")))
	stale, err := o.Submit(context.Background())
	require.NoError(t, err)

	require.NoError(t, o.SelectMedia(image("b.png")))
	close(transport.gate)
	result, err := waitJob(t, stale)
	require.NoError(t, err)
	assert.NotNil(t, result)

	s := o.Snapshot()
	assert.Equal(t, iface.FileSelected, s.State)
	assert.Nil(t, s.Result)
	assert.Empty(t, s.JobID)
	assert.Eventually(t, func() bool { return len(rec.of(iface.EventSelected)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, rec.of(iface.EventCompleted))

	fresh, err := o.Submit(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, stale.ID, fresh.ID)
	_, err = waitJob(t, fresh)
	require.NoError(t, err)
	assert.Equal(t, iface.Succeeded, o.Snapshot().State)
}

func TestProgressOrdering(t *testing.T) {
	progress := &fakeProgress{frames: []int{10, 5, 30, 30, 60, 250}, sent: make(chan struct{})}
	transport := &fakeTransport{body: videoBody}
	transport.before = func() { <-progress.sent }
	o := newTestOrchestrator(t, transport, WithProgress(progress))
	rec := &recorder{}
	o.Subscribe(rec.record)

	require.NoError(t, o.SelectMedia(&iface.Media{Name: "clip.mp4", ContentType: "video/mp4", Data: []byte("mp4")}))
	job, err := o.Submit(context.Background())
	require.NoError(t, err)
	result, err := waitJob(t, job)
	require.NoError(t, err)
	assert.Equal(t, iface.Video, result.Kind)
	assert.Equal(t, []string{"rifle"}, result.SummaryOrder)

	require.Eventually(t, func() bool { return len(rec.of(iface.EventCompleted)) == 1 }, time.Second, 5*time.Millisecond)
	var percents []int
	for _, ev := range rec.of(iface.EventProgress) {
		assert.Equal(t, job.ID, ev.JobID)
		percents = append(percents, ev.Percent)
	}
	assert.Equal(t, []int{0, 10, 30, 60, 100}, percents)
}

func TestSynthesizedProgress(t *testing.T) {
	o := newTestOrchestrator(t, &fakeTransport{body: videoBody})
	rec := &recorder{}
	o.Subscribe(rec.record)
	require.NoError(t, o.SelectMedia(&iface.Media{Name: "clip.mov", ContentType: "video/quicktime", Data: []byte("mov")}))
	job, err := o.Submit(context.Background())
	require.NoError(t, err)
	_, err = waitJob(t, job)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.of(iface.EventCompleted)) == 1 }, time.Second, 5*time.Millisecond)
	var percents []int
	for _, ev := range rec.of(iface.EventProgress) {
		percents = append(percents, ev.Percent)
	}
	assert.Equal(t, []int{0, 100}, percents)

	var states []iface.State
	for _, ev := range rec.of(iface.EventState) {
		states = append(states, ev.State)
	}
	assert.Equal(t, []iface.State{iface.Uploading, iface.Processing}, states)
}

func TestJobErrors(t *testing.T) {
	cases := []struct {
		name      string
		transport *fakeTransport
		kind      iface.ErrorKind
		message   string
	}{
		{
			name:      "Service Failure",
			transport: &fakeTransport{body: `{"success":false,"error":"model not loaded"}`},
			kind:      iface.KindService,
			message:   "model not loaded",
		},
		{
			name:      "Network Failure",
			transport: &fakeTransport{err: iface.NetworkError(errors.New("connection refused"))},
			kind:      iface.KindNetwork,
			message:   "Could not reach the detection service",
		},
		{
			name:      "Unclassified Failure",
			transport: &fakeTransport{err: errors.New("aborted")},
			kind:      iface.KindNetwork,
			message:   "Could not reach the detection service",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			o := newTestOrchestrator(t, tc.transport)
			rec := &recorder{}
			o.Subscribe(rec.record)
			require.NoError(t, o.SelectMedia(image("a.png")))
			job, err := o.Submit(context.Background())
			require.NoError(t, err)
			_, err = waitJob(t, job)
			require.Error(t, err)
			assert.Equal(t, tc.kind, iface.KindOf(err))

			s := o.Snapshot()
			assert.Equal(t, iface.Failed, s.State)
			assert.Equal(t, tc.kind, iface.KindOf(s.JobErr))
			assert.Nil(t, s.Result)
			require.Eventually(t, func() bool { return len(rec.of(iface.EventFailed)) == 1 }, time.Second, 5*time.Millisecond)
			assert.Equal(t, tc.message, rec.of(iface.EventFailed)[0].Message)

			tc.transport.err = nil
			tc.transport.body = imageBody
			retry, err := o.Submit(context.Background())
			require.NoError(t, err)
			_, err = waitJob(t, retry)
			require.NoError(t, err)
			assert.Equal(t, iface.Succeeded, o.Snapshot().State)
		})
	}
}

func TestRenderFailureKeepsResult(t *testing.T) {
	annotator := &fakeAnnotator{auto: true, decodeErr: errors.New("corrupt jpeg")}
	o := newTestOrchestrator(t, &fakeTransport{body: imageBody}, WithAnnotator(annotator))
	require.NoError(t, o.SelectMedia(image("a.png")))
	job, err := o.Submit(context.Background())
	require.NoError(t, err)
	_, err = waitJob(t, job)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return o.Snapshot().RenderErr != nil }, time.Second, 5*time.Millisecond)
	s := o.Snapshot()
	assert.Equal(t, iface.Succeeded, s.State)
	assert.NoError(t, s.JobErr)
	assert.NotNil(t, s.Result)
	assert.ErrorIs(t, s.RenderErr, iface.ErrDecode)
}

func TestDrawableFallsBackToAnalysis(t *testing.T) {
	r := &iface.DetectionResult{Analysis: []iface.Analysis{{Class: "pistol", Confidence: 0.7, BBox: iface.NewBBox(1, 2, 3, 4)}}}
	drawn := Drawable(r)
	require.Len(t, drawn, 1)
	assert.Equal(t, "pistol", drawn[0].Class)
	assert.Equal(t, iface.NoFrame, drawn[0].Frame)
	assert.Nil(t, Drawable(nil))
}

func TestClosedOrchestrator(t *testing.T) {
	o := New(&fakeTransport{body: imageBody}, WithLogger(zap.NewNop()))
	require.NoError(t, o.Close())
	assert.ErrorIs(t, o.SelectMedia(image("a.png")), ErrClosed)
	_, err := o.Submit(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, o.Close())
}
