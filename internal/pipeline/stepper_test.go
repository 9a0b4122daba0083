package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"voice-notes-go/internal/auth"
	"voice-notes-go/internal/chunks"
	"voice-notes-go/internal/quota"
	"voice-notes-go/internal/store"
	"voice-notes-go/internal/summarizer"
	"voice-notes-go/internal/transcription"
	"voice-notes-go/internal/types"
)

const owner = "owner-1"

// echoASR transcribes a chunk as its own bytes.
type echoASR struct {
	mu    sync.Mutex
	calls int
}

func (e *echoASR) Transcribe(ctx context.Context, data []byte, mime, filename string) (string, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return string(data), nil
}

type fakeSummarizer struct {
	slices []string
	merges [][]string
	err    error
}

func (f *fakeSummarizer) SummarizeSlice(ctx context.Context, text string) (summarizer.SlicePart, error) {
	if f.err != nil {
		return summarizer.SlicePart{}, f.err
	}
	f.slices = append(f.slices, text)
	return summarizer.SlicePart{
		Markdown:   "## part\n- " + text,
		Provenance: map[string]string{summarizer.PhaseOutline: "fake"},
	}, nil
}

func (f *fakeSummarizer) FinalMerge(ctx context.Context, parts []string) (summarizer.Result[*types.FinalNote], error) {
	f.merges = append(f.merges, parts)
	note := &types.FinalNote{Title: "Notes", Markdown: "# Notes\n" + strings.Join(parts, "\n")}
	return summarizer.Result[*types.FinalNote]{Value: note, Provider: "fake"}, nil
}

type recorder struct {
	statuses []types.JobStatus
}

func (r *recorder) Publish(st types.JobStatus) { r.statuses = append(r.statuses, st) }

type harness struct {
	store   *store.Memory
	chunks  *chunks.Service
	stepper *Stepper
	sum     *fakeSummarizer
	asr     *echoASR
	jobID   string
}

func newHarness(t *testing.T, opts Options, guard quota.Guard) *harness {
	t.Helper()
	m := store.NewMemory()
	authz := auth.NewAuthorizer(m)
	h := &harness{
		store:  m,
		chunks: chunks.New(m, authz, nil, 0),
		sum:    &fakeSummarizer{},
		asr:    &echoASR{},
	}
	h.stepper = NewStepper(m, authz, guard, h.asr, h.sum, opts)
	j, err := h.chunks.CreateJob(context.Background(), owner)
	if err != nil {
		t.Fatal(err)
	}
	h.jobID = j.ID
	return h
}

func (h *harness) upload(t *testing.T, index int, data string) {
	t.Helper()
	if err := h.chunks.PutChunk(context.Background(), owner, h.jobID, index, []byte(data), "text/plain", ""); err != nil {
		t.Fatalf("PutChunk(%d): %v", index, err)
	}
}

func (h *harness) step(t *testing.T) types.JobStatus {
	t.Helper()
	st, err := h.stepper.Step(context.Background(), owner, h.jobID)
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	return st
}

func TestStepperProgressSequence(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	rec := &recorder{}
	h.stepper.SetNotifier(rec)
	for i, s := range []string{"alpha", "beta", "gamma"} {
		h.upload(t, i, s)
	}

	want := []struct {
		stage    types.Stage
		progress int
	}{
		{types.StageASR, 23},
		{types.StageASR, 46},
		{types.StageSummarize, 70},
		{types.StageMerge, 95},
		{types.StageDone, 100},
	}
	last := 0
	for i, w := range want {
		st := h.step(t)
		if st.Stage != w.stage || st.Progress != w.progress {
			t.Fatalf("step %d: got %s/%d, want %s/%d", i+1, st.Stage, st.Progress, w.stage, w.progress)
		}
		if st.Progress < last {
			t.Fatalf("progress went backwards: %d -> %d", last, st.Progress)
		}
		last = st.Progress
	}
	if len(rec.statuses) != len(want) {
		t.Errorf("notifications = %d, want %d", len(rec.statuses), len(want))
	}

	j, _ := h.store.GetJob(context.Background(), h.jobID)
	if !strings.Contains(j.Markdown, "alpha\nbeta\ngamma") {
		t.Errorf("markdown = %q", j.Markdown)
	}
	if j.Provenance[summarizer.PhaseMerge] != "fake" || j.Provenance["slice.0"] != "outline=fake" {
		t.Errorf("provenance = %v", j.Provenance)
	}
	metas, _ := h.store.ListChunks(context.Background(), h.jobID)
	if len(metas) != 0 {
		t.Errorf("chunks not purged: %d left", len(metas))
	}
}

func TestStepperDoneIsIdempotent(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 10}, nil)
	h.upload(t, 0, "only")
	if st := h.step(t); st.Stage != types.StageDone {
		t.Fatalf("stage = %s, want done", st.Stage)
	}
	before, _ := h.store.GetJob(context.Background(), h.jobID)

	for i := 0; i < 3; i++ {
		st := h.step(t)
		if st.Stage != types.StageDone || st.Progress != 100 {
			t.Fatalf("got %s/%d", st.Stage, st.Progress)
		}
	}
	after, _ := h.store.GetJob(context.Background(), h.jobID)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || len(h.sum.merges) != 1 || h.asr.calls != 1 {
		t.Fatalf("done step had side effects: merges=%d asr=%d", len(h.sum.merges), h.asr.calls)
	}
}

func TestStepperGapError(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.upload(t, 0, "a")
	h.upload(t, 2, "c")

	st, err := h.stepper.Step(context.Background(), owner, h.jobID)
	var gap *types.GapError
	if !errors.As(err, &gap) {
		t.Fatalf("err = %v, want GapError", err)
	}
	if gap.Expected != 1 || gap.Actual != 2 {
		t.Fatalf("gap = %+v, want expected=1 actual=2", gap)
	}
	if st.Stage != types.StageASR || h.asr.calls != 0 {
		t.Fatalf("gap must not fail or transcribe: stage=%s calls=%d", st.Stage, h.asr.calls)
	}

	h.upload(t, 1, "b")
	st = h.step(t)
	if st.LastError != nil || st.Progress != 23 {
		t.Fatalf("after filling gap: %+v", st)
	}
}

func TestStepperFinalizedTotalMissing(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.upload(t, 0, "a")
	h.upload(t, 1, "b")
	if _, err := h.chunks.Finalize(context.Background(), owner, h.jobID, 2); err != nil {
		t.Fatal(err)
	}
	j, _ := h.store.GetJob(context.Background(), h.jobID)
	j.TotalChunks = 3
	_ = h.store.UpdateJob(context.Background(), j)

	_, err := h.stepper.Step(context.Background(), owner, h.jobID)
	var gap *types.GapError
	if !errors.As(err, &gap) || gap.Expected != 2 || gap.Actual != -1 {
		t.Fatalf("err = %v", err)
	}
}

func TestStepperReuploadReplacesTranscript(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.upload(t, 0, "first take")
	h.upload(t, 1, "second chunk")
	h.step(t)

	h.upload(t, 0, "retake")
	st, err := h.stepper.Run(context.Background(), owner, h.jobID, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Stage != types.StageDone {
		t.Fatalf("stage = %s", st.Stage)
	}
	if len(h.sum.slices) != 1 || h.sum.slices[0] != "retake\nsecond chunk" {
		t.Fatalf("summarized %q", h.sum.slices)
	}
	if h.asr.calls != 3 {
		t.Fatalf("asr calls = %d, want 3", h.asr.calls)
	}
}

func TestStepperContainerMismatchFails(t *testing.T) {
	m := store.NewMemory()
	authz := auth.NewAuthorizer(m)
	svc := chunks.New(m, authz, nil, 0)
	asr := transcription.NewAdapter(transcription.Mock{}, transcription.Options{MaxAttempts: 3})
	s := NewStepper(m, authz, nil, asr, &fakeSummarizer{}, Options{})

	ctx := context.Background()
	j, _ := svc.CreateJob(ctx, owner)
	if err := svc.PutChunk(ctx, owner, j.ID, 0, []byte("not a webm header"), "audio/webm;codecs=opus", ""); err != nil {
		t.Fatal(err)
	}

	st, err := s.Step(ctx, owner, j.ID)
	if !types.IsKind(err, types.KindStructural) || !transcription.IsContainerError(err) {
		t.Fatalf("err = %v, want structural container error", err)
	}
	if st.Stage != types.StageFailed || st.LastError == nil || st.Progress != 0 {
		t.Fatalf("status = %+v", st)
	}

	st2, err := s.Step(ctx, owner, j.ID)
	if !errors.Is(err, types.ErrJobFailed) {
		t.Fatalf("second step err = %v, want ErrJobFailed", err)
	}
	var fe *types.FailedError
	if !errors.As(err, &fe) || fe.LastError != *st.LastError {
		t.Fatalf("stored error not surfaced verbatim: %v", err)
	}
	if st2.Stage != types.StageFailed {
		t.Fatalf("stage = %s", st2.Stage)
	}
}

func TestStepperSummarizeFailureFails(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 5}, nil)
	h.sum.err = types.E(types.KindStructural, "summarize outline", errors.New("schema: title: is required"))
	h.upload(t, 0, "words")

	st, err := h.stepper.Step(context.Background(), owner, h.jobID)
	if !types.IsKind(err, types.KindStructural) {
		t.Fatalf("err = %v", err)
	}
	if st.Stage != types.StageFailed || st.Progress != 70 {
		t.Fatalf("status = %+v, want failed at 70", st)
	}
}

func TestStepperQuotaDoesNotFail(t *testing.T) {
	guard := quota.NewLimiter(map[string]int{quota.KindASR: 1})
	h := newHarness(t, Options{}, guard)
	h.upload(t, 0, "a")
	h.upload(t, 1, "b")

	st, err := h.stepper.Step(context.Background(), owner, h.jobID)
	if !errors.Is(err, types.ErrQuotaExceeded) || !types.IsKind(err, types.KindPolicy) {
		t.Fatalf("err = %v, want quota exceeded", err)
	}
	if st.Stage != types.StageASR || st.Progress != 0 || h.asr.calls != 0 {
		t.Fatalf("status = %+v, calls = %d", st, h.asr.calls)
	}
}

func TestStepperQuotaReservedOnce(t *testing.T) {
	guard := quota.NewLimiter(map[string]int{quota.KindASR: 100, quota.KindSummarize: 10})
	h := newHarness(t, Options{}, guard)
	for i := 0; i < 3; i++ {
		h.upload(t, i, fmt.Sprintf("chunk %d", i))
	}
	if _, err := h.stepper.Run(context.Background(), owner, h.jobID, 20); err != nil {
		t.Fatal(err)
	}
	if got := guard.Used(owner, quota.KindASR); got != 3 {
		t.Errorf("asr used = %d, want 3", got)
	}
	if got := guard.Used(owner, quota.KindSummarize); got != 1 {
		t.Errorf("summarize used = %d, want 1", got)
	}
}

func TestStepperForbidden(t *testing.T) {
	h := newHarness(t, Options{}, nil)
	h.upload(t, 0, "a")
	if _, err := h.stepper.Step(context.Background(), "intruder", h.jobID); !errors.Is(err, types.ErrForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}
	if _, err := h.stepper.Status(context.Background(), owner, "missing"); !errors.Is(err, types.ErrJobNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestStepperNoSpeech(t *testing.T) {
	h := newHarness(t, Options{BatchSize: 10}, nil)
	h.upload(t, 0, "   ")
	st := h.step(t)
	if st.Stage != types.StageDone {
		t.Fatalf("stage = %s", st.Stage)
	}
	j, _ := h.store.GetJob(context.Background(), h.jobID)
	if j.Markdown != NoSpeechNote || len(h.sum.slices) != 0 || len(h.sum.merges) != 0 {
		t.Fatalf("markdown = %q slices=%d merges=%d", j.Markdown, len(h.sum.slices), len(h.sum.merges))
	}
}

func TestStepperSummarizeProgress(t *testing.T) {
	h := newHarness(t, Options{SliceWindow: 10, SliceOverlap: 2}, nil)
	h.upload(t, 0, "abcdefghijklmnopqrstuvwxyz")
	st := h.step(t)
	if st.Stage != types.StageSummarize || st.Progress != 70 {
		t.Fatalf("status = %+v", st)
	}
	// 26 runes, window 10, overlap 2: ceil(24/8) = 3 slices.
	for _, want := range []int{78, 86} {
		if st = h.step(t); st.Stage != types.StageSummarize || st.Progress != want {
			t.Fatalf("status = %+v, want summarize/%d", st, want)
		}
	}
	if st = h.step(t); st.Stage != types.StageMerge || st.Progress != 95 {
		t.Fatalf("status = %+v", st)
	}
	if got := strings.Join(h.sum.slices, "|"); got != "abcdefghij|ijklmnopqr|qrstuvwxyz" {
		t.Fatalf("slices = %s", got)
	}
}

func TestSliceTranscript(t *testing.T) {
	tests := []struct {
		length, window, overlap, want int
	}{
		{0, 12000, 800, 1},
		{12000, 12000, 800, 1},
		{12001, 12000, 800, 2},
		{23200, 12000, 800, 2},
		{23201, 12000, 800, 3},
		{30000, 12000, 800, 3},
	}
	for _, tt := range tests {
		text := strings.Repeat("é", tt.length)
		slices := SliceTranscript(text, tt.window, tt.overlap)
		if len(slices) != tt.want || SliceCount(tt.length, tt.window, tt.overlap) != tt.want {
			t.Errorf("L=%d: %d slices, want %d", tt.length, len(slices), tt.want)
			continue
		}
		if !strings.HasSuffix(text, slices[len(slices)-1]) {
			t.Errorf("L=%d: last slice does not reach the end", tt.length)
		}
		for i := 1; i < len(slices); i++ {
			prev := []rune(slices[i-1])
			if !strings.HasPrefix(slices[i], string(prev[len(prev)-tt.overlap:])) {
				t.Errorf("L=%d: slice %d does not overlap the previous one", tt.length, i)
			}
		}
	}
}

// gatedASR holds its first call until release is closed.
type gatedASR struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedASR) Transcribe(ctx context.Context, data []byte, mime, filename string) (string, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return string(data), nil
}

func TestStepperConcurrentStepsConverge(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	authz := auth.NewAuthorizer(m)
	svc := chunks.New(m, authz, nil, 0)
	j, err := svc.CreateJob(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.PutChunk(ctx, owner, j.ID, 0, []byte("only chunk"), "text/plain", ""); err != nil {
		t.Fatal(err)
	}
	gate := &gatedASR{entered: make(chan struct{}), release: make(chan struct{})}
	sum := &fakeSummarizer{}
	stepper := NewStepper(m, authz, nil, gate, sum, Options{})

	type outcome struct {
		st  types.JobStatus
		err error
	}
	slow := make(chan outcome, 1)
	go func() {
		st, err := stepper.Step(ctx, owner, j.ID)
		slow <- outcome{st, err}
	}()
	<-gate.entered

	for i := 0; i < 3; i++ {
		if _, err := stepper.Step(ctx, owner, j.ID); err != nil {
			t.Fatalf("step %d: %v", i+1, err)
		}
	}
	close(gate.release)

	got := <-slow
	if got.err != nil || got.st.Stage != types.StageDone || got.st.Progress != 100 {
		t.Fatalf("late step = %+v, %v; want done/100", got.st, got.err)
	}
	stored, _ := m.GetJob(ctx, j.ID)
	if stored.Stage != types.StageDone || stored.Progress != 100 {
		t.Fatalf("stored job = %s/%d, want done/100", stored.Stage, stored.Progress)
	}
	if st, err := stepper.Step(ctx, owner, j.ID); err != nil || st.Stage != types.StageDone {
		t.Fatalf("Step after convergence = %+v, %v", st, err)
	}
	if len(sum.merges) != 1 {
		t.Fatalf("merges = %d, want 1", len(sum.merges))
	}
}

// flakyStore fails the next failTranscripts transcript writes.
type flakyStore struct {
	*store.Memory
	failTranscripts int
}

func (f *flakyStore) PutTranscript(ctx context.Context, t types.Transcript) error {
	if f.failTranscripts > 0 {
		f.failTranscripts--
		return errors.New("disk full")
	}
	return f.Memory.PutTranscript(ctx, t)
}

func TestStepperStoreFailureDoesNotChargeTwice(t *testing.T) {
	ctx := context.Background()
	m := store.NewMemory()
	fs := &flakyStore{Memory: m, failTranscripts: 1}
	authz := auth.NewAuthorizer(m)
	svc := chunks.New(m, authz, nil, 0)
	j, err := svc.CreateJob(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.PutChunk(ctx, owner, j.ID, 0, []byte("hello"), "text/plain", ""); err != nil {
		t.Fatal(err)
	}
	guard := quota.NewLimiter(map[string]int{quota.KindASR: 100, quota.KindSummarize: 10})
	stepper := NewStepper(fs, authz, guard, &echoASR{}, &fakeSummarizer{}, Options{})

	if _, err := stepper.Step(ctx, owner, j.ID); err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("first Step err = %v, want store failure", err)
	}
	stored, _ := m.GetJob(ctx, j.ID)
	if stored.Stage != types.StageASR || !stored.HasReserved(quota.KindASR) {
		t.Fatalf("stored job = %+v, want asr with reservation recorded", stored)
	}
	st, err := stepper.Step(ctx, owner, j.ID)
	if err != nil || st.Stage != types.StageSummarize {
		t.Fatalf("second Step = %+v, %v", st, err)
	}
	if got := guard.Used(owner, quota.KindASR); got != 1 {
		t.Fatalf("asr used = %d, want 1", got)
	}
}
