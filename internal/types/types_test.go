package types

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestStageRank(t *testing.T) {
	order := []Stage{StageASR, StageSummarize, StageMerge, StageDone}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s does not rank above %s", order[i], order[i-1])
		}
	}
	if Stage("bogus").Valid() {
		t.Errorf("unknown stage reported valid")
	}
	if !StageFailed.Terminal() || !StageDone.Terminal() || StageMerge.Terminal() {
		t.Errorf("terminal stages wrong")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"sentinel", ErrForbidden, KindPolicy},
		{"wrapped sentinel", fmt.Errorf("upload: %w", ErrChunkTooLarge), KindInput},
		{"gap", &GapError{Expected: 1, Actual: 2}, KindInput},
		{"explicit", E(KindStructural, "op", errors.New("bad")), KindStructural},
		{"plain", errors.New("plain"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGapErrorMessage(t *testing.T) {
	err := &GapError{Expected: 1, Actual: 2}
	if err.Error() != "chunk gap: expected index 1, got 2" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestFailedErrorIs(t *testing.T) {
	err := &FailedError{JobID: "j", LastError: "boom"}
	if !errors.Is(err, ErrJobFailed) {
		t.Errorf("FailedError does not unwrap to ErrJobFailed")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		class  Class
		reason string
	}{
		{429, ClassRateLimited, ReasonRateLimited},
		{503, ClassTransient, ReasonOverloaded},
		{504, ClassTransient, ReasonTimeout},
		{404, ClassPermanent, ReasonModelNotFound},
		{400, ClassPermanent, ReasonRejected},
	}
	for _, tt := range tests {
		c, r := ClassifyStatus(tt.status)
		if c != tt.class || r != tt.reason {
			t.Errorf("ClassifyStatus(%d) = %v/%s, want %v/%s", tt.status, c, r, tt.class, tt.reason)
		}
	}

	pe := ClassifyTransport("asr", fmt.Errorf("post: %w", context.DeadlineExceeded))
	if pe.Class != ClassTransient || pe.Reason != ReasonTimeout {
		t.Errorf("deadline classified as %v/%s", pe.Class, pe.Reason)
	}
	if ClassOf(errors.New("x")) != ClassTransient {
		t.Errorf("unclassified errors should default to transient")
	}
}
