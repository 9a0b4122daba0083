package transcription

import (
	"context"
	"fmt"
	"sync"
)

// Segment is one unit handed to the pool.
type Segment struct {
	Index    int
	Data     []byte
	Mime     string
	Filename string
}

// Result pairs a segment index with its text.
type Result struct {
	Index int
	Text  string
}

// Transcriber is the part of Adapter the pool needs.
type Transcriber interface {
	Transcribe(ctx context.Context, data []byte, mime, filename string) (string, error)
}

// Pool runs a fixed number of workers over a batch of segments.
type Pool struct {
	t       Transcriber
	workers int
}

func NewPool(t Transcriber, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{t: t, workers: workers}
}

// TranscribeAll waits for every worker. The first failure cancels the
// remaining work and fails the batch; results are returned in input order.
func (p *Pool) TranscribeAll(ctx context.Context, segments []Segment) ([]Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]Result, len(segments))
	jobs := make(chan int)

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	fail := func(err error) {
		once.Do(func() {
			firstErr = err
			cancel()
		})
	}

	workers := p.workers
	if workers > len(segments) {
		workers = len(segments)
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				seg := segments[i]
				text, err := p.t.Transcribe(ctx, seg.Data, seg.Mime, seg.Filename)
				if err != nil {
					fail(fmt.Errorf("segment %d: %w", seg.Index, err))
					continue
				}
				results[i] = Result{Index: seg.Index, Text: text}
			}
		}()
	}

feed:
	for i := range segments {
		select {
		case jobs <- i:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
