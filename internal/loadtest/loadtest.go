// Package loadtest measures the remote store under many devices pulling at
// once.
//
// A populated pile is paged through by concurrent readers the way the pull
// reconciler does it, recording the latency of every page query. A second
// mode mixes guarded writers in and checks that readers never observe an
// out-of-order page.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pilesync/pilesync/internal/remote"
	"github.com/pilesync/pilesync/internal/schema"
)

// Dataset is a remote pile populated for load testing.
type Dataset struct {
	Store   remote.Store
	PileID  string
	UserID  string
	PostIDs []string
}

// LatencyStats summarizes query latencies.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
}

// Populate creates a pile and numPosts posts with staggered update times.
func Populate(ctx context.Context, store remote.Store, pileID, userID string, numPosts int) (*Dataset, error) {
	if err := store.CreatePile(ctx, &remote.Pile{ID: pileID, UserID: userID, Name: "loadtest"}); err != nil {
		return nil, fmt.Errorf("failed to create pile: %w", err)
	}

	ds := &Dataset{Store: store, PileID: pileID, UserID: userID, PostIDs: make([]string, 0, numPosts)}
	for _, post := range generatePosts(pileID, userID, numPosts) {
		if err := store.InsertPost(ctx, post); err != nil {
			return nil, fmt.Errorf("failed to insert post %s: %w", post.ID, err)
		}
		ds.PostIDs = append(ds.PostIDs, post.ID)
	}
	return ds, nil
}

// generatePosts creates posts spread over the last 30 days, a few
// characters to a few kilobytes long.
func generatePosts(pileID, userID string, count int) []*remote.Post {
	rng := rand.New(rand.NewSource(42))
	base := time.Now().UTC().Add(-30 * 24 * time.Hour).Truncate(time.Millisecond)

	posts := make([]*remote.Post, count)
	for i := range posts {
		body := fmt.Sprintf("Post %d\n\n", i)
		for n := rng.Intn(40); n > 0; n-- {
			body += "Lorem ipsum dolor sit amet, consectetur adipiscing elit.\n"
		}
		at := base.Add(time.Duration(i) * time.Minute)
		posts[i] = &remote.Post{
			ID:        fmt.Sprintf("load-%06d", i),
			PileID:    pileID,
			UserID:    userID,
			Title:     fmt.Sprintf("Post %d", i),
			Content:   body,
			Etag:      schema.ComputeEtag(body),
			CreatedAt: at,
			UpdatedAt: at,
		}
	}
	return posts
}

// RunConcurrentPulls has numReaders devices each page through the whole
// pile pageSize rows at a time. Every reader must see every post.
func (ds *Dataset) RunConcurrentPulls(ctx context.Context, numReaders, pageSize int) (*LatencyStats, error) {
	var (
		mu        sync.Mutex
		durations []time.Duration
		errCount  int
	)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < numReaders; i++ {
		reader := i
		g.Go(func() error {
			local, seen, err := ds.pullAll(ctx, pageSize)

			mu.Lock()
			durations = append(durations, local...)
			if err != nil {
				errCount++
			}
			mu.Unlock()

			if err != nil {
				return fmt.Errorf("reader %d: %w", reader, err)
			}
			if seen != len(ds.PostIDs) {
				return fmt.Errorf("reader %d saw %d posts, want %d", reader, seen, len(ds.PostIDs))
			}
			return nil
		})
	}
	err := g.Wait()

	if len(durations) == 0 {
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("no queries completed")
	}
	stats := computeLatencyStats(durations)
	stats.Errors = errCount
	return stats, err
}

// pullAll pages through the pile from the zero cursor, checking that each
// page continues in (updated_at, id) order.
func (ds *Dataset) pullAll(ctx context.Context, pageSize int) ([]time.Duration, int, error) {
	var (
		durations []time.Duration
		cursor    remote.Cursor
		seen      int
	)
	for {
		start := time.Now()
		page, err := ds.Store.ListPostsSince(ctx, ds.PileID, cursor, pageSize)
		durations = append(durations, time.Since(start))
		if err != nil {
			return durations, seen, err
		}
		for _, p := range page {
			if p.ID == "" {
				return durations, seen, fmt.Errorf("page returned a post without id")
			}
			if !after(p, cursor) {
				return durations, seen, fmt.Errorf("post %s is not after cursor (%v, %s)", p.ID, cursor.UpdatedAt, cursor.ID)
			}
			cursor = remote.Cursor{UpdatedAt: p.UpdatedAt, ID: p.ID}
			seen++
		}
		if len(page) < pageSize {
			return durations, seen, nil
		}
	}
}

func after(p *remote.Post, c remote.Cursor) bool {
	if p.UpdatedAt.Equal(c.UpdatedAt) {
		return p.ID > c.ID
	}
	return p.UpdatedAt.After(c.UpdatedAt)
}

// VerifyConsistency runs numReaders pulling readers against numWriters
// devices editing random posts through guarded updates, for duration.
// Readers fail on any out-of-order page; a writer losing a guard race is
// expected and not an error.
func (ds *Dataset) VerifyConsistency(ctx context.Context, numReaders, numWriters int, duration time.Duration) (writes int, err error) {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < numReaders; i++ {
		reader := i
		g.Go(func() error {
			for gctx.Err() == nil {
				if _, _, err := ds.pullAll(gctx, 50); err != nil && gctx.Err() == nil {
					return fmt.Errorf("reader %d: %w", reader, err)
				}
			}
			return nil
		})
	}

	for i := 0; i < numWriters; i++ {
		writer := i
		rng := rand.New(rand.NewSource(int64(writer)))
		g.Go(func() error {
			for gctx.Err() == nil {
				ok, err := ds.editRandom(gctx, rng, writer)
				if err != nil && gctx.Err() == nil {
					return fmt.Errorf("writer %d: %w", writer, err)
				}
				if ok {
					mu.Lock()
					writes++
					mu.Unlock()
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}

	err = g.Wait()
	return writes, err
}

func (ds *Dataset) editRandom(ctx context.Context, rng *rand.Rand, writer int) (bool, error) {
	id := ds.PostIDs[rng.Intn(len(ds.PostIDs))]
	prev, err := ds.Store.GetPost(ctx, id)
	if err != nil {
		return false, err
	}
	next := *prev
	next.Content = prev.Content + fmt.Sprintf("\nedit by writer %d", writer)
	next.Etag = schema.ComputeEtag(next.Content)
	next.UpdatedAt = time.Now().UTC()
	return ds.Store.UpdatePostGuarded(ctx, &next, prev)
}

func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(sorted)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(sorted),
	}
}

// Print writes the statistics as an aligned table.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Queries: %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
