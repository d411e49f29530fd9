package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Fetcher retrieves all records of paginated upstream resources. It remembers
// the page count observed on the previous fetch of each resource and requests
// that many pages concurrently; the first page to answer carries the
// authoritative count, and any newly discovered pages are fetched before the
// whole fan-out is joined. Requesting too many pages over-fetches harmlessly,
// and any page failure fails the whole fetch.
type Fetcher struct {
	api API
	log zerolog.Logger

	mu    sync.Mutex
	pages map[string]int
}

// NewFetcher creates a fetcher on top of the given upstream client.
func NewFetcher(api API, log zerolog.Logger) *Fetcher {
	return &Fetcher{api: api, log: log, pages: make(map[string]int)}
}

// FetchAll returns every record of the resource at path, in no particular
// order, with no duplicates and no omissions.
func (f *Fetcher) FetchAll(ctx context.Context, path string, params map[string]string) ([]json.RawMessage, error) {
	assumed := f.assumption(path)

	g, gctx := errgroup.WithContext(ctx)
	var (
		mu      sync.Mutex
		records []json.RawMessage
	)
	// The first page to complete reports the authoritative last-page count.
	first := make(chan int, 1)

	fetchPage := func(page int) func() error {
		return func() error {
			p := make(map[string]string, len(params)+1)
			for k, v := range params {
				p[k] = v
			}
			p["page"] = fmt.Sprintf("%d", page)
			res, err := f.api.Get(gctx, path, p)
			if err != nil {
				return err
			}
			select {
			case first <- res.Meta.Pagination.LastPage:
			default:
			}
			var pageRecords []json.RawMessage
			if err := json.Unmarshal(res.Data, &pageRecords); err != nil {
				return fmt.Errorf("decode %s page %d: %w", path, page, err)
			}
			mu.Lock()
			records = append(records, pageRecords...)
			mu.Unlock()
			return nil
		}
	}

	for page := 1; page <= assumed; page++ {
		g.Go(fetchPage(page))
	}

	select {
	case lastPage := <-first:
		if lastPage != assumed {
			f.log.Debug().Str("path", path).Int("assumed", assumed).Int("actual", lastPage).
				Msg("pagination assumption corrected")
			f.setAssumption(path, lastPage)
			for page := assumed + 1; page <= lastPage; page++ {
				g.Go(fetchPage(page))
			}
		}
	case <-gctx.Done():
		// Every in-flight page failed or the caller gave up; Wait below
		// surfaces the error.
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (f *Fetcher) assumption(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.pages[path]; ok && n > 0 {
		return n
	}
	return 1
}

func (f *Fetcher) setAssumption(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pages[path] = n
}
