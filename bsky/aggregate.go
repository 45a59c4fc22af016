package bsky

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"golang.org/x/sync/singleflight"

	"bskyfetch/internal"
	"bskyfetch/utils"
)

const (
	opStarterPack = "starterpack"
	opList        = "list"
)

// ProgressFunc is called after every fetched page with the running totals
type ProgressFunc func(items, pages int)

// Aggregator gathers every item of a list across pages and caches the
// result in the SecretStore
type Aggregator struct {
	client       *Client
	store        internal.SecretStore
	ttl          time.Duration
	partialTTL   time.Duration
	fetchTimeout time.Duration
	pageSize     int
	maxItems     int
	progress     ProgressFunc
	flight       singleflight.Group
	now          func() time.Time
}

// NewAggregator creates an aggregator with the paging and cache policy in config
func NewAggregator(client *Client, store internal.SecretStore, config *internal.Config) *Aggregator {
	pageSize := config.AggregatePageSize
	if pageSize <= 0 || pageSize > maxPageLimit {
		pageSize = maxPageLimit
	}
	maxItems := config.AggregateMaxItems
	if maxItems <= 0 {
		maxItems = 300
	}
	partialTTL := config.PartialCacheTTL
	if config.CacheTTL > 0 && partialTTL > config.CacheTTL {
		partialTTL = config.CacheTTL
	}

	// one request per page plus login, handle lookup and starter pack
	var fetchTimeout time.Duration
	if config.Timeout > 0 {
		pages := (maxItems + pageSize - 1) / pageSize
		fetchTimeout = config.Timeout * time.Duration(pages+3)
	}

	return &Aggregator{
		client:       client,
		store:        store,
		ttl:          config.CacheTTL,
		partialTTL:   partialTTL,
		fetchTimeout: fetchTimeout,
		pageSize:     pageSize,
		maxItems:     maxItems,
		now:          time.Now,
	}
}

// SetProgress installs a page progress callback
func (a *Aggregator) SetProgress(fn ProgressFunc) {
	a.progress = fn
}

// CacheKey derives the cache key for an operation over the raw input string
func CacheKey(operation, input string) string {
	sum := sha256.Sum256([]byte(operation + "\x00" + input))
	return "aggregate_" + hex.EncodeToString(sum[:16])
}

// GetAllStarterPackData returns every member of the list behind a starter
// pack given as link or AT-URI. List links and list URIs are accepted too.
func (a *Aggregator) GetAllStarterPackData(ctx context.Context, input string) (*internal.AggregatedList, error) {
	return a.aggregate(ctx, opStarterPack, input)
}

// GetAllListItems returns every item of a list given as link or AT-URI
func (a *Aggregator) GetAllListItems(ctx context.Context, input string) (*internal.AggregatedList, error) {
	return a.aggregate(ctx, opList, input)
}

// Invalidate drops the cached aggregate for input
func (a *Aggregator) Invalidate(ctx context.Context, input string) error {
	if err := a.store.Delete(ctx, CacheKey(opStarterPack, input)); err != nil {
		return err
	}
	return a.store.Delete(ctx, CacheKey(opList, input))
}

func (a *Aggregator) aggregate(ctx context.Context, operation, input string) (*internal.AggregatedList, error) {
	if input == "" {
		return nil, internal.NewInvalidArgumentError("uri", "must not be empty")
	}

	key := CacheKey(operation, input)
	if cached, ok := a.lookup(ctx, key); ok {
		internal.LogDebug("Aggregate cache hit for %s", input)
		return cached, nil
	}

	// the shared fetch outlives any single caller; each caller stops
	// waiting when its own ctx is done
	ch := a.flight.DoChan(key, func() (interface{}, error) {
		fetchCtx, cancel := a.detach(ctx)
		defer cancel()

		if cached, ok := a.lookup(fetchCtx, key); ok {
			return cached, nil
		}

		result, err := a.fetch(fetchCtx, operation, input)
		if err != nil {
			return nil, err
		}
		a.save(fetchCtx, key, result)
		return result, nil
	})

	select {
	case <-ctx.Done():
		return nil, internal.NewTransportError("aggregate "+input, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// callers sharing one fetch each get their own copy
		return copyAggregate(res.Val.(*internal.AggregatedList)), nil
	}
}

// detach keeps ctx values but drops its cancellation, bounding the shared
// fetch by fetchTimeout instead
func (a *Aggregator) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	base := context.WithoutCancel(ctx)
	if a.fetchTimeout <= 0 {
		return context.WithCancel(base)
	}
	return context.WithTimeout(base, a.fetchTimeout)
}

func (a *Aggregator) lookup(ctx context.Context, key string) (*internal.AggregatedList, bool) {
	raw, ok, err := a.store.Get(ctx, key)
	if err != nil {
		internal.LogWarn("Aggregate cache read failed: %v", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}

	var result internal.AggregatedList
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		internal.LogWarn("Discarding unreadable cached aggregate: %v", err)
		return nil, false
	}
	return &result, true
}

// save caches result. Partial results are kept for partialTTL only, and not
// at all when that is not positive.
func (a *Aggregator) save(ctx context.Context, key string, result *internal.AggregatedList) {
	ttl := a.ttl
	if result.Partial {
		if a.partialTTL <= 0 {
			internal.LogDebug("Partial aggregate not cached")
			return
		}
		ttl = a.partialTTL
	}

	data, err := json.Marshal(result)
	if err != nil {
		internal.LogWarn("Aggregate not cached: %v", err)
		return
	}
	if err := a.store.Set(ctx, key, string(data), ttl); err != nil {
		internal.LogWarn("Aggregate not cached: %v", err)
	}
}

func (a *Aggregator) fetch(ctx context.Context, operation, input string) (*internal.AggregatedList, error) {
	if _, err := a.client.Session().EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}

	uri, err := a.client.Resolver().Resolve(ctx, input)
	if err != nil {
		return nil, err
	}

	parsed, err := utils.ParseATURI(uri)
	if err != nil {
		return nil, internal.NewInvalidLinkError(input, "not a record identifier").WithCause(err)
	}

	var meta internal.ListMeta
	switch {
	case parsed.Collection == utils.CollectionList:
		meta.URI = uri
	case parsed.Collection == utils.CollectionStarterPack && operation == opStarterPack:
		sp, err := a.client.GetStarterPack(ctx, uri)
		if err != nil {
			return nil, err
		}
		if sp.List.URI == "" {
			return nil, internal.NewNotFoundError("starter pack list", uri)
		}
		meta = sp.List
		meta.Name = firstNonEmpty(sp.Name, sp.List.Name)
		meta.Description = firstNonEmpty(sp.Description, sp.List.Description)
	default:
		return nil, internal.NewInvalidLinkError(input, "link does not point at a "+operation)
	}

	return a.paginate(ctx, meta)
}

// paginate follows cursors until the list ends or the item cap is reached.
// A failed page after the first ends the loop and marks the result partial.
func (a *Aggregator) paginate(ctx context.Context, meta internal.ListMeta) (*internal.AggregatedList, error) {
	result := &internal.AggregatedList{
		List:  meta,
		Items: []internal.ListItem{},
	}

	cursor := ""
	pages := 0
	for {
		page, err := a.client.GetList(ctx, meta.URI, a.pageSize, cursor)
		if err != nil {
			if pages == 0 {
				return nil, err
			}
			internal.LogWarn("Stopping after %d pages of %s: %v", pages, meta.URI, err)
			result.Partial = true
			break
		}
		pages++

		if pages == 1 {
			result.List = mergeListMeta(meta, page.List)
		}
		result.Items = append(result.Items, page.Items...)
		cursor = page.Cursor

		if a.progress != nil {
			a.progress(len(result.Items), pages)
		}

		if cursor == "" {
			break
		}
		if len(result.Items) >= a.maxItems {
			result.Truncated = true
			break
		}
	}

	if len(result.Items) > a.maxItems {
		result.Items = result.Items[:a.maxItems]
		result.Truncated = true
	}
	result.Cursor = cursor
	result.FetchedAt = a.now().UTC()

	internal.LogInfo("Collected %d items of %s in %d pages", len(result.Items), result.List.URI, pages)
	return result, nil
}

// mergeListMeta fills gaps in known with the list view from the first page
func mergeListMeta(known, fetched internal.ListMeta) internal.ListMeta {
	merged := fetched
	merged.URI = firstNonEmpty(known.URI, fetched.URI)
	merged.Name = firstNonEmpty(known.Name, fetched.Name)
	merged.Description = firstNonEmpty(known.Description, fetched.Description)
	if merged.Creator == nil {
		merged.Creator = known.Creator
	}
	return merged
}

func copyAggregate(src *internal.AggregatedList) *internal.AggregatedList {
	dst := *src
	dst.Items = make([]internal.ListItem, len(src.Items))
	copy(dst.Items, src.Items)
	if src.List.Creator != nil {
		creator := *src.List.Creator
		dst.List.Creator = &creator
	}
	return &dst
}
