package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"offline-sync/internal/config"
	"offline-sync/internal/models"
	"offline-sync/internal/queue"
	"offline-sync/internal/remote"
	"offline-sync/internal/telemetry"
)

// syncType processes one queue. Records are selected by the retry policy and
// moved to syncing before any remote call is made.
func (e *Engine) syncType(ctx context.Context, q *queue.MutationQueue, ec config.EntityConfig) TypeOutcome {
	now := e.now()
	var eligible []models.MutationRecord
	for _, rec := range q.Records() {
		if e.policy.IsEligible(rec, now) {
			eligible = append(eligible, rec)
		}
	}
	res := TypeOutcome{Eligible: len(eligible)}
	if len(eligible) == 0 {
		return res
	}
	ids := make([]string, len(eligible))
	for i, rec := range eligible {
		ids[i] = rec.ID
	}
	q.Update(ctx, ids, (*models.MutationRecord).MarkSyncing)

	switch ec.Strategy {
	case config.StrategyDedupLatest:
		e.syncLatest(ctx, q, eligible, &res)
	case config.StrategyBatch:
		e.syncBatches(ctx, q, eligible, ec.BatchSize, &res)
	default:
		e.syncEach(ctx, q, eligible, &res)
	}

	entity := string(q.Entity())
	telemetry.RecordsSynced.WithLabelValues(entity).Add(float64(res.Synced))
	telemetry.RecordsFailed.WithLabelValues(entity).Add(float64(res.Failed))
	return res
}

// Apply sends one record through svc. Already-applied inserts count as
// success and a panic in the remote client is turned into an ordinary failure.
func Apply(ctx context.Context, svc remote.Service, rec models.MutationRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying %s: %v", rec.ID, r)
		}
	}()
	err = svc.Apply(ctx, remote.FromRecord(rec))
	if errors.Is(err, remote.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (e *Engine) apply(ctx context.Context, rec models.MutationRecord) error {
	return Apply(ctx, e.remote, rec)
}

func (e *Engine) settle(ctx context.Context, q *queue.MutationQueue, ids []string, err error, res *TypeOutcome) {
	if err == nil {
		res.Synced += q.Update(ctx, ids, func(r *models.MutationRecord) bool { return r.MarkSynced() })
		return
	}
	cause := remote.Describe(err)
	at := e.now()
	res.Failed += q.Update(ctx, ids, func(r *models.MutationRecord) bool { return r.MarkFailed(cause, at) })
	e.logger.Warn("sync attempt failed",
		"entity", q.Entity(),
		"records", len(ids),
		"kind", remote.KindOf(err),
		"err", err,
	)
}

func (e *Engine) syncEach(ctx context.Context, q *queue.MutationQueue, recs []models.MutationRecord, res *TypeOutcome) {
	for _, rec := range recs {
		res.Calls++
		e.settle(ctx, q, []string{rec.ID}, e.apply(ctx, rec), res)
	}
}

// syncBatches sends fixed-size chunks in order, the records of a chunk in
// parallel. Chunking only bounds concurrency; every record is still settled
// on its own result.
func (e *Engine) syncBatches(ctx context.Context, q *queue.MutationQueue, recs []models.MutationRecord, size int, res *TypeOutcome) {
	if size <= 0 {
		size = 1
	}
	for start := 0; start < len(recs); start += size {
		chunk := recs[start:min(start+size, len(recs))]
		errs := make([]error, len(chunk))
		var g errgroup.Group
		for i, rec := range chunk {
			i, rec := i, rec
			g.Go(func() error {
				errs[i] = e.apply(ctx, rec)
				return nil
			})
		}
		_ = g.Wait()
		for i, rec := range chunk {
			res.Calls++
			e.settle(ctx, q, []string{rec.ID}, errs[i], res)
		}
	}
}

// syncLatest collapses each stream key to its newest record and sends only
// that one. On success every queued record for the key that is not newer
// than the one sent is settled with it; positions queued mid-pass stay.
func (e *Engine) syncLatest(ctx context.Context, q *queue.MutationQueue, recs []models.MutationRecord, res *TypeOutcome) {
	groups := make(map[string][]models.MutationRecord)
	var keys []string
	var loose []models.MutationRecord
	for _, rec := range recs {
		sk, ok := rec.Payload.(models.StreamKeyed)
		if !ok {
			loose = append(loose, rec)
			continue
		}
		k := sk.StreamKey()
		if _, seen := groups[k]; !seen {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], rec)
	}

	for _, k := range keys {
		group := groups[k]
		rep := group[0]
		for _, rec := range group[1:] {
			// later insertion wins ties
			if !streamTime(rec).Before(streamTime(rep)) {
				rep = rec
			}
		}
		res.Calls++
		err := e.apply(ctx, rep)
		if err != nil {
			ids := make([]string, len(group))
			for i, rec := range group {
				ids[i] = rec.ID
			}
			e.settle(ctx, q, ids, err, res)
			continue
		}
		cutoff := streamTime(rep)
		var superseded []string
		for _, rec := range q.Records() {
			sk, ok := rec.Payload.(models.StreamKeyed)
			if !ok || sk.StreamKey() != k || rec.Status == models.StatusSynced {
				continue
			}
			if !sk.StreamTime().After(cutoff) {
				superseded = append(superseded, rec.ID)
			}
		}
		e.settle(ctx, q, superseded, nil, res)
	}

	if len(loose) > 0 {
		e.syncEach(ctx, q, loose, res)
	}
}

func streamTime(rec models.MutationRecord) time.Time {
	return rec.Payload.(models.StreamKeyed).StreamTime()
}
