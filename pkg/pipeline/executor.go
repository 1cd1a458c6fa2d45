package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/caseward/ecl/pkg/canonicalize"
	"github.com/caseward/ecl/pkg/content"
	"github.com/caseward/ecl/pkg/errs"
	"github.com/caseward/ecl/pkg/ledger"
	"github.com/caseward/ecl/pkg/queue"
)

// Executor leases jobs and runs their pipelines. Each completed step is
// recorded as one ANALYZED event; steps already on the ledger for the same
// idempotency key are skipped, so a retried job re-does only unfinished work.
type Executor struct {
	queue    *queue.Queue
	chain    *ledger.Ledger
	store    content.Store
	registry *Registry
	logger   *slog.Logger

	leaseDuration time.Duration
	pollInterval  time.Duration
}

// NewExecutor wires an executor to the queue, ledger, content store and
// pipeline registry.
func NewExecutor(q *queue.Queue, chain *ledger.Ledger, store content.Store, registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		queue:         q,
		chain:         chain,
		store:         store,
		registry:      registry,
		logger:        logger,
		leaseDuration: 30 * time.Second,
		pollInterval:  time.Second,
	}
}

// WithLeaseDuration overrides the lease window requested per job.
func (e *Executor) WithLeaseDuration(d time.Duration) *Executor {
	e.leaseDuration = d
	return e
}

// WithPollInterval overrides the idle polling interval.
func (e *Executor) WithPollInterval(d time.Duration) *Executor {
	e.pollInterval = d
	return e
}

// Run drives a pool of workers until ctx is done.
func (e *Executor) Run(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.workerLoop(ctx, workerID)
		}()
	}
	wg.Wait()
}

func (e *Executor) workerLoop(ctx context.Context, workerID string) {
	for {
		processed, err := e.ProcessOne(ctx, workerID)
		if err != nil {
			e.logger.Error("job processing failed", "worker_id", workerID, "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.pollInterval):
		}
	}
}

// ProcessOne leases and runs at most one job. It reports whether a job was
// leased.
func (e *Executor) ProcessOne(ctx context.Context, workerID string) (bool, error) {
	job, err := e.queue.Lease(ctx, workerID, e.leaseDuration)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	e.process(ctx, workerID, *job)
	return true, nil
}

func (e *Executor) process(ctx context.Context, workerID string, job queue.Job) {
	logger := e.logger.With("worker_id", workerID, "job_id", job.JobID,
		"artifact_id", job.ArtifactID, "pipeline", job.PipelineName)

	if err := e.queue.MarkRunning(ctx, job.JobID, workerID); err != nil {
		logger.Warn("lease lost before start", "error", err)
		return
	}

	// Heartbeat until the job finishes; a lost lease aborts the steps.
	stepCtx, cancel := context.WithCancel(ctx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		e.heartbeatLoop(stepCtx, cancel, job.JobID, workerID, logger)
	}()

	stepErr := e.runSteps(stepCtx, workerID, job, logger)
	cancel()
	hbWG.Wait()

	switch {
	case stepErr == nil:
		e.report(ctx, job.JobID, workerID, queue.StateSucceeded, "", logger)
	case errs.IsCode(stepErr, errs.CodeCancelled) && e.flaggedCancelled(ctx, job.JobID):
		// A requested cancel is terminal. Other interruptions (shutdown,
		// lost lease) leave the job to the retry or reaper path.
		e.report(ctx, job.JobID, workerID, queue.StateCancelled, stepErr.Error(), logger)
	default:
		e.report(ctx, job.JobID, workerID, queue.StateFailed, stepErr.Error(), logger)
	}
}

func (e *Executor) runSteps(ctx context.Context, workerID string, job queue.Job, logger *slog.Logger) error {
	pl, ok := e.registry.Get(job.PipelineName)
	if !ok {
		return errs.New(errs.KindNotFound, errs.CodeNotFound, "pipeline %q is not registered", job.PipelineName)
	}

	artifact, err := e.chain.GetArtifact(ctx, job.ArtifactID)
	if err != nil {
		return err
	}
	data, err := e.readArtifact(ctx, artifact.CanonicalHash)
	if err != nil {
		return err
	}

	actor := "worker:" + workerID
	upstream := make(map[string]string, len(pl.Steps))
	for _, step := range pl.Steps {
		if err := ctx.Err(); err != nil {
			return errs.Wrap(err, errs.KindCancelled, errs.CodeCancelled, "job interrupted at step %s", step.Name)
		}
		cancelled, err := e.cancelRequested(ctx, job.JobID)
		if err != nil {
			return err
		}
		if cancelled {
			return errs.New(errs.KindCancelled, errs.CodeCancelled, "job cancelled before step %s", step.Name)
		}

		// A prior attempt may already have recorded this step.
		prior, err := e.chain.FindAnalyzed(ctx, job.ArtifactID, job.PipelineName, step.Name, job.ParamsDigest)
		if err != nil {
			return err
		}
		if prior != nil {
			ref, _ := prior.Payload["result_ref"].(string)
			upstream[step.Name] = ref
			logger.Info("step already recorded, skipping", "step", step.Name, "seq", prior.Seq)
			continue
		}

		result, err := step.Run(ctx, StepInput{
			ArtifactID: job.ArtifactID,
			Bytes:      data,
			Params:     job.Params,
			Upstream:   upstream,
		})
		if err != nil {
			return errs.Wrap(err, errs.KindInternal, errs.CodeInternal, "step %s failed", step.Name)
		}

		resultRef := ""
		if result.Derivative != nil {
			resultRef, err = e.storeDerivative(ctx, job.JobID, step.Name, result.Derivative)
			if err != nil {
				return err
			}
		}

		payload := map[string]any{
			"pipeline_name":    job.PipelineName,
			"pipeline_version": pl.Version,
			"step_name":        step.Name,
			"params_digest":    job.ParamsDigest,
			"result_ref":       resultRef,
		}
		for k, v := range result.Payload {
			if _, reserved := payload[k]; !reserved {
				payload[k] = v
			}
		}
		if _, err := e.chain.AppendAuto(ctx, job.ArtifactID, ledger.KindAnalyzed, actor, payload); err != nil {
			return err
		}
		upstream[step.Name] = resultRef
		logger.Info("step recorded", "step", step.Name, "result_ref", resultRef)
	}
	return nil
}

func (e *Executor) readArtifact(ctx context.Context, canonicalHash string) ([]byte, error) {
	rc, err := e.store.OpenStream(ctx, canonicalHash)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rc.Close() }()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errs.Wrap(err, errs.KindUnavailable, errs.CodeUnavailable, "artifact read failed")
	}
	return data, nil
}

// storeDerivative writes a step's derivative into the content store via a
// single-chunk staging session and addresses it by canonical hash.
func (e *Executor) storeDerivative(ctx context.Context, jobID, stepName string, data []byte) (string, error) {
	sessionID := fmt.Sprintf("derived-%s-%s", jobID, stepName)
	if err := e.store.PutChunk(ctx, sessionID, 0, data, canonicalize.HashBytes(data)); err != nil {
		return "", err
	}
	fin, err := e.store.Finalize(ctx, sessionID, 1)
	if err != nil {
		return "", err
	}
	return "blob:" + fin.CanonicalHash, nil
}

func (e *Executor) cancelRequested(ctx context.Context, jobID string) (bool, error) {
	j, err := e.queue.Job(ctx, jobID)
	if err != nil {
		return false, err
	}
	return j.CancelRequested, nil
}

func (e *Executor) flaggedCancelled(ctx context.Context, jobID string) bool {
	cancelled, err := e.cancelRequested(ctx, jobID)
	return err == nil && cancelled
}

func (e *Executor) heartbeatLoop(ctx context.Context, cancel context.CancelFunc, jobID, workerID string, logger *slog.Logger) {
	interval := e.leaseDuration / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.queue.Heartbeat(ctx, jobID, workerID, e.leaseDuration); err != nil {
				if errs.IsCode(err, errs.CodeLeaseLost) {
					logger.Warn("lease lost, aborting job")
					cancel()
					return
				}
				logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

func (e *Executor) report(ctx context.Context, jobID, workerID string, outcome queue.JobState, errMsg string, logger *slog.Logger) {
	if err := e.queue.Complete(ctx, jobID, workerID, outcome, errMsg); err != nil {
		logger.Warn("job completion report failed", "outcome", outcome, "error", err)
		return
	}
	logger.Info("job finished", "outcome", outcome)
}
