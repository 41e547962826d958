package agent

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"log"
	"math/big"
	"os"
	"time"
)

// randomFailureProbability is the fault-injection trigger rate when
// --random-failures is set: roughly 1 in 10 consultations terminates the
// process mid-execution, simulating a crash for recovery testing.
const randomFailureProbability = 0.1

// Agent runs the claim-execute-report loop for one agent identity.
type Agent struct {
	cfg          *Config
	client       *Client
	journal      *JournalManager
	running      bool
	claimBackoff *Backoff
}

// New builds an Agent from resolved configuration.
func New(cfg *Config) *Agent {
	return &Agent{
		cfg:          cfg,
		client:       NewClient(cfg),
		journal:      NewJournalManager(cfg.StateDir, cfg.AgentID),
		claimBackoff: NewBackoff(time.Duration(cfg.PollIntervalMs)*time.Millisecond, 30*time.Second),
	}
}

// Run executes recovery once, then loops claim-execute-report until ctx is
// canceled. The active iteration always runs to completion before the loop
// observes cancellation.
func (a *Agent) Run(ctx context.Context) {
	a.recover(ctx)

	a.running = true
	for a.running {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := a.client.Claim(ctx, a.cfg.MaxLeaseMs)
		if err != nil {
			delay := a.claimBackoff.Next()
			log.Printf("agent: claim failed: %v; retrying in %s", err, delay)
			a.sleepFor(ctx, delay)
			continue
		}
		a.claimBackoff.Reset()
		if claimed == nil {
			a.sleepPoll(ctx)
			continue
		}

		j, err := a.journal.CreateClaimed(claimed.CommandID, claimed.LeaseID, claimed.Type, string(claimed.Payload), claimed.StartedAt, claimed.ScheduledEndAt)
		if err != nil {
			log.Printf("agent: failed to persist journal for %s: %v", claimed.CommandID, err)
			a.sleepPoll(ctx)
			continue
		}

		a.runOne(ctx, j)
		a.sleepPoll(ctx)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// Stop clears the running flag; the in-flight iteration still runs to
// completion.
func (a *Agent) Stop() {
	a.running = false
}

func (a *Agent) sleepPoll(ctx context.Context) {
	a.sleepFor(ctx, time.Duration(a.cfg.PollIntervalMs)*time.Millisecond)
}

func (a *Agent) sleepFor(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func (a *Agent) heartbeatExtendMs() int64 {
	return a.cfg.HeartbeatIntervalMs * 3
}

// simulatedFailureHook returns the fault-injection callback passed to
// executors when --random-failures is set, or nil otherwise. Each
// consultation draws independently; on trigger it logs and exits the
// process, standing in for an uncontrolled crash.
func (a *Agent) simulatedFailureHook() func() {
	if !a.cfg.RandomFailures {
		return nil
	}
	return func() {
		if !randomTrigger(randomFailureProbability) {
			return
		}
		log.Printf("agent: simulated random failure triggered, exiting")
		os.Exit(1)
	}
}

// randomTrigger reports true with probability p, using crypto/rand so the
// fault-injection hook's timing can't be predicted from a seed.
func randomTrigger(p float64) bool {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return false
	}
	return float64(n.Int64())/1_000_000 < p
}

// runOne dispatches, executes, and reports a single freshly claimed command.
func (a *Agent) runOne(ctx context.Context, j *Journal) {
	hb := StartHeartbeat(a.client, j.CommandID, j.LeaseID, a.cfg.HeartbeatIntervalMs, a.heartbeatExtendMs())

	executor, ok := ExecutorFor(j.Type)
	if !ok {
		hb.Stop()
		log.Printf("agent: unknown command type %q, dropping journal", j.Type)
		a.journal.Delete()
		return
	}

	ec := ExecContext{Journal: a.journal, CheckLeaseValid: hb.LeaseValid, SimulatedFailure: a.simulatedFailureHook()}
	result, err := executor.Execute(j, ec)
	hb.Stop()

	if err != nil {
		if errors.Is(err, ErrLeaseExpired) {
			log.Printf("agent: lease expired mid-execution for %s, dropping journal", j.CommandID)
		} else {
			log.Printf("agent: execution failed for %s: %v, dropping journal", j.CommandID, err)
		}
		a.journal.Delete()
		return
	}

	if j.Type == "DELAY" && j.Stage != StageResultSaved {
		if err := a.journal.UpdateStage(j, StageResultSaved); err != nil {
			log.Printf("agent: failed to advance journal to RESULT_SAVED for %s: %v", j.CommandID, err)
		}
	}

	a.report(ctx, j, result)
}

// report sends the terminal complete call and always deletes the journal
// afterward, whether the server accepted or rejected it. The call is not
// tied to ctx's cancellation, so a shutdown that arrives mid-iteration still
// lets the result reach the server.
func (a *Agent) report(ctx context.Context, j *Journal, result any) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		log.Printf("agent: marshaling result for %s: %v", j.CommandID, err)
		a.journal.Delete()
		return
	}

	if err := a.client.Complete(context.WithoutCancel(ctx), j.CommandID, j.LeaseID, resultJSON); err != nil {
		if errors.Is(err, ErrLeaseInvalid) {
			log.Printf("agent: complete rejected (stale lease) for %s", j.CommandID)
		} else {
			log.Printf("agent: complete failed for %s: %v", j.CommandID, err)
		}
	}
	a.journal.Delete()
}

// recover resumes or discards a journal left over from a prior process.
func (a *Agent) recover(ctx context.Context) {
	j := a.journal.Load()
	if j == nil {
		return
	}

	switch j.Stage {
	case StageInProgress:
		if j.Type == "DELAY" {
			a.resumeDelay(ctx, j)
			return
		}
		log.Printf("agent: recovery found IN_PROGRESS %s for non-resumable type %q, dropping journal", j.CommandID, j.Type)
		a.journal.Delete()
	case StageResultSaved:
		a.recoverResultSaved(ctx, j)
	default:
		log.Printf("agent: recovery found stage %q for %s, dropping journal", j.Stage, j.CommandID)
		a.journal.Delete()
	}
}

func (a *Agent) resumeDelay(ctx context.Context, j *Journal) {
	hb := StartHeartbeat(a.client, j.CommandID, j.LeaseID, a.cfg.HeartbeatIntervalMs, a.heartbeatExtendMs())
	ec := ExecContext{Journal: a.journal, CheckLeaseValid: hb.LeaseValid, SimulatedFailure: a.simulatedFailureHook()}

	result, err := (DelayExecutor{}).Execute(j, ec)
	hb.Stop()

	if err != nil {
		log.Printf("agent: recovery resume failed for %s: %v, dropping journal", j.CommandID, err)
		a.journal.Delete()
		return
	}

	if j.Stage != StageResultSaved {
		if err := a.journal.UpdateStage(j, StageResultSaved); err != nil {
			log.Printf("agent: failed to advance journal to RESULT_SAVED for %s: %v", j.CommandID, err)
		}
	}

	a.report(ctx, j, result)
}

func (a *Agent) recoverResultSaved(ctx context.Context, j *Journal) {
	hb := StartHeartbeat(a.client, j.CommandID, j.LeaseID, a.cfg.HeartbeatIntervalMs, a.heartbeatExtendMs())

	var result any
	if j.Type == "HTTP_GET_JSON" {
		result = j.HTTPSnapshot
	} else {
		tookMs := nowMs() - j.StartedAt
		if j.ScheduledEndAt != nil {
			tookMs = *j.ScheduledEndAt - j.StartedAt
		}
		result = DelayResult{OK: true, TookMs: tookMs}
	}

	hb.Stop()
	a.report(ctx, j, result)
}
