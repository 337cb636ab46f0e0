// Package workflow implements the stage state machine that sequences
// multi-stage jobs, with checkpoint and restore.
//
// # State Machine
//
// A workflow moves pending → processing → completed | failed | canceled.
// Each stage moves pending → processing → completed | failed on its own;
// failed → processing is allowed while the stage's retry policy has
// attempts left. The workflow status follows its stages:
//
//   - the first stage to start moves the workflow to processing
//   - the workflow completes when every stage has completed
//   - a stage failing with no retries left fails the workflow
//
// Transitions of one workflow are serialized. An illegal move returns an
// INVALID_TRANSITION error and changes nothing. Every applied transition
// publishes exactly one STATE_UPDATE on the "workflow" topic. Terminal
// workflows are archived and reject further transitions.
//
// # Usage
//
//	engine, _ := workflow.NewEngine(workflow.DefaultConfig(), b,
//	    workflow.WithCheckpointStore(checkpoints))
//
//	wf, _ := engine.Create(ctx, "video", []string{"script_creation", "distribution"}, nil)
//	engine.Transition(ctx, wf.ID, workflow.Target{Stage: "script_creation", Status: workflow.StatusProcessing}, nil)
//	engine.Transition(ctx, wf.ID, workflow.Target{Stage: "script_creation", Status: workflow.StatusCompleted}, result)
//	engine.CreateCheckpoint(ctx, wf.ID, "script_creation")
//
// On failure:
//
//	res, _ := engine.FailStage(ctx, wf.ID, "distribution", err)
//	if res.Retry {
//	    time.Sleep(res.RetryDelay)
//	    engine.Transition(ctx, wf.ID, workflow.Target{Stage: "distribution", Status: workflow.StatusProcessing}, nil)
//	}
//
// # Checkpoints
//
// A checkpoint snapshots stages, status, current stage and data. Restoring
// one is bookkeeping only: side effects of stages that ran after the
// checkpoint are not undone. Checkpoints live in a CheckpointStore backed
// by memory, a bbolt file or a NATS JetStream key-value bucket.
//
// # Cancellation
//
// Cancel publishes a workflow_canceled EVENT and then a STATE_UPDATE.
// Commands already in flight complete or time out normally; transitions
// triggered by their replies are rejected because the workflow is terminal.
package workflow
