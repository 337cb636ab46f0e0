// Package coordinator provides the central agent that runs content jobs.
//
// A create_job command creates a workflow whose stages follow the
// configured pipeline. The coordinator then drives the stages one at a
// time: it moves the stage to processing, commands the stage's agent and
// waits for the reply, completes the stage with the reply data and
// records a checkpoint named after the stage. Outputs of completed stages
// are merged into the parameters of later ones.
//
// Failed stages are retried under the workflow engine's stage retry
// policy while the error is temporary. A permanent error fails the job.
//
// Commands:
//
//	create_job        parameters are stored as job data; returns job_id
//	cancel_job        job_id, reason
//	get_job_status    job_id; returns the workflow status projection
//	list_jobs         every known job
//	resume_job        job_id, checkpoint; restores and continues the job
//	get_agent_status  liveness table from the heartbeat monitor
package coordinator
