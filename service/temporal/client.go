package temporal

import (
	"context"
	"fmt"
	"log/slog"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
)

// Client starts and follows backfills on Temporal.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:    c,
		taskQueue: taskQueue,
		logger:    logger,
	}, nil
}

// BackfillWorkflowID returns the workflow ID for a slot range. Starting the
// same range twice while it runs is rejected by Temporal.
func BackfillWorkflowID(start, end uint64) string {
	return fmt.Sprintf("backfill-%d-%d", start, end)
}

// StartBackfill starts BackfillWorkflow for slots start..end and returns the
// workflow and run IDs.
func (c *Client) StartBackfill(ctx context.Context, start, end uint64) (string, string, error) {
	id := BackfillWorkflowID(start, end)

	c.logger.Debug("starting backfill", "workflow_id", id, "start", start, "end", end)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             c.taskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}, BackfillWorkflow, BackfillInput{Start: start, End: end})
	if err != nil {
		c.logger.Error("failed to start backfill", "workflow_id", id, "error", err)
		return "", "", fmt.Errorf("failed to start backfill %q: %w", id, err)
	}

	c.logger.Info("started backfill",
		"workflow_id", run.GetID(),
		"run_id", run.GetRunID(),
		"start", start,
		"end", end,
	)
	return run.GetID(), run.GetRunID(), nil
}

// WaitBackfill blocks until the backfill with workflowID completes, following
// continue-as-new runs, and returns its final result.
func (c *Client) WaitBackfill(ctx context.Context, workflowID string) (*BackfillResult, error) {
	var result BackfillResult
	if err := c.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("backfill %q failed: %w", workflowID, err)
	}
	return &result, nil
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
