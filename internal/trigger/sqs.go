package trigger

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// SQSAPI is the subset of the SQS client the consumer depends on.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

const (
	receiveBatchSize = 10
	receiveWait      = 20 * time.Second
	receiveBackoff   = 5 * time.Second
)

// Consumer drains the audit event queue and hands decoded records to the
// router. Messages are deleted only after routing succeeds, so transient
// failures redeliver.
type Consumer struct {
	sqs      SQSAPI
	queueURL string
	router   *Router
	updater  JobUpdater
	logger   *zap.Logger
}

// NewConsumer wires a queue consumer. updater receives worker lifecycle
// records; nil drops them.
func NewConsumer(api SQSAPI, queueURL string, router *Router, updater JobUpdater, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{sqs: api, queueURL: queueURL, router: router, updater: updater, logger: logger}
}

// Run polls until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := c.sqs.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: receiveBatchSize,
			WaitTimeSeconds:     int32(receiveWait / time.Second),
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("receive audit events", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(receiveBackoff):
			}
			continue
		}
		if len(out.Messages) == 0 {
			continue
		}
		c.handleBatch(ctx, out.Messages)
	}
}

// handleBatch decodes one receive batch, routes it, and deletes the
// messages that routed. Malformed messages are deleted too so they do not
// poison the queue.
func (c *Consumer) handleBatch(ctx context.Context, messages []sqstypes.Message) {
	var (
		trail     []EventBridgeRecord
		maestro   []MaestroRecord
		worker    []WorkerStateRecord
		processed []sqstypes.Message
		malformed []sqstypes.Message
	)
	for _, msg := range messages {
		body := aws.ToString(msg.Body)
		rec, ok := decodeRecord(body)
		if !ok {
			c.logger.Warn("unrecognized audit event message",
				zap.String("message_id", aws.ToString(msg.MessageId)))
			malformed = append(malformed, msg)
			continue
		}
		switch v := rec.(type) {
		case EventBridgeRecord:
			trail = append(trail, v)
		case MaestroRecord:
			maestro = append(maestro, v)
		case WorkerStateRecord:
			worker = append(worker, v)
		}
		processed = append(processed, msg)
	}

	routed := true
	if len(trail) > 0 {
		if _, err := c.router.RouteCloudTrail(trail); err != nil {
			c.logger.Error("route cloudtrail events", zap.Error(err))
			routed = false
		}
	}
	if len(maestro) > 0 {
		if _, err := c.router.RouteMaestro(maestro); err != nil {
			c.logger.Error("route maestro events", zap.Error(err))
			routed = false
		}
	}
	for _, rec := range worker {
		if c.updater == nil {
			break
		}
		if err := c.updater.UpdateJobFromWorker(ctx, rec.Detail.JobID, rec.WorkerDetail(), rec.Env()); err != nil {
			c.logger.Error("apply worker state change",
				zap.String("native_job_id", rec.Detail.JobID),
				zap.Error(err))
			routed = false
		}
	}

	if routed {
		c.deleteMessages(ctx, processed)
	}
	c.deleteMessages(ctx, malformed)
}

func (c *Consumer) deleteMessages(ctx context.Context, messages []sqstypes.Message) {
	for _, msg := range messages {
		if _, err := c.sqs.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		}); err != nil {
			c.logger.Warn("delete audit event message",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err))
		}
	}
}

// decodeRecord sniffs the vendor from the payload shape. EventBridge
// envelopes carry detail-type and source; Maestro records carry cloud and
// group; worker lifecycle records carry the state-change detail-type.
func decodeRecord(body string) (any, bool) {
	var probe struct {
		DetailType string `json:"detail-type"`
		Source     string `json:"source"`
		Cloud      string `json:"cloud"`
		Group      string `json:"group"`
	}
	if err := json.Unmarshal([]byte(body), &probe); err != nil {
		return nil, false
	}
	switch {
	case probe.DetailType == workerStateDetailType:
		var rec WorkerStateRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, false
		}
		return rec, true
	case probe.DetailType != "" || probe.Source != "":
		var rec EventBridgeRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, false
		}
		return rec, true
	case probe.Cloud != "":
		var rec MaestroRecord
		if err := json.Unmarshal([]byte(body), &rec); err != nil {
			return nil, false
		}
		return rec, true
	default:
		return nil, false
	}
}
