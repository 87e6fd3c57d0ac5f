package engine

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/batch"
	"github.com/aws/aws-sdk-go-v2/service/batch/types"
	"github.com/google/uuid"

	"github.com/sentra-scan/sentra/internal/apierr"
)

// BatchAPI is the subset of the AWS Batch client the engine depends on.
type BatchAPI interface {
	SubmitJob(ctx context.Context, params *batch.SubmitJobInput, optFns ...func(*batch.Options)) (*batch.SubmitJobOutput, error)
	DescribeJobDefinitions(ctx context.Context, params *batch.DescribeJobDefinitionsInput, optFns ...func(*batch.Options)) (*batch.DescribeJobDefinitionsOutput, error)
	DescribeJobQueues(ctx context.Context, params *batch.DescribeJobQueuesInput, optFns ...func(*batch.Options)) (*batch.DescribeJobQueuesOutput, error)
	RegisterJobDefinition(ctx context.Context, params *batch.RegisterJobDefinitionInput, optFns ...func(*batch.Options)) (*batch.RegisterJobDefinitionOutput, error)
}

// Batch dispatches workers as AWS Batch jobs.
type Batch struct {
	client BatchAPI
}

// NewBatch creates a Batch engine over an existing client.
func NewBatch(client BatchAPI) *Batch {
	return &Batch{client: client}
}

func (b *Batch) SubmitBatch(ctx context.Context, jobDef, queue string, env map[string]string, credentialsKey string) (string, error) {
	merged := make(map[string]string, len(env)+1)
	for k, v := range env {
		merged[k] = v
	}
	if credentialsKey != "" {
		merged[EnvCredentialsKey] = credentialsKey
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]types.KeyValuePair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, types.KeyValuePair{Name: aws.String(k), Value: aws.String(merged[k])})
	}

	out, err := b.client.SubmitJob(ctx, &batch.SubmitJobInput{
		JobName:       aws.String("scan-" + uuid.NewString()),
		JobDefinition: aws.String(jobDef),
		JobQueue:      aws.String(queue),
		ContainerOverrides: &types.ContainerOverrides{
			Environment: pairs,
		},
	})
	if err != nil {
		return "", apierr.Wrap(apierr.UpstreamUnavailable, err, "submit batch job to %s", queue)
	}
	return aws.ToString(out.JobId), nil
}

func (b *Batch) GetJobDefinitionARN(ctx context.Context, jobDef string) (string, error) {
	out, err := b.client.DescribeJobDefinitions(ctx, &batch.DescribeJobDefinitionsInput{
		JobDefinitionName: aws.String(jobDef),
		Status:            aws.String("ACTIVE"),
	})
	if err != nil {
		return "", apierr.Wrap(apierr.UpstreamUnavailable, err, "describe job definition %s", jobDef)
	}
	if len(out.JobDefinitions) == 0 {
		return "", apierr.New(apierr.NotFound, "job definition %s not found", jobDef)
	}
	// The API returns revisions in no guaranteed order; take the newest.
	latest := out.JobDefinitions[0]
	for _, d := range out.JobDefinitions[1:] {
		if aws.ToInt32(d.Revision) > aws.ToInt32(latest.Revision) {
			latest = d
		}
	}
	return aws.ToString(latest.JobDefinitionArn), nil
}

func (b *Batch) GetJobQueueARN(ctx context.Context, queue string) (string, error) {
	out, err := b.client.DescribeJobQueues(ctx, &batch.DescribeJobQueuesInput{
		JobQueues: []string{queue},
	})
	if err != nil {
		return "", apierr.Wrap(apierr.UpstreamUnavailable, err, "describe job queue %s", queue)
	}
	if len(out.JobQueues) == 0 {
		return "", apierr.New(apierr.NotFound, "job queue %s not found", queue)
	}
	return aws.ToString(out.JobQueues[0].JobQueueArn), nil
}

func (b *Batch) CreateJobDefinitionFromExisting(ctx context.Context, jobDef, imageURL string) (string, error) {
	existing, err := b.client.DescribeJobDefinitions(ctx, &batch.DescribeJobDefinitionsInput{
		JobDefinitionName: aws.String(jobDef),
		Status:            aws.String("ACTIVE"),
	})
	if err != nil {
		return "", apierr.Wrap(apierr.UpstreamUnavailable, err, "describe job definition %s", jobDef)
	}
	if len(existing.JobDefinitions) == 0 {
		return "", apierr.New(apierr.NotFound, "job definition %s not found", jobDef)
	}

	base := existing.JobDefinitions[0]
	for _, d := range existing.JobDefinitions[1:] {
		if aws.ToInt32(d.Revision) > aws.ToInt32(base.Revision) {
			base = d
		}
	}
	if base.ContainerProperties == nil {
		return "", apierr.New(apierr.InvalidInput, "job definition %s has no container properties", jobDef)
	}

	props := *base.ContainerProperties
	props.Image = aws.String(imageURL)
	out, err := b.client.RegisterJobDefinition(ctx, &batch.RegisterJobDefinitionInput{
		JobDefinitionName:   base.JobDefinitionName,
		Type:                types.JobDefinitionType(aws.ToString(base.Type)),
		ContainerProperties: &props,
		Parameters:          base.Parameters,
		RetryStrategy:       base.RetryStrategy,
		Timeout:             base.Timeout,
	})
	if err != nil {
		return "", apierr.Wrap(apierr.UpstreamUnavailable, err, "register job definition %s", jobDef)
	}
	return aws.ToString(out.JobDefinitionArn), nil
}
