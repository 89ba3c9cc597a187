package logsink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwTypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/go-logr/logr"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

const (
	maxBatchEvents = 10000
	maxBatchBytes  = 1048576
	// per-event overhead counted by PutLogEvents against the batch size limit
	eventOverhead = 26
	maxEventBytes = 256*1024 - eventOverhead
)

type cloudWatchLogsClient interface {
	CreateLogGroup(
		ctx context.Context,
		params *cloudwatchlogs.CreateLogGroupInput,
		optFns ...func(*cloudwatchlogs.Options),
	) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(
		ctx context.Context,
		params *cloudwatchlogs.PutRetentionPolicyInput,
		optFns ...func(*cloudwatchlogs.Options),
	) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
	CreateLogStream(
		ctx context.Context,
		params *cloudwatchlogs.CreateLogStreamInput,
		optFns ...func(*cloudwatchlogs.Options),
	) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(
		ctx context.Context,
		params *cloudwatchlogs.PutLogEventsInput,
		optFns ...func(*cloudwatchlogs.Options),
	) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatch writes stage output to CloudWatch Logs, one log group per stage kind.
type CloudWatch struct {
	log           logr.Logger
	client        cloudWatchLogsClient
	prefix        string
	retentionDays int
	tags          map[string]string
	now           func() time.Time
}

func NewCloudWatch(
	ctx context.Context,
	log logr.Logger,
	region, prefix string,
	retentionDays int,
	tags map[string]string,
) (*CloudWatch, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	} else {
		opts = append(opts, config.WithEC2IMDSRegion())
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("cannot load aws config: %w", err)
	}

	return NewCloudWatchWithClient(log, cloudwatchlogs.NewFromConfig(cfg), prefix, retentionDays, tags), nil
}

func NewCloudWatchWithClient(
	log logr.Logger,
	client cloudWatchLogsClient,
	prefix string,
	retentionDays int,
	tags map[string]string,
) *CloudWatch {
	return &CloudWatch{
		log:           log.WithName("cloudwatch-sink"),
		client:        client,
		prefix:        prefix,
		retentionDays: retentionDays,
		tags:          tags,
		now:           time.Now,
	}
}

func (c *CloudWatch) Ensure(ctx context.Context) error {
	for _, group := range Destinations(c.prefix) {
		_, err := c.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
			LogGroupName: aws.String(group),
			Tags:         c.tags,
		})

		var exists *cwTypes.ResourceAlreadyExistsException
		switch {
		case errors.As(err, &exists):
		case err != nil:
			return fmt.Errorf("cannot create log group %q: %w", group, err)
		default:
			c.log.Info("Created log group", "group", group)
		}

		_, err = c.client.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
			LogGroupName:    aws.String(group),
			RetentionInDays: aws.Int32(int32(c.retentionDays)),
		})
		if err != nil {
			return fmt.Errorf("cannot set retention on log group %q: %w", group, err)
		}
	}

	return nil
}

func (c *CloudWatch) Open(ctx context.Context, stage sweeperv1.StageName, runID string) (Stream, error) {
	group := DestinationName(c.prefix, stage)
	if group == "" {
		return nil, fmt.Errorf("stage %q has no log destination", stage)
	}
	name := StreamName(runID, stage)

	_, err := c.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(group),
		LogStreamName: aws.String(name),
	})
	var exists *cwTypes.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return nil, fmt.Errorf("cannot create log stream %q: %w", name, err)
	}

	return &cloudWatchStream{ctx: ctx, sink: c, group: group, name: name}, nil
}

type cloudWatchStream struct {
	ctx   context.Context
	sink  *CloudWatch
	group string
	name  string
	lines lineBuffer

	mu      sync.Mutex
	pending []cwTypes.InputLogEvent
	size    int
	closed  bool
}

func (s *cloudWatchStream) Destination() string { return s.group }
func (s *cloudWatchStream) Name() string        { return s.name }

func (s *cloudWatchStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.New("write to closed log stream")
	}
	for _, line := range s.lines.push(p) {
		s.add(line)
	}
	if len(s.pending) >= maxBatchEvents || s.size >= maxBatchBytes {
		if err := s.flush(s.ctx); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (s *cloudWatchStream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	if rest := s.lines.drain(); rest != "" {
		s.add(rest)
	}
	s.closed = true

	return s.flush(ctx)
}

func (s *cloudWatchStream) add(line string) {
	if line == "" {
		line = " "
	}
	if len(line) > maxEventBytes {
		line = line[:runeBoundary(line, maxEventBytes)]
	}

	s.pending = append(s.pending, cwTypes.InputLogEvent{
		Message:   aws.String(line),
		Timestamp: aws.Int64(s.sink.now().UnixMilli()),
	})
	s.size += len(line) + eventOverhead
}

func (s *cloudWatchStream) flush(ctx context.Context) error {
	for len(s.pending) > 0 {
		n, size := 0, 0
		for n < len(s.pending) && n < maxBatchEvents {
			evSize := len(aws.ToString(s.pending[n].Message)) + eventOverhead
			if size+evSize > maxBatchBytes {
				break
			}
			size += evSize
			n++
		}

		_, err := s.sink.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(s.group),
			LogStreamName: aws.String(s.name),
			LogEvents:     s.pending[:n],
		})
		if err != nil {
			return fmt.Errorf("cannot put log events to %s/%s: %w", s.group, s.name, err)
		}

		s.pending = s.pending[n:]
		s.size -= size
	}

	return nil
}
