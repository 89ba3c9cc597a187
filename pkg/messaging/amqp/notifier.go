package amqp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"

	sweeperv1 "github.com/dominodatalab/sweeper/pkg/api/sweeper/v1"
)

const publishContentType = "application/json"

// TransitionNotifier publishes run transitions as JSON messages.
type TransitionNotifier struct {
	log       logr.Logger
	publisher Publisher
	exchange  string
	queue     string
}

func NewTransitionNotifier(log logr.Logger, publisher Publisher, exchange, queue string) *TransitionNotifier {
	return &TransitionNotifier{
		log:       log.WithName("transition-notifier"),
		publisher: publisher,
		exchange:  exchange,
		queue:     queue,
	}
}

func (n *TransitionNotifier) Notify(ctx context.Context, run *sweeperv1.PipelineRun, tr sweeperv1.Transition) error {
	log := n.log.WithValues("runId", run.ID, "stage", tr.Stage)
	log.Info("Processing phase transition", "from", tr.PreviousPhase, "to", tr.Phase)

	message := sweeperv1.NewRunTransitionMessage(run, tr)
	log.V(1).Info("Marshalling RunTransitionMessage into JSON", "message", message)
	content, err := json.Marshal(message)
	if err != nil {
		return err
	}

	log.Info("Publishing transition message")
	return n.publisher.Publish(ctx, PublishOptions{
		ExchangeName: n.exchange,
		QueueName:    n.queue,
		ContentType:  publishContentType,
		MessageID:    fmt.Sprintf("%s/%s/%s/%d", run.ID, tr.Stage, tr.Phase, tr.OccurredAt.UnixNano()),
		Body:         content,
	})
}

func (n *TransitionNotifier) Close() error {
	return n.publisher.Close()
}
