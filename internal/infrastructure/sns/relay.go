// Package sns forwards newly pushed notifications to an SNS topic, so that
// mobile or e-mail subscribers of the topic hear about them while no portal
// screen is open.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/portal-sync/internal/config"
	"github.com/portal-sync/internal/domain"
)

// Publisher is the part of *sns.Client the relay uses.
type Publisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Relay publishes one SNS message per forwarded notification.
type Relay struct {
	client   Publisher
	topicARN string
}

// message is the JSON body subscribers receive.
type message struct {
	ID        domain.ID `json:"id"`
	Type      string    `json:"type"`
	UserID    domain.ID `json:"user_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// NewClient creates an SNS client. When cfg.AWSEndpointURL is set (LocalStack),
// it overrides the endpoint.
func NewClient(ctx context.Context, cfg *config.Config) (*sns.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	var clientOpts []func(*sns.Options)
	if cfg.AWSEndpointURL != "" {
		clientOpts = append(clientOpts, func(o *sns.Options) {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		})
	}
	return sns.NewFromConfig(awsCfg, clientOpts...), nil
}

func NewRelay(client Publisher, topicARN string) *Relay {
	return &Relay{client: client, topicARN: topicARN}
}

// Forward publishes n for userID. The notification type travels as a message
// attribute so topic subscriptions can filter on it.
func (r *Relay) Forward(ctx context.Context, userID domain.ID, n domain.Notification) error {
	body, err := json.Marshal(message{
		ID:        n.ID,
		Type:      n.Type,
		UserID:    userID,
		Message:   n.Message(),
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification %s: %w", n.ID, err)
	}
	in := &sns.PublishInput{
		TopicArn: aws.String(r.topicARN),
		Message:  aws.String(string(body)),
	}
	if n.Type != "" {
		in.MessageAttributes = map[string]types.MessageAttributeValue{
			"type": {DataType: aws.String("String"), StringValue: aws.String(n.Type)},
		}
	}
	if _, err := r.client.Publish(ctx, in); err != nil {
		return fmt.Errorf("sns publish notification %s: %w", n.ID, err)
	}
	return nil
}
