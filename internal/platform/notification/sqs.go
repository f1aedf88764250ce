package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of *sqs.Client used by the queue senders.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NewSQSClient builds a client from the default AWS credential chain.
// AWS_ENDPOINT_URL is honoured for local stacks.
func NewSQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.New(sqs.Options{
		Region:       cfg.Region,
		Credentials:  cfg.Credentials,
		HTTPClient:   cfg.HTTPClient,
		BaseEndpoint: cfg.BaseEndpoint,
	}), nil
}

type emailMessage struct {
	To       string            `json:"to"`
	Template string            `json:"template"`
	Data     map[string]string `json:"data"`
}

type smsMessage struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SQSEmailSender enqueues emails for the external mailer.
type SQSEmailSender struct {
	client   SQSAPI
	queueURL string
}

func NewSQSEmailSender(client SQSAPI, queueURL string) *SQSEmailSender {
	return &SQSEmailSender{client: client, queueURL: queueURL}
}

func (s *SQSEmailSender) Send(ctx context.Context, address, templateKey string, data map[string]string) error {
	body, err := json.Marshal(emailMessage{To: address, Template: templateKey, Data: data})
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"template": {DataType: aws.String("String"), StringValue: aws.String(templateKey)},
		},
	})
	if err != nil {
		return fmt.Errorf("enqueue email: %w", err)
	}
	return nil
}

// SQSSMSSender enqueues text messages for the external SMS gateway.
type SQSSMSSender struct {
	client   SQSAPI
	queueURL string
}

func NewSQSSMSSender(client SQSAPI, queueURL string) *SQSSMSSender {
	return &SQSSMSSender{client: client, queueURL: queueURL}
}

func (s *SQSSMSSender) Send(ctx context.Context, number, text string) error {
	body, err := json.Marshal(smsMessage{To: number, Text: text})
	if err != nil {
		return err
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("enqueue sms: %w", err)
	}
	return nil
}
