package source

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefart/dmarcpipeline/internal/report"
)

// fakeQueue hands out every queued message on each receive until it is
// deleted, like a queue with a zero visibility timeout.
type fakeQueue struct {
	mu         sync.Mutex
	messages   []types.Message
	deleted    []string
	sent       map[string][]string
	receiveErr error
	receives   int
}

func (q *fakeQueue) add(id, body string) {
	q.messages = append(q.messages, types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("handle-" + id),
		Body:          aws.String(body),
	})
}

func (q *fakeQueue) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.receives++
	if q.receiveErr != nil {
		return nil, q.receiveErr
	}
	n := min(int(in.MaxNumberOfMessages), len(q.messages))
	return &sqs.ReceiveMessageOutput{Messages: append([]types.Message(nil), q.messages[:n]...)}, nil
}

func (q *fakeQueue) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	handle := aws.ToString(in.ReceiptHandle)
	q.deleted = append(q.deleted, handle)
	for i, m := range q.messages {
		if aws.ToString(m.ReceiptHandle) == handle {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			break
		}
	}
	return &sqs.DeleteMessageOutput{}, nil
}

func (q *fakeQueue) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sent == nil {
		q.sent = make(map[string][]string)
	}
	url := aws.ToString(in.QueueUrl)
	q.sent[url] = append(q.sent[url], aws.ToString(in.MessageBody))
	return &sqs.SendMessageOutput{}, nil
}

type fakeBucket map[string]string

func (b fakeBucket) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	content, ok := b[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &smithy.GenericAPIError{Code: "NoSuchKey", Message: "not found"}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(content))}, nil
}

func newTestSQS(q *fakeQueue, bucket fakeBucket, modify func(*SQSOptions)) *SQS {
	opts := DefaultSQSOptions()
	opts.QueueURL = "https://sqs.eu-central-1.amazonaws.com/123456789012/dmarc"
	opts.MaxMessages = 2
	if modify != nil {
		modify(&opts)
	}
	return newSQS(discardLogger(), "queue", opts, q, bucket)
}

func snsWrap(t *testing.T, message string) string {
	t.Helper()
	b, err := json.Marshal(map[string]string{"Type": "Notification", "Message": message})
	require.NoError(t, err)
	return string(b)
}

func TestSQSExtractMail(t *testing.T) {
	t.Parallel()

	encoded := base64.StdEncoding.EncodeToString([]byte(reportMail))
	sesBase64 := `{"notificationType":"Received","receipt":{"action":{"type":"SNS","encoding":"BASE64"}},"content":"` + encoded + `"}`
	sesUTF8, err := json.Marshal(map[string]any{
		"notificationType": "Received",
		"receipt":          map[string]any{"action": map[string]any{"type": "SNS", "encoding": "UTF8"}},
		"content":          reportMail,
	})
	require.NoError(t, err)
	sesS3 := `{"notificationType":"Received","receipt":{"action":{"type":"S3","bucketName":"mails","objectKey":"incoming/1"}}}`

	s := newTestSQS(&fakeQueue{}, fakeBucket{"mails/incoming/1": reportMail}, nil)
	tests := []struct {
		name string
		body string
	}{
		{"raw", reportMail},
		{"ses base64", sesBase64},
		{"ses utf8", string(sesUTF8)},
		{"ses s3", sesS3},
		{"sns ses", snsWrap(t, sesBase64)},
		{"sns raw", snsWrap(t, reportMail)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.extractMail(context.Background(), tt.body)
			require.NoError(t, err)
			assert.Equal(t, reportMail, string(got))
		})
	}

	// unknown json is handed to the parser unchanged
	got, err := s.extractMail(context.Background(), `{"hello":"world"}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hello":"world"}`, string(got))

	_, err = s.extractMail(context.Background(), `{"receipt":{"action":{"type":"S3","bucketName":"mails","objectKey":"missing"}}}`)
	require.Error(t, err)
}

func TestSQSFetchAndAcknowledge(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.add("1", reportMail)
	q.add("2", "garbage")
	q.add("3", `{"receipt":{"action":{"type":"S3","bucketName":"mails","objectKey":"missing"}}}`)
	s := newTestSQS(q, fakeBucket{}, func(o *SQSOptions) {
		o.FailurePolicy = FailureMove
		o.ErrorQueueURL = "https://sqs.eu-central-1.amazonaws.com/123456789012/dmarc-errors"
	})

	ids := ackReports(t, s)
	// the message pointing to a missing object never reaches the handler but
	// still goes to the error queue
	assert.Equal(t, []string{"handle-1", "handle-2"}, ids)
	assert.ElementsMatch(t, []string{"handle-1", "handle-2", "handle-3"}, q.deleted)
	assert.Equal(t, []string{
		"garbage",
		`{"receipt":{"action":{"type":"S3","bucketName":"mails","objectKey":"missing"}}}`,
	}, q.sent[s.opts.ErrorQueueURL])
	assert.Empty(t, q.messages)

	require.Error(t, s.Acknowledge(context.Background(), "handle-unknown", Failed))
}

func TestSQSLeaveAndTest(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{}
	q.add("1", "garbage")
	s := newTestSQS(q, nil, nil)
	// leave is the default, every message is handed out once per fetch
	assert.Len(t, ackReports(t, s), 1)
	assert.Len(t, ackReports(t, s), 1)
	assert.Empty(t, q.deleted)

	// an unreadable notification is left in place as well
	q = &fakeQueue{}
	q.add("1", `{"receipt":{"action":{"type":"S3","bucketName":"mails","objectKey":"missing"}}}`)
	s = newTestSQS(q, fakeBucket{}, nil)
	assert.Empty(t, ackReports(t, s))
	assert.Empty(t, q.deleted)
	assert.Empty(t, q.sent)
	require.Len(t, q.messages, 1)

	q = &fakeQueue{}
	q.add("1", reportMail)
	s = newTestSQS(q, nil, func(o *SQSOptions) {
		o.Test = true
	})
	assert.Len(t, ackReports(t, s), 1)
	assert.Empty(t, q.deleted)
	require.NoError(t, s.Acknowledge(context.Background(), "anything", Processed(report.KindAggregate)))
}

func TestSQSErrors(t *testing.T) {
	t.Parallel()

	q := &fakeQueue{receiveErr: &smithy.GenericAPIError{Code: "InvalidClientTokenId", Message: "bad token"}}
	s := newTestSQS(q, nil, nil)
	for _, err := range s.Fetch(context.Background()) {
		require.ErrorIs(t, err, ErrAuthentication)
	}

	q.receiveErr = &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.NonExistentQueue", Message: "gone"}
	for _, err := range s.Fetch(context.Background()) {
		require.ErrorIs(t, err, ErrFolderNotFound)
		require.NotErrorIs(t, err, ErrAuthentication)
	}
}

func TestSQSFromOptions(t *testing.T) {
	t.Parallel()

	s, err := NewSQSFromOptions(discardLogger(), "queue", map[string]any{
		"queue_url":         "http://localhost:4566/000000000000/dmarc",
		"region":            "us-east-1",
		"endpoint":          "http://localhost:4566",
		"access_key_id":     "test",
		"secret_access_key": "test",
		"wait_time":         "5s",
	})
	require.NoError(t, err)
	q, ok := s.(*SQS)
	require.True(t, ok)
	assert.Equal(t, int32(10), q.opts.MaxMessages)
	assert.Equal(t, FailureLeave, q.opts.FailurePolicy)

	_, err = NewSQSFromOptions(discardLogger(), "queue", map[string]any{
		"queue_url":      "http://localhost:4566/000000000000/dmarc",
		"failure_policy": "move",
	})
	require.Error(t, err)

	_, err = NewSQSFromOptions(discardLogger(), "queue", map[string]any{
		"queue_url": "http://localhost:4566/000000000000/dmarc",
		"wait_time": "1m",
	})
	require.Error(t, err)
}
