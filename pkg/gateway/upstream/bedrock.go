package upstream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

const (
	DefaultModelID = "amazon.nova-sonic-v1:0"
	DefaultRegion  = "us-east-1"
)

type bidiStreamClient interface {
	InvokeModelWithBidirectionalStream(ctx context.Context, params *bedrockruntime.InvokeModelWithBidirectionalStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithBidirectionalStreamOutput, error)
}

// bidiStream is the subset of the SDK event stream the transport uses.
type bidiStream interface {
	Send(ctx context.Context, event types.InvokeModelWithBidirectionalStreamInput) error
	Events() <-chan types.InvokeModelWithBidirectionalStreamOutput
	Close() error
	Err() error
}

// BedrockDialer opens InvokeModelWithBidirectionalStream sessions.
type BedrockDialer struct {
	Client  bidiStreamClient
	ModelID string
}

// NewBedrockDialer loads AWS configuration from the default credential chain.
func NewBedrockDialer(ctx context.Context, region, modelID string) (*BedrockDialer, error) {
	if strings.TrimSpace(region) == "" {
		region = DefaultRegion
	}
	if strings.TrimSpace(modelID) == "" {
		modelID = DefaultModelID
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &BedrockDialer{
		Client:  bedrockruntime.NewFromConfig(cfg),
		ModelID: modelID,
	}, nil
}

func (d *BedrockDialer) Dial(ctx context.Context) (Transport, error) {
	if d == nil || d.Client == nil {
		return nil, errors.New("bedrock client is not configured")
	}
	out, err := d.Client.InvokeModelWithBidirectionalStream(ctx, &bedrockruntime.InvokeModelWithBidirectionalStreamInput{
		ModelId: aws.String(d.ModelID),
	})
	if err != nil {
		return nil, classifyBedrockError(err)
	}
	return newBedrockTransport(out.GetStream()), nil
}

type bedrockTransport struct {
	stream bidiStream

	sendMu    sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newBedrockTransport(stream bidiStream) *bedrockTransport {
	return &bedrockTransport{stream: stream}
}

func (t *bedrockTransport) Send(ctx context.Context, payload []byte) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	err := t.stream.Send(ctx, &types.InvokeModelWithBidirectionalStreamInputMemberChunk{
		Value: types.BidirectionalInputPayloadPart{Bytes: payload},
	})
	if err != nil {
		if t.closed.Load() {
			return ErrClosed
		}
		return classifyBedrockError(err)
	}
	return nil
}

func (t *bedrockTransport) Receive(ctx context.Context) ([]byte, error) {
	events := t.stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				t.closed.Store(true)
				if err := t.stream.Err(); err != nil {
					return nil, classifyBedrockError(err)
				}
				return nil, ErrClosed
			}
			chunk, isChunk := ev.(*types.InvokeModelWithBidirectionalStreamOutputMemberChunk)
			if !isChunk {
				continue
			}
			if len(chunk.Value.Bytes) == 0 {
				continue
			}
			return chunk.Value.Bytes, nil
		}
	}
}

func (t *bedrockTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.closeErr = t.stream.Close()
	})
	return t.closeErr
}

var fatalBedrockCodes = map[string]bool{
	"ValidationException":           true,
	"AccessDeniedException":         true,
	"ResourceNotFoundException":     true,
	"ModelNotReadyException":        true,
	"ServiceQuotaExceededException": true,
}

// classifyBedrockError marks configuration-class failures as fatal so the
// session surfaces them to the user verbatim.
func classifyBedrockError(err error) error {
	if err == nil {
		return nil
	}
	se := &StreamError{Message: firstLine(err.Error()), Err: err}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		se.Code = apiErr.ErrorCode()
		se.Message = firstLine(apiErr.ErrorMessage())
		se.Fatal = fatalBedrockCodes[se.Code]
	}
	if strings.Contains(se.Message, "Invalid voice ID") || strings.Contains(se.Message, "Error(s):") {
		se.Fatal = true
	}
	return se
}
