// Package inference implements the Inference Client: a bounded-latency
// HTTP request/response to an external decision service shaped like a
// TensorZero gateway. Wraps go-resty with an explicit per-call timeout
// and no implicit retries; the caller decides what to do on failure.
package inference

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"overmind-engine/pkg/types"
)

// ErrMalformed is returned when the response fails schema validation —
// missing or wrong-typed fields, not silently defaulted.
var ErrMalformed = errors.New("inference: malformed decision")

// ErrTimeout is returned when the call exceeds its deadline.
var ErrTimeout = errors.New("inference: timeout")

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type inferenceRequest struct {
	ModelName string `json:"model_name"`
	Input     struct {
		Messages []chatMessage `json:"messages"`
	} `json:"input"`
	Stream bool              `json:"stream"`
	Tags   map[string]string `json:"tags"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type inferenceResponse struct {
	InferenceID string         `json:"inference_id"`
	EpisodeID   string         `json:"episode_id"`
	VariantName string         `json:"variant_name"`
	Content     []contentBlock `json:"content"`
	Usage       *usage         `json:"usage"`
}

// decisionWire is the JSON shape of the text content block, per the wire's field
// list. Fields use pointers where a zero value would be indistinguishable
// from "absent" for strict validation.
type decisionWire struct {
	SignalType        *string  `json:"signal_type"`
	Confidence        *float64 `json:"confidence"`
	ActionType        *string  `json:"action_type"`
	TokenIn           *string  `json:"token_in"`
	TokenOut          *string  `json:"token_out"`
	AmountIn          *string  `json:"amount_in"`
	MinAmountOut      *string  `json:"min_amount_out"`
	SlippageTolerance *float64 `json:"slippage_tolerance"`
	PriorityFee       *string  `json:"priority_fee"`
	EstimatedProfit   *string  `json:"estimated_profit"`
	TimeWindowMs      *int64   `json:"time_window_ms"`
	Reasoning         *string  `json:"reasoning"`
}

// Client calls the inference gateway under a caller-supplied deadline.
type Client struct {
	http           *resty.Client
	baseURL        string
	modelName      string
	connectTimeout time.Duration
}

// New constructs an inference client. connectTimeout must be distinctly
// smaller than any deadline passed to Decide.
func New(baseURL, modelName string, connectTimeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
	}
	h := resty.New().
		SetBaseURL(baseURL).
		SetTransport(transport).
		SetRetryCount(0)
	return &Client{http: h, baseURL: baseURL, modelName: modelName, connectTimeout: connectTimeout}
}

// Decide issues a single HTTP request/response with a per-call timeout
// strictly less than the remaining end-to-end budget. No implicit retries:
// the caller (Execution Engine) decides what to do on error.
func (c *Client) Decide(ctx context.Context, marketContextJSON string, deadline time.Duration) (types.InferenceDecision, error) {
	if deadline <= c.connectTimeout {
		return types.InferenceDecision{}, fmt.Errorf("inference: deadline %s must exceed connect timeout %s", deadline, c.connectTimeout)
	}

	reqBody := inferenceRequest{
		ModelName: c.modelName,
		Stream:    false,
		Tags:      map[string]string{"source": "overmind-engine"},
	}
	reqBody.Input.Messages = []chatMessage{{Role: "user", Content: marketContextJSON}}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var wireResp inferenceResponse
	resp, err := c.http.R().
		SetContext(callCtx).
		SetBody(reqBody).
		SetResult(&wireResp).
		Post("/inference")
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return types.InferenceDecision{}, ErrTimeout
		}
		return types.InferenceDecision{}, fmt.Errorf("inference: request failed: %w", err)
	}
	if resp.IsError() {
		return types.InferenceDecision{}, fmt.Errorf("inference: status %d", resp.StatusCode())
	}

	return parseDecision(wireResp)
}

func parseDecision(resp inferenceResponse) (types.InferenceDecision, error) {
	var textBlock *contentBlock
	for i := range resp.Content {
		if resp.Content[i].Type == "text" {
			textBlock = &resp.Content[i]
			break
		}
	}
	if textBlock == nil {
		return types.InferenceDecision{}, fmt.Errorf("%w: no text content block", ErrMalformed)
	}

	var wire decisionWire
	if err := json.Unmarshal([]byte(textBlock.Text), &wire); err != nil {
		return types.InferenceDecision{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := wire.validate(); err != nil {
		return types.InferenceDecision{}, err
	}

	amountIn, err1 := decimal.NewFromString(*wire.AmountIn)
	minAmountOut, err2 := decimal.NewFromString(*wire.MinAmountOut)
	priorityFee, err3 := decimal.NewFromString(*wire.PriorityFee)
	estimatedProfit, err4 := decimal.NewFromString(*wire.EstimatedProfit)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return types.InferenceDecision{}, fmt.Errorf("%w: non-numeric amount field", ErrMalformed)
	}

	return types.InferenceDecision{
		SignalType:        *wire.SignalType,
		Confidence:        *wire.Confidence,
		ActionType:        types.ActionType(*wire.ActionType),
		TokenIn:           *wire.TokenIn,
		TokenOut:          *wire.TokenOut,
		AmountIn:          amountIn,
		MinAmountOut:      minAmountOut,
		SlippageTolerance: *wire.SlippageTolerance,
		PriorityFee:       priorityFee,
		EstimatedProfit:   estimatedProfit,
		TimeWindowMs:      *wire.TimeWindowMs,
		Reasoning:         derefOr(wire.Reasoning, ""),
		ReceivedAt:        time.Now(),
	}, nil
}

func (w decisionWire) validate() error {
	missing := func(name string, present bool) error {
		if !present {
			return fmt.Errorf("%w: missing field %q", ErrMalformed, name)
		}
		return nil
	}
	if err := missing("signal_type", w.SignalType != nil); err != nil {
		return err
	}
	if err := missing("confidence", w.Confidence != nil); err != nil {
		return err
	}
	if w.Confidence != nil && (*w.Confidence < 0 || *w.Confidence > 1) {
		return fmt.Errorf("%w: confidence out of [0,1]", ErrMalformed)
	}
	if err := missing("action_type", w.ActionType != nil); err != nil {
		return err
	}
	if err := missing("token_in", w.TokenIn != nil); err != nil {
		return err
	}
	if err := missing("token_out", w.TokenOut != nil); err != nil {
		return err
	}
	if err := missing("amount_in", w.AmountIn != nil); err != nil {
		return err
	}
	if err := missing("min_amount_out", w.MinAmountOut != nil); err != nil {
		return err
	}
	if err := missing("slippage_tolerance", w.SlippageTolerance != nil); err != nil {
		return err
	}
	if err := missing("priority_fee", w.PriorityFee != nil); err != nil {
		return err
	}
	if err := missing("estimated_profit", w.EstimatedProfit != nil); err != nil {
		return err
	}
	if err := missing("time_window_ms", w.TimeWindowMs != nil); err != nil {
		return err
	}
	return nil
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
