// Package push fans rendered notifications out to device tokens and
// classifies what the provider said about each one. It never retries and
// never touches driver records; callers act on the Report.
package push

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
)

var (
	// ErrInvalidToken is wrapped by providers when a token is permanently dead.
	ErrInvalidToken = errors.New("invalid device token")
	// ErrNoResult marks a token the provider returned no result for.
	ErrNoResult = errors.New("provider returned no result for token")
)

type Reason string

const (
	InvalidToken   Reason = "invalid_token"
	TransientError Reason = "transient_error"
)

type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

// Provider delivers one message to one token.
type Provider interface {
	Send(ctx context.Context, token string, msg Message) error
}

// Multicaster is implemented by providers that accept many tokens per call.
// errs is aligned with tokens; a non-nil batchErr means nothing was delivered.
// Tokens past the end of a short errs slice are reported with ErrNoResult.
type Multicaster interface {
	Provider
	SendMulticast(ctx context.Context, tokens []string, msg Message) (errs []error, batchErr error)
	MaxBatch() int
}

type Outcome struct {
	Token     string
	DriverID  string
	Delivered bool
	Reason    Reason
	Err       error
}

type Report struct {
	Outcomes []Outcome
}

func (r Report) Delivered() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Delivered {
			n++
		}
	}
	return n
}

func (r Report) Failed() int { return len(r.Outcomes) - r.Delivered() }

// InvalidTokens lists the outcomes whose token should be purged.
func (r Report) InvalidTokens() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if !o.Delivered && o.Reason == InvalidToken {
			out = append(out, o)
		}
	}
	return out
}

type Gateway struct {
	provider Provider
	logger   *slog.Logger
}

func NewGateway(p Provider, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{provider: p, logger: logger.With("component", "push")}
}

// Deliver sends every envelope once. Envelopes with identical content are
// grouped into multicast calls when the provider supports it. Outcomes are
// returned in envelope order.
func (g *Gateway) Deliver(ctx context.Context, envs []models.Envelope) Report {
	outcomes := make([]Outcome, len(envs))
	for i, e := range envs {
		outcomes[i] = Outcome{Token: e.Token, DriverID: e.DriverID}
	}

	mc, multicast := g.provider.(Multicaster)
	if !multicast {
		for i, e := range envs {
			err := g.provider.Send(ctx, e.Token, messageOf(e))
			outcomes[i] = classify(outcomes[i], err)
		}
		return g.finish(outcomes)
	}

	for _, idx := range groupByContent(envs) {
		msg := messageOf(envs[idx[0]])
		for _, chunk := range chunks(idx, mc.MaxBatch()) {
			tokens := make([]string, len(chunk))
			for j, i := range chunk {
				tokens[j] = envs[i].Token
			}
			errs, batchErr := mc.SendMulticast(ctx, tokens, msg)
			for j, i := range chunk {
				switch {
				case batchErr != nil:
					outcomes[i] = Outcome{Token: tokens[j], DriverID: envs[i].DriverID, Reason: TransientError, Err: batchErr}
				case j < len(errs):
					outcomes[i] = classify(outcomes[i], errs[j])
				default:
					// no per-token answer; do not count it as delivered
					outcomes[i] = classify(outcomes[i], ErrNoResult)
				}
			}
		}
	}
	return g.finish(outcomes)
}

func (g *Gateway) finish(outcomes []Outcome) Report {
	for _, o := range outcomes {
		switch {
		case o.Delivered:
			observability.PushDeliveriesTotal.WithLabelValues("delivered").Inc()
		default:
			observability.PushDeliveriesTotal.WithLabelValues(string(o.Reason)).Inc()
			g.logger.Debug("push failed", "driver_id", o.DriverID, "reason", o.Reason, "error", o.Err)
		}
	}
	return Report{Outcomes: outcomes}
}

func classify(o Outcome, err error) Outcome {
	if err == nil {
		o.Delivered = true
		return o
	}
	o.Err = err
	if errors.Is(err, ErrInvalidToken) {
		o.Reason = InvalidToken
	} else {
		o.Reason = TransientError
	}
	return o
}

func messageOf(e models.Envelope) Message {
	return Message{Title: e.Title, Body: e.Body, Data: e.Payload}
}

// groupByContent returns envelope indexes grouped by identical
// title/body/payload, in order of first appearance.
func groupByContent(envs []models.Envelope) [][]int {
	var order []string
	groups := make(map[string][]int)
	for i, e := range envs {
		k := contentKey(e)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}
	out := make([][]int, 0, len(order))
	for _, k := range order {
		out = append(out, groups[k])
	}
	return out
}

func contentKey(e models.Envelope) string {
	keys := make([]string, 0, len(e.Payload))
	for k := range e.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(e.Title)
	b.WriteByte(0)
	b.WriteString(e.Body)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(e.Payload[k])
	}
	return b.String()
}

func chunks(idx []int, size int) [][]int {
	if size <= 0 {
		size = len(idx)
	}
	var out [][]int
	for len(idx) > size {
		out = append(out, idx[:size])
		idx = idx[size:]
	}
	if len(idx) > 0 {
		out = append(out, idx)
	}
	return out
}
