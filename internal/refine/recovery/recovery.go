// Package recovery turns free-form engine replies into typed records. A reply
// either validates against its kind's JSON Schema or the caller gets a
// MalformedResponseError; partial records are never returned.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/danshapiro/refiner/internal/refine/genclient"
)

type Policy string

const (
	// PolicyReformatOnce asks the engine once to reformat an unparsable reply.
	PolicyReformatOnce Policy = "reformat_once"
	// PolicyRetryOperation re-sends the original prompt instead.
	PolicyRetryOperation Policy = "retry_operation"
)

const defaultMaxOperationAttempts = 2

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyReformatOnce:
		return PolicyReformatOnce, nil
	case PolicyRetryOperation:
		return PolicyRetryOperation, nil
	}
	return "", fmt.Errorf("unknown recovery policy %q (want reformat_once or retry_operation)", s)
}

type MalformedResponseError struct {
	Kind Kind
	Raw  string
	Err  error
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed %s response: %v", e.Kind, e.Err)
}

func (e *MalformedResponseError) Unwrap() error { return e.Err }

type Options struct {
	Policy               Policy
	MaxOperationAttempts int
	Logger               *slog.Logger
}

type Recoverer struct {
	inv         genclient.Invoker
	policy      Policy
	maxAttempts int
	schemas     map[Kind]*jsonschema.Schema
	logger      *slog.Logger
}

func New(inv genclient.Invoker, opts Options) (*Recoverer, error) {
	if inv == nil {
		return nil, fmt.Errorf("recovery: invoker is required")
	}
	policy, err := ParsePolicy(string(opts.Policy))
	if err != nil {
		return nil, err
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	r := &Recoverer{
		inv:         inv,
		policy:      policy,
		maxAttempts: opts.MaxOperationAttempts,
		schemas:     schemas,
		logger:      opts.Logger,
	}
	if r.maxAttempts <= 0 {
		r.maxAttempts = defaultMaxOperationAttempts
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r, nil
}

// Parse decodes raw into out without contacting the engine.
func (r *Recoverer) Parse(kind Kind, raw string, out any) error {
	schema, ok := r.schemas[kind]
	if !ok {
		return fmt.Errorf("recovery: unknown kind %q", kind)
	}
	body := StripFence(raw)
	var doc any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		return &MalformedResponseError{Kind: kind, Raw: raw, Err: err}
	}
	if _, isObj := doc.(map[string]any); !isObj {
		return &MalformedResponseError{Kind: kind, Raw: raw, Err: fmt.Errorf("expected a JSON object")}
	}
	if err := schema.Validate(doc); err != nil {
		return &MalformedResponseError{Kind: kind, Raw: raw, Err: err}
	}
	return decodeInto(kind, raw, body, out)
}

// decodeInto fills out only when the whole document decodes.
func decodeInto(kind Kind, raw, body string, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("recovery: out must be a non-nil pointer, got %T", out)
	}
	fresh := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal([]byte(body), fresh.Interface()); err != nil {
		return &MalformedResponseError{Kind: kind, Raw: raw, Err: err}
	}
	rv.Elem().Set(fresh.Elem())
	return nil
}

// Recover parses raw. Under reformat_once a failed parse costs exactly one
// corrective call; under retry_operation there is no original prompt to
// repeat, so the first failure is final.
func (r *Recoverer) Recover(ctx context.Context, kind Kind, raw string, out any) error {
	err := r.Parse(kind, raw, out)
	if err == nil || r.policy != PolicyReformatOnce {
		return err
	}
	r.logger.Warn("unparsable response, requesting reformat", "kind", string(kind), "error", err)
	reformatted, invErr := r.inv.Invoke(ctx, reformatPrompt(kind, raw))
	if invErr != nil {
		return invErr
	}
	return r.Parse(kind, reformatted, out)
}

// Obtain sends prompt and recovers a record of kind from the reply.
func (r *Recoverer) Obtain(ctx context.Context, kind Kind, prompt string, out any) error {
	if r.policy == PolicyReformatOnce {
		raw, err := r.inv.Invoke(ctx, prompt)
		if err != nil {
			return err
		}
		return r.Recover(ctx, kind, raw, out)
	}

	var lastErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		raw, err := r.inv.Invoke(ctx, prompt)
		if err != nil {
			return err
		}
		lastErr = r.Parse(kind, raw, out)
		if lastErr == nil {
			return nil
		}
		r.logger.Warn("unparsable response, retrying operation", "kind", string(kind), "attempt", attempt, "error", lastErr)
	}
	return lastErr
}

// StripFence removes one Markdown code fence wrapped around raw, if present.
func StripFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	nl := strings.IndexByte(s, '\n')
	if nl < 0 {
		return s
	}
	s = s[nl+1:]
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func reformatPrompt(kind Kind, raw string) string {
	return fmt.Sprintf(`The following response was supposed to be a single JSON object with the keys: %s.
Reformat it as valid JSON containing exactly those keys. Reply with the JSON object only, no commentary and no code fences.

Response:
%s`, strings.Join(requiredKeys[kind], ", "), raw)
}
