// Package validate implements the Request Schema Validator (C2): strict,
// aggregating validation of a sampling request body against a fixed schema.
//
// Once the body decodes into the schema's shape, validation never stops at
// the first problem — every field error found is collected and returned
// together via errors.Join, so a caller that fixes
// only the first reported error does not have to resubmit repeatedly to
// discover the rest.
package validate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformedJSON marks a failure to parse the request body as JSON at all.
var ErrMalformedJSON = errors.New("malformed json")

// ErrInvalidRequest marks a structurally well-formed body that fails schema
// validation (bad role, empty messages, unsupported content type, etc).
var ErrInvalidRequest = errors.New("invalid request")

// Role is the closed set of message roles a BridgeRequest may carry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleSystem
}

// Message is one validated conversation turn. Content has already been
// flattened from the wire's string-or-content-array union into plain text.
type Message struct {
	Role    Role
	Content string
}

// BridgeRequest is the validated, in-memory form of a sampling request body.
type BridgeRequest struct {
	Messages []Message

	Model        string
	HasModel     bool
	MaxTokens    int
	HasMaxTokens bool
	SystemPrompt string
	Stream       bool
}

// wire mirrors the JSON shape exactly, so unknown-field rejection and type
// errors are reported against the caller's own field names.
type wireRequest struct {
	Messages     []wireMessage `json:"messages"`
	Model        *string       `json:"model,omitempty"`
	MaxTokens    *int          `json:"maxTokens,omitempty"`
	SystemPrompt *string       `json:"systemPrompt,omitempty"`
	Stream       *bool         `json:"stream,omitempty"`
}

type wireMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type wireContentPart struct {
	Type string  `json:"type"`
	Text *string `json:"text,omitempty"`
}

// Validate parses data as JSON and validates it against the sampling
// request schema. A parse failure returns immediately, wrapped in
// ErrMalformedJSON. An unknown field or a JSON type mismatch also returns
// immediately, wrapped in ErrInvalidRequest, without the remaining checks
// running. Otherwise a structurally invalid body returns every validation
// error found, joined together and wrapped in ErrInvalidRequest.
func Validate(data []byte) (*BridgeRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var wr wireRequest
	if err := dec.Decode(&wr); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("validate: %w: %v", ErrMalformedJSON, err)
		}
		return nil, fmt.Errorf("validate: %w: %v", ErrInvalidRequest, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("validate: %w: trailing data after JSON body", ErrMalformedJSON)
	}

	var errs []error

	if len(wr.Messages) == 0 {
		errs = append(errs, errors.New("messages must contain at least one element"))
	}

	messages := make([]Message, 0, len(wr.Messages))
	for i, wm := range wr.Messages {
		role := Role(wm.Role)
		if !role.valid() {
			errs = append(errs, fmt.Errorf("messages[%d].role %q is invalid; valid values: user, assistant, system", i, wm.Role))
		}
		content, err := flattenContent(wm.Content)
		if err != nil {
			errs = append(errs, fmt.Errorf("messages[%d].content: %w", i, err))
			continue
		}
		messages = append(messages, Message{Role: role, Content: content})
	}

	req := &BridgeRequest{Messages: messages}

	if wr.Model != nil {
		if *wr.Model == "" {
			errs = append(errs, errors.New("model must not be empty when present"))
		}
		req.Model = *wr.Model
		req.HasModel = true
	}

	if wr.MaxTokens != nil {
		if *wr.MaxTokens < 1 || *wr.MaxTokens > 100000 {
			errs = append(errs, fmt.Errorf("maxTokens %d is out of range [1, 100000]", *wr.MaxTokens))
		}
		req.MaxTokens = *wr.MaxTokens
		req.HasMaxTokens = true
	}

	if wr.SystemPrompt != nil {
		req.SystemPrompt = *wr.SystemPrompt
	}
	if wr.Stream != nil {
		req.Stream = *wr.Stream
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("validate: %w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return req, nil
}

// flattenContent accepts either a JSON string or an array of
// {"type":"...", "text?":"..."} content parts and reduces it to plain text.
//
// Only the "text" content type is supported: any other type is rejected
// rather than silently dropped, since projecting an unknown content type to
// nothing would discard information the caller expected to be honored.
func flattenContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("is required")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var parts []wireContentPart
	if err := dec.Decode(&parts); err != nil {
		return "", fmt.Errorf("must be a string or an array of content parts: %w", err)
	}

	var buf bytes.Buffer
	for i, p := range parts {
		if p.Type == "" {
			return "", fmt.Errorf("content[%d].type is required", i)
		}
		if p.Type != "text" {
			return "", fmt.Errorf("content[%d].type %q is not supported; only \"text\" is supported", i, p.Type)
		}
		if p.Text == nil {
			return "", fmt.Errorf("content[%d].text is required when type is \"text\"", i)
		}
		buf.WriteString(*p.Text)
	}
	return buf.String(), nil
}
