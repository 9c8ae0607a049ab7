package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/user/notibot/internal/types"
)

// Response is a guest result that passed the structural check. Field
// presence and action semantics are left to the resolver.
type Response struct {
	Action            string                `json:"action"`
	ReplyText         *string               `json:"replyText"`
	SnoozeMinutes     *json.Number          `json:"snoozeMinutes"`
	Reason            string                `json:"reason"`
	AttachmentsToSend []types.AttachmentRef `json:"attachmentsToSend"`

	// Attachments is the legacy spelling of AttachmentsToSend.
	Attachments []types.AttachmentRef `json:"attachments"`

	Raw string `json:"-"`
}

// Refs returns the attachments the bot asked to send.
func (r *Response) Refs() []types.AttachmentRef {
	if len(r.AttachmentsToSend) > 0 {
		return r.AttachmentsToSend
	}
	return r.Attachments
}

const responseSchemaText = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": {"type": "string"},
    "replyText": {"type": ["string", "null"]},
    "snoozeMinutes": {"type": ["number", "null"]},
    "reason": {"type": ["string", "null"]},
    "attachmentsToSend": {"$ref": "#/$defs/refs"},
    "attachments": {"$ref": "#/$defs/refs"}
  },
  "$defs": {
    "refs": {
      "type": ["array", "null"],
      "items": {
        "type": "object",
        "required": ["path"],
        "properties": {
          "path": {"type": "string"},
          "mimeType": {"type": "string"}
        }
      }
    }
  }
}`

var responseSchema = compileResponseSchema()

func compileResponseSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("response.json", bytes.NewReader([]byte(responseSchemaText))); err != nil {
		panic(err)
	}
	return c.MustCompile("response.json")
}

// ParseResponse checks serialized guest output against the response shape
// and decodes it.
func ParseResponse(raw string) (*Response, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &ExecutionError{Kind: ErrInvalidResponseShape, Err: fmt.Errorf("decode response: %w", err)}
	}
	if err := responseSchema.Validate(doc); err != nil {
		return nil, &ExecutionError{Kind: ErrInvalidResponseShape, Err: err}
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, &ExecutionError{Kind: ErrInvalidResponseShape, Err: err}
	}
	resp.Raw = raw
	return &resp, nil
}
