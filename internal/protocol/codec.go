package protocol

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// DefaultMaxRequestBytes bounds a single request read.
const DefaultMaxRequestBytes = 4096

var ErrRequestTooLarge = errors.New("request exceeds buffer")

//go:embed schemas/request.schema.json
var requestSchemaJSON string

//go:embed schemas/response.schema.json
var responseSchemaJSON string

var (
	requestSchema  = jsonschema.MustCompileString("request.schema.json", requestSchemaJSON)
	responseSchema = jsonschema.MustCompileString("response.schema.json", responseSchemaJSON)
)

// DecodeError reports a request that is not a well-formed command.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
	}
	return "decode: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Result converts the error into the response sent to the client.
func (e *DecodeError) Result() Result {
	if errors.Is(e.Err, ErrRequestTooLarge) {
		return Fail(ErrProtoBadRequest, "request too large")
	}
	return Failf(ErrProtoBadRequest, "bad request: %s", e.Reason)
}

// Decode parses one request payload. Unknown actions are not an error here.
func Decode(raw []byte) (Command, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Command{}, &DecodeError{Reason: "empty request"}
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Command{}, &DecodeError{Reason: "malformed json", Err: err}
	}
	if err := requestSchema.Validate(doc); err != nil {
		return Command{}, &DecodeError{Reason: schemaReason(err), Err: err}
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Command{}, &DecodeError{Reason: "invalid field", Err: err}
	}
	return req.Command(), nil
}

func schemaReason(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return "invalid request"
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	loc := strings.TrimPrefix(leaf.InstanceLocation, "/")
	if loc == "" {
		return leaf.Message
	}
	return loc + ": " + leaf.Message
}

// Encode serializes a Result as a single JSON object terminated by a newline.
func Encode(r Result) []byte {
	status := r.Status
	if status == "" {
		status = StatusError
	}
	var buf bytes.Buffer
	buf.WriteString(`{"status":`)
	writeString(&buf, string(status))
	if r.Code != "" {
		buf.WriteString(`,"code":`)
		writeString(&buf, r.Code)
	}
	if r.Message != "" {
		buf.WriteString(`,"message":`)
		writeString(&buf, r.Message)
	}
	p := bytes.TrimSpace(r.Payload)
	switch {
	case len(p) == 0 || bytes.Equal(p, []byte("null")):
	case p[0] == '{':
		writeMembers(&buf, p)
	default:
		buf.WriteString(`,"data":`)
		buf.Write(p)
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

// envelopeKeys are written from the Result itself. Payload members with
// these names are dropped so a payload cannot override the status.
var envelopeKeys = map[string]bool{"status": true, "code": true, "message": true}

// writeMembers appends the members of the JSON object obj, compacted.
func writeMembers(buf *bytes.Buffer, obj []byte) {
	dec := json.NewDecoder(bytes.NewReader(obj))
	if _, err := dec.Token(); err != nil {
		return
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return
		}
		if envelopeKeys[key] {
			continue
		}
		buf.WriteByte(',')
		writeString(buf, key)
		buf.WriteByte(':')
		if err := json.Compact(buf, v); err != nil {
			buf.WriteString("null")
		}
	}
}

func writeString(buf *bytes.Buffer, s string) {
	b, _ := json.Marshal(s)
	buf.Write(b)
}

// DecodeResponse parses an encoded Result on the client side.
func DecodeResponse(raw []byte) (Response, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(bytes.TrimSpace(raw), &fields); err != nil {
		return Response{}, fmt.Errorf("decode response: %w", err)
	}
	var resp Response
	if v, ok := fields["status"]; ok {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return Response{}, fmt.Errorf("decode response status: %w", err)
		}
		resp.Status = Status(s)
	} else {
		return Response{}, errors.New("decode response: missing status")
	}
	if v, ok := fields["code"]; ok {
		_ = json.Unmarshal(v, &resp.Code)
	}
	if v, ok := fields["message"]; ok {
		_ = json.Unmarshal(v, &resp.Message)
	}
	delete(fields, "status")
	delete(fields, "code")
	delete(fields, "message")
	resp.Fields = fields
	return resp, nil
}

// ValidateResponse checks an encoded response against the response schema.
func ValidateResponse(raw []byte) error {
	var doc any
	if err := json.Unmarshal(bytes.TrimSpace(raw), &doc); err != nil {
		return err
	}
	return responseSchema.Validate(doc)
}
