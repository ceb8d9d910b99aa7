package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// The frame body is opaque to the codec itself; the payload shapes
// below are the serialization shared by client, server, and tests.
// A request body carries the expression source; a response body carries
// either a result with an optional step trace or an error description,
// selected by the frame's status code.

// RequestBody is the payload of a request frame.
type RequestBody struct {
	Expression string `json:"expression"`
}

// ResultBody is the payload of a successful response frame.
type ResultBody struct {
	Value float64  `json:"value"`
	Steps []string `json:"steps,omitempty"`
}

// ErrorBody is the payload of an error response frame.
type ErrorBody struct {
	Error string `json:"error"`
}

// ErrBadPayload indicates a frame body that does not decode into the
// payload shape implied by the frame's type and status.
var ErrBadPayload = errors.New("protocol: malformed payload")

// NewRequest builds a request frame for the given expression source.
// cacheControl is the client's max-age constraint in seconds, 0 for
// no constraint.
func NewRequest(expression string, showSteps, cacheable bool, cacheControl uint16) (*Frame, error) {
	body, err := json.Marshal(RequestBody{Expression: expression})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	f := &Frame{
		Timestamp:    uint32(time.Now().Unix()),
		Cacheable:    cacheable,
		ShowSteps:    showSteps,
		StatusCode:   StatusNone,
		CacheControl: cacheControl,
		Body:         body,
	}
	if f.TotalLength() > MaxFrameSize {
		return nil, fmt.Errorf("%w: expression too long for one frame", ErrEncoding)
	}
	return f, nil
}

// NewResultResponse builds a 200 response frame carrying a result and
// an optional step trace. cacheable and cacheControl are the server's
// caching directives for this response.
func NewResultResponse(value float64, steps []string, cacheable bool, cacheControl uint16) (*Frame, error) {
	body, err := json.Marshal(ResultBody{Value: value, Steps: steps})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	f := &Frame{
		Timestamp:    uint32(time.Now().Unix()),
		Cacheable:    cacheable,
		IsResponse:   true,
		StatusCode:   StatusOK,
		CacheControl: cacheControl,
		Body:         body,
	}
	if f.TotalLength() > MaxFrameSize {
		return nil, fmt.Errorf("%w: step trace too long for one frame", ErrEncoding)
	}
	return f, nil
}

// NewErrorResponse builds an error response frame with the given
// status code and description. The body is truncated if the
// description would overflow the frame.
func NewErrorResponse(status uint16, message string) *Frame {
	body, err := json.Marshal(ErrorBody{Error: message})
	if err != nil || len(body) > MaxBodySize {
		// Fall back to a fixed description rather than fail: error
		// responses are the last resort on a failure path.
		body, _ = json.Marshal(ErrorBody{Error: "internal error"})
	}
	return &Frame{
		Timestamp:  uint32(time.Now().Unix()),
		IsResponse: true,
		StatusCode: status,
		Body:       body,
	}
}

// DecodeRequestBody extracts the expression source from a request
// frame body.
func DecodeRequestBody(body []byte) (string, error) {
	var req RequestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if req.Expression == "" {
		return "", fmt.Errorf("%w: empty expression", ErrBadPayload)
	}
	return req.Expression, nil
}

// DecodeResultBody extracts the result payload from a 200 response
// frame body.
func DecodeResultBody(body []byte) (*ResultBody, error) {
	var res ResultBody
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return &res, nil
}

// DecodeErrorBody extracts the error description from an error
// response frame body. A body that does not decode still yields a
// usable description.
func DecodeErrorBody(body []byte) string {
	var eb ErrorBody
	if err := json.Unmarshal(body, &eb); err != nil || eb.Error == "" {
		return fmt.Sprintf("undecodable error payload (%d bytes)", len(body))
	}
	return eb.Error
}
