package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("1 + 2", true, true, 30)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}

	if req.IsResponse {
		t.Error("request frame has the response flag set")
	}
	if req.StatusCode != StatusNone {
		t.Errorf("request status = %d, want %d", req.StatusCode, StatusNone)
	}
	if !req.Cacheable || !req.ShowSteps {
		t.Errorf("flags = C:%v S:%v, want both set", req.Cacheable, req.ShowSteps)
	}
	if req.CacheControl != 30 {
		t.Errorf("cache control = %d, want 30", req.CacheControl)
	}

	expr, err := DecodeRequestBody(req.Body)
	if err != nil {
		t.Fatalf("DecodeRequestBody() error = %v", err)
	}
	if expr != "1 + 2" {
		t.Errorf("expression = %q, want %q", expr, "1 + 2")
	}
}

func TestNewRequest_TooLong(t *testing.T) {
	_, err := NewRequest(strings.Repeat("1+", MaxBodySize), false, false, 0)
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("NewRequest() error = %v, want ErrEncoding", err)
	}
}

func TestNewResultResponse(t *testing.T) {
	resp, err := NewResultResponse(3.5, []string{"1 + 2.5 = 3.5"}, true, 120)
	if err != nil {
		t.Fatalf("NewResultResponse() error = %v", err)
	}

	if !resp.IsResponse || resp.StatusCode != StatusOK {
		t.Errorf("frame = T:%v status:%d, want response with %d", resp.IsResponse, resp.StatusCode, StatusOK)
	}

	body, err := DecodeResultBody(resp.Body)
	if err != nil {
		t.Fatalf("DecodeResultBody() error = %v", err)
	}
	if body.Value != 3.5 {
		t.Errorf("value = %v, want 3.5", body.Value)
	}
	if len(body.Steps) != 1 || body.Steps[0] != "1 + 2.5 = 3.5" {
		t.Errorf("steps = %v, want one recorded step", body.Steps)
	}
}

func TestNewErrorResponse(t *testing.T) {
	resp := NewErrorResponse(StatusClientError, "division by zero")

	if !resp.IsResponse || resp.StatusCode != StatusClientError {
		t.Errorf("frame = T:%v status:%d, want response with %d", resp.IsResponse, resp.StatusCode, StatusClientError)
	}
	if got := DecodeErrorBody(resp.Body); got != "division by zero" {
		t.Errorf("error description = %q, want %q", got, "division by zero")
	}
}

func TestDecodeRequestBody_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body []byte
	}{
		{name: "not json", body: []byte("1 + 2")},
		{name: "empty expression", body: []byte(`{"expression":""}`)},
		{name: "empty body", body: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRequestBody(tt.body); !errors.Is(err, ErrBadPayload) {
				t.Errorf("DecodeRequestBody() error = %v, want ErrBadPayload", err)
			}
		})
	}
}

func TestDecodeErrorBody_Undecodable(t *testing.T) {
	if got := DecodeErrorBody([]byte("garbage")); got == "" {
		t.Error("DecodeErrorBody() returned an empty description for garbage input")
	}
}
