package apidriver

import (
	"fmt"
	"net/http"

	json "github.com/goccy/go-json"
)

// Response is the result of a completed round trip. The body is fully read;
// decoding it is left to the caller.
//
// Example:
//
//	resp, err := driver.Get(ctx, "/v1/device", nil)
//	if err != nil {
//	    return err
//	}
//
//	var devices DeviceList
//	if err := resp.JSON(&devices); err != nil {
//	    return err
//	}
type Response struct {
	// StatusCode is the HTTP status code (e.g. 200).
	StatusCode int

	// Header holds the response headers.
	Header http.Header

	// Body is the raw response body.
	Body []byte
}

// IsSuccess returns true for 2xx status codes.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// String returns the body as a string.
func (r *Response) String() string {
	return string(r.Body)
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("eniris: decode response: empty body")
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("eniris: decode response: %w", err)
	}
	return nil
}
