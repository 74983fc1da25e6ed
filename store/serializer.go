package store

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// BytesToResponse converts a byte slice to a http.Response.
func BytesToResponse(b []byte) (*http.Response, error) {
	return http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
}

// ResponseToBytes converts a response to a byte slice.
// It returns the HTTP/1.1 representation of the response.
// The response body is replaced with an equivalent readable body,
// so the response stays usable after serialization.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := res.Write(buf); err != nil {
		return nil, err
	}
	bts := buf.Bytes()
	clonedRes, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(bts)), res.Request)
	if err != nil {
		return nil, err
	}
	res.Body = clonedRes.Body
	return bts, nil
}

// NewResponse synthesizes a buffered response, e.g. a 504 for timed-out
// data-group fetches or a JSON body for a db table entry.
func NewResponse(statusCode int, header http.Header, body []byte) *http.Response {
	if header == nil {
		header = make(http.Header)
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		StatusCode:    statusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

// CloneResponse returns an independent copy of a buffered response,
// leaving the original readable.
func CloneResponse(res *http.Response) (*http.Response, error) {
	bts, err := ResponseToBytes(res)
	if err != nil {
		return nil, err
	}
	return BytesToResponse(bts)
}

// Buffer reads the full body of a response and replaces it with an
// in-memory copy, closing the original. Network responses are buffered
// before they are cached or raced against timers.
func Buffer(res *http.Response) error {
	if res.Body == nil {
		res.Body = io.NopCloser(bytes.NewReader(nil))
		return nil
	}
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	res.ContentLength = int64(len(body))
	res.Header.Del("Transfer-Encoding")
	res.Header.Set("Content-Length", strconv.Itoa(len(body)))
	return nil
}

// ReadBody returns the full body of a buffered response and rewinds it,
// so the response can still be served or stored afterwards.
func ReadBody(res *http.Response) ([]byte, error) {
	body, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
