package serializer

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// ResponseToBytes converts a response to its HTTP/1.1 wire representation.
// The body of res is read in full and replaced, so res can still be sent to the client.
func ResponseToBytes(res *http.Response) ([]byte, error) {
	body, err := readBody(res)
	if err != nil {
		return nil, err
	}
	res.Body = io.NopCloser(bytes.NewReader(body))

	// write a copy with a known length, so that the stored response is never chunked
	stored := *res
	stored.Body = io.NopCloser(bytes.NewReader(body))
	stored.ContentLength = int64(len(body))
	stored.TransferEncoding = nil
	stored.Close = false
	stored.Proto, stored.ProtoMajor, stored.ProtoMinor = "HTTP/1.1", 1, 1

	buf := &bytes.Buffer{}
	if err := stored.Write(buf); err != nil {
		return nil, fmt.Errorf("could not write response: %w", err)
	}
	return buf.Bytes(), nil
}

// BytesToResponse converts a stored response back to a http.Response.
// The request is set as the request of the response.
func BytesToResponse(b []byte, req *http.Request) (*http.Response, error) {
	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), req)
	if err != nil {
		return nil, fmt.Errorf("could not read stored response: %w", err)
	}
	return res, nil
}

func readBody(res *http.Response) ([]byte, error) {
	if res.Body == nil || res.Body == http.NoBody {
		return nil, nil
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}
	return body, nil
}
