package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxRequestBody bounds REST request bodies. Commands are a few short
// strings.
const maxRequestBody = 16 << 10

// ErrorBody is the JSON shape of every REST and middleware error response.
type ErrorBody struct {
	Error string `json:"error"`
}

// DecodeErrorBody reads an error response written by WriteError. Bodies that
// are not in that shape yield the HTTP status text instead.
func DecodeErrorBody(resp *http.Response) error {
	var body ErrorBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRequestBody)).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("%s", resp.Status)
	}
	return errors.New(body.Error)
}

// writeJSON writes payload with status. API responses describe live engine
// state and are never cached.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	header := w.Header()
	header.Set("Content-Type", "application/json")
	header.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, ErrorBody{Error: err.Error()})
}

// WriteError writes err as an ErrorBody. The server middleware uses it for
// CORS and rate limit rejections.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

// decodeJSON decodes exactly one JSON value from the request body, rejecting
// unknown fields and trailing data.
func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
