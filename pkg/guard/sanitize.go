package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// secretKeys never reach a service principal, at any depth
var secretKeys = map[string]bool{
	"password_hash": true,
	"reset_token":   true,
	"secret_hash":   true,
	"client_secret": true,
	"refresh_token": true,
	"token_hash":    true,
}

// Sanitize removes secret-bearing keys from decoded JSON in place and
// returns it
func Sanitize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, child := range t {
			if secretKeys[strings.ToLower(k)] {
				delete(t, k)
				continue
			}
			t[k] = Sanitize(child)
		}
	case []interface{}:
		for i, child := range t {
			t[i] = Sanitize(child)
		}
	}
	return v
}

var errTrailingData = errors.New("guard: trailing data after JSON document")

// sanitizingWriter buffers the handler's response so JSON bodies can be
// filtered before anything reaches the client
type sanitizingWriter struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func newSanitizingWriter(w http.ResponseWriter) *sanitizingWriter {
	return &sanitizingWriter{ResponseWriter: w}
}

func (s *sanitizingWriter) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
}

func (s *sanitizingWriter) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.buf.Write(b)
}

func (s *sanitizingWriter) flush() {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	body := s.buf.Bytes()

	// filtered whatever its declared type; only one JSON document passes
	if len(body) > 0 {
		clean, err := sanitizeBody(body)
		if err != nil {
			s.fail()
			return
		}
		body = clean
		s.Header().Set("Content-Type", "application/json")
	}

	s.Header().Set("Content-Length", strconv.Itoa(len(body)))
	s.ResponseWriter.WriteHeader(s.status)
	_, _ = s.ResponseWriter.Write(body)
}

func (s *sanitizingWriter) fail() {
	s.Header().Del("Content-Length")
	s.Header().Del("Content-Type")
	s.ResponseWriter.WriteHeader(http.StatusInternalServerError)
}

func sanitizeBody(body []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errTrailingData
	}
	clean, err := json.Marshal(Sanitize(doc))
	if err != nil {
		return nil, err
	}
	return append(clean, '\n'), nil
}
