package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
)

// errBodyTooLarge marks a request body over the configured cap.
var errBodyTooLarge = errors.New("request body too large")

// params collects request parameters from the query string and the body.
// Body values override query values.
type params map[string]string

func (p params) get(key string) string {
	return p[key]
}

func readParams(w http.ResponseWriter, r *http.Request, maxBody int64) (params, error) {
	p := make(params)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			p[k] = v[0]
		}
	}

	if r.Body == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
		return p, nil
	}
	if maxBody > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/json":
		if err := readJSONBody(r.Body, p); err != nil {
			return nil, err
		}
	case "application/x-www-form-urlencoded", "":
		if err := r.ParseForm(); err != nil {
			return nil, bodyError(err)
		}
		for k, v := range r.PostForm {
			if len(v) > 0 {
				p[k] = v[0]
			}
		}
	default:
		return nil, fmt.Errorf("unsupported content type %q", mediaType)
	}
	return p, nil
}

func readJSONBody(body io.Reader, p params) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return bodyError(err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return fmt.Errorf("parse json body: %w", err)
	}

	for k, v := range obj {
		switch val := v.(type) {
		case nil:
		case string:
			p[k] = val
		case json.Number:
			p[k] = val.String()
		case bool:
			p[k] = strconv.FormatBool(val)
		default:
			raw, err := json.Marshal(val)
			if err != nil {
				return fmt.Errorf("parse json body field %q: %w", k, err)
			}
			p[k] = string(raw)
		}
	}
	return nil
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return errBodyTooLarge
	}
	return fmt.Errorf("read body: %w", err)
}
