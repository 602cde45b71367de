package util

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/golang/glog"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func WriteJson(w http.ResponseWriter, r *http.Request, httpStatus int, obj interface{}) (err error) {
	var bytes []byte
	if r.FormValue("pretty") != "" {
		bytes, err = json.MarshalIndent(obj, "", "  ")
	} else {
		bytes, err = json.Marshal(obj)
	}
	if err != nil {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	_, err = w.Write(bytes)
	return
}

// wrapper for WriteJson - just logs errors
func WriteJsonQuiet(w http.ResponseWriter, r *http.Request, httpStatus int, obj interface{}) {
	if err := WriteJson(w, r, httpStatus, obj); err != nil {
		glog.V(0).Infof("error writing JSON %v: %v", obj, err)
	}
}

func WriteJsonError(w http.ResponseWriter, r *http.Request, httpStatus int, err error) {
	m := make(map[string]interface{})
	m["error"] = err.Error()
	WriteJsonQuiet(w, r, httpStatus, m)
}

func ReadJson(r io.Reader, obj interface{}) error {
	return json.NewDecoder(r).Decode(obj)
}

// DoJson sends req as json body, if not nil, and decodes a 2xx response into resp.
func DoJson(ctx context.Context, client *http.Client, method, url string, req, resp interface{}) error {
	var body io.Reader
	if req != nil {
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal %T: %w", req, err)
		}
		body = bytes.NewReader(data)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpResp, err := client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	return DecodeJsonResponse(httpResp, resp)
}

// DecodeJsonResponse turns a non-2xx status into an error carrying the
// server's error message.
func DecodeJsonResponse(httpResp *http.Response, resp interface{}) error {
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		var m map[string]interface{}
		if json.Unmarshal(data, &m) == nil {
			if msg, ok := m["error"].(string); ok {
				return fmt.Errorf("%s %s: %d %s", httpResp.Request.Method, httpResp.Request.URL.Path, httpResp.StatusCode, msg)
			}
		}
		return fmt.Errorf("%s %s: %d %s", httpResp.Request.Method, httpResp.Request.URL.Path, httpResp.StatusCode, bytes.TrimSpace(data))
	}
	if resp == nil {
		_, _ = io.Copy(io.Discard, httpResp.Body)
		return nil
	}
	return json.NewDecoder(httpResp.Body).Decode(resp)
}
