// Package www carries the small HTTP helpers shared by the management API:
// panic-based error handling and JSON senders.
package www

import (
	"encoding/json"
	"net/http"
	"runtime/debug"
	"strconv"

	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

// RunProtected runs handler inside a recover that turns HTTPError panics
// into their HTTP responses, and anything else into a 500.
func RunProtected(log logs.Log, w http.ResponseWriter, r *http.Request, handler func()) {
	defer func() {
		if rec := recover(); rec != nil {
			switch err := rec.(type) {
			case HTTPError:
				log.Infof("Failed request %v: %v %v", r.URL.Path, err.Code, err.Message)
				SendError(w, err.Message, err.Code)
			case error:
				log.Errorf("Panic in %v: %v", r.URL.Path, err)
				log.Errorf("Stack: %v", string(debug.Stack()))
				SendError(w, err.Error(), http.StatusInternalServerError)
			default:
				log.Errorf("Unrecognized panic in %v: %v", r.URL.Path, rec)
				SendError(w, "internal error", http.StatusInternalServerError)
			}
		}
	}()
	handler()
}

// Handle registers a route whose handler runs under RunProtected.
func Handle(log logs.Log, router *httprouter.Router, method, path string, handle httprouter.Handle) {
	router.Handle(method, path, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		RunProtected(log, w, r, func() {
			handle(w, r, params)
		})
	})
}

func QueryValue(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// RequiredQueryValue panics with a 400 when the parameter is absent.
func RequiredQueryValue(r *http.Request, key string) string {
	v := QueryValue(r, key)
	if v == "" {
		PanicBadRequestf("Missing required query parameter '%v'", key)
	}
	return v
}

// QueryInt64 returns 0 when absent or malformed.
func QueryInt64(r *http.Request, key string) int64 {
	v, _ := strconv.ParseInt(QueryValue(r, key), 10, 64)
	return v
}

// QueryBool returns false when absent or malformed.
func QueryBool(r *http.Request, key string) bool {
	v, _ := strconv.ParseBool(QueryValue(r, key))
	return v
}

// ReadJSON decodes the request body into obj, panicking with a 400 on
// malformed input.
func ReadJSON(w http.ResponseWriter, r *http.Request, obj interface{}, maxBodyBytes int64) {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(obj); err != nil {
		PanicBadRequestf("Invalid JSON body: %v", err)
	}
}

func SendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	w.Write([]byte(message))
}

func SendJSON(w http.ResponseWriter, obj interface{}) {
	b, err := json.Marshal(obj)
	if err != nil {
		SendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func SendOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}
