// Package api is the management REST surface: stream CRUD, status, engine
// and cache statistics, cached snapshot retrieval, and a websocket feed of
// live detection results.
package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/cyclopcam/logs"
	"github.com/huangchao99/infer-server/pkg/www"
	"github.com/huangchao99/infer-server/server/cache"
	"github.com/huangchao99/infer-server/server/config"
	"github.com/huangchao99/infer-server/server/infer"
	"github.com/huangchao99/infer-server/server/stream"
	"github.com/julienschmidt/httprouter"
)

type API struct {
	log     logs.Log
	cfg     *config.Config
	manager *stream.Manager
	engine  *infer.Engine
	cache   *cache.ImageCache
	hub     *wsHub
	router  *httprouter.Router
}

func NewAPI(logger logs.Log, cfg *config.Config, manager *stream.Manager, engine *infer.Engine, imageCache *cache.ImageCache) *API {
	a := &API{
		log:     logger,
		cfg:     cfg,
		manager: manager,
		engine:  engine,
		cache:   imageCache,
		hub:     newWsHub(logger),
		router:  httprouter.New(),
	}
	a.setupRoutes()
	return a
}

func (a *API) Router() *httprouter.Router {
	return a.router
}

func (a *API) setupRoutes() {
	www.Handle(a.log, a.router, "GET", "/api/health", a.httpHealth)
	www.Handle(a.log, a.router, "GET", "/api/config", a.httpConfig)

	www.Handle(a.log, a.router, "POST", "/api/streams", a.httpAddStream)
	www.Handle(a.log, a.router, "GET", "/api/streams", a.httpListStreams)
	www.Handle(a.log, a.router, "GET", "/api/streams/:id", a.httpStreamStatus)
	www.Handle(a.log, a.router, "DELETE", "/api/streams/:id", a.httpRemoveStream)
	www.Handle(a.log, a.router, "POST", "/api/streams/:id/start", a.httpStartStream)
	www.Handle(a.log, a.router, "POST", "/api/streams/:id/stop", a.httpStopStream)

	www.Handle(a.log, a.router, "GET", "/api/engine", a.httpEngineStats)
	www.Handle(a.log, a.router, "GET", "/api/cache/stats", a.httpCacheStats)
	www.Handle(a.log, a.router, "GET", "/api/cache/image", a.httpCacheImage)

	www.Handle(a.log, a.router, "GET", "/api/results/ws", a.httpResultsWS)
}

func (a *API) httpHealth(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, map[string]string{"status": "ok"})
}

func (a *API) httpConfig(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, a.cfg)
}

func (a *API) httpAddStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	streamConfig := config.StreamConfig{FrameSkip: 1}
	www.ReadJSON(w, r, &streamConfig, 1024*1024)
	if err := a.manager.AddStream(streamConfig); err != nil {
		www.Panic(http.StatusBadRequest, err.Error())
	}
	www.SendOK(w)
}

func (a *API) httpListStreams(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, a.manager.GetAllStatus())
}

func (a *API) httpStreamStatus(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	status, ok := a.manager.GetStatus(params.ByName("id"))
	if !ok {
		www.PanicNotFoundf("stream %v not found", params.ByName("id"))
	}
	www.SendJSON(w, status)
}

func (a *API) httpRemoveStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if !a.manager.RemoveStream(params.ByName("id")) {
		www.PanicNotFoundf("stream %v not found", params.ByName("id"))
	}
	www.SendOK(w)
}

func (a *API) httpStartStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.Check(a.manager.StartStream(params.ByName("id")))
	www.SendOK(w)
}

func (a *API) httpStopStream(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.Check(a.manager.StopStream(params.ByName("id")))
	www.SendOK(w)
}

func (a *API) httpEngineStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, map[string]interface{}{
		"queue_size":      a.engine.QueueSize(),
		"queue_dropped":   a.engine.QueueDropped(),
		"total_processed": a.engine.TotalProcessed(),
		"worker_count":    a.engine.WorkerCount(),
		"published_count": a.engine.PublishedCount(),
	})
}

func (a *API) httpCacheStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendJSON(w, map[string]interface{}{
		"total_memory_bytes": a.cache.TotalMemoryBytes(),
		"total_frames":       a.cache.TotalFrames(),
		"stream_count":       a.cache.StreamCount(),
	})
}

// httpCacheImage serves a cached JPEG snapshot. latest=true or an absent
// ts return the newest frame; otherwise the frame nearest to ts.
func (a *API) httpCacheImage(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	streamID := www.RequiredQueryValue(r, "stream_id")
	latest := www.QueryBool(r, "latest")
	ts := www.QueryInt64(r, "ts")

	var frame cache.Frame
	var ok bool
	if latest || www.QueryValue(r, "ts") == "" {
		frame, ok = a.cache.GetLatestFrame(streamID)
	} else {
		frame, ok = a.cache.GetNearestFrame(streamID, ts)
	}
	if !ok {
		www.PanicNotFoundf("no cached frame for stream %v", streamID)
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Frame-Id", strconv.FormatUint(frame.FrameID, 10))
	w.Header().Set("X-Timestamp-Ms", strconv.FormatInt(frame.TimestampMS, 10))
	w.Header().Set("X-Width", strconv.Itoa(frame.Width))
	w.Header().Set("X-Height", strconv.Itoa(frame.Height))
	w.Header().Set("Content-Length", fmt.Sprint(len(frame.JPEG)))
	w.Write(frame.JPEG)
}
