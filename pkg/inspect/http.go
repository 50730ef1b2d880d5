package inspect

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/edgeflare/carebus/pkg/broker"
	"github.com/edgeflare/carebus/pkg/httputil"
	"github.com/edgeflare/carebus/pkg/httputil/middleware"
	"github.com/edgeflare/carebus/pkg/schema"
)

const healthTimeout = 2 * time.Second

// maxPayload caps payloads submitted for validation.
const maxPayload = 1 << 20

// Mount registers the inspection API on r.
func (s *Service) Mount(r *httputil.Router) {
	r.HandleFunc("GET /healthz", s.handleHealth)
	r.HandleFunc("GET /topics", s.handleListTopics)
	r.HandleFunc("GET /topics/{name}", s.handleDescribeTopic)
	r.HandleFunc("GET /groups", s.handleListGroups)
	r.HandleFunc("GET /groups/{id}/lag", s.handleGroupLag)
	r.HandleFunc("GET /schemas/{type}", s.handleListSchemas)
	r.HandleFunc("POST /schemas/{type}", s.handleRegisterSchema)
	r.HandleFunc("POST /schemas/{type}/{version}/validate", s.handleValidate)
}

func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := 0
	switch {
	case errors.Is(err, broker.ErrTopicNotFound), errors.Is(err, broker.ErrGroupNotFound), errors.Is(err, schema.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrNoRegistry):
		status = http.StatusNotImplemented
	}
	if status == 0 && httputil.StatusOf(err) == http.StatusInternalServerError {
		middleware.LoggerFrom(r.Context()).Error("inspection failed", zap.Error(err))
	}
	httputil.Fail(w, status, err)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.Health(r.Context(), healthTimeout); err != nil {
		httputil.Fail(w, http.StatusServiceUnavailable, err)
		return
	}
	httputil.Text(w, http.StatusOK, "ok")
}

func (s *Service) handleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := s.ListTopics(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, topics)
}

func (s *Service) handleDescribeTopic(w http.ResponseWriter, r *http.Request) {
	desc, err := s.DescribeTopic(r.Context(), r.PathValue("name"))
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, desc)
}

func (s *Service) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.ListGroups(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, groups)
}

func (s *Service) handleGroupLag(w http.ResponseWriter, r *http.Request) {
	lag, err := s.GroupLag(r.Context(), r.PathValue("id"))
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, lag)
}

func (s *Service) handleListSchemas(w http.ResponseWriter, r *http.Request) {
	vs, err := s.Schemas(r.Context(), r.PathValue("type"))
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusOK, vs)
}

// RegisterResponse is the answer to a schema registration.
type RegisterResponse struct {
	EventType string `json:"eventType"`
	Version   int    `json:"version"`
}

func (s *Service) handleRegisterSchema(w http.ResponseWriter, r *http.Request) {
	var sc schema.Schema
	if err := httputil.BindOrError(r, w, &sc); err != nil {
		return
	}
	eventType := r.PathValue("type")
	v, err := s.RegisterSchema(r.Context(), eventType, sc)
	if err != nil {
		fail(w, r, err)
		return
	}
	httputil.JSON(w, http.StatusCreated, RegisterResponse{EventType: eventType, Version: v})
}

func (s *Service) handleValidate(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.PathValue("version"))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, "version must be an integer")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayload))
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.Validate(r.Context(), r.PathValue("type"), version, payload); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
