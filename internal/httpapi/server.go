// Package httpapi exposes the transcription pipeline over HTTP. It is the
// only place pipeline failures are translated into status codes and bodies.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/lo"

	"github.com/tiroq/whispergate/internal/asr"
	"github.com/tiroq/whispergate/internal/diaglog"
	"github.com/tiroq/whispergate/internal/media"
	"github.com/tiroq/whispergate/internal/pipeline"
	"github.com/tiroq/whispergate/internal/transcript"
)

// Client-facing messages.
const (
	MsgNoAudio         = "No audio file provided"
	MsgNoAudioOrVideo  = "No audio or video file provided"
	MsgNoFileSelected  = "No file selected"
	MsgAmbiguousFields = "Provide exactly one of audio or video"
	MsgMultipleFiles   = "Only one file may be uploaded per request"
	MsgStorageFailed   = "Internal storage error"
	MsgTranscodeFailed = "Audio conversion failed"
	MsgTranscribeFail  = "Transcription failed"
)

const modelsNote = "Set local.model (or remote.model) in gateway.json and restart to change the model"

// Transcriber runs one upload through the pipeline.
// *pipeline.Orchestrator implements it.
type Transcriber interface {
	Run(ctx context.Context, up pipeline.Upload) ([]transcript.Segment, error)
	Backend() asr.Backend
}

// Config holds the HTTP-facing settings.
type Config struct {
	ServiceName      string
	AcceptVideoField bool
	MaxUploadMB      int
	// HealthTimeout bounds the backend probe behind /health.
	HealthTimeout time.Duration
}

// Server is the echo application.
type Server struct {
	cfg    Config
	runner Transcriber
	echo   *echo.Echo
	outLog *log.Logger
	errLog *log.Logger
	logger *diaglog.Logger
}

type errorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type backendInfo struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status  string      `json:"status"`
	Service string      `json:"service"`
	Backend backendInfo `json:"backend"`
}

type modelsResponse struct {
	AvailableModels []string `json:"available_models"`
	CurrentModel    string   `json:"current_model"`
	Note            string   `json:"note"`
}

// New builds the server and registers its routes.
func New(cfg Config, runner Transcriber, outLog, errLog *log.Logger) *Server {
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = 3 * time.Second
	}
	if cfg.MaxUploadMB <= 0 {
		cfg.MaxUploadMB = 200
	}
	if outLog == nil {
		outLog = log.New(io.Discard, "", 0)
	}
	if errLog == nil {
		errLog = log.New(io.Discard, "", 0)
	}

	s := &Server{
		cfg:    cfg,
		runner: runner,
		echo:   echo.New(),
		outLog: outLog,
		errLog: errLog,
		logger: diaglog.NewNoOp(),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			s.errLog.Printf("panic serving %s: %v\n%s", c.Request().URL.Path, err, stack)
			return err
		},
	}))
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "${time_rfc3339} ${id} ${remote_ip} ${method} ${uri} ${status} ${latency_human}\n",
		Output: outLog.Writer(),
	}))
	e.Use(middleware.CORS())

	e.GET("/health", s.handleHealth)
	e.GET("/models", s.handleModels)
	e.POST("/transcribe", s.handleTranscribe,
		middleware.BodyLimit(fmt.Sprintf("%dM", cfg.MaxUploadMB)))

	return s
}

// SetLogger injects a diaglog.Logger for debug logging.
func (s *Server) SetLogger(l *diaglog.Logger) {
	if l == nil {
		l = diaglog.NewNoOp()
	}
	s.logger = l
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on addr. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// handleHealth always reports the gateway healthy; backend state is extra
// information only.
func (s *Server) handleHealth(c echo.Context) error {
	backend := s.runner.Backend()
	info := backendInfo{Name: backend.Name()}

	ctx, cancel := context.WithTimeout(c.Request().Context(), s.cfg.HealthTimeout)
	defer cancel()
	st, err := backend.HealthCheck(ctx)
	switch {
	case err != nil:
		info.Message = err.Error()
	case st != nil:
		info.OK = st.OK
		info.Message = st.Message
	}

	s.logger.Log(diaglog.LogEntry{
		Component: diaglog.ComponentHTTP,
		Event:     diaglog.EventBackendHealth,
		RequestID: requestID(c),
		Payload:   map[string]interface{}{"backend": info.Name, "ok": info.OK, "message": info.Message},
	})

	return c.JSON(http.StatusOK, healthResponse{
		Status:  "healthy",
		Service: s.cfg.ServiceName,
		Backend: info,
	})
}

func (s *Server) handleModels(c echo.Context) error {
	backend := s.runner.Backend()
	available := []string{backend.Model()}
	if ml, ok := backend.(asr.ModelLister); ok {
		if models := ml.AvailableModels(); len(models) > 0 {
			available = models
		}
	}
	return c.JSON(http.StatusOK, modelsResponse{
		AvailableModels: available,
		CurrentModel:    backend.Model(),
		Note:            modelsNote,
	})
}

func (s *Server) handleTranscribe(c echo.Context) error {
	reqID := requestID(c)

	format := c.QueryParam("format")
	if format == "" {
		format = transcript.FormatJSON
	}
	if !lo.Contains([]string{transcript.FormatJSON, transcript.FormatText, transcript.FormatSRT, transcript.FormatVTT}, format) {
		return c.JSON(http.StatusBadRequest, errorBody{Error: fmt.Sprintf("Unsupported format %q", format)})
	}

	form, err := c.MultipartForm()
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.JSON(http.StatusBadRequest, errorBody{Error: s.missingFileMessage()})
	}
	defer func() {
		if rerr := form.RemoveAll(); rerr != nil {
			s.errLog.Printf("[%s] failed to remove multipart temp files: %v", reqID, rerr)
		}
	}()

	field, fh, reject := s.pickFile(form)
	if reject != "" {
		s.outLog.Printf("[%s] Rejected upload: %s", reqID, reject)
		return c.JSON(http.StatusBadRequest, errorBody{Error: reject})
	}

	f, err := fh.Open()
	if err != nil {
		s.errLog.Printf("[%s] failed to open upload: %v", reqID, err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: MsgStorageFailed})
	}
	defer f.Close()

	up := pipeline.Upload{
		RequestID:   reqID,
		Field:       field,
		Filename:    fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Body:        f,
		Prompt:      firstValue(form, "prompt"),
		Language:    firstValue(form, "language"),
	}

	segs, err := s.runner.Run(c.Request().Context(), up)
	if err != nil {
		return s.writePipelineError(c, reqID, err)
	}

	body, err := transcript.Render(format, segs)
	if err != nil {
		return err
	}
	s.outLog.Printf("[%s] Transcribed %s: %d segments", reqID, fh.Filename, len(segs))
	return c.Blob(http.StatusOK, transcript.ContentType(format), body)
}

// pickFile returns the single accepted field carrying the upload, or the
// client error message explaining why the form was refused.
func (s *Server) pickFile(form *multipart.Form) (field string, fh *multipart.FileHeader, reject string) {
	fields := []string{"audio"}
	if s.cfg.AcceptVideoField {
		fields = append(fields, "video")
	}
	present := lo.Filter(fields, func(name string, _ int) bool {
		return len(form.File[name]) > 0
	})
	switch {
	case len(present) > 1:
		return "", nil, MsgAmbiguousFields
	case len(present) == 1:
		files := form.File[present[0]]
		if len(files) > 1 {
			return "", nil, MsgMultipleFiles
		}
		if files[0].Filename == "" {
			return "", nil, MsgNoFileSelected
		}
		return present[0], files[0], ""
	}
	// A file input submitted without a file can arrive as a plain value.
	for _, name := range fields {
		if _, ok := form.Value[name]; ok {
			return "", nil, MsgNoFileSelected
		}
	}
	return "", nil, s.missingFileMessage()
}

func (s *Server) missingFileMessage() string {
	if s.cfg.AcceptVideoField {
		return MsgNoAudioOrVideo
	}
	return MsgNoAudio
}

func (s *Server) writePipelineError(c echo.Context, reqID string, err error) error {
	var pe *pipeline.Error
	if !errors.As(err, &pe) {
		s.errLog.Printf("[%s] Transcription error: %v", reqID, err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: MsgTranscribeFail, Details: err.Error()})
	}

	switch pe.Kind {
	case pipeline.KindClientInput:
		var ce *pipeline.ClientInputError
		msg := MsgNoFileSelected
		if errors.As(err, &ce) {
			msg = ce.Message
		}
		s.outLog.Printf("[%s] Rejected upload: %s", reqID, msg)
		return c.JSON(http.StatusBadRequest, errorBody{Error: msg})

	case pipeline.KindStorage:
		s.errLog.Printf("[%s] Storage error: %v", reqID, pe.Err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: MsgStorageFailed})

	case pipeline.KindTranscode:
		details := pe.Err.Error()
		var te *media.TranscodeError
		if errors.As(err, &te) {
			details = te.Diagnostics()
		}
		s.errLog.Printf("[%s] Transcode error: %v", reqID, pe.Err)
		return c.JSON(http.StatusInternalServerError, errorBody{Error: MsgTranscodeFailed, Details: details})
	}

	s.errLog.Printf("[%s] Transcription error: %v", reqID, pe.Err)
	return c.JSON(http.StatusInternalServerError, errorBody{Error: MsgTranscribeFail, Details: pe.Err.Error()})
}

// handleError renders echo and panic errors in the {error} shape.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := "Internal server error"
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(code)
		}
	} else {
		s.errLog.Printf("[%s] Unhandled error: %v", requestID(c), err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, errorBody{Error: msg})
	}
	if err != nil {
		s.errLog.Printf("failed to write error response: %v", err)
	}
}

func requestID(c echo.Context) string {
	if id := c.Response().Header().Get(echo.HeaderXRequestID); id != "" {
		return id
	}
	return c.Request().Header.Get(echo.HeaderXRequestID)
}

func firstValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}
